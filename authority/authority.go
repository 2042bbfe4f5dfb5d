// Package authority implements the identity authority: an in-process X.509
// certificate authority that issues, revokes, and verifies the leaf
// certificates of fleet identities.
//
// The signing key is held only in memory. It is either supplied directly as
// PEM material, derived deterministically from a master secret, or
// reconstructed from administrator shares through the SealedAuthority unseal
// flow. Until key material is installed the authority reports
// ErrAuthorityUnavailable for issuance and verification.
package authority

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
	"github.com/ALLTERCO/device-provisioning-service/metrics"
)

const (
	// caValidityYears is the lifetime of a self-signed root generated from
	// a master secret.
	caValidityYears = 10

	// MinMasterSecretLen is the minimum length of a master secret used to
	// derive the signing key.
	MinMasterSecretLen = 16
)

// Authority issues leaf certificates from a single root and records every
// issuance and revocation through the credential store.
type Authority struct {
	mu       sync.RWMutex
	caKey    *ecdsa.PrivateKey
	caCert   *x509.Certificate
	caPEM    cryptoutils.CertPEM
	caSerial interfaces.SerialNumber

	store interfaces.CredentialStore
	log   *slog.Logger
}

// New creates an authority from CA certificate and key PEM material.
func New(caCert cryptoutils.CertPEM, caKey cryptoutils.KeyPEM, store interfaces.CredentialStore, log *slog.Logger) (*Authority, error) {
	a := &Authority{store: store, log: log}
	if err := a.install(caCert, caKey); err != nil {
		return nil, err
	}
	return a, nil
}

// NewFromMasterSecret creates an authority whose signing key is derived
// deterministically from the master secret, with a freshly self-signed root
// for subjectCN. The same secret and subject always yield the same key, so a
// restarted deployment keeps verifying previously issued certificates.
func NewFromMasterSecret(masterSecret []byte, subjectCN string, store interfaces.CredentialStore, log *slog.Logger) (*Authority, error) {
	a := NewSealed(store, log)
	if err := a.InstallMasterSecret(masterSecret, subjectCN); err != nil {
		return nil, err
	}
	return a, nil
}

// NewSealed creates an authority with no signing key. Issue and VerifyChain
// fail with ErrAuthorityUnavailable until InstallMasterSecret is called,
// normally by the SealedAuthority unseal flow.
func NewSealed(store interfaces.CredentialStore, log *slog.Logger) *Authority {
	return &Authority{store: store, log: log}
}

// InstallMasterSecret derives the signing key from the master secret and
// unlocks the authority. The secret must be at least MinMasterSecretLen
// bytes.
func (a *Authority) InstallMasterSecret(masterSecret []byte, subjectCN string) error {
	if len(masterSecret) < MinMasterSecretLen {
		return fmt.Errorf("master secret must be at least %d bytes", MinMasterSecretLen)
	}
	if subjectCN == "" {
		return errors.New("authority subject common name must not be empty")
	}

	caKey := deriveSigningKey(masterSecret, subjectCN)
	serial, certPEM, err := newRootCertificate(caKey, subjectCN)
	if err != nil {
		return fmt.Errorf("creating root certificate: %w", err)
	}

	caCert, err := certPEM.GetX509Cert()
	if err != nil {
		return fmt.Errorf("parsing root certificate: %w", err)
	}

	a.mu.Lock()
	a.caKey = caKey
	a.caCert = caCert
	a.caPEM = certPEM
	a.caSerial = serial
	a.mu.Unlock()

	a.log.Info("authority unlocked", "subject", subjectCN, "root_serial", serial.String())
	return nil
}

// Ready reports whether the signing key is loaded. Gates service readiness
// for sealed deployments.
func (a *Authority) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.caKey != nil
}

func (a *Authority) install(certPEM cryptoutils.CertPEM, keyPEM cryptoutils.KeyPEM) error {
	caCert, err := certPEM.GetX509Cert()
	if err != nil {
		return fmt.Errorf("parsing CA certificate: %w", err)
	}
	if !caCert.IsCA {
		return errors.New("CA certificate does not carry the CA basic constraint")
	}

	key, err := keyPEM.GetPrivateKey()
	if err != nil {
		return fmt.Errorf("parsing CA key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("CA key is %T, authority requires ECDSA", key)
	}
	certKey, ok := caCert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !ecKey.PublicKey.Equal(certKey) {
		return errors.New("CA key does not match the CA certificate")
	}

	serial, err := interfaces.SerialNumberFromBigInt(caCert.SerialNumber)
	if err != nil {
		return fmt.Errorf("CA certificate serial: %w", err)
	}

	a.mu.Lock()
	a.caKey = ecKey
	a.caCert = caCert
	a.caPEM = certPEM
	a.caSerial = serial
	a.mu.Unlock()
	return nil
}

// Issue signs one leaf certificate and persists its record. Issuing for an
// identity that already holds an active certificate supersedes the prior
// record in the same store transaction.
func (a *Authority) Issue(ctx context.Context, req interfaces.IssuanceRequest) (*interfaces.CertificateRecord, error) {
	if req.Identity == nil || req.Identity.CommonName == "" {
		return nil, fmt.Errorf("%w: issuance requires an identity with a common name", interfaces.ErrInvalidExtension)
	}
	if err := req.Identity.Role.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidExtension, err)
	}
	if req.ValidityDays < 1 || req.ValidityDays > interfaces.MaxValidityDays {
		return nil, fmt.Errorf("%w: validity of %d days outside [1, %d]", interfaces.ErrInvalidExtension, req.ValidityDays, interfaces.MaxValidityDays)
	}
	switch req.PublicKey.(type) {
	case *ecdsa.PublicKey, ed25519.PublicKey, *rsa.PublicKey:
	default:
		return nil, fmt.Errorf("%w: unsupported subject public key type %T", interfaces.ErrInvalidExtension, req.PublicKey)
	}

	var uris []*url.URL
	if req.Identity.Role == interfaces.RoleDevice {
		if req.Identity.ClientID == "" {
			return nil, fmt.Errorf("%w: device identity %q has no client identifier for the SAN URI", interfaces.ErrInvalidExtension, req.Identity.CommonName)
		}
		clientURI, err := url.Parse(req.Identity.ClientID)
		if err != nil {
			return nil, fmt.Errorf("%w: client identifier %q is not a valid URI: %v", interfaces.ErrInvalidExtension, req.Identity.ClientID, err)
		}
		uris = []*url.URL{clientURI}
	}

	a.mu.RLock()
	caKey, caCert, caSerial := a.caKey, a.caCert, a.caSerial
	a.mu.RUnlock()
	if caKey == nil {
		return nil, fmt.Errorf("%w: signing key not loaded", interfaces.ErrAuthorityUnavailable)
	}

	serial, err := interfaces.RandomSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAuthorityUnavailable, err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial.BigInt(),
		Subject:               pkix.Name{CommonName: req.Identity.CommonName},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, req.ValidityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           extKeyUsageForRole(req.Identity.Role),
		BasicConstraintsValid: true,
		DNSNames:              req.Extensions.DNSNames,
		IPAddresses:           req.Extensions.IPAddresses,
		URIs:                  uris,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, caCert, req.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("%w: signing leaf certificate: %v", interfaces.ErrAuthorityUnavailable, err)
	}

	record := &interfaces.CertificateRecord{
		SerialNumber: serial,
		Identity:     req.Identity.CommonName,
		Status:       interfaces.CertActive,
		NotBefore:    template.NotBefore,
		NotAfter:     template.NotAfter,
		Fingerprint:  interfaces.ComputeFingerprint(certDER),
		IssuerSerial: caSerial,
		PEM:          pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		CreatedAt:    now,
	}

	if err := a.store.PutCertificateRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("persisting certificate record: %w", err)
	}

	metrics.CertificatesIssued.Inc()
	a.log.Info("issued certificate",
		"identity", req.Identity.CommonName,
		"role", req.Identity.Role.String(),
		"serial", record.SerialNumber.String(),
		"fingerprint", record.Fingerprint.String(),
		"not_after", record.NotAfter)
	return record, nil
}

// Revoke marks the record revoked. Revoking an already-revoked serial is a
// no-op so compensating rollbacks and operator requests can race safely.
func (a *Authority) Revoke(ctx context.Context, serial interfaces.SerialNumber, reason string) error {
	record, err := a.store.GetCertificateBySerial(ctx, serial)
	if err != nil {
		return err
	}
	if record.Status == interfaces.CertRevoked {
		return nil
	}

	if err := a.store.SetCertificateStatus(ctx, serial, interfaces.CertRevoked, reason); err != nil {
		return fmt.Errorf("recording revocation: %w", err)
	}

	metrics.CertificatesRevoked.Inc()
	a.log.Info("revoked certificate", "serial", serial.String(), "reason", reason)
	return nil
}

// VerifyChain validates the certificate's signature and validity window
// against the held root. Pure; no store access.
func (a *Authority) VerifyChain(certPEM cryptoutils.CertPEM) error {
	a.mu.RLock()
	caCert := a.caCert
	a.mu.RUnlock()
	if caCert == nil {
		return fmt.Errorf("%w: root certificate not loaded", interfaces.ErrAuthorityUnavailable)
	}

	leaf, err := certPEM.GetX509Cert()
	if err != nil {
		return fmt.Errorf("parsing certificate: %w", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("certificate chain verification failed: %w", err)
	}
	return nil
}

// CACert returns the authority's root certificate PEM, or nil while sealed.
func (a *Authority) CACert() cryptoutils.CertPEM {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.caPEM
}

func extKeyUsageForRole(role interfaces.Role) []x509.ExtKeyUsage {
	if role == interfaces.RoleDevice {
		return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
}

// deriveSigningKey derives a P-256 key from the master secret and subject.
func deriveSigningKey(masterSecret []byte, subjectCN string) *ecdsa.PrivateKey {
	h := sha256.New()
	h.Write(masterSecret)
	h.Write([]byte(subjectCN))
	h.Write([]byte("ca"))
	seed := h.Sum(nil)

	curve := elliptic.P256()

	// Reduce into [1, N-1] so the seed is always a valid scalar.
	d := new(big.Int).SetBytes(seed)
	d.Mod(d, new(big.Int).Sub(curve.Params().N, big.NewInt(1)))
	d.Add(d, big.NewInt(1))

	privateKey := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: curve,
		},
		D: d,
	}
	privateKey.PublicKey.X, privateKey.PublicKey.Y = curve.ScalarBaseMult(d.FillBytes(make([]byte, 32)))

	return privateKey
}

// newRootCertificate creates the self-signed root for a derived signing key.
func newRootCertificate(caKey *ecdsa.PrivateKey, subjectCN string) (interfaces.SerialNumber, cryptoutils.CertPEM, error) {
	serial, err := interfaces.RandomSerialNumber()
	if err != nil {
		return interfaces.SerialNumber{}, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial.BigInt(),
		Subject: pkix.Name{
			Organization: []string{"Device Provisioning Service"},
			CommonName:   subjectCN,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(caValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	if err != nil {
		return interfaces.SerialNumber{}, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return serial, pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	}), nil
}
