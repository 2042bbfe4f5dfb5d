package authority

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
	"github.com/ALLTERCO/device-provisioning-service/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMasterSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err, "Failed to generate test master secret")
	return secret
}

func newTestAuthority(t *testing.T) (*Authority, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	auth, err := NewFromMasterSecret(testMasterSecret(t), "Test Provisioning Root", s, testLogger())
	require.NoError(t, err, "Failed to create test authority")
	return auth, s
}

func deviceIdentity(cn, clientID string) *interfaces.Identity {
	now := time.Now()
	return &interfaces.Identity{
		CommonName: cn,
		ClientID:   clientID,
		Role:       interfaces.RoleDevice,
		Status:     interfaces.IdentityActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func subjectKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "Failed to generate subject key")
	return key
}

func TestIssueDeviceCertificate(t *testing.T) {
	auth, s := newTestAuthority(t)
	key := subjectKey(t)

	record, err := auth.Issue(context.Background(), interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-01", "dev-42"),
		PublicKey:    &key.PublicKey,
		ValidityDays: 825,
	})
	require.NoError(t, err, "Issue should succeed for a valid device request")

	assert.Equal(t, "shelly-01", record.Identity)
	assert.Equal(t, interfaces.CertActive, record.Status)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 825), record.NotAfter, time.Minute,
		"NotAfter should honor the requested validity")

	cert, err := record.PEM.GetX509Cert()
	require.NoError(t, err, "Issued PEM should parse")
	assert.Equal(t, "shelly-01", cert.Subject.CommonName)
	assert.False(t, cert.IsCA, "Leaf must not carry the CA constraint")
	assert.True(t, cert.BasicConstraintsValid)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage,
		"Device role selects clientAuth")
	require.Len(t, cert.URIs, 1, "Device leaf should carry the SAN URI")
	assert.Equal(t, "dev-42", cert.URIs[0].String(), "Client identifier must round-trip verbatim")

	assert.True(t, record.Fingerprint.Equal(interfaces.ComputeFingerprint(cert.Raw)),
		"Record fingerprint should hash the DER encoding")

	serial, err := interfaces.SerialNumberFromBigInt(cert.SerialNumber)
	require.NoError(t, err)
	assert.True(t, record.SerialNumber.Equal(serial), "Record serial should match the certificate")

	stored, err := s.GetActiveCertificate(context.Background(), "shelly-01")
	require.NoError(t, err, "Issue should persist the record")
	assert.True(t, stored.SerialNumber.Equal(record.SerialNumber))
}

func TestIssueValidityBounds(t *testing.T) {
	auth, _ := newTestAuthority(t)
	key := subjectKey(t)

	for _, days := range []int{-1, 0, 3651} {
		_, err := auth.Issue(context.Background(), interfaces.IssuanceRequest{
			Identity:     deviceIdentity("shelly-01", "dev-42"),
			PublicKey:    &key.PublicKey,
			ValidityDays: days,
		})
		assert.ErrorIs(t, err, interfaces.ErrInvalidExtension, "Validity of %d days should be rejected", days)
	}

	for _, days := range []int{1, 3650} {
		_, err := auth.Issue(context.Background(), interfaces.IssuanceRequest{
			Identity:     deviceIdentity(fmt.Sprintf("bound-ok-%d", days), "dev-42"),
			PublicKey:    &key.PublicKey,
			ValidityDays: days,
		})
		assert.NoError(t, err, "Validity of %d days should be accepted", days)
	}
}

func TestIssueExtKeyUsageByRole(t *testing.T) {
	auth, _ := newTestAuthority(t)
	key := subjectKey(t)

	cases := []struct {
		role interfaces.Role
		want x509.ExtKeyUsage
	}{
		{interfaces.RoleAdmin, x509.ExtKeyUsageServerAuth},
		{interfaces.RoleMonitor, x509.ExtKeyUsageServerAuth},
		{interfaces.RoleDevice, x509.ExtKeyUsageClientAuth},
	}

	for _, tc := range cases {
		identity := &interfaces.Identity{
			CommonName: "eku-" + tc.role.String(),
			ClientID:   "client-" + tc.role.String(),
			Role:       tc.role,
			Status:     interfaces.IdentityActive,
		}
		record, err := auth.Issue(context.Background(), interfaces.IssuanceRequest{
			Identity:     identity,
			PublicKey:    &key.PublicKey,
			ValidityDays: 30,
		})
		require.NoError(t, err, "Issue should succeed for role %s", tc.role)

		cert, err := record.PEM.GetX509Cert()
		require.NoError(t, err)
		assert.Equal(t, []x509.ExtKeyUsage{tc.want}, cert.ExtKeyUsage, "Role %s selects the wrong EKU", tc.role)

		if tc.role != interfaces.RoleDevice {
			assert.Empty(t, cert.URIs, "Only device leaves carry the SAN URI")
		}
	}
}

func TestIssueDeviceRequiresClientID(t *testing.T) {
	auth, _ := newTestAuthority(t)
	key := subjectKey(t)

	_, err := auth.Issue(context.Background(), interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-01", ""),
		PublicKey:    &key.PublicKey,
		ValidityDays: 30,
	})
	assert.ErrorIs(t, err, interfaces.ErrInvalidExtension, "Device without client identifier must be rejected")
}

func TestIssueSupersedesPriorActive(t *testing.T) {
	auth, s := newTestAuthority(t)
	key := subjectKey(t)
	ctx := context.Background()

	first, err := auth.Issue(ctx, interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-01", "dev-42"),
		PublicKey:    &key.PublicKey,
		ValidityDays: 30,
	})
	require.NoError(t, err)

	second, err := auth.Issue(ctx, interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-01", "dev-42"),
		PublicKey:    &key.PublicKey,
		ValidityDays: 365,
	})
	require.NoError(t, err)

	priorRecord, err := s.GetCertificateBySerial(ctx, first.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, interfaces.CertSuperseded, priorRecord.Status, "Prior record should be superseded on reissue")
	require.NotNil(t, priorRecord.SupersededBy)
	assert.True(t, priorRecord.SupersededBy.Equal(second.SerialNumber))

	active, err := s.GetActiveCertificate(ctx, "shelly-01")
	require.NoError(t, err)
	assert.True(t, active.SerialNumber.Equal(second.SerialNumber), "Exactly the new record should be active")
}

func TestIssueWhileSealed(t *testing.T) {
	auth := NewSealed(store.NewMemoryStore(), testLogger())
	key := subjectKey(t)

	_, err := auth.Issue(context.Background(), interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-01", "dev-42"),
		PublicKey:    &key.PublicKey,
		ValidityDays: 30,
	})
	assert.ErrorIs(t, err, interfaces.ErrAuthorityUnavailable, "Sealed authority must refuse issuance")
	assert.False(t, auth.Ready())
	assert.Nil(t, auth.CACert(), "Sealed authority has no root to hand out")

	require.NoError(t, auth.InstallMasterSecret(testMasterSecret(t), "Test Provisioning Root"))
	assert.True(t, auth.Ready())

	_, err = auth.Issue(context.Background(), interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-01", "dev-42"),
		PublicKey:    &key.PublicKey,
		ValidityDays: 30,
	})
	assert.NoError(t, err, "Unsealed authority should issue")
}

func TestInstallMasterSecretTooShort(t *testing.T) {
	auth := NewSealed(store.NewMemoryStore(), testLogger())
	err := auth.InstallMasterSecret(make([]byte, 8), "Test Provisioning Root")
	assert.Error(t, err, "Short master secret must be rejected")
}

func TestRevokeIdempotent(t *testing.T) {
	auth, s := newTestAuthority(t)
	key := subjectKey(t)
	ctx := context.Background()

	record, err := auth.Issue(ctx, interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-01", "dev-42"),
		PublicKey:    &key.PublicKey,
		ValidityDays: 30,
	})
	require.NoError(t, err)

	require.NoError(t, auth.Revoke(ctx, record.SerialNumber, "device compromised"), "First revoke should succeed")

	got, err := s.GetCertificateBySerial(ctx, record.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, interfaces.CertRevoked, got.Status)
	assert.Equal(t, "device compromised", got.RevocationReason)

	require.NoError(t, auth.Revoke(ctx, record.SerialNumber, "second attempt"), "Second revoke must be a no-op")

	got, err = s.GetCertificateBySerial(ctx, record.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, "device compromised", got.RevocationReason, "No-op revoke must not rewrite the reason")
}

func TestRevokeUnknownSerial(t *testing.T) {
	auth, _ := newTestAuthority(t)
	serial, err := interfaces.RandomSerialNumber()
	require.NoError(t, err)

	err = auth.Revoke(context.Background(), serial, "none")
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "Unknown serial should map to ErrNotFound")
}

func TestVerifyChain(t *testing.T) {
	auth, _ := newTestAuthority(t)
	other, _ := newTestAuthority(t)
	key := subjectKey(t)

	record, err := auth.Issue(context.Background(), interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-01", "dev-42"),
		PublicKey:    &key.PublicKey,
		ValidityDays: 30,
	})
	require.NoError(t, err)

	assert.NoError(t, auth.VerifyChain(record.PEM), "Own leaf should verify")
	assert.Error(t, other.VerifyChain(record.PEM), "Foreign root must reject the leaf")
	assert.Error(t, auth.VerifyChain(cryptoutils.CertPEM("not a certificate")), "Garbage input must fail parsing")
}

func TestDerivedKeyDeterminism(t *testing.T) {
	secret := testMasterSecret(t)

	first, err := NewFromMasterSecret(secret, "Test Provisioning Root", store.NewMemoryStore(), testLogger())
	require.NoError(t, err)
	second, err := NewFromMasterSecret(secret, "Test Provisioning Root", store.NewMemoryStore(), testLogger())
	require.NoError(t, err)

	key := subjectKey(t)
	record, err := first.Issue(context.Background(), interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-01", "dev-42"),
		PublicKey:    &key.PublicKey,
		ValidityDays: 30,
	})
	require.NoError(t, err)

	// A restarted deployment derives the same key, so leaves issued before
	// the restart keep verifying.
	assert.NoError(t, second.VerifyChain(record.PEM),
		"Authority derived from the same secret should verify the leaf")

	differentSecret := testMasterSecret(t)
	third, err := NewFromMasterSecret(differentSecret, "Test Provisioning Root", store.NewMemoryStore(), testLogger())
	require.NoError(t, err)
	assert.Error(t, third.VerifyChain(record.PEM), "Different secret must derive a different key")
}

func TestNewFromPEMPair(t *testing.T) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(0x6add),
		Subject:               pkix.Name{CommonName: "File Backed Root"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(caKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	auth, err := New(certPEM, keyPEM, store.NewMemoryStore(), testLogger())
	require.NoError(t, err, "PEM-backed authority should load")
	assert.True(t, auth.Ready())

	key := subjectKey(t)
	record, err := auth.Issue(context.Background(), interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-01", "dev-42"),
		PublicKey:    &key.PublicKey,
		ValidityDays: 30,
	})
	require.NoError(t, err)
	assert.NoError(t, auth.VerifyChain(record.PEM))

	cert, err := record.PEM.GetX509Cert()
	require.NoError(t, err)
	assert.Equal(t, "File Backed Root", cert.Issuer.CommonName)

	// Key that does not match the certificate is rejected.
	wrongKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	wrongDER, err := x509.MarshalECPrivateKey(wrongKey)
	require.NoError(t, err)
	wrongPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: wrongDER})

	_, err = New(certPEM, wrongPEM, store.NewMemoryStore(), testLogger())
	assert.Error(t, err, "Mismatched key must be rejected")

	// A non-CA certificate is rejected.
	_, err = New(record.PEM, keyPEM, store.NewMemoryStore(), testLogger())
	assert.Error(t, err, "Leaf certificate must be rejected as a root")
}
