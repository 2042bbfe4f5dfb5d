package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// CSRPEM represents a certificate signing request in PEM format.
type CSRPEM []byte

// NewCSRPEM creates a new CSR object from PEM-encoded data with validation.
func NewCSRPEM(data []byte) (CSRPEM, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return CSRPEM{}, errors.New("invalid CSR: not in PEM format or not a certificate request")
	}

	_, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return CSRPEM{}, fmt.Errorf("invalid CSR structure: %w", err)
	}

	return CSRPEM(data), nil
}

// Validate checks if the CSR is properly formed.
func (csr CSRPEM) Validate() error {
	_, err := NewCSRPEM(csr)
	return err
}

// GetX509CSR returns the parsed X.509 certificate request.
func (csr CSRPEM) GetX509CSR() (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csr)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificateRequest(block.Bytes)
}

// CertPEM represents an X.509 certificate in PEM format.
type CertPEM []byte

// NewCertPEM creates a new certificate object from PEM-encoded data with validation.
func NewCertPEM(data []byte) (CertPEM, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return CertPEM{}, errors.New("invalid certificate: not in PEM format or not a certificate")
	}

	_, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return CertPEM{}, fmt.Errorf("invalid certificate structure: %w", err)
	}

	return CertPEM(data), nil
}

// Validate checks if the certificate is properly formed.
func (cert CertPEM) Validate() error {
	_, err := NewCertPEM(cert)
	return err
}

// GetX509Cert returns the parsed X.509 certificate.
func (cert CertPEM) GetX509Cert() (*x509.Certificate, error) {
	block, _ := pem.Decode(cert)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// IsExpired checks if the certificate has expired.
func (cert CertPEM) IsExpired() (bool, error) {
	x509Cert, err := cert.GetX509Cert()
	if err != nil {
		return false, err
	}
	return x509Cert.NotAfter.Before(time.Now()), nil
}

// PubkeyPEM represents a subject public key in PEM format.
type PubkeyPEM []byte

// NewPubkeyPEM creates a new public key object from PEM-encoded data with validation.
func NewPubkeyPEM(data []byte) (PubkeyPEM, error) {
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "PUBLIC KEY" && block.Type != "RSA PUBLIC KEY") {
		return PubkeyPEM{}, errors.New("invalid public key: not in PEM format or not a public key")
	}

	_, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return PubkeyPEM{}, fmt.Errorf("invalid public key structure: %w", err)
	}

	return PubkeyPEM(data), nil
}

// Validate checks if the public key is properly formed.
func (pub PubkeyPEM) Validate() error {
	_, err := NewPubkeyPEM(pub)
	return err
}

// GetPublicKey returns the parsed public key.
func (pub PubkeyPEM) GetPublicKey() (crypto.PublicKey, error) {
	block, _ := pem.Decode(pub)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// KeyPEM represents a private key in PEM format. PKCS#8 and SEC 1 EC
// encodings are accepted.
type KeyPEM []byte

// NewKeyPEM creates a new private key object from PEM-encoded data with validation.
func NewKeyPEM(data []byte) (KeyPEM, error) {
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "PRIVATE KEY" && block.Type != "EC PRIVATE KEY") {
		return KeyPEM{}, errors.New("invalid private key: not in PEM format or not a private key")
	}

	_, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		_, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return KeyPEM{}, fmt.Errorf("invalid private key structure: %w", err)
		}
	}

	return KeyPEM(data), nil
}

// Validate checks if the private key is properly formed.
func (priv KeyPEM) Validate() error {
	_, err := NewKeyPEM(priv)
	return err
}

// GetPrivateKey returns the parsed private key.
func (priv KeyPEM) GetPrivateKey() (crypto.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	key, err = x509.ParseECPrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	return nil, errors.New("failed to parse private key")
}

// GetPublicKey returns the public half of the key.
func (priv KeyPEM) GetPublicKey() (crypto.PublicKey, error) {
	parsedPriv, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}

	signer, ok := parsedPriv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", parsedPriv)
	}
	return signer.Public(), nil
}

// Signer returns the key as a crypto.Signer for certificate creation.
func (priv KeyPEM) Signer() (crypto.Signer, error) {
	parsedPriv, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}

	signer, ok := parsedPriv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key type %T cannot sign", parsedPriv)
	}
	return signer, nil
}

// GenerateDeviceKeypair creates a fresh ECDSA P-256 key pair for a device,
// returning the PKIX public key and PKCS#8 private key in PEM form.
func GenerateDeviceKeypair() (PubkeyPEM, KeyPEM, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	pubkeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	pubkeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubkeyBytes,
	})

	return PubkeyPEM(pubkeyPEM), KeyPEM(privateKeyPEM), nil
}
