package cryptoutils

import (
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pemFromDER(t *testing.T, der []byte) CertPEM {
	t.Helper()
	certPEM, err := NewCertPEM(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, err)
	return certPEM
}

func TestCreateCSRWithRandomKey(t *testing.T) {
	keyPEM, csrPEM, err := CreateCSRWithRandomKey("shelly-plug-7c3b", "shelly-01")
	require.NoError(t, err, "CSR creation should succeed")
	require.NoError(t, keyPEM.Validate(), "Generated key should be valid PEM")
	require.NoError(t, csrPEM.Validate(), "Generated CSR should be valid PEM")

	csr, err := csrPEM.GetX509CSR()
	require.NoError(t, err)
	assert.Equal(t, "shelly-plug-7c3b", csr.Subject.CommonName)
	require.Len(t, csr.URIs, 1, "Client identifier should be carried as a SAN URI")
	assert.Equal(t, "shelly-01", csr.URIs[0].String(), "SAN URI should carry the client identifier verbatim")

	assert.NoError(t, csr.CheckSignature(), "CSR should be self-signed by the generated key")
}

func TestCreateCSRWithoutClientID(t *testing.T) {
	_, csrPEM, err := CreateCSRWithRandomKey("ops-console", "")
	require.NoError(t, err)

	csr, err := csrPEM.GetX509CSR()
	require.NoError(t, err)
	assert.Empty(t, csr.URIs, "No SAN URI should be present without a client identifier")
}

func TestGenerateDeviceKeypair(t *testing.T) {
	pubPEM, keyPEM, err := GenerateDeviceKeypair()
	require.NoError(t, err)
	require.NoError(t, pubPEM.Validate())
	require.NoError(t, keyPEM.Validate())

	pub, err := pubPEM.GetPublicKey()
	require.NoError(t, err)

	fromPriv, err := keyPEM.GetPublicKey()
	require.NoError(t, err)
	assert.Equal(t, pub, fromPriv, "Public halves should match")

	signer, err := keyPEM.Signer()
	require.NoError(t, err)
	assert.Equal(t, pub, signer.Public())
}

func TestVerifyCertificateMismatch(t *testing.T) {
	// Two unrelated keys: the certificate from one must not verify against
	// the other.
	cert, err := RandomCert()
	require.NoError(t, err)

	certPEM := pemFromDER(t, cert.Certificate[0])

	_, otherKey, err := GenerateDeviceKeypair()
	require.NoError(t, err)

	err = VerifyCertificate(otherKey, certPEM, "")
	assert.Error(t, err, "Certificate should not verify against an unrelated key")
}

func TestKeyPEMRejectsGarbage(t *testing.T) {
	_, err := NewKeyPEM([]byte("not a pem block"))
	assert.Error(t, err)

	_, err = NewCertPEM([]byte("-----BEGIN CERTIFICATE-----\naaaa\n-----END CERTIFICATE-----\n"))
	assert.Error(t, err, "Malformed DER should be rejected")
}
