package authority

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
	"github.com/ALLTERCO/device-provisioning-service/store"
)

func adminKeyPair(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "Failed to generate admin key")

	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err, "Failed to marshal public key")

	return key, pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubKeyBytes,
	})
}

func TestGenerateMasterSecret(t *testing.T) {
	auth := NewSealed(store.NewMemoryStore(), testLogger())

	sealed, shares, err := GenerateMasterSecret(auth, "Test Provisioning Root", 3, 5)
	require.NoError(t, err, "GenerateMasterSecret should succeed with valid parameters")
	assert.Equal(t, 5, len(shares), "Should generate 5 shares")
	assert.True(t, sealed.Unsealed(), "Authority should start unsealed after bootstrap")
	assert.True(t, auth.Ready(), "Wrapped authority should hold the signing key")

	// Parameter validation.
	_, _, err = GenerateMasterSecret(auth, "Test Provisioning Root", 6, 5)
	assert.Error(t, err, "Should fail when threshold > total shares")

	_, _, err = GenerateMasterSecret(auth, "Test Provisioning Root", 1, 5)
	assert.Error(t, err, "Should fail when threshold < 2")

	// Submissions after unsealing are refused.
	err = sealed.SubmitShare(0, shares[0], nil, nil)
	assert.Error(t, err, "SubmitShare should fail once unsealed")
}

func TestUnsealWithThresholdShares(t *testing.T) {
	// Bootstrap a deployment and issue one certificate.
	bootstrapAuth := NewSealed(store.NewMemoryStore(), testLogger())
	_, shares, err := GenerateMasterSecret(bootstrapAuth, "Test Provisioning Root", 3, 5)
	require.NoError(t, err, "Bootstrap should succeed")

	subjectKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	record, err := bootstrapAuth.Issue(context.Background(), interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-01", "dev-42"),
		PublicKey:    &subjectKey.PublicKey,
		ValidityDays: 30,
	})
	require.NoError(t, err, "Bootstrapped authority should issue")

	// Simulate a restart: a fresh authority stays sealed until enough
	// admins submit their shares.
	restartAuth := NewSealed(store.NewMemoryStore(), testLogger())
	sealed, err := NewSealedAuthority(restartAuth, "Test Provisioning Root", 3)
	require.NoError(t, err, "Recovery wrapper should construct")
	assert.False(t, sealed.Unsealed(), "Authority should start sealed after restart")

	adminKeys := make([]*ecdsa.PrivateKey, 5)
	adminPubKeyPEMs := make([][]byte, 5)
	for i := 0; i < 5; i++ {
		adminKeys[i], adminPubKeyPEMs[i] = adminKeyPair(t)
		require.NoError(t, sealed.RegisterAdmin(adminPubKeyPEMs[i]), "Failed to register admin")
	}

	// Below the threshold the authority refuses to issue.
	for i := 0; i < 2; i++ {
		signature, err := SignShare(shares[i], adminKeys[i])
		require.NoError(t, err, "Failed to sign share")
		require.NoError(t, sealed.SubmitShare(i, shares[i], signature, adminPubKeyPEMs[i]),
			"Share submission should succeed")
	}
	assert.False(t, sealed.Unsealed(), "Two of three shares must not unseal")
	assert.Equal(t, 2, sealed.SharesReceived())

	_, err = restartAuth.Issue(context.Background(), interfaces.IssuanceRequest{
		Identity:     deviceIdentity("shelly-02", "dev-43"),
		PublicKey:    &subjectKey.PublicKey,
		ValidityDays: 30,
	})
	assert.ErrorIs(t, err, interfaces.ErrAuthorityUnavailable, "Sealed authority must refuse issuance")

	// The third share crosses the threshold.
	signature, err := SignShare(shares[2], adminKeys[2])
	require.NoError(t, err)
	require.NoError(t, sealed.SubmitShare(2, shares[2], signature, adminPubKeyPEMs[2]))

	assert.True(t, sealed.Unsealed(), "Threshold shares should unseal the authority")
	assert.True(t, restartAuth.Ready())
	assert.Equal(t, 0, sealed.SharesReceived(), "Share buffers should be wiped after unsealing")

	// The reconstructed secret derives the original signing key, so the
	// pre-restart leaf still verifies.
	assert.NoError(t, restartAuth.VerifyChain(record.PEM),
		"Unsealed authority should verify certificates issued before the restart")
}

func TestSubmitShareRejectsBadSignature(t *testing.T) {
	auth := NewSealed(store.NewMemoryStore(), testLogger())
	sealed, err := NewSealedAuthority(auth, "Test Provisioning Root", 2)
	require.NoError(t, err)

	_, pubPEM := adminKeyPair(t)
	require.NoError(t, sealed.RegisterAdmin(pubPEM))

	err = sealed.SubmitShare(0, []byte("share-data"), []byte("invalid-signature"), pubPEM)
	assert.Error(t, err, "Should fail with invalid signature")
	assert.Equal(t, 0, sealed.SharesReceived(), "Rejected share must not be stored")
}

func TestSubmitShareRejectsUnregisteredAdmin(t *testing.T) {
	auth := NewSealed(store.NewMemoryStore(), testLogger())
	sealed, err := NewSealedAuthority(auth, "Test Provisioning Root", 2)
	require.NoError(t, err)

	_, registeredPEM := adminKeyPair(t)
	require.NoError(t, sealed.RegisterAdmin(registeredPEM))

	strangerKey, strangerPEM := adminKeyPair(t)
	share := []byte("share-data")
	signature, err := SignShare(share, strangerKey)
	require.NoError(t, err)

	err = sealed.SubmitShare(0, share, signature, strangerPEM)
	assert.Error(t, err, "Should fail with unregistered admin")
}

func TestSubmitShareEd25519(t *testing.T) {
	auth := NewSealed(store.NewMemoryStore(), testLogger())
	_, shares, err := GenerateMasterSecret(auth, "Test Provisioning Root", 2, 2)
	require.NoError(t, err)

	recovered := NewSealed(store.NewMemoryStore(), testLogger())
	sealed, err := NewSealedAuthority(recovered, "Test Provisioning Root", 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err, "Failed to generate ed25519 key")

		pubKeyBytes, err := x509.MarshalPKIXPublicKey(pub)
		require.NoError(t, err)
		pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubKeyBytes})
		require.NoError(t, sealed.RegisterAdmin(pubPEM))

		signature := ed25519.Sign(priv, shares[i])
		require.NoError(t, sealed.SubmitShare(i, shares[i], signature, pubPEM),
			"Ed25519-signed share should be accepted")
	}

	assert.True(t, sealed.Unsealed(), "Authority should unseal with ed25519 admins")
}

func TestSignShare(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "Failed to generate key")

	share := []byte("test-share-data")
	signature, err := SignShare(share, key)
	assert.NoError(t, err, "Should sign share successfully")
	assert.NotEmpty(t, signature, "Signature should not be empty")
}

func TestRegisterAdminRejectsGarbage(t *testing.T) {
	auth := NewSealed(store.NewMemoryStore(), testLogger())
	sealed, err := NewSealedAuthority(auth, "Test Provisioning Root", 2)
	require.NoError(t, err)

	assert.Error(t, sealed.RegisterAdmin([]byte("not-a-valid-pem")), "Should fail with invalid PEM")

	wrongKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: []byte("not-a-valid-key"),
	})
	assert.Error(t, sealed.RegisterAdmin(wrongKeyPEM), "Should fail with invalid key material")
}
