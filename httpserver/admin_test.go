package httpserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALLTERCO/device-provisioning-service/api"
	"github.com/ALLTERCO/device-provisioning-service/api/clients"
	"github.com/ALLTERCO/device-provisioning-service/authority"
	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
	"github.com/ALLTERCO/device-provisioning-service/store"
)

// generateAdmins creates n admin key pairs, returning the private keys and
// the public key PEMs keyed by admin ID, the way they would be registered
// from an admin keys file.
func generateAdmins(t *testing.T, n int) (map[string]*ecdsa.PrivateKey, map[string][]byte) {
	t.Helper()

	privKeys := make(map[string]*ecdsa.PrivateKey, n)
	pubPEMs := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		adminID := fmt.Sprintf("admin%d", i+1)

		privPEM, pubPEM, err := GenerateAdminKeyPair()
		require.NoError(t, err)

		privKey, err := ParsePrivateKey([]byte(privPEM))
		require.NoError(t, err)

		privKeys[adminID] = privKey
		pubPEMs[adminID] = []byte(pubPEM)
	}
	return privKeys, pubPEMs
}

type adminFixture struct {
	auth    *authority.Authority
	store   interfaces.CredentialStore
	handler *AdminHandler
	server  *httptest.Server

	privKeys map[string]*ecdsa.PrivateKey
	pubPEMs  map[string][]byte
}

// newAdminFixture serves the admin API for a sealed authority with n
// registered admins, mounted under /admin like the real server does.
func newAdminFixture(t *testing.T, n int) *adminFixture {
	t.Helper()

	privKeys, pubPEMs := generateAdmins(t, n)

	fx := &adminFixture{
		store:    store.NewMemoryStore(),
		privKeys: privKeys,
		pubPEMs:  pubPEMs,
	}
	fx.auth = authority.NewSealed(fx.store, testLogger())
	fx.handler = NewAdminHandler(fx.auth, "Provisioning Root", pubPEMs, testLogger())

	mux := chi.NewRouter()
	mux.Mount("/admin", fx.handler.AdminRouter())

	fx.server = httptest.NewServer(mux)
	t.Cleanup(fx.server.Close)
	return fx
}

// restartFixture is a fresh sealed deployment with the same admin set, as
// after a service restart: no signing key until the admins recover it.
func restartFixture(t *testing.T, fx *adminFixture) *adminFixture {
	t.Helper()

	restarted := &adminFixture{
		store:    store.NewMemoryStore(),
		privKeys: fx.privKeys,
		pubPEMs:  fx.pubPEMs,
	}
	restarted.auth = authority.NewSealed(restarted.store, testLogger())
	restarted.handler = NewAdminHandler(restarted.auth, "Provisioning Root", restarted.pubPEMs, testLogger())

	mux := chi.NewRouter()
	mux.Mount("/admin", restarted.handler.AdminRouter())
	restarted.server = httptest.NewServer(mux)
	t.Cleanup(restarted.server.Close)
	return restarted
}

func (fx *adminFixture) client(adminID string) *clients.AdminClient {
	return clients.NewAdminClient(fx.server.URL+"/admin", adminID, fx.privKeys[adminID], 5*time.Second)
}

// shareIndexOf reads the index the generation ceremony assigned to adminID.
func shareIndexOf(t *testing.T, fx *adminFixture, adminID string) int {
	t.Helper()

	fx.handler.mu.RLock()
	defer fx.handler.mu.RUnlock()
	share, ok := fx.handler.adminShares[adminID]
	require.True(t, ok, "no share assigned to %s", adminID)
	return share.ShareIndex
}

// runGenerateCeremony drives a full generation ceremony and returns every
// admin's decrypted plaintext share, keyed by admin ID.
func runGenerateCeremony(t *testing.T, fx *adminFixture, threshold, totalShares int) map[string][]byte {
	t.Helper()

	resp, err := fx.client("admin1").InitGenerate(threshold, totalShares)
	require.NoError(t, err)
	require.Len(t, resp.ShareAssignments, totalShares)
	require.True(t, fx.auth.Ready(), "generation should unlock the authority immediately")

	shares := make(map[string][]byte, totalShares)
	for _, assignment := range resp.ShareAssignments {
		c := fx.client(assignment.AdminID)

		fetched, err := c.FetchShare()
		require.NoError(t, err)
		assert.Equal(t, assignment.ShareIndex, fetched.ShareIndex)

		share, err := c.DecryptShare(fetched)
		require.NoError(t, err)
		require.NotEmpty(t, share)
		shares[assignment.AdminID] = share
	}
	return shares
}

func TestAdminGenerateCeremony(t *testing.T) {
	fx := newAdminFixture(t, 3)

	status, err := fx.client("admin1").GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "initial", status.State)
	assert.False(t, status.Unsealed)

	shares := runGenerateCeremony(t, fx, 2, 3)
	require.Len(t, shares, 3)

	// Shares are per admin; the plaintexts must all differ.
	seen := make(map[string]bool)
	for _, share := range shares {
		seen[string(share)] = true
	}
	assert.Len(t, seen, 3)

	// Retrieving the last share completes the ceremony.
	status, err = fx.client("admin1").GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "complete", status.State)
	assert.True(t, status.Unsealed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fx.handler.WaitForBootstrap(ctx))
	assert.True(t, fx.handler.Unsealed())
}

func TestAdminGenerateValidation(t *testing.T) {
	fx := newAdminFixture(t, 2)
	c := fx.client("admin1")

	_, err := c.InitGenerate(1, 3)
	require.Error(t, err, "threshold below 2 must be rejected")
	assert.Contains(t, err.Error(), "Threshold")

	_, err = c.InitGenerate(3, 2)
	require.Error(t, err, "total shares below threshold must be rejected")

	_, err = c.InitGenerate(2, 3)
	require.Error(t, err, "more shares than admins must be rejected")

	// A rejected request leaves the ceremony startable.
	status, err := c.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "initial", status.State)

	_, err = c.InitGenerate(2, 2)
	require.NoError(t, err)

	_, err = c.InitGenerate(2, 2)
	require.Error(t, err, "second generation on the same authority must be rejected")
}

func TestAdminRecoverCeremony(t *testing.T) {
	// First deployment: generate the secret and distribute shares.
	fx := newAdminFixture(t, 3)
	shares := runGenerateCeremony(t, fx, 2, 3)

	// Issue a certificate with the running authority so recovery can be
	// checked against something it must keep verifying.
	identity := &interfaces.Identity{
		CommonName: "shelly-recovery-check",
		ClientID:   "shelly-recovery-check",
		Role:       interfaces.RoleDevice,
		Status:     interfaces.IdentityPending,
	}
	require.NoError(t, fx.store.PutIdentity(context.Background(), identity))

	pubPEM, _, err := cryptoutils.GenerateDeviceKeypair()
	require.NoError(t, err)
	pub, err := pubPEM.GetPublicKey()
	require.NoError(t, err)

	record, err := fx.auth.Issue(context.Background(), interfaces.IssuanceRequest{
		Identity:     identity,
		PublicKey:    pub,
		ValidityDays: 30,
	})
	require.NoError(t, err)

	shareIndex := map[string]int{
		"admin1": shareIndexOf(t, fx, "admin1"),
		"admin2": shareIndexOf(t, fx, "admin2"),
	}

	restarted := restartFixture(t, fx)
	require.NoError(t, restarted.client("admin1").InitRecover(2))

	status, err := restarted.client("admin1").GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "recovering", status.State)
	assert.False(t, status.Unsealed)

	// Submissions below the threshold keep the authority sealed.
	resp, err := restarted.client("admin1").SubmitShare(shareIndex["admin1"], shares["admin1"], nil)
	require.NoError(t, err)
	assert.False(t, resp.Unsealed)
	assert.Equal(t, 1, resp.SharesReceived)
	assert.False(t, restarted.auth.Ready())

	resp, err = restarted.client("admin2").SubmitShare(shareIndex["admin2"], shares["admin2"], nil)
	require.NoError(t, err)
	assert.True(t, resp.Unsealed)
	require.True(t, restarted.auth.Ready())

	status, err = restarted.client("admin1").GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "complete", status.State)

	// The derived signing key is deterministic, so the recovered authority
	// still stands behind certificates issued before the restart.
	require.NoError(t, restarted.auth.VerifyChain(record.PEM))
}

func TestAdminAuthentication(t *testing.T) {
	fx := newAdminFixture(t, 2)

	t.Run("missing headers", func(t *testing.T) {
		resp, err := http.Post(fx.server.URL+"/admin/init/recover", "application/json", strings.NewReader(`{"threshold":2}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown admin", func(t *testing.T) {
		stranger, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)

		c := clients.NewAdminClient(fx.server.URL+"/admin", "nobody", stranger, time.Second)
		require.Error(t, c.InitRecover(2))
	})

	t.Run("signature from the wrong key", func(t *testing.T) {
		// Valid admin ID, but the request is signed with another admin's key.
		c := clients.NewAdminClient(fx.server.URL+"/admin", "admin1", fx.privKeys["admin2"], time.Second)
		require.Error(t, c.InitRecover(2))
	})

	t.Run("tampered body", func(t *testing.T) {
		// The signature covers path plus body; dropping the body after
		// signing must fail verification.
		body := []byte(`{"threshold":2}`)
		req, err := api.CreateSignedAdminRequest(http.MethodPost, fx.server.URL+"/admin/init/recover", body, "admin1", fx.privKeys["admin1"])
		require.NoError(t, err)
		req.Body = http.NoBody
		req.ContentLength = 0

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("status needs no signature", func(t *testing.T) {
		resp, err := http.Get(fx.server.URL + "/admin/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestAdminShareRetrievalIsPerAdmin(t *testing.T) {
	fx := newAdminFixture(t, 3)

	// Two shares among three admins: one admin goes without.
	resp, err := fx.client("admin1").InitGenerate(2, 2)
	require.NoError(t, err)
	require.Len(t, resp.ShareAssignments, 2)

	assigned := make(map[string]bool)
	for _, a := range resp.ShareAssignments {
		assigned[a.AdminID] = true
	}

	for adminID := range fx.privKeys {
		fetched, err := fx.client(adminID).FetchShare()
		if assigned[adminID] {
			require.NoError(t, err)
			assert.NotEmpty(t, fetched.EncryptedShare)
		} else {
			require.Error(t, err)
			assert.Contains(t, err.Error(), "404")
		}
	}
}

func TestAdminSubmitShareOutsideRecovery(t *testing.T) {
	fx := newAdminFixture(t, 2)

	_, err := fx.client("admin1").SubmitShare(0, []byte("not-a-share"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in recovery mode")
}

func TestAdminRecoverRejectsBadShareSignature(t *testing.T) {
	fx := newAdminFixture(t, 3)
	shares := runGenerateCeremony(t, fx, 2, 3)
	index := shareIndexOf(t, fx, "admin1")

	restarted := restartFixture(t, fx)
	c := restarted.client("admin1")
	require.NoError(t, c.InitRecover(2))

	// Signature over different bytes than the submitted share.
	wrong := sha256.Sum256([]byte("something else"))
	sig, err := ecdsa.SignASN1(rand.Reader, fx.privKeys["admin1"], wrong[:])
	require.NoError(t, err)

	_, err = c.SubmitShare(index, shares["admin1"], sig)
	require.Error(t, err)
	assert.False(t, restarted.auth.Ready())
}

func TestLoadAdminKeys(t *testing.T) {
	_, pubPEMs := generateAdmins(t, 2)

	doc := fmt.Sprintf(`{"admins":[{"id":"admin1","pubkey":%q},{"id":"admin2","pubkey":%q}]}`,
		string(pubPEMs["admin1"]), string(pubPEMs["admin2"]))

	keys, err := LoadAdminKeys(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, pubPEMs["admin1"], keys["admin1"])

	_, err = LoadAdminKeys(strings.NewReader(`{"admins":[{"id":"x","pubkey":"garbage"}]}`))
	require.Error(t, err)

	_, err = LoadAdminKeys(strings.NewReader(`not json`))
	require.Error(t, err)
}
