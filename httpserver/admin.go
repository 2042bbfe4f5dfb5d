package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/ALLTERCO/device-provisioning-service/api"
	"github.com/ALLTERCO/device-provisioning-service/authority"
	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
	"github.com/go-chi/chi/v5"
)

// BootstrapState represents the current state of the master secret ceremony.
type BootstrapState int

const (
	// StateInitial is the initial state before any bootstrap action is taken.
	StateInitial BootstrapState = iota

	// StateGeneratingShares indicates the master secret has been generated
	// and shares are being distributed.
	StateGeneratingShares

	// StateRecovering indicates the recovery process is underway collecting
	// shares.
	StateRecovering

	// StateComplete indicates the ceremony has finished and the authority
	// is operational.
	StateComplete
)

// stateToString converts a BootstrapState to a string representation.
func stateToString(state BootstrapState) string {
	switch state {
	case StateInitial:
		return "initial"
	case StateGeneratingShares:
		return "generating_shares"
	case StateRecovering:
		return "recovering"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// SecureShare is a master secret share encrypted for a specific admin.
// Each share is assigned to one admin, encrypted with that admin's public
// key, retrievable only by that admin, and tracked for retrieval.
type SecureShare struct {
	// AdminID is the identifier of the admin for whom this share is intended.
	AdminID string

	// ShareIndex is the index of the share in the secret sharing scheme.
	ShareIndex int

	// EncryptedShare is the share encrypted with the admin's public key.
	EncryptedShare []byte

	// Retrieved indicates whether the admin has already retrieved this share.
	Retrieved bool
}

// AdminHandler processes HTTP requests for the master secret ceremonies of
// a sealed certificate authority.
//
// It implements a zero-trust bootstrap: admin identity is verified with
// request signatures, every share is encrypted for its designated admin so
// no admin can read another's share, and during recovery each submitted
// share must carry its own valid signature. The handler tracks ceremony
// state and signals completion so the service can gate startup on it.
type AdminHandler struct {
	mu           sync.RWMutex
	log          *slog.Logger
	state        BootstrapState
	authority    *authority.Authority
	subjectCN    string
	adminPubKeys map[string][]byte       // Map of admin ID to public key PEM
	adminShares  map[string]*SecureShare // Map of admin ID to their encrypted share
	sealed       *authority.SealedAuthority
	completeChan chan struct{}

	// Ceremony parameters
	threshold   int
	totalShares int
}

// NewAdminHandler creates an admin handler that manages ceremonies for the
// given authority. The authority is shared with the rest of the service:
// once a ceremony installs its master secret, issuance works everywhere.
func NewAdminHandler(auth *authority.Authority, subjectCN string, adminPubKeys map[string][]byte, log *slog.Logger) *AdminHandler {
	return &AdminHandler{
		log:          log,
		state:        StateInitial,
		authority:    auth,
		subjectCN:    subjectCN,
		adminPubKeys: adminPubKeys,
		adminShares:  make(map[string]*SecureShare),
		completeChan: make(chan struct{}),
	}
}

// WaitForBootstrap blocks until the ceremony completes or the context is
// cancelled. The main application calls this to hold back provisioning
// until the authority is unsealed.
func (h *AdminHandler) WaitForBootstrap(ctx context.Context) error {
	select {
	case <-h.completeChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsealed reports whether the wrapped authority holds its signing key.
func (h *AdminHandler) Unsealed() bool {
	return h.authority.Ready()
}

// AdminRouter returns a configured HTTP router for the admin API.
//
// The router provides endpoints for checking ceremony status, generating
// and distributing shares, initiating recovery, submitting shares during
// recovery, and retrieving shares (each admin can only get their own).
func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.handleStatus)
	r.Post("/init/generate", h.handleInitGenerate)
	r.Post("/init/recover", h.handleInitRecover)
	r.Post("/share", h.handleSubmitShare)
	r.Get("/share", h.handleGetShare)

	return r
}

// handleStatus returns the current status of the ceremony.
//
// Endpoint: GET /admin/status
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	resp := api.AdminStatusResponse{
		State:    stateToString(h.state),
		Unsealed: h.authority.Ready(),
	}
	if h.state == StateGeneratingShares || h.state == StateRecovering {
		resp.Threshold = h.threshold
		resp.TotalShares = h.totalShares
	}
	if h.state == StateRecovering && h.sealed != nil {
		resp.SharesReceived = h.sealed.SharesReceived()
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleInitGenerate generates the master secret and prepares encrypted
// shares for distribution.
//
// All parameters are validated before any state changes: a rejected request
// leaves the ceremony in its initial state so a corrected request can
// follow.
//
// Endpoint: POST /admin/init/generate
// Body: {"threshold": <int>, "total_shares": <int>}
func (h *AdminHandler) handleInitGenerate(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var params api.AdminGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if params.Threshold < 2 {
		http.Error(w, "Threshold must be at least 2", http.StatusBadRequest)
		return
	}

	if params.TotalShares < params.Threshold {
		http.Error(w, "Total shares must be at least equal to threshold", http.StatusBadRequest)
		return
	}

	if len(h.adminPubKeys) < params.TotalShares {
		http.Error(w, fmt.Sprintf("Not enough admins (%d) for the requested number of shares (%d)",
			len(h.adminPubKeys), params.TotalShares), http.StatusBadRequest)
		return
	}

	// Every admin key must be usable for share encryption before the
	// secret exists; failing afterwards would strand an installed secret
	// with undistributable shares.
	for id, pubKeyPEM := range h.adminPubKeys {
		if err := h.checkEncryptionKey(pubKeyPEM); err != nil {
			http.Error(w, fmt.Sprintf("Admin %s key cannot encrypt shares: %v", id, err), http.StatusBadRequest)
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitial {
		http.Error(w, "Bootstrap already in progress or complete", http.StatusBadRequest)
		return
	}

	sealed, shares, err := authority.GenerateMasterSecret(h.authority, h.subjectCN, params.Threshold, params.TotalShares)
	if err != nil {
		h.log.Error("Failed to generate master secret", "err", err, "adminID", adminID)
		http.Error(w, "Failed to generate master secret: "+err.Error(), http.StatusInternalServerError)
		return
	}

	for id, pubKeyPEM := range h.adminPubKeys {
		if err := sealed.RegisterAdmin(pubKeyPEM); err != nil {
			h.log.Error("Failed to register admin", "adminID", id, "err", err)
		}
	}

	// Deterministic assignment: shares go to admins in ID order.
	adminIDs := make([]string, 0, len(h.adminPubKeys))
	for id := range h.adminPubKeys {
		adminIDs = append(adminIDs, id)
	}
	sort.Strings(adminIDs)

	assignments := make([]api.ShareAssignment, 0, len(shares))
	for i, share := range shares {
		if i >= len(adminIDs) {
			break
		}

		targetAdminID := adminIDs[i]
		pubKeyPEM := h.adminPubKeys[targetAdminID]

		encryptedShare, err := cryptoutils.SealWithPublicKey(pubKeyPEM, share)
		if err != nil {
			h.log.Error("Failed to encrypt share", "err", err, "adminID", targetAdminID)
			http.Error(w, "Failed to encrypt shares", http.StatusInternalServerError)
			return
		}

		h.adminShares[targetAdminID] = &SecureShare{
			AdminID:        targetAdminID,
			ShareIndex:     i,
			EncryptedShare: encryptedShare,
			Retrieved:      false,
		}
		assignments = append(assignments, api.ShareAssignment{
			AdminID:    targetAdminID,
			ShareIndex: i,
		})
	}

	h.sealed = sealed
	h.threshold = params.Threshold
	h.totalShares = params.TotalShares
	h.state = StateGeneratingShares // Remain here until all shares are retrieved

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.AdminGenerateResponse{
		ShareAssignments: assignments,
		Threshold:        params.Threshold,
		TotalShares:      params.TotalShares,
	})

	h.log.Info("Master secret generated and shares prepared for distribution", "adminID", adminID,
		"threshold", params.Threshold, "totalShares", params.TotalShares)
}

// checkEncryptionKey verifies a public key can be used with
// cryptoutils.SealWithPublicKey.
func (h *AdminHandler) checkEncryptionKey(pubKeyPEM []byte) error {
	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		return errors.New("not valid PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return err
	}
	if _, ok := pubKey.(*ecdsa.PublicKey); !ok {
		return errors.New("not an ECDSA key")
	}
	return nil
}

// handleGetShare lets an admin retrieve their own encrypted share.
//
// When the last outstanding share is retrieved the ceremony completes.
//
// Endpoint: GET /admin/share
func (h *AdminHandler) handleGetShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateGeneratingShares {
		http.Error(w, "No shares available for retrieval", http.StatusBadRequest)
		return
	}

	secureShare, exists := h.adminShares[adminID]
	if !exists {
		http.Error(w, "No share assigned to this admin", http.StatusNotFound)
		return
	}

	secureShare.Retrieved = true

	allRetrieved := true
	for _, share := range h.adminShares {
		if !share.Retrieved {
			allRetrieved = false
			break
		}
	}

	if allRetrieved {
		h.state = StateComplete
		close(h.completeChan)
		h.log.Info("All shares have been retrieved, bootstrap complete")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.AdminGetShareResponse{
		ShareIndex:     secureShare.ShareIndex,
		EncryptedShare: base64.StdEncoding.EncodeToString(secureShare.EncryptedShare),
	})

	h.log.Info("Admin retrieved their share", "adminID", adminID, "shareIndex", secureShare.ShareIndex)
}

// handleInitRecover puts a sealed authority into recovery mode so admins
// can submit their shares.
//
// Endpoint: POST /admin/init/recover
// Body: {"threshold": <int>}
func (h *AdminHandler) handleInitRecover(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var params api.AdminRecoverRequest
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if params.Threshold < 2 {
		http.Error(w, "Threshold must be at least 2", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitial {
		http.Error(w, "Bootstrap already in progress or complete", http.StatusBadRequest)
		return
	}

	sealed, err := authority.NewSealedAuthority(h.authority, h.subjectCN, params.Threshold)
	if err != nil {
		http.Error(w, "Failed to start recovery: "+err.Error(), http.StatusBadRequest)
		return
	}

	for id, pubKeyPEM := range h.adminPubKeys {
		if err := sealed.RegisterAdmin(pubKeyPEM); err != nil {
			h.log.Error("Failed to register admin", "adminID", id, "err", err)
		}
	}

	h.sealed = sealed
	h.threshold = params.Threshold
	h.totalShares = len(h.adminPubKeys) // Maximum possible
	h.state = StateRecovering

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.AdminStatusResponse{
		State:     stateToString(StateRecovering),
		Threshold: params.Threshold,
		Unsealed:  h.authority.Ready(),
	})

	h.log.Info("Authority recovery process initiated", "adminID", adminID, "threshold", params.Threshold)
}

// handleSubmitShare accepts one share during recovery. Reaching the
// threshold reconstructs the master secret, unseals the authority, and
// completes the ceremony.
//
// Endpoint: POST /admin/share
// Body: {"share_index": <int>, "share": "<base64>", "signature": "<base64>"}
func (h *AdminHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRecovering {
		http.Error(w, "Authority not in recovery mode", http.StatusBadRequest)
		return
	}

	var submission api.AdminSubmitShareRequest
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	share, err := base64.StdEncoding.DecodeString(submission.Share)
	if err != nil {
		http.Error(w, "Invalid share encoding", http.StatusBadRequest)
		return
	}

	signature, err := base64.StdEncoding.DecodeString(submission.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return
	}

	if err := h.sealed.SubmitShare(submission.ShareIndex, share, signature, h.adminPubKeys[adminID]); err != nil {
		h.log.Error("Share submission failed", "err", err, "adminID", adminID)
		http.Error(w, "Share submission failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := api.AdminSubmitShareResponse{
		Threshold: h.threshold,
		Unsealed:  h.sealed.Unsealed(),
	}

	if resp.Unsealed {
		h.state = StateComplete
		close(h.completeChan)
		h.log.Info("Authority successfully unsealed, recovery complete", "adminID", adminID)
	} else {
		resp.SharesReceived = h.sealed.SharesReceived()
		h.log.Info("Share accepted", "adminID", adminID, "shareIndex", submission.ShareIndex)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// verifyAdmin checks if the request is from a whitelisted admin.
//
// The admin must be in the whitelist and the request must carry a valid
// signature over sha256(path + body) created with the admin's private key.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, bool) {
	adminID := r.Header.Get(api.AdminIDHeader)
	adminSignatureStr := r.Header.Get(api.AdminSignatureHeader)

	if adminID == "" || adminSignatureStr == "" {
		return "", false
	}

	h.mu.RLock()
	pubKeyPEM, exists := h.adminPubKeys[adminID]
	h.mu.RUnlock()

	if !exists {
		h.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, false
	}

	adminSignature, err := base64.StdEncoding.DecodeString(adminSignatureStr)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, false
	}

	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		h.log.Error("Failed to decode admin public key PEM", "adminID", adminID)
		return adminID, false
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		h.log.Error("Failed to parse admin public key", "adminID", adminID, "err", err)
		return adminID, false
	}

	ecdsaPubKey, ok := pubKey.(*ecdsa.PublicKey)
	if !ok {
		h.log.Error("Admin public key is not an ECDSA key", "adminID", adminID)
		return adminID, false
	}

	// Read the body without consuming it; later handlers need it intact.
	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return adminID, false
		}

		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	message := r.URL.Path
	if len(bodyBytes) > 0 {
		message += string(bodyBytes)
	}

	hash := sha256.Sum256([]byte(message))

	if !ecdsa.VerifyASN1(ecdsaPubKey, hash[:], adminSignature) {
		h.log.Warn("Authentication failed: invalid signature", "adminID", adminID)
		return adminID, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID)
	return adminID, true
}

// LoadAdminKeys loads admin public keys from a JSON document with an
// "admins" array of {"id", "pubkey"} entries, where pubkey is PEM encoded.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data struct {
		Admins []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"admins"`
	}

	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte)
	for _, admin := range data.Admins {
		block, _ := pem.Decode([]byte(admin.PubKey))
		if block == nil {
			return nil, fmt.Errorf("invalid PEM data for admin %s", admin.ID)
		}

		if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}

		result[admin.ID] = []byte(admin.PubKey)
	}

	return result, nil
}

// GenerateAdminKeyPair generates a new ECDSA key pair for an administrator.
//
// The private key PEM goes to the admin; the public key PEM is registered
// with the AdminHandler. The same key signs requests and decrypts the
// admin's share.
func GenerateAdminKeyPair() (string, string, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	publicKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	})

	return string(privateKeyPEM), string(publicKeyPEM), nil
}

// ParsePrivateKey parses an ECDSA private key from PEM format.
func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}

	return privateKey, nil
}
