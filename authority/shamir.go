package authority

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"

	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
)

// SealedAuthority guards an Authority whose master secret is split among
// administrators with Shamir's Secret Sharing. The secret never touches
// persistent storage: it is split into shares at bootstrap and erased, and a
// restarted service stays sealed until a threshold of administrators submit
// their shares back. Each submission is signature-verified against the
// registered admin public keys.
type SealedAuthority struct {
	mu             sync.Mutex
	authority      *Authority
	subjectCN      string
	threshold      int
	unsealed       bool
	receivedShares map[int][]byte

	// adminPubKeys maps the SHA-256 fingerprint of an admin public key PEM
	// to the PEM itself.
	adminPubKeys map[string][]byte
}

// NewSealedAuthority creates a sealed wrapper in recovery mode. The wrapped
// authority stays locked until enough valid shares arrive via SubmitShare.
func NewSealedAuthority(auth *Authority, subjectCN string, threshold int) (*SealedAuthority, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if subjectCN == "" {
		return nil, errors.New("authority subject common name must not be empty")
	}

	return &SealedAuthority{
		authority:      auth,
		subjectCN:      subjectCN,
		threshold:      threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   make(map[string][]byte),
	}, nil
}

// GenerateMasterSecret bootstraps a fresh deployment: draws a random 32-byte
// master secret, splits it into totalShares shares with the given threshold,
// unlocks the authority, and erases the secret. The returned shares must be
// distributed to administrators; they are the only way to unseal the
// authority after a restart.
func GenerateMasterSecret(auth *Authority, subjectCN string, threshold, totalShares int) (*SealedAuthority, [][]byte, error) {
	if totalShares < threshold {
		return nil, nil, errors.New("total shares must be at least equal to threshold")
	}

	s, err := NewSealedAuthority(auth, subjectCN, threshold)
	if err != nil {
		return nil, nil, err
	}

	masterSecret := make([]byte, 32)
	if _, err := rand.Read(masterSecret); err != nil {
		return nil, nil, fmt.Errorf("failed to generate master secret: %w", err)
	}
	defer wipeBytes(masterSecret)

	shares, err := shamir.Split(masterSecret, totalShares, threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split master secret: %w", err)
	}

	if err := auth.InstallMasterSecret(masterSecret, subjectCN); err != nil {
		return nil, nil, err
	}
	s.unsealed = true

	return s, shares, nil
}

// RegisterAdmin adds an administrator public key to the set allowed to
// submit shares.
func (s *SealedAuthority) RegisterAdmin(pubKeyPEM []byte) error {
	if err := cryptoutils.PubkeyPEM(pubKeyPEM).Validate(); err != nil {
		return fmt.Errorf("invalid admin pubkey: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fingerprint := sha256.Sum256(pubKeyPEM)
	s.adminPubKeys[hex.EncodeToString(fingerprint[:])] = pubKeyPEM
	return nil
}

// SubmitShare accepts one administrator share. The signature must cover the
// share bytes and verify against adminPubKeyPEM, which must be registered.
// When the threshold is reached the master secret is reconstructed, the
// authority unlocks, and all share buffers are wiped.
func (s *SealedAuthority) SubmitShare(shareIndex int, share, signature, adminPubKeyPEM []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unsealed {
		return errors.New("authority is already unsealed")
	}

	fingerprint := sha256.Sum256(adminPubKeyPEM)
	registered, found := s.adminPubKeys[hex.EncodeToString(fingerprint[:])]
	if !found {
		return errors.New("unregistered admin public key")
	}
	if !bytes.Equal(registered, adminPubKeyPEM) {
		return errors.New("invalid pubkey passed for a matching fingerprint")
	}

	block, _ := pem.Decode(adminPubKeyPEM)
	if block == nil {
		return errors.New("failed to decode admin public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse admin public key: %w", err)
	}

	switch key := pubKey.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(share)
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return errors.New("invalid share signature")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, share, signature) {
			return errors.New("invalid share signature")
		}
	default:
		return errors.New("admin public key is neither ECDSA nor ED25519 key")
	}

	s.receivedShares[shareIndex] = share
	return s.tryUnseal()
}

// tryUnseal reconstructs the master secret once enough shares are held.
// Caller holds the lock.
func (s *SealedAuthority) tryUnseal() error {
	if len(s.receivedShares) < s.threshold {
		return nil // Not enough shares yet, but this is not an error
	}

	shares := make([][]byte, 0, len(s.receivedShares))
	for _, share := range s.receivedShares {
		shares = append(shares, share)
	}

	masterSecret, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct master secret: %w", err)
	}
	defer wipeBytes(masterSecret)

	if err := s.authority.InstallMasterSecret(masterSecret, s.subjectCN); err != nil {
		return err
	}
	s.unsealed = true

	for i := range s.receivedShares {
		wipeBytes(s.receivedShares[i])
	}
	s.receivedShares = make(map[int][]byte)

	return nil
}

// Unsealed reports whether the wrapped authority has been unlocked.
func (s *SealedAuthority) Unsealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsealed
}

// Threshold returns the number of shares required to unseal.
func (s *SealedAuthority) Threshold() int {
	return s.threshold
}

// SharesReceived returns how many valid shares are currently held.
func (s *SealedAuthority) SharesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receivedShares)
}

// Authority returns the wrapped authority.
func (s *SealedAuthority) Authority() *Authority {
	return s.authority
}

// Securely wipe data from memory
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// SignShare signs a share with an administrator private key for submission.
// The signature covers the SHA-256 digest of the share bytes.
func SignShare(share []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(share)
	return ecdsa.SignASN1(rand.Reader, privateKey, digest[:])
}
