package interfaces

import (
	"context"
	"crypto"
	"net"
	"time"
)

// MaxValidityDays caps requested leaf lifetimes.
const MaxValidityDays = 3650

// IssuanceRequest carries everything the authority needs to sign one leaf
// certificate for an Identity.
type IssuanceRequest struct {
	// Identity is the principal the certificate is issued for. Role
	// selects the extended key usage; ClientID is bound as a SAN URI for
	// device identities.
	Identity *Identity

	// PublicKey is the subject key, either server-generated or extracted
	// from a device-submitted CSR.
	PublicKey crypto.PublicKey

	// ValidityDays bounds the certificate lifetime, within [1, 3650].
	ValidityDays int

	// Extensions optionally adds subject alternative names beyond the
	// role-derived ones, for devices reachable under stable hostnames or
	// addresses.
	Extensions CertExtensions
}

// CertExtensions are the caller-controlled certificate extensions.
type CertExtensions struct {
	DNSNames    []string
	IPAddresses []net.IP
}

// CertificateAuthority is the sole holder of signing authority. It issues
// leaf certificates, persists their records through the credential store,
// revokes them, and verifies chains against its root.
type CertificateAuthority interface {
	// Issue signs a leaf certificate and persists its record. Issuing for
	// an Identity that already holds an active record supersedes the
	// prior record in the same store transaction.
	Issue(ctx context.Context, req IssuanceRequest) (*CertificateRecord, error)

	// Revoke marks the record revoked. Idempotent: revoking an
	// already-revoked serial is a no-op, not an error.
	Revoke(ctx context.Context, serial SerialNumber, reason string) error

	// VerifyChain validates signature, validity window, and that the
	// issuer matches the held root. Pure; no side effects.
	VerifyChain(cert CertPEM) error

	// CACert returns the authority's root certificate.
	CACert() CertPEM
}

// CredentialStore is the durable record of identities, certificates, and
// jobs; the single source of truth for rotation decisions. Implementations
// must provide atomic conditional writes for the supersede-on-issue and
// one-non-terminal-job invariants. Write failures wrap ErrStoreUnavailable.
type CredentialStore interface {
	// PutIdentity inserts or updates an identity keyed by CommonName.
	PutIdentity(ctx context.Context, identity *Identity) error

	// GetIdentity looks up an identity by CommonName.
	GetIdentity(ctx context.Context, commonName string) (*Identity, error)

	// ListActiveForRole returns all active identities with the role.
	ListActiveForRole(ctx context.Context, role Role) ([]*Identity, error)

	// PutCertificateRecord inserts a record and, in the same transaction,
	// marks the identity's prior active record superseded by it.
	// Duplicate serials are rejected.
	PutCertificateRecord(ctx context.Context, record *CertificateRecord) error

	// GetCertificateBySerial looks up a record by serial number.
	GetCertificateBySerial(ctx context.Context, serial SerialNumber) (*CertificateRecord, error)

	// GetActiveCertificate returns the identity's single active record.
	GetActiveCertificate(ctx context.Context, commonName string) (*CertificateRecord, error)

	// ListCertificates returns every record issued to the identity, newest
	// first: the rotation history.
	ListCertificates(ctx context.Context, commonName string) ([]*CertificateRecord, error)

	// SetCertificateStatus updates a record's status. The reason is kept
	// for revocations.
	SetCertificateStatus(ctx context.Context, serial SerialNumber, status CertStatus, reason string) error

	// ListExpiringBefore returns active records with NotAfter before the
	// cutoff, for rotation sweeps.
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*CertificateRecord, error)

	// CreateJob inserts a job only if the identity has no other
	// non-terminal job, atomically. Conflict returns ErrJobInProgress.
	CreateJob(ctx context.Context, job *ProvisioningJob) error

	// PutJob updates an existing job.
	PutJob(ctx context.Context, job *ProvisioningJob) error

	// GetJob looks up a job by ID.
	GetJob(ctx context.Context, jobID string) (*ProvisioningJob, error)

	// FindNonTerminalJob returns the identity's in-flight job, or
	// ErrNotFound if none.
	FindNonTerminalJob(ctx context.Context, commonName string) (*ProvisioningJob, error)

	// ListJobs returns all jobs for an identity, newest first.
	ListJobs(ctx context.Context, commonName string) ([]*ProvisioningJob, error)

	// Close releases the underlying database.
	Close() error
}

// ArtifactSet is the credential material pushed to a target: the authority
// certificate, the issued leaf, and, only when the key was generated
// server-side, the private key. The private key appears here exactly once
// and is never persisted.
type ArtifactSet struct {
	CACert     CertPEM
	Cert       CertPEM
	PrivateKey KeyPEM
}

// HasPrivateKey reports whether the set carries key material.
func (a ArtifactSet) HasPrivateKey() bool {
	return len(a.PrivateKey) > 0
}

// Target identifies where a credential is delivered.
type Target struct {
	// Identity is the CommonName of the principal being provisioned.
	Identity string

	// ClientID keys bus publishes and names the device toward transports.
	ClientID string

	// Address is the device endpoint (host:port). When empty, adapters
	// resolve the identity through a DeviceLocator.
	Address string
}

// DistributionReceipt is the adapter's proof of delivery.
type DistributionReceipt struct {
	// Transport names the adapter that delivered, e.g. "http" or "kafka".
	Transport string `json:"transport"`

	// Endpoint is the resolved address or topic coordinates the artifacts
	// went to.
	Endpoint string `json:"endpoint"`

	// Digest fingerprints the delivered leaf certificate.
	Digest Fingerprint `json:"digest"`

	DeliveredAt time.Time `json:"delivered_at"`
}

// Distributor pushes credential artifacts to a target. Implementations map
// transient delivery failures to ErrTransport so the orchestrator can
// retry; anything else is treated as permanent. Re-pushing the same
// artifact set must be idempotent on the target.
type Distributor interface {
	Push(ctx context.Context, target Target, artifacts ArtifactSet) (*DistributionReceipt, error)
}

// HandshakeProber verifies end-to-end that a target actually serves the
// issued credential: it performs a TLS handshake and compares the
// fingerprint of the presented leaf against the expected one, returning
// ErrFingerprintMismatch on any difference.
type HandshakeProber interface {
	Probe(ctx context.Context, addr string, expected Fingerprint) error
}

// DeviceLocator resolves a logical device name to a network address.
type DeviceLocator interface {
	Resolve(ctx context.Context, name string) (string, error)
}
