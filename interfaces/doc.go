// Package interfaces defines core interfaces and types for the device
// credential provisioning service, separating interface definitions from
// implementations.
//
// The package provides interfaces for the key components of the system:
//
// # Provisioning Interfaces
//
// CertificateAuthority: Issues leaf certificates bound to an Identity's key
// and role, revokes them idempotently, and verifies chains against the held
// root.
//
// CredentialStore: Durable record of Identities, CertificateRecords, and
// ProvisioningJobs with the atomic conditional writes the workflow
// invariants require (supersede-on-issue, one non-terminal job per
// Identity).
//
// Distributor: Pushes an ArtifactSet to a Target over a concrete transport
// (HTTP device RPC, message bus) and reports a DistributionReceipt.
//
// HandshakeProber: Confirms end-to-end that a target presents the issued
// certificate by comparing live handshake fingerprints.
//
// DeviceLocator: Resolves logical device names to network addresses.
//
// # Archive Interfaces
//
// ArchiveBackend: Write-once storage of issued certificate bundles keyed by
// fingerprint across multiple backend types (file, S3, IPFS, Vault).
//
// ArchiveFactory: Creates archive backends from URI strings and aggregates
// them for redundant storage.
//
// # Core Types
//
//   - Identity: a principal (device, admin, monitor) holding at most one
//     active certificate
//   - CertificateRecord: one issued certificate with status and rotation
//     links
//   - ProvisioningJob: one workflow instance with its state machine state
//   - SerialNumber: 128-bit random certificate serial
//   - Fingerprint: SHA-256 over the DER encoding, lowercase hex for storage
//     keys and colon-separated uppercase for display
//
// # Error Taxonomy
//
// The sentinel errors in this package classify every workflow failure
// (ErrInvalidExtension, ErrAuthorityUnavailable, ErrKeyGeneration,
// ErrTransport, ErrStoreUnavailable, ErrJobInProgress, ErrCancelled,
// ErrFingerprintMismatch, ErrNotFound); ErrorKind maps any wrapped error to
// its taxonomy code for job records and API responses.
package interfaces
