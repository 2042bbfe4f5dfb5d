// Package interfaces defines the core interfaces and types for the device
// credential provisioning service. It provides the contract between
// components without implementation details.
package interfaces

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
)

type CertPEM = cryptoutils.CertPEM
type KeyPEM = cryptoutils.KeyPEM
type CSRPEM = cryptoutils.CSRPEM
type PubkeyPEM = cryptoutils.PubkeyPEM

// Role classifies an Identity and selects the extended key usage of its
// certificates: device identities receive clientAuth, admin and monitor
// identities receive serverAuth.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDevice  Role = "device"
	RoleMonitor Role = "monitor"
)

// ParseRole converts a string to a Role with validation.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(s)) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleDevice:
		return RoleDevice, nil
	case RoleMonitor:
		return RoleMonitor, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// String returns the role as a string.
func (r Role) String() string {
	return string(r)
}

// Validate checks that the role is one of the known values.
func (r Role) Validate() error {
	_, err := ParseRole(string(r))
	return err
}

// IdentityStatus is the lifecycle status of an Identity.
type IdentityStatus string

const (
	IdentityPending IdentityStatus = "pending"
	IdentityActive  IdentityStatus = "active"
	IdentityExpired IdentityStatus = "expired"
	IdentityRevoked IdentityStatus = "revoked"
)

// CertStatus is the lifecycle status of a CertificateRecord.
type CertStatus string

const (
	CertActive     CertStatus = "active"
	CertSuperseded CertStatus = "superseded"
	CertRevoked    CertStatus = "revoked"
	CertExpired    CertStatus = "expired"
)

// JobState is the state of a ProvisioningJob in the provisioning workflow.
type JobState string

const (
	JobRequested    JobState = "REQUESTED"
	JobKeyGenerated JobState = "KEY_GENERATED"
	JobCertIssued   JobState = "CERT_ISSUED"
	JobDistributed  JobState = "DISTRIBUTED"
	JobVerified     JobState = "VERIFIED"
	JobFailed       JobState = "FAILED"
	JobRolledBack   JobState = "ROLLED_BACK"
)

// Terminal reports whether the state is final. A job in a terminal state is
// never transitioned again.
func (s JobState) Terminal() bool {
	switch s {
	case JobVerified, JobFailed, JobRolledBack:
		return true
	default:
		return false
	}
}

// SerialNumber is a 128-bit certificate serial number. Serials are assigned
// randomly at issuance so the count of issued certificates cannot be
// enumerated from them. The canonical encoding is 32 lowercase hex characters.
type SerialNumber [16]byte

// RandomSerialNumber draws a fresh 128-bit serial from crypto/rand.
func RandomSerialNumber() (SerialNumber, error) {
	var sn SerialNumber
	if _, err := rand.Read(sn[:]); err != nil {
		return SerialNumber{}, fmt.Errorf("reading serial entropy: %w", err)
	}
	return sn, nil
}

// SerialNumberFromHex parses the canonical 32-character hex encoding.
func SerialNumberFromHex(source string) (SerialNumber, error) {
	clean := strings.TrimPrefix(strings.ToLower(source), "0x")
	if len(clean) != 32 {
		return SerialNumber{}, errors.New("invalid serial number length: hex string must be 32 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return SerialNumber{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var sn SerialNumber
	copy(sn[:], raw)
	return sn, nil
}

// SerialNumberFromBigInt converts an x509 serial to its 16-byte form.
// Values wider than 128 bits are rejected; narrower values are left-padded.
func SerialNumberFromBigInt(i *big.Int) (SerialNumber, error) {
	if i == nil || i.Sign() < 0 || i.BitLen() > 128 {
		return SerialNumber{}, errors.New("serial number out of the 128-bit range")
	}
	var sn SerialNumber
	i.FillBytes(sn[:])
	return sn, nil
}

// BigInt returns the serial as the big.Int form used in x509 templates.
func (sn SerialNumber) BigInt() *big.Int {
	return new(big.Int).SetBytes(sn[:])
}

// String returns the canonical lowercase hex encoding.
func (sn SerialNumber) String() string {
	return hex.EncodeToString(sn[:])
}

// Equal compares two serial numbers.
func (sn SerialNumber) Equal(other SerialNumber) bool {
	return sn == other
}

// MarshalText implements encoding.TextMarshaler using the canonical hex form.
func (sn SerialNumber) MarshalText() ([]byte, error) {
	return []byte(sn.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (sn *SerialNumber) UnmarshalText(text []byte) error {
	parsed, err := SerialNumberFromHex(string(text))
	if err != nil {
		return err
	}
	*sn = parsed
	return nil
}

// Fingerprint is the SHA-256 hash over a certificate's DER encoding. The
// lowercase hex form is the storage key; Display renders the
// colon-separated uppercase form shown to operators.
type Fingerprint [32]byte

// ComputeFingerprint hashes a DER-encoded certificate.
func ComputeFingerprint(der []byte) Fingerprint {
	return Fingerprint(sha256.Sum256(der))
}

// FingerprintFromHex parses either encoding: plain lowercase hex or the
// colon-separated display form, case-insensitive.
func FingerprintFromHex(source string) (Fingerprint, error) {
	clean := strings.ToLower(strings.ReplaceAll(source, ":", ""))
	if len(clean) != 64 {
		return Fingerprint{}, errors.New("invalid fingerprint length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var fp Fingerprint
	copy(fp[:], raw)
	return fp, nil
}

// String returns the lowercase hex storage key.
func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}

// Display returns the colon-separated uppercase form, e.g. "AB:CD:...".
func (fp Fingerprint) Display() string {
	parts := make([]string, len(fp))
	for i, b := range fp {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// Bytes returns the raw 32-byte hash.
func (fp Fingerprint) Bytes() []byte {
	return fp[:]
}

// Equal compares two fingerprints.
func (fp Fingerprint) Equal(other Fingerprint) bool {
	return bytes.Equal(fp[:], other[:])
}

// MarshalText implements encoding.TextMarshaler using the storage form.
func (fp Fingerprint) MarshalText() ([]byte, error) {
	return []byte(fp.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (fp *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := FingerprintFromHex(string(text))
	if err != nil {
		return err
	}
	*fp = parsed
	return nil
}

// Identity is a cryptographic principal: a device, admin, or monitor that
// can hold at most one active certificate at a time. Identities are
// tombstoned on revocation, never deleted, so rotation history stays
// auditable.
type Identity struct {
	// CommonName is the unique name of the principal and the certificate
	// subject CN.
	CommonName string `json:"common_name"`

	// ClientID is the protocol-level client identifier bound into device
	// certificates as a SAN URI. Required for RoleDevice, unused otherwise.
	ClientID string `json:"client_id,omitempty"`

	Role   Role           `json:"role"`
	Status IdentityStatus `json:"status"`

	// Fleet inventory metadata, free-form.
	Label string   `json:"label,omitempty"`
	Group string   `json:"group,omitempty"`
	Tags  []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CertificateRecord is the durable record of one issued certificate. It
// belongs to exactly one Identity; at most one record per Identity is
// active at a time.
type CertificateRecord struct {
	SerialNumber SerialNumber `json:"serial_number"`

	// Identity is the CommonName of the owning Identity.
	Identity string `json:"identity"`

	Status    CertStatus `json:"status"`
	NotBefore time.Time  `json:"not_before"`
	NotAfter  time.Time  `json:"not_after"`

	// Fingerprint is the SHA-256 hash of the DER encoding; it is what the
	// verification probe compares against the certificate a device
	// actually presents.
	Fingerprint Fingerprint `json:"fingerprint"`

	// IssuerSerial back-references the authority certificate that signed
	// this record. Not an owning reference.
	IssuerSerial SerialNumber `json:"issuer_serial"`

	// SupersededBy is set when a rotation replaced this record.
	SupersededBy *SerialNumber `json:"superseded_by,omitempty"`

	// RevocationReason is set by Revoke. Informational only.
	RevocationReason string `json:"revocation_reason,omitempty"`

	// PEM holds the issued certificate. Public material only; private keys
	// are never part of a record.
	PEM CertPEM `json:"pem,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// JobError is the structured failure detail of a terminal job: which step
// failed and with which error kind, so an operator can diagnose without
// log-diving.
type JobError struct {
	Step    string `json:"step"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// String renders the error for logs and CLI output.
func (e *JobError) String() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %s", e.Step, e.Kind, e.Message)
}

// ProvisioningJob is one in-flight (or historical) provisioning workflow
// instance. Jobs are owned exclusively by the orchestrator; an Identity may
// accumulate many historical jobs but holds at most one non-terminal job at
// a time.
type ProvisioningJob struct {
	ID       string   `json:"job_id"`
	Identity string   `json:"identity"`
	State    JobState `json:"state"`

	// Attempts counts distribution pushes, including retries.
	Attempts int `json:"attempts"`

	LastError *JobError `json:"last_error,omitempty"`

	// SerialNumber is the record issued by this job, once one exists.
	SerialNumber *SerialNumber `json:"serial_number,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job has finished.
func (j *ProvisioningJob) Terminal() bool {
	return j.State.Terminal()
}
