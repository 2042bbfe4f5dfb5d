package interfaces

import "errors"

// Error taxonomy of the provisioning workflow. Callers classify failures
// with errors.Is against these sentinels; concrete errors wrap them with
// operation detail.
var (
	// ErrInvalidExtension is returned when certificate parameters are
	// unacceptable: a device identity without a client identifier, or a
	// validity period outside the allowed range. Caller-input defect,
	// never retried.
	ErrInvalidExtension = errors.New("invalid certificate extension parameters")

	// ErrAuthorityUnavailable is returned when the signing key is not
	// loaded, still sealed, or otherwise unusable. Infrastructure fault;
	// retryable at the caller's discretion.
	ErrAuthorityUnavailable = errors.New("signing authority unavailable")

	// ErrKeyGeneration is returned on entropy or key-parameter failure,
	// including device-submitted CSRs that fail signature verification.
	// Not retryable without new input.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrTransport is returned by distribution adapters for transient
	// delivery failures (timeout, connection refused). Retried per the
	// orchestrator backoff policy.
	ErrTransport = errors.New("credential transport failed")

	// ErrStoreUnavailable is returned when a credential store write or
	// read fails. Fatal to the current workflow step.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrJobInProgress is returned when a provisioning request targets an
	// Identity that already has a non-terminal job. The caller should
	// poll the existing job instead.
	ErrJobInProgress = errors.New("provisioning job already in progress")

	// ErrCancelled is recorded when a caller-supplied cancellation aborts
	// an in-flight job.
	ErrCancelled = errors.New("provisioning cancelled")

	// ErrFingerprintMismatch is returned by the verification probe when
	// the certificate a target presents does not match the issued record.
	// Indicates a proxy or wrong artifact; escalated, never retried.
	ErrFingerprintMismatch = errors.New("presented certificate fingerprint mismatch")

	// ErrNotFound is returned by store lookups for unknown identities,
	// serials, or jobs.
	ErrNotFound = errors.New("record not found")
)

// ErrorKind maps an error to its taxonomy code, used in job records and API
// responses. Unclassified errors report as "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidExtension):
		return "invalid_extension"
	case errors.Is(err, ErrAuthorityUnavailable):
		return "authority_unavailable"
	case errors.Is(err, ErrKeyGeneration):
		return "key_generation"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrJobInProgress):
		return "job_in_progress"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrFingerprintMismatch):
		return "fingerprint_mismatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
