package api

import (
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// ProvisionRequest is the body of POST /api/v1/provision. It names the
// identity to provision and how its certificate should be cut.
type ProvisionRequest struct {
	// CommonName is the identity being provisioned. Required.
	CommonName string `json:"common_name"`

	// ClientID is the device's stable client identifier, embedded in
	// device certificates as a SAN URI. Required for the device role.
	ClientID string `json:"client_id,omitempty"`

	// Role is one of "admin", "device", or "monitor".
	Role string `json:"role"`

	// ValidityDays is the requested certificate lifetime.
	ValidityDays int `json:"validity_days"`

	// CSRPEM carries a PEM-encoded CSR when the device generated its own
	// keypair. Empty means the service generates the keypair and ships
	// the private key inside the credential bundle.
	CSRPEM string `json:"csr_pem,omitempty"`

	// Address is the device endpoint credentials are pushed to. Empty
	// addresses resolve through the configured locator.
	Address string `json:"address,omitempty"`

	// ProbeAddress is the TLS endpoint dialed for handshake verification.
	// Falls back to Address.
	ProbeAddress string `json:"probe_address,omitempty"`

	// Fleet inventory metadata, stored on the identity.
	Label string   `json:"label,omitempty"`
	Group string   `json:"group,omitempty"`
	Tags  []string `json:"tags,omitempty"`

	// Extra certificate extensions. IPAddresses must parse as IPs.
	DNSNames    []string `json:"dns_names,omitempty"`
	IPAddresses []string `json:"ip_addresses,omitempty"`
}

// ProvisionResponse acknowledges an accepted provisioning request. The job
// runs asynchronously; poll GET /api/v1/jobs/{job_id} for progress.
type ProvisionResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// IdentityResponse is the body of GET /api/v1/identities/{cn}: the identity
// plus its full certificate history, newest first.
type IdentityResponse struct {
	Identity     *interfaces.Identity            `json:"identity"`
	Certificates []*interfaces.CertificateRecord `json:"certificates"`
}

// IdentityListResponse is the body of GET /api/v1/identities.
type IdentityListResponse struct {
	Identities []*interfaces.Identity `json:"identities"`
	Count      int                    `json:"count"`
}

// RevokeRequest is the body of POST /api/v1/certificates/{serial}/revoke.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// RevokeResponse confirms a revocation.
type RevokeResponse struct {
	SerialNumber string `json:"serial_number"`
	Status       string `json:"status"`
}

// ErrorResponse is the JSON error body returned by the provisioning API.
// Kind is a stable machine-readable category, see interfaces.ErrorKind.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
