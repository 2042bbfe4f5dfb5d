package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/ALLTERCO/device-provisioning-service/api"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
	"github.com/ALLTERCO/device-provisioning-service/orchestrator"
	"github.com/go-chi/chi/v5"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler processes the operator-facing provisioning API requests. It
// submits jobs to the orchestrator, answers status and inventory queries
// from the credential store, and exposes the authority root.
type Handler struct {
	provisioner *orchestrator.Orchestrator
	store       interfaces.CredentialStore
	authority   interfaces.CertificateAuthority
	log         *slog.Logger
}

// NewHandler creates an HTTP request handler with the specified dependencies.
func NewHandler(provisioner *orchestrator.Orchestrator, store interfaces.CredentialStore, authority interfaces.CertificateAuthority, log *slog.Logger) *Handler {
	return &Handler{
		provisioner: provisioner,
		store:       store,
		authority:   authority,
		log:         log,
	}
}

// RegisterRoutes attaches the provisioning API to the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/provision", h.HandleProvision)
	r.Get("/api/v1/jobs/{job_id}", h.HandleJobStatus)
	r.Get("/api/v1/identities", h.HandleListIdentities)
	r.Get("/api/v1/identities/{common_name}", h.HandleIdentity)
	r.Post("/api/v1/certificates/{serial}/revoke", h.HandleRevoke)
	r.Get("/api/v1/ca", h.HandleCACert)
}

// HandleProvision accepts a provisioning request and starts the job.
//
// URL format: POST /api/v1/provision
//
// Request body: JSON, see api.ProvisionRequest
//
// Response: 202 Accepted with api.ProvisionResponse. The job runs
// asynchronously; its progress is returned by HandleJobStatus. An identity
// with a job already in flight is rejected with 409, and a sealed authority
// rejects all provisioning with 503 until unsealed.
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	if len(h.authority.CACert()) == 0 {
		h.writeError(w, fmt.Errorf("%w: authority is sealed", interfaces.ErrAuthorityUnavailable))
		return
	}

	var request api.ProvisionRequest
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		h.writeError(w, fmt.Errorf("%w: decoding request body: %v", interfaces.ErrInvalidExtension, err))
		return
	}

	provReq, err := h.buildProvisionRequest(&request)
	if err != nil {
		h.writeError(w, err)
		return
	}

	job, err := h.provisioner.RequestProvisioning(r.Context(), *provReq)
	if err != nil {
		h.log.Error("Provisioning request rejected", "err", err, "identity", request.CommonName)
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, api.ProvisionResponse{
		JobID: job.ID,
		State: string(job.State),
	})
}

// buildProvisionRequest converts the wire request into the orchestrator's
// form, validating the parts only the wire layer can see.
func (h *Handler) buildProvisionRequest(request *api.ProvisionRequest) (*orchestrator.ProvisionRequest, error) {
	role, err := interfaces.ParseRole(request.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidExtension, err)
	}

	var ips []net.IP
	for _, raw := range request.IPAddresses {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("%w: %q is not a valid IP address", interfaces.ErrInvalidExtension, raw)
		}
		ips = append(ips, ip)
	}

	return &orchestrator.ProvisionRequest{
		CommonName:   request.CommonName,
		ClientID:     request.ClientID,
		Role:         role,
		ValidityDays: request.ValidityDays,
		CSR:          interfaces.CSRPEM(request.CSRPEM),
		Address:      request.Address,
		ProbeAddress: request.ProbeAddress,
		Label:        request.Label,
		Group:        request.Group,
		Tags:         request.Tags,
		Extensions: interfaces.CertExtensions{
			DNSNames:    request.DNSNames,
			IPAddresses: ips,
		},
	}, nil
}

// HandleJobStatus returns the current state of a provisioning job.
//
// URL format: GET /api/v1/jobs/{job_id}
//
// Response: JSON, see interfaces.ProvisioningJob
func (h *Handler) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.provisioner.GetJobStatus(r.Context(), r.PathValue("job_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// HandleIdentity returns an identity and its certificate history, newest
// first.
//
// URL format: GET /api/v1/identities/{common_name}
//
// Response: JSON, see api.IdentityResponse
func (h *Handler) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	commonName := r.PathValue("common_name")

	identity, err := h.store.GetIdentity(r.Context(), commonName)
	if err != nil {
		h.writeError(w, err)
		return
	}

	records, err := h.store.ListCertificates(r.Context(), commonName)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []*interfaces.CertificateRecord{}
	}

	h.writeJSON(w, http.StatusOK, api.IdentityResponse{
		Identity:     identity,
		Certificates: records,
	})
}

// HandleListIdentities returns all active identities holding a role.
//
// URL format: GET /api/v1/identities?role={role}
//
// Response: JSON, see api.IdentityListResponse
func (h *Handler) HandleListIdentities(w http.ResponseWriter, r *http.Request) {
	rawRole := r.URL.Query().Get("role")
	if rawRole == "" {
		h.writeError(w, fmt.Errorf("%w: role query parameter is required", interfaces.ErrInvalidExtension))
		return
	}

	role, err := interfaces.ParseRole(rawRole)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", interfaces.ErrInvalidExtension, err))
		return
	}

	identities, err := h.store.ListActiveForRole(r.Context(), role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if identities == nil {
		identities = []*interfaces.Identity{}
	}

	h.writeJSON(w, http.StatusOK, api.IdentityListResponse{
		Identities: identities,
		Count:      len(identities),
	})
}

// HandleRevoke revokes a certificate by serial number. Revocation works
// even while the authority is sealed since it only touches the store, and
// revoking an already-revoked serial succeeds without effect.
//
// URL format: POST /api/v1/certificates/{serial}/revoke
//
// Request body: JSON, see api.RevokeRequest. An empty body is accepted.
//
// Response: JSON, see api.RevokeResponse
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	serial, err := interfaces.SerialNumberFromHex(r.PathValue("serial"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", interfaces.ErrInvalidExtension, err))
		return
	}

	var request api.RevokeRequest
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, fmt.Errorf("%w: decoding request body: %v", interfaces.ErrInvalidExtension, err))
		return
	}

	if err := h.authority.Revoke(r.Context(), serial, request.Reason); err != nil {
		h.log.Error("Revocation failed", "err", err, "serial", serial.String())
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.RevokeResponse{
		SerialNumber: serial.String(),
		Status:       string(interfaces.CertRevoked),
	})
}

// HandleCACert returns the authority's root certificate.
//
// URL format: GET /api/v1/ca
//
// Response: PEM certificate as text/plain, or 503 while the authority is
// sealed.
func (h *Handler) HandleCACert(w http.ResponseWriter, r *http.Request) {
	caCert := h.authority.CACert()
	if len(caCert) == 0 {
		h.writeError(w, fmt.Errorf("%w: authority is sealed", interfaces.ErrAuthorityUnavailable))
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write(caCert)
}

// writeJSON writes a JSON response body with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// writeError maps an error to its HTTP status and writes the JSON error
// body.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, statusForError(err), api.ErrorResponse{
		Error: err.Error(),
		Kind:  interfaces.ErrorKind(err),
	})
}

// statusForError maps the error taxonomy onto HTTP status codes: invalid
// input 400, unknown names 404, job conflicts 409, a sealed authority 503,
// everything else including store faults 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrJobInProgress):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrInvalidExtension), errors.Is(err, interfaces.ErrKeyGeneration):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrAuthorityUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
