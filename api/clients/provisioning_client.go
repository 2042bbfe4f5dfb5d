package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ALLTERCO/device-provisioning-service/api"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// ProvisioningClient calls the operator-facing provisioning API.
type ProvisioningClient struct {
	// ServerAddr is the base URL of the provisioning server, e.g.
	// "http://localhost:8080".
	ServerAddr string

	// HTTPClient is the client used for requests. A nil client falls back
	// to a default with a 30 second timeout.
	HTTPClient *http.Client
}

func (c *ProvisioningClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Provision submits a provisioning request and returns the accepted job
// handle. The job itself runs asynchronously; poll GetJob or use WaitForJob.
func (c *ProvisioningClient) Provision(ctx context.Context, request api.ProvisionRequest) (*api.ProvisionResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerAddr+"/api/v1/provision", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("provision request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, responseError("provision", resp)
	}

	var parsed api.ProvisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse provision response: %w", err)
	}
	return &parsed, nil
}

// GetJob fetches the current state of a provisioning job.
func (c *ProvisioningClient) GetJob(ctx context.Context, jobID string) (*interfaces.ProvisioningJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerAddr+"/api/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("job status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError("job status", resp)
	}

	var job interfaces.ProvisioningJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("failed to parse job response: %w", err)
	}
	return &job, nil
}

// WaitForJob polls the job until it reaches a terminal state or the context
// is cancelled.
func (c *ProvisioningClient) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (*interfaces.ProvisioningJob, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetIdentity fetches an identity and its certificate history.
func (c *ProvisioningClient) GetIdentity(ctx context.Context, commonName string) (*api.IdentityResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerAddr+"/api/v1/identities/"+url.PathEscape(commonName), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError("identity", resp)
	}

	var parsed api.IdentityResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse identity response: %w", err)
	}
	return &parsed, nil
}

// ListIdentities fetches all active identities holding the role.
func (c *ProvisioningClient) ListIdentities(ctx context.Context, role interfaces.Role) (*api.IdentityListResponse, error) {
	query := url.Values{"role": {role.String()}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerAddr+"/api/v1/identities?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity list request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError("identity list", resp)
	}

	var parsed api.IdentityListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse identity list response: %w", err)
	}
	return &parsed, nil
}

// Revoke revokes a certificate by serial number.
func (c *ProvisioningClient) Revoke(ctx context.Context, serial interfaces.SerialNumber, reason string) (*api.RevokeResponse, error) {
	body, err := json.Marshal(api.RevokeRequest{Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal revoke request: %w", err)
	}

	revokeURL := fmt.Sprintf("%s/api/v1/certificates/%s/revoke", c.ServerAddr, url.PathEscape(serial.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError("revoke", resp)
	}

	var parsed api.RevokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse revoke response: %w", err)
	}
	return &parsed, nil
}

// CACert fetches the authority's root certificate PEM.
func (c *ProvisioningClient) CACert(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ServerAddr+"/api/v1/ca", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("ca request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError("ca", resp)
	}

	return io.ReadAll(resp.Body)
}

// responseError turns a non-success response into an error carrying the
// status code and the server's error body.
func responseError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var parsed api.ErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return fmt.Errorf("%s failed with code %d: %s", operation, resp.StatusCode, parsed.Error)
	}
	return fmt.Errorf("%s failed with code %d: %s", operation, resp.StatusCode, string(body))
}
