package clients

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ALLTERCO/device-provisioning-service/api"
	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
)

// AdminClient drives the master secret ceremonies against the admin API.
// It handles request signing, response parsing, and share decryption.
type AdminClient struct {
	baseURL    string
	adminID    string
	privateKey *ecdsa.PrivateKey
	httpClient *http.Client
}

// NewAdminClient creates an admin client for the admin API.
//
// baseURL addresses the admin surface including the mount point, e.g.
// "http://localhost:8080/admin". The private key signs every mutating
// request and decrypts the share fetched during generation.
func NewAdminClient(baseURL, adminID string, privateKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:    baseURL,
		adminID:    adminID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// GetStatus queries the current state of the bootstrap ceremony.
func (c *AdminClient) GetStatus() (*api.AdminStatusResponse, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status request failed with code %d: %s", resp.StatusCode, string(body))
	}

	var status api.AdminStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}

// InitGenerate starts the generation ceremony: a fresh master secret is
// created server-side, split into totalShares shares, and each share is
// encrypted for its assigned admin. The response names the assignments;
// each admin fetches their own share with FetchShare.
func (c *AdminClient) InitGenerate(threshold, totalShares int) (*api.AdminGenerateResponse, error) {
	reqJSON, err := json.Marshal(api.AdminGenerateRequest{
		Threshold:   threshold,
		TotalShares: totalShares,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := api.CreateSignedAdminRequest(http.MethodPost, c.baseURL+"/init/generate", reqJSON, c.adminID, c.privateKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("init generate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("init generate failed with code %d: %s", resp.StatusCode, string(body))
	}

	var result api.AdminGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse init generate response: %w", err)
	}
	return &result, nil
}

// InitRecover starts the recovery ceremony on a sealed authority. Admins
// then submit their shares with SubmitShare until the threshold is met.
func (c *AdminClient) InitRecover(threshold int) error {
	reqJSON, err := json.Marshal(api.AdminRecoverRequest{Threshold: threshold})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := api.CreateSignedAdminRequest(http.MethodPost, c.baseURL+"/init/recover", reqJSON, c.adminID, c.privateKey)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("init recover request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("init recover failed with code %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// SubmitShare submits a plaintext share during recovery. A nil signature is
// generated on the spot by signing sha256(share) with the admin's key.
func (c *AdminClient) SubmitShare(shareIndex int, share []byte, signature []byte) (*api.AdminSubmitShareResponse, error) {
	if signature == nil {
		hash := sha256.Sum256(share)
		var err error
		signature, err = ecdsa.SignASN1(rand.Reader, c.privateKey, hash[:])
		if err != nil {
			return nil, fmt.Errorf("failed to sign share: %w", err)
		}
	}

	reqJSON, err := json.Marshal(api.AdminSubmitShareRequest{
		ShareIndex: shareIndex,
		Share:      base64.StdEncoding.EncodeToString(share),
		Signature:  base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := api.CreateSignedAdminRequest(http.MethodPost, c.baseURL+"/share", reqJSON, c.adminID, c.privateKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit share request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("submit share failed with code %d: %s", resp.StatusCode, string(body))
	}

	var result api.AdminSubmitShareResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse submit share response: %w", err)
	}
	return &result, nil
}

// FetchShare retrieves this admin's encrypted share during generation.
func (c *AdminClient) FetchShare() (api.AdminGetShareResponse, error) {
	req, err := api.CreateSignedAdminRequest(http.MethodGet, c.baseURL+"/share", nil, c.adminID, c.privateKey)
	if err != nil {
		return api.AdminGetShareResponse{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return api.AdminGetShareResponse{}, fmt.Errorf("fetch share request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return api.AdminGetShareResponse{}, fmt.Errorf("fetch share failed with code %d: %s", resp.StatusCode, string(body))
	}

	var parsedResp api.AdminGetShareResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsedResp); err != nil {
		return api.AdminGetShareResponse{}, err
	}
	return parsedResp, nil
}

// DecryptShare recovers the plaintext share from a FetchShare response
// using the admin's private key.
func (c *AdminClient) DecryptShare(share api.AdminGetShareResponse) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(share.EncryptedShare)
	if err != nil {
		return nil, fmt.Errorf("invalid share encoding: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	plaintext, err := cryptoutils.UnsealWithPrivateKey(keyPEM, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt share: %w", err)
	}
	return plaintext, nil
}

// WaitForCompletion polls the ceremony status until it reaches the
// "complete" state or the timeout elapses.
func (c *AdminClient) WaitForCompletion(timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		status, err := c.GetStatus()
		if err != nil {
			return fmt.Errorf("failed to get bootstrap status: %w", err)
		}

		if status.State == "complete" {
			return nil
		}

		time.Sleep(interval)
	}

	return fmt.Errorf("timeout waiting for bootstrap completion")
}
