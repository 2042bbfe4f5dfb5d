package api

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Admin authentication headers. Every mutating admin endpoint requires an
// ECDSA signature over sha256(request path + request body), base64 encoded.
const (
	AdminIDHeader        = "X-Admin-ID"
	AdminSignatureHeader = "X-Admin-Signature"
)

// AdminStatusResponse is the body of GET /admin/status.
type AdminStatusResponse struct {
	State          string `json:"state"`
	Threshold      int    `json:"threshold,omitempty"`
	TotalShares    int    `json:"total_shares,omitempty"`
	SharesReceived int    `json:"shares_received,omitempty"`
	Unsealed       bool   `json:"unsealed"`
}

// AdminGenerateRequest is the body of POST /admin/init/generate.
type AdminGenerateRequest struct {
	Threshold   int `json:"threshold"`
	TotalShares int `json:"total_shares"`
}

// ShareAssignment names which admin holds which share index. The share
// itself is never in this response; each admin retrieves their own share,
// encrypted to their key, via GET /admin/share.
type ShareAssignment struct {
	AdminID    string `json:"admin_id"`
	ShareIndex int    `json:"share_index"`
}

// AdminGenerateResponse is the body returned by POST /admin/init/generate.
type AdminGenerateResponse struct {
	ShareAssignments []ShareAssignment `json:"share_assignments"`
	Threshold        int               `json:"threshold"`
	TotalShares      int               `json:"total_shares"`
}

// AdminRecoverRequest is the body of POST /admin/init/recover.
type AdminRecoverRequest struct {
	Threshold int `json:"threshold"`
}

// AdminSubmitShareRequest is the body of POST /admin/share during recovery.
// Share and Signature are base64 encoded; the signature covers
// sha256(share) and must verify against the submitting admin's key.
type AdminSubmitShareRequest struct {
	ShareIndex int    `json:"share_index"`
	Share      string `json:"share"`
	Signature  string `json:"signature"`
}

// AdminSubmitShareResponse reports recovery progress after a submission.
type AdminSubmitShareResponse struct {
	SharesReceived int  `json:"shares_received"`
	Threshold      int  `json:"threshold"`
	Unsealed       bool `json:"unsealed"`
}

// AdminGetShareResponse is the body of GET /admin/share: the caller's own
// share, encrypted with their public key.
type AdminGetShareResponse struct {
	ShareIndex     int    `json:"share_index"`
	EncryptedShare string `json:"encrypted_share"` // base64 encoded
}

// CreateSignedAdminRequest builds an HTTP request carrying admin
// authentication headers.
//
// The signature covers sha256(path + body), signed with the admin's ECDSA
// key and base64 encoded into the X-Admin-Signature header. The server
// verifies it against the registered public key for the X-Admin-ID header.
func CreateSignedAdminRequest(method, reqURL string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	var req *http.Request
	var err error

	if body != nil {
		req, err = http.NewRequest(method, reqURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
	}

	// Only the path is signed, not the full URL, so the signature survives
	// proxies and host rewrites.
	parsedURL, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	req.Header.Set(AdminIDHeader, adminID)

	message := parsedURL.Path
	if body != nil {
		message += string(body)
	}

	hash := sha256.Sum256([]byte(message))

	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set(AdminSignatureHeader, base64.StdEncoding.EncodeToString(signature))

	return req, nil
}

// SignAdminRequest adds authentication headers to an existing HTTP request,
// consuming and restoring its body.
func SignAdminRequest(req *http.Request, adminID string, privateKey *ecdsa.PrivateKey) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}

	req.Header.Set(AdminIDHeader, adminID)

	message := req.URL.Path

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}

		req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		message += string(bodyBytes)
	}

	hash := sha256.Sum256([]byte(message))

	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set(AdminSignatureHeader, base64.StdEncoding.EncodeToString(signature))

	return nil
}
