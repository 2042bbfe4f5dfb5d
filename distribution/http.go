package distribution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/atomic"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// RPC methods of the Gen2-style device upload protocol. PEM payloads are
// streamed as {"data": chunk, "append": bool} frames; the first frame of
// each artifact carries append=false, truncating any partial prior upload,
// so re-pushing the same artifact set is idempotent. The reboot frame
// activates the staged credentials.
const (
	methodPutUserCA  = "Shelly.PutUserCA"
	methodPutTLSCert = "Shelly.PutTLSClientCert"
	methodPutTLSKey  = "Shelly.PutTLSClientKey"
	methodReboot     = "Shelly.Reboot"
)

// DefaultChunkSize bounds upload frames to what a constrained device can
// buffer while it streams the payload to flash.
const DefaultChunkSize = 2048

type rpcRequest struct {
	ID     int64           `json:"id"`
	Src    string          `json:"src,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Src    string          `json:"src"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type putParams struct {
	Data   *string `json:"data"`
	Append bool    `json:"append"`
}

// HTTPDistributor pushes credentials to a device's local JSON-RPC endpoint.
// The per-attempt timeout comes from the caller's context.
type HTTPDistributor struct {
	// Locator resolves targets without an explicit address. Optional when
	// every target carries one.
	Locator interfaces.DeviceLocator

	// Client overrides the HTTP client, primarily for tests.
	Client *http.Client

	// ChunkSize overrides DefaultChunkSize.
	ChunkSize int

	Log *slog.Logger

	nextID atomic.Int64
}

// Push uploads the artifact set frame by frame and activates it with a
// reboot. Connection-level failures wrap ErrTransport; a device rejecting a
// frame is permanent.
func (d *HTTPDistributor) Push(ctx context.Context, target interfaces.Target, artifacts interfaces.ArtifactSet) (*interfaces.DistributionReceipt, error) {
	if err := validateArtifacts(artifacts); err != nil {
		return nil, err
	}
	digest, err := leafFingerprint(artifacts.Cert)
	if err != nil {
		return nil, err
	}

	addr, err := d.resolveAddr(ctx, target)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("http://%s/rpc", addr)

	if err := d.uploadArtifact(ctx, endpoint, methodPutUserCA, artifacts.CACert); err != nil {
		return nil, err
	}
	if err := d.uploadArtifact(ctx, endpoint, methodPutTLSCert, artifacts.Cert); err != nil {
		return nil, err
	}
	if artifacts.HasPrivateKey() {
		if err := d.uploadArtifact(ctx, endpoint, methodPutTLSKey, artifacts.PrivateKey); err != nil {
			return nil, err
		}
	}

	if _, err := d.call(ctx, endpoint, methodReboot, nil); err != nil {
		return nil, err
	}

	d.logger().Debug("credentials pushed over http",
		"target", target.Identity,
		"endpoint", addr,
		"fingerprint", digest.Display(),
	)

	return &interfaces.DistributionReceipt{
		Transport:   "http",
		Endpoint:    addr,
		Digest:      digest,
		DeliveredAt: time.Now(),
	}, nil
}

func (d *HTTPDistributor) resolveAddr(ctx context.Context, target interfaces.Target) (string, error) {
	if target.Address != "" {
		return target.Address, nil
	}
	if d.Locator == nil {
		return "", fmt.Errorf("target %s carries no address and no locator is configured", target.Identity)
	}

	name := target.ClientID
	if name == "" {
		name = target.Identity
	}
	return d.Locator.Resolve(ctx, name)
}

func (d *HTTPDistributor) uploadArtifact(ctx context.Context, endpoint, method string, data []byte) error {
	size := d.chunkSize()
	for offset := 0; offset < len(data); offset += size {
		end := offset + size
		if end > len(data) {
			end = len(data)
		}
		chunk := string(data[offset:end])
		if _, err := d.call(ctx, endpoint, method, putParams{Data: &chunk, Append: offset > 0}); err != nil {
			return err
		}
	}
	return nil
}

func (d *HTTPDistributor) call(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error) {
	frame := rpcRequest{ID: d.nextID.Inc(), Src: "provisioner", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		frame.Params = raw
	}

	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s frame to %s: %v", interfaces.ErrTransport, method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s frame returned status %d: %s", interfaces.ErrTransport, method, resp.StatusCode, string(bodyBytes))
	}

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", method, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("device rejected %s: code %d: %s", method, parsed.Error.Code, parsed.Error.Message)
	}
	return parsed.Result, nil
}

func (d *HTTPDistributor) httpClient() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *HTTPDistributor) chunkSize() int {
	if d.ChunkSize > 0 {
		return d.ChunkSize
	}
	return DefaultChunkSize
}

func (d *HTTPDistributor) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}
