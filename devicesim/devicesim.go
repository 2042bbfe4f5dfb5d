// Package devicesim implements an in-process fake device for end-to-end
// tests and local development. It speaks the Gen2-style JSON-RPC upload
// protocol on an HTTP listener (chunked PEM frames with an append flag,
// activated by a reboot frame) and presents whatever certificate was last
// installed on a separate TLS listener, so a verification probe can check
// the device end-to-end.
package devicesim

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// RPC methods the device answers. The upload methods accept {"data":
// string|null, "append": bool} params; a frame with append=false truncates
// any partial prior upload, which is what makes re-pushing the same
// artifact idempotent.
const (
	MethodPutUserCA  = "Shelly.PutUserCA"
	MethodPutTLSCert = "Shelly.PutTLSClientCert"
	MethodPutTLSKey  = "Shelly.PutTLSClientKey"
	MethodReboot     = "Shelly.Reboot"
	MethodDeviceInfo = "Shelly.GetDeviceInfo"
)

const (
	codeInvalidArgument = -103
	codeNoHandler       = 404
)

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
	ID     int64     `json:"id"`
	Src    string    `json:"src"`
	Dst    string    `json:"dst,omitempty"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

type putParams struct {
	Data   *string `json:"data"`
	Append bool    `json:"append"`
}

// Device is one simulated fleet device. Credentials uploaded over RPC are
// staged in memory and only take effect on the reboot frame, mirroring how
// a constrained device streams PEM chunks to flash and applies them on
// restart.
type Device struct {
	clientID string
	log      *slog.Logger

	mu        sync.Mutex
	staged    map[string]*bytes.Buffer
	installed struct {
		ca   interfaces.CertPEM
		cert interfaces.CertPEM
		pair *tls.Certificate
	}
	deviceKey interfaces.KeyPEM
	calls     map[string]int

	httpLn  net.Listener
	httpSrv *http.Server
	tlsLn   net.Listener
	closed  chan struct{}
}

// New creates a device that answers RPC as the given client identifier.
// Call Start before use.
func New(clientID string, log *slog.Logger) *Device {
	return &Device{
		clientID: clientID,
		log:      log.With("device", clientID),
		staged:   make(map[string]*bytes.Buffer),
		calls:    make(map[string]int),
		closed:   make(chan struct{}),
	}
}

// Start opens the RPC and TLS listeners on loopback ports. The TLS listener
// refuses handshakes until a certificate has been installed via reboot.
func (d *Device) Start() error {
	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listening for rpc: %w", err)
	}

	tlsLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("listening for tls: %w", err)
	}

	mux := chi.NewRouter()
	mux.Post("/rpc", d.handleRPC)

	d.httpLn = httpLn
	d.tlsLn = tlsLn
	d.httpSrv = &http.Server{Handler: mux}

	go d.httpSrv.Serve(httpLn)
	go d.serveTLS()

	d.log.Debug("device simulator started", "rpc_addr", d.RPCAddr(), "tls_addr", d.TLSAddr())
	return nil
}

// Close shuts both listeners down.
func (d *Device) Close() error {
	close(d.closed)
	d.tlsLn.Close()
	return d.httpSrv.Close()
}

// RPCAddr returns the host:port of the HTTP RPC endpoint.
func (d *Device) RPCAddr() string {
	return d.httpLn.Addr().String()
}

// TLSAddr returns the host:port of the TLS listener a probe should dial.
func (d *Device) TLSAddr() string {
	return d.tlsLn.Addr().String()
}

// GenerateCSR makes the device create its own keypair and return a signing
// request for it. The private key never leaves the device; a certificate
// uploaded later is paired with it on reboot.
func (d *Device) GenerateCSR() (interfaces.CSRPEM, error) {
	key, csr, err := cryptoutils.CreateCSRWithRandomKey(d.clientID, d.clientID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.deviceKey = key
	d.mu.Unlock()
	return csr, nil
}

// InstalledCertificate returns the leaf the device is currently serving,
// or nil before the first install.
func (d *Device) InstalledCertificate() interfaces.CertPEM {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installed.cert
}

// InstalledCA returns the authority certificate the device trusts, or nil.
func (d *Device) InstalledCA() interfaces.CertPEM {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installed.ca
}

// Calls reports how many frames of the given method the device has
// answered, for asserting chunking behavior in tests.
func (d *Device) Calls(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[method]
}

func (d *Device) serveTLS() {
	cfg := &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.installed.pair == nil {
				return nil, fmt.Errorf("device %s: no certificate installed", d.clientID)
			}
			return d.installed.pair, nil
		},
	}

	for {
		conn, err := d.tlsLn.Accept()
		if err != nil {
			select {
			case <-d.closed:
				return
			default:
				continue
			}
		}
		go func() {
			tlsConn := tls.Server(conn, cfg)
			tlsConn.Handshake()
			tlsConn.Close()
		}()
	}
}

func (d *Device) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed rpc frame", http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	d.calls[req.Method]++
	d.mu.Unlock()

	resp := rpcResponse{ID: req.ID, Src: d.clientID, Dst: req.Src}
	switch req.Method {
	case MethodPutUserCA:
		resp.Result, resp.Error = d.handlePut("ca", req.Params)
	case MethodPutTLSCert:
		resp.Result, resp.Error = d.handlePut("cert", req.Params)
	case MethodPutTLSKey:
		resp.Result, resp.Error = d.handlePut("key", req.Params)
	case MethodReboot:
		resp.Result, resp.Error = d.handleReboot()
	case MethodDeviceInfo:
		resp.Result = map[string]any{"id": d.clientID, "app": "devicesim", "gen": 2}
	default:
		resp.Error = &rpcError{Code: codeNoHandler, Message: fmt.Sprintf("no handler for %s", req.Method)}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (d *Device) handlePut(slot string, raw json.RawMessage) (any, *rpcError) {
	var params putParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &rpcError{Code: codeInvalidArgument, Message: "malformed params"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !params.Append {
		if params.Data == nil {
			// Gen2 semantics: a nil first frame removes the artifact.
			delete(d.staged, slot)
			return map[string]any{"len": 0}, nil
		}
		d.staged[slot] = &bytes.Buffer{}
	} else if d.staged[slot] == nil {
		return nil, &rpcError{Code: codeInvalidArgument, Message: "append without upload in progress"}
	}

	if params.Data != nil {
		d.staged[slot].WriteString(*params.Data)
	}
	return map[string]any{"len": d.staged[slot].Len()}, nil
}

// handleReboot installs staged artifacts as the serving credential. A
// certificate is paired with the staged key, or with the device's own key
// when the device generated its keypair locally.
func (d *Device) handleReboot() (any, *rpcError) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if buf, ok := d.staged["ca"]; ok {
		d.installed.ca = interfaces.CertPEM(buf.Bytes())
	}

	if buf, ok := d.staged["cert"]; ok {
		certPEM := buf.Bytes()
		keyPEM := []byte(d.deviceKey)
		if staged, ok := d.staged["key"]; ok {
			keyPEM = staged.Bytes()
		}
		if len(keyPEM) == 0 {
			return nil, &rpcError{Code: codeInvalidArgument, Message: "certificate uploaded without a key"}
		}

		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidArgument, Message: fmt.Sprintf("certificate and key do not pair: %v", err)}
		}
		d.installed.cert = interfaces.CertPEM(certPEM)
		d.installed.pair = &pair
	}

	d.staged = make(map[string]*bytes.Buffer)
	return map[string]any{}, nil
}
