// Package probe closes the provisioning loop: after artifacts are
// distributed it performs a TLS handshake against the target and checks that
// the leaf the device actually presents is the one that was issued.
package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// DefaultTimeout bounds one verification handshake.
const DefaultTimeout = 6 * time.Second

// TLSProber dials the target and compares presented and expected leaf
// fingerprints.
type TLSProber struct {
	timeout time.Duration
	log     *slog.Logger
}

// NewTLSProber creates a prober. A non-positive timeout selects
// DefaultTimeout.
func NewTLSProber(timeout time.Duration, log *slog.Logger) *TLSProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TLSProber{timeout: timeout, log: log}
}

// Probe performs the handshake and fingerprint comparison. Connection and
// handshake failures map to ErrTransport; a reachable target presenting the
// wrong certificate maps to ErrFingerprintMismatch.
func (p *TLSProber) Probe(ctx context.Context, addr string, expected interfaces.Fingerprint) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	dialer := &tls.Dialer{
		Config: &tls.Config{
			// The probe judges the presented leaf by fingerprint; devices
			// present certificates our own authority issued, which no
			// system pool can chain.
			InsecureSkipVerify: true,
		},
	}

	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: handshake with %s: %v", interfaces.ErrTransport, addr, err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("%w: %s presented no certificate", interfaces.ErrFingerprintMismatch, addr)
	}

	presented := interfaces.ComputeFingerprint(state.PeerCertificates[0].Raw)
	if !presented.Equal(expected) {
		p.log.Warn("verification fingerprint mismatch",
			"addr", addr,
			"presented", presented.Display(),
			"expected", expected.Display())
		return fmt.Errorf("%w: %s presented %s, expected %s",
			interfaces.ErrFingerprintMismatch, addr, presented.Display(), expected.Display())
	}

	p.log.Debug("verification handshake succeeded", "addr", addr, "fingerprint", presented.String())
	return nil
}
