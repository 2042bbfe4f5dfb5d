package locator

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serveDNS starts a local DNS server answering every SRV query with the
// given target and port. An empty target serves empty answers.
func serveDNS(t *testing.T, target string, port uint16) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err, "Failed to open UDP listener")

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if target != "" && r.Question[0].Qtype == dns.TypeSRV {
			m.Answer = append(m.Answer, &dns.SRV{
				Hdr: dns.RR_Header{
					Name:   r.Question[0].Name,
					Rrtype: dns.TypeSRV,
					Class:  dns.ClassINET,
					Ttl:    60,
				},
				Priority: 10,
				Weight:   5,
				Port:     port,
				Target:   target,
			})
		}
		_ = w.WriteMsg(m)
	})

	server := &dns.Server{PacketConn: pc, Handler: handler}
	go server.ActivateAndServe()
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestSRVLocatorResolves(t *testing.T) {
	addr := serveDNS(t, "unit-7.lab.example.org.", 8443)

	loc := NewSRVLocator(addr, "devices.example.org", testLogger())
	resolved, err := loc.Resolve(context.Background(), "shelly-01")
	require.NoError(t, err, "Resolve should succeed with an SRV answer")
	assert.Equal(t, "unit-7.lab.example.org:8443", resolved, "Target and port should come from the SRV record")
}

func TestSRVLocatorNoRecord(t *testing.T) {
	addr := serveDNS(t, "", 0)

	loc := NewSRVLocator(addr, "devices.example.org", testLogger())
	_, err := loc.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "Empty answer should map to ErrNotFound")
}

func TestSRVLocatorQueryName(t *testing.T) {
	withZone := NewSRVLocator("127.0.0.1:53", "devices.example.org", testLogger())
	assert.Equal(t, "_provision._tcp.shelly-01.devices.example.org.", withZone.queryName("shelly-01"))

	trailingDot := NewSRVLocator("127.0.0.1:53", "devices.example.org.", testLogger())
	assert.Equal(t, "_provision._tcp.shelly-01.devices.example.org.", trailingDot.queryName("shelly-01"))

	bare := NewSRVLocator("127.0.0.1:53", "", testLogger())
	assert.Equal(t, "_provision._tcp.shelly-01.", bare.queryName("shelly-01"))
}

func TestStaticLocator(t *testing.T) {
	loc := NewStaticLocator(map[string]string{
		"shelly-01": "192.0.2.10:8443",
	})

	addr, err := loc.Resolve(context.Background(), "shelly-01")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10:8443", addr)

	_, err = loc.Resolve(context.Background(), "unknown")
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "Unknown device should map to ErrNotFound")

	loc.Set("shelly-02", "192.0.2.11:8443")
	addr, err = loc.Resolve(context.Background(), "shelly-02")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.11:8443", addr)
}
