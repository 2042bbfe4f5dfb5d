// Package locator resolves logical device names to network addresses.
//
// Provisioning requests may name a device without knowing where it currently
// lives on the network. The SRV locator answers that through DNS SRV lookups
// against the fleet zone; the static locator serves tests and fleets with
// fixed addressing.
package locator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// srvService is the SRV service prefix devices register under.
const srvService = "_provision._tcp"

// DefaultDNSServer is the systemd-resolved stub listener.
const DefaultDNSServer = "127.0.0.53:53"

// SRVLocator resolves device names through DNS SRV records of the form
// _provision._tcp.<name>.<zone>.
type SRVLocator struct {
	client *dns.Client
	server string
	zone   string
	log    *slog.Logger
}

// NewSRVLocator creates a locator querying the given DNS server. An empty
// server selects DefaultDNSServer; the zone is appended to every query name
// and may be empty for single-label fleets.
func NewSRVLocator(server, zone string, log *slog.Logger) *SRVLocator {
	if server == "" {
		server = DefaultDNSServer
	}
	return &SRVLocator{
		client: new(dns.Client),
		server: server,
		zone:   zone,
		log:    log,
	}
}

// Resolve returns the host:port of the first SRV record for the device.
func (l *SRVLocator) Resolve(ctx context.Context, name string) (string, error) {
	fqdn := l.queryName(name)

	m := new(dns.Msg)
	m.Id = dns.Id()
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: fqdn, Qtype: dns.TypeSRV, Qclass: dns.ClassINET}}

	in, _, err := l.client.ExchangeContext(ctx, m, l.server)
	if err != nil {
		return "", fmt.Errorf("%w: resolving %s: %v", interfaces.ErrTransport, fqdn, err)
	}

	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			host := strings.TrimSuffix(srv.Target, ".")
			addr := net.JoinHostPort(host, strconv.Itoa(int(srv.Port)))
			l.log.Debug("resolved device address", "name", name, "addr", addr)
			return addr, nil
		}
	}

	return "", fmt.Errorf("%w: no SRV record for %s", interfaces.ErrNotFound, fqdn)
}

func (l *SRVLocator) queryName(name string) string {
	if l.zone == "" {
		return dns.Fqdn(srvService + "." + name)
	}
	return dns.Fqdn(srvService + "." + name + "." + strings.TrimSuffix(l.zone, "."))
}

// StaticLocator resolves from a fixed name-to-address map.
type StaticLocator struct {
	mu    sync.RWMutex
	addrs map[string]string
}

// NewStaticLocator creates a locator over a copy of the given map.
func NewStaticLocator(addrs map[string]string) *StaticLocator {
	copied := make(map[string]string, len(addrs))
	for name, addr := range addrs {
		copied[name] = addr
	}
	return &StaticLocator{addrs: copied}
}

// Set adds or replaces a device address.
func (l *StaticLocator) Set(name, addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addrs[name] = addr
}

// Resolve returns the configured address for the device.
func (l *StaticLocator) Resolve(_ context.Context, name string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	addr, ok := l.addrs[name]
	if !ok {
		return "", fmt.Errorf("%w: no address for device %s", interfaces.ErrNotFound, name)
	}
	return addr, nil
}
