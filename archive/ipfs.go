package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// IPFSBackend replicates bundles into IPFS. IPFS addresses content by CID,
// not by fingerprint, so each store pins the bundle and records the CID in a
// process-local index; the CID is also logged as the durable handle. Keyed
// fetches outside the storing process are served by the sibling backends of
// a multi-archive.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	log         *slog.Logger
	locationURI string

	mu   sync.Mutex
	cids map[string]string
}

// NewIPFSBackend creates an IPFS archive backend connected to the node API
// at host:port.
func NewIPFSBackend(host, port string, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)

	return &IPFSBackend{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/", apiURL),
		cids:        make(map[string]string),
	}, nil
}

// Store pins the bundle and indexes its CID under the fingerprint. Storing
// the same bundle twice yields the same CID, so replays are harmless.
func (b *IPFSBackend) Store(ctx context.Context, fp interfaces.Fingerprint, bundle []byte) error {
	if !b.shell.IsUp() {
		return fmt.Errorf("%w: IPFS node %s:%s is not up", interfaces.ErrArchiveUnavailable, b.host, b.port)
	}

	cid, err := b.shell.Add(bytes.NewReader(bundle))
	if err != nil {
		return fmt.Errorf("%w: adding bundle: %v", interfaces.ErrArchiveUnavailable, err)
	}

	b.mu.Lock()
	b.cids[fp.String()] = cid
	b.mu.Unlock()

	b.log.Info("archived bundle in IPFS",
		slog.String("cid", cid),
		slog.String("fingerprint", fp.String()),
		slog.Int("size", len(bundle)))
	return nil
}

// Fetch retrieves a bundle through the CID recorded when this process
// stored it. Fingerprints this process never stored report
// ErrArtifactNotFound.
func (b *IPFSBackend) Fetch(ctx context.Context, fp interfaces.Fingerprint) ([]byte, error) {
	start := time.Now()

	b.mu.Lock()
	cid, ok := b.cids[fp.String()]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no CID indexed for %s", interfaces.ErrArtifactNotFound, fp.String())
	}

	if !b.shell.IsUp() {
		return nil, fmt.Errorf("%w: IPFS node %s:%s is not up", interfaces.ErrArchiveUnavailable, b.host, b.port)
	}

	reader, err := b.shell.Cat("/ipfs/" + cid)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %v", interfaces.ErrArchiveUnavailable, cid, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", interfaces.ErrArchiveUnavailable, cid, err)
	}

	b.log.Debug("fetched archived bundle from IPFS",
		slog.String("cid", cid),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this archive backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this archive backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
