package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// MultiBackend fans writes out to every available backend and serves reads
// from the first one holding the bundle.
type MultiBackend struct {
	backends []interfaces.ArchiveBackend
	log      *slog.Logger
}

// NewMultiBackend aggregates the given backends.
func NewMultiBackend(backends []interfaces.ArchiveBackend, log *slog.Logger) *MultiBackend {
	if log == nil {
		log = slog.Default()
	}
	return &MultiBackend{
		backends: backends,
		log:      log,
	}
}

// Store writes the bundle to every available backend. It succeeds when at
// least one backend accepted the bundle; the rest are reported as warnings.
func (m *MultiBackend) Store(ctx context.Context, fp interfaces.Fingerprint, bundle []byte) error {
	start := time.Now()
	var stored int
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("archive backend unavailable", slog.String("backend", backend.Name()))
			continue
		}

		if err := backend.Store(ctx, fp, bundle); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("archive store failed",
				slog.String("backend", backend.Name()),
				slog.String("fingerprint", fp.String()),
				"err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("every archive backend failed to store the bundle",
			slog.String("fingerprint", fp.String()),
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("%w: no backend stored %s: %v", interfaces.ErrArchiveUnavailable, fp.String(), errs)
	}

	m.log.Debug("bundle archived",
		slog.String("fingerprint", fp.String()),
		slog.Int("replicas", stored),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Fetch returns the bundle from the first available backend holding it.
func (m *MultiBackend) Fetch(ctx context.Context, fp interfaces.Fingerprint) ([]byte, error) {
	start := time.Now()
	var errs []error
	allNotFound := true

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("archive backend unavailable", slog.String("backend", backend.Name()))
			allNotFound = false
			continue
		}

		data, err := backend.Fetch(ctx, fp)
		if err == nil {
			m.log.Debug("fetched archived bundle",
				slog.String("backend", backend.Name()),
				slog.String("fingerprint", fp.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if !errors.Is(err, interfaces.ErrArtifactNotFound) {
			allNotFound = false
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if allNotFound && len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrArtifactNotFound, fp.String())
	}
	return nil, fmt.Errorf("fetching %s failed on every backend: %v", fp.String(), errs)
}

// Available reports whether any backend is reachable.
func (m *MultiBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend.
func (m *MultiBackend) Name() string {
	return "multi-archive"
}

// LocationURI returns the combined URI of the aggregated backends.
func (m *MultiBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
