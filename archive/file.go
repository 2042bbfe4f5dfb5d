package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// FileBackend archives bundles on the local file system, one file per
// fingerprint under a bundles subdirectory.
type FileBackend struct {
	baseDir     string
	bundleDir   string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file archive rooted at baseDir, creating the
// directory tree if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	bundleDir := filepath.Join(baseDir, "bundles")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		bundleDir:   bundleDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Store writes the bundle under its fingerprint. A fingerprint that already
// has a bundle on disk is left untouched.
func (b *FileBackend) Store(ctx context.Context, fp interfaces.Fingerprint, bundle []byte) error {
	path := b.bundlePath(fp)

	if _, err := os.Stat(path); err == nil {
		b.log.Debug("bundle already archived", "path", path, "fingerprint", fp.String())
		return nil
	}

	if err := os.WriteFile(path, bundle, 0o644); err != nil {
		return fmt.Errorf("%w: writing bundle: %v", interfaces.ErrArchiveUnavailable, err)
	}

	b.log.Debug("archived bundle",
		slog.String("path", path),
		slog.Int("size", len(bundle)))
	return nil
}

// Fetch reads the bundle stored under the fingerprint. Returns
// ErrArtifactNotFound if no bundle exists for it.
func (b *FileBackend) Fetch(ctx context.Context, fp interfaces.Fingerprint) ([]byte, error) {
	path := b.bundlePath(fp)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, interfaces.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("%w: reading bundle: %v", interfaces.ErrArchiveUnavailable, err)
	}

	b.log.Debug("fetched archived bundle",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return data, nil
}

// Available checks that the archive directory still exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.bundleDir); err != nil {
		b.log.Debug("file archive unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this archive backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this archive backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) bundlePath(fp interfaces.Fingerprint) string {
	return filepath.Join(b.bundleDir, fp.String()+".pem")
}
