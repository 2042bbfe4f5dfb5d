package archive

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// Factory creates archive backends from location URIs and aggregates them
// into redundant multi-backends.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a backend factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// BackendFor creates an archive backend from a location.
//
// Supported schemes:
//   - file:// - local filesystem archive
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node replication
//   - vault:// - HashiCorp Vault KV v2
func (f *Factory) BackendFor(location interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	switch {
	case location.IsFile():
		return f.createFileBackend(location)
	case location.IsS3():
		return f.createS3Backend(location)
	case location.IsIPFS():
		return f.createIPFSBackend(location)
	case location.IsVault():
		return f.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidArchiveURI, location.Scheme)
	}
}

// MultiBackendFor creates a multi-backend from a list of locations. Locations
// that fail to construct are skipped with a warning; at least one must
// succeed.
func (f *Factory) MultiBackendFor(locations []interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	backends := make([]interfaces.ArchiveBackend, 0, len(locations))

	for _, location := range locations {
		backend, err := f.BackendFor(location)
		if err != nil {
			f.log.Warn("skipping archive backend",
				"err", err,
				slog.String("location", location.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid archive backends created from %d locations", len(locations))
	}

	return NewMultiBackend(backends, f.log), nil
}

// createFileBackend creates a file system archive backend.
// URI format: file:///var/lib/provisioner/archive/
func (f *Factory) createFileBackend(location interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	f.log.Debug("creating file archive backend", slog.String("uri", location.String()))

	path := location.Path
	if location.Host != "" {
		// Relative form, e.g. file://./archive
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidArchiveURI, location.String())
	}

	return NewFileBackend(path, f.log)
}

// createS3Backend creates an S3 or S3-compatible archive backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=eu-central-1&endpoint=minio.local:9000
func (f *Factory) createS3Backend(location interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	f.log.Debug("creating S3 archive backend", slog.String("uri", location.String()))

	bucketName := location.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: missing bucket name in %s", interfaces.ErrInvalidArchiveURI, location.String())
	}
	prefix := strings.TrimPrefix(location.Path, "/")

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := location.GetParam("endpoint")

	var accessKey, secretKey string
	if location.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(location.Auth, ":")
	} else {
		f.log.Debug("no S3 credentials in URI, bucket assumed public")
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createIPFSBackend creates an IPFS archive backend.
// URI format: ipfs://host:port/
func (f *Factory) createIPFSBackend(location interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	f.log.Debug("creating IPFS archive backend", slog.String("uri", location.String()))

	host, port, err := net.SplitHostPort(location.Host)
	if err != nil {
		host = location.Host
		port = "5001"
	}
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %s", interfaces.ErrInvalidArchiveURI, location.String())
	}

	return NewIPFSBackend(host, port, f.log)
}

// createVaultBackend creates a Vault archive backend.
// URI format: vault://vault.example.com:8200/secret/provisioner?token=...
// The first path segment is the KV v2 mount, the rest the data path. The
// scheme parameter switches to plain HTTP for development servers.
func (f *Factory) createVaultBackend(location interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	f.log.Debug("creating Vault archive backend", slog.String("uri", location.String()))

	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %s", interfaces.ErrInvalidArchiveURI, location.String())
	}

	address := "https://" + location.Host
	if location.GetParam("scheme") == "http" {
		address = "http://" + location.Host
	}

	mountPath, dataPath, _ := strings.Cut(strings.Trim(location.Path, "/"), "/")
	if mountPath == "" {
		return nil, fmt.Errorf("%w: missing KV mount path in %s", interfaces.ErrInvalidArchiveURI, location.String())
	}

	token := location.GetParam("token")
	if token == "" {
		f.log.Warn("no Vault token in URI, relying on VAULT_TOKEN from the environment")
	}

	return NewVaultBackend(address, mountPath, dataPath, token, f.log)
}
