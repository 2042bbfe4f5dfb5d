package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ArchiveLocation represents the URI of an artifact archive backend.
type ArchiveLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewArchiveLocation creates a new archive location from a URI string with
// validation. Supported schemes: file, s3, ipfs, vault.
func NewArchiveLocation(uri string) (ArchiveLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ArchiveLocation{}, fmt.Errorf("invalid URI format: %w", err)
	}

	scheme := parsed.Scheme
	switch scheme {
	case "file", "s3", "ipfs", "vault":
		// Valid scheme
	default:
		return ArchiveLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidArchiveURI, scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return ArchiveLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc ArchiveLocation) String() string {
	return loc.Raw
}

// IsFile checks if this is a file system archive location.
func (loc ArchiveLocation) IsFile() bool {
	return loc.Scheme == "file"
}

// IsS3 checks if this is an S3 archive location.
func (loc ArchiveLocation) IsS3() bool {
	return loc.Scheme == "s3"
}

// IsIPFS checks if this is an IPFS archive location.
func (loc ArchiveLocation) IsIPFS() bool {
	return loc.Scheme == "ipfs"
}

// IsVault checks if this is a Vault archive location.
func (loc ArchiveLocation) IsVault() bool {
	return loc.Scheme == "vault"
}

// GetParam returns a query parameter value.
func (loc ArchiveLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

var (
	// ErrArtifactNotFound is returned when a requested bundle is not
	// present in the archive backend.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrArchiveUnavailable is returned when an archive backend is not
	// accessible, whether from network issues, authentication failures,
	// or service outages.
	ErrArchiveUnavailable = errors.New("archive backend unavailable")

	// ErrInvalidArchiveURI is returned when an archive location URI is
	// malformed or names an unsupported scheme.
	ErrInvalidArchiveURI = errors.New("invalid archive location URI")
)

// ArchiveBackend stores issued-certificate bundles keyed by the leaf
// fingerprint. The archive holds public material only and is written once
// per issuance, as an audit trail independent of the credential store.
type ArchiveBackend interface {
	// Store saves a bundle under the fingerprint key.
	Store(ctx context.Context, fp Fingerprint, bundle []byte) error

	// Fetch retrieves the bundle stored under the fingerprint key.
	Fetch(ctx context.Context, fp Fingerprint) ([]byte, error)

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}

// ArchiveFactory creates archive backends from location URIs.
type ArchiveFactory interface {
	// BackendFor creates a backend from a URI.
	// Supports file://, s3://, ipfs://, vault://
	BackendFor(location ArchiveLocation) (ArchiveBackend, error)

	// MultiBackendFor creates an aggregated backend that replicates
	// stores to every location and serves fetches from the first
	// available one.
	MultiBackendFor(locations []ArchiveLocation) (ArchiveBackend, error)
}
