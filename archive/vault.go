package archive

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// VaultBackend archives bundles in a HashiCorp Vault KV v2 engine. Bundles
// land under {mount}/data/{path}/bundles/{fingerprint}.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault archive backend authenticated with the
// given token.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "provisioner")
//   - token: Vault token with write access to the data path
//   - log: structured logger
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(address, "https://"), mountPath, dataPath),
	}, nil
}

// Store writes the bundle under its fingerprint. An existing version is
// left in place.
func (b *VaultBackend) Store(ctx context.Context, fp interfaces.Fingerprint, bundle []byte) error {
	path := b.secretPath(fp)

	existing, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: checking for existing bundle: %v", interfaces.ErrArchiveUnavailable, err)
	}
	if existing != nil && existing.Data != nil {
		b.log.Debug("bundle already archived in Vault", "path", path)
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"bundle": base64.StdEncoding.EncodeToString(bundle),
		},
	}
	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		return fmt.Errorf("%w: writing bundle: %v", interfaces.ErrArchiveUnavailable, err)
	}

	b.log.Info("archived bundle in Vault",
		slog.String("path", path),
		slog.Int("size", len(bundle)))
	return nil
}

// Fetch retrieves the bundle stored under the fingerprint.
func (b *VaultBackend) Fetch(ctx context.Context, fp interfaces.Fingerprint) ([]byte, error) {
	start := time.Now()
	path := b.secretPath(fp)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading bundle: %v", interfaces.ErrArchiveUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrArtifactNotFound
	}

	// KV v2 wraps the payload in a "data" map.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format in Vault response at %s", path)
	}
	encoded, ok := data["bundle"].(string)
	if !ok {
		return nil, fmt.Errorf("bundle key missing in Vault data at %s", path)
	}

	bundle, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding archived bundle at %s: %w", path, err)
	}

	b.log.Debug("fetched archived bundle from Vault",
		slog.String("path", path),
		slog.Int("size", len(bundle)),
		slog.Duration("duration", time.Since(start)))
	return bundle, nil
}

// Available checks the Vault health endpoint for an initialized, unsealed
// server.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns a unique identifier for this archive backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this archive backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) secretPath(fp interfaces.Fingerprint) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/data/bundles/%s", b.mountPath, fp.String())
	}
	return fmt.Sprintf("%s/data/%s/bundles/%s", b.mountPath, b.dataPath, fp.String())
}
