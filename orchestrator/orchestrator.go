// Package orchestrator drives the provisioning workflow state machine per
// job: request, key material, issuance, distribution, verification, and the
// compensating rollback when any of it fails. Jobs for different identities
// run fully in parallel; the credential store's conditional writes are the
// only shared state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
	"github.com/ALLTERCO/device-provisioning-service/metrics"
)

// Workflow timing defaults. A zero Config field takes the default.
const (
	DefaultRetryBaseDelay      = time.Second
	DefaultMaxRetries          = 5
	DefaultDistributionTimeout = 10 * time.Second
	DefaultProbeTimeout        = 6 * time.Second

	archiveTimeout = 30 * time.Second
)

// Config wires the orchestrator's collaborators.
type Config struct {
	Store       interfaces.CredentialStore
	Authority   interfaces.CertificateAuthority
	Distributor interfaces.Distributor
	Prober      interfaces.HandshakeProber

	// Locator resolves probe targets that carry no explicit address.
	// Optional; required only by fleets that rely on rotation sweeps or
	// address-less requests.
	Locator interfaces.DeviceLocator

	// Archive receives issued certificate bundles. Optional; archive
	// failures never fail a job.
	Archive interfaces.ArchiveBackend

	Log *slog.Logger

	// RetryBaseDelay is the first backoff step between distribution
	// attempts; it doubles per retry with ±20% jitter.
	RetryBaseDelay time.Duration

	// MaxRetries bounds distribution retries after the initial attempt.
	MaxRetries uint

	DistributionTimeout time.Duration
	ProbeTimeout        time.Duration
}

// Orchestrator owns all provisioning jobs of one service instance.
type Orchestrator struct {
	store       interfaces.CredentialStore
	authority   interfaces.CertificateAuthority
	distributor interfaces.Distributor
	prober      interfaces.HandshakeProber
	locator     interfaces.DeviceLocator
	archive     interfaces.ArchiveBackend
	log         *slog.Logger

	retryBase    time.Duration
	maxRetries   uint
	distTimeout  time.Duration
	probeTimeout time.Duration

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the wiring and returns a ready orchestrator. Jobs spawned
// later run until they terminate or Shutdown cancels them.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator requires a credential store")
	}
	if cfg.Authority == nil {
		return nil, errors.New("orchestrator requires a certificate authority")
	}
	if cfg.Distributor == nil {
		return nil, errors.New("orchestrator requires a distributor")
	}
	if cfg.Prober == nil {
		return nil, errors.New("orchestrator requires a handshake prober")
	}
	if cfg.Log == nil {
		return nil, errors.New("orchestrator requires a logger")
	}

	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.DistributionTimeout == 0 {
		cfg.DistributionTimeout = DefaultDistributionTimeout
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:        cfg.Store,
		authority:    cfg.Authority,
		distributor:  cfg.Distributor,
		prober:       cfg.Prober,
		locator:      cfg.Locator,
		archive:      cfg.Archive,
		log:          cfg.Log,
		retryBase:    cfg.RetryBaseDelay,
		maxRetries:   cfg.MaxRetries,
		distTimeout:  cfg.DistributionTimeout,
		probeTimeout: cfg.ProbeTimeout,
		rootCtx:      ctx,
		cancel:       cancel,
	}, nil
}

// ProvisionRequest is one operator ask: provision this identity with this
// role. Leaving CSR empty selects server-side key generation; a CSR keeps
// the key on the device and certifies its public key instead.
type ProvisionRequest struct {
	CommonName   string
	ClientID     string
	Role         interfaces.Role
	ValidityDays int

	CSR interfaces.CSRPEM

	// Address is the device's RPC endpoint for distribution. Empty
	// addresses resolve through the distributor's locator.
	Address string

	// ProbeAddress is the TLS endpoint the verification handshake dials.
	// Falls back to Address, then to locator resolution.
	ProbeAddress string

	// Fleet inventory metadata, stored on the identity.
	Label string
	Group string
	Tags  []string

	Extensions interfaces.CertExtensions
}

func (r *ProvisionRequest) validate() error {
	if r.CommonName == "" {
		return fmt.Errorf("%w: common name is required", interfaces.ErrInvalidExtension)
	}
	if err := r.Role.Validate(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidExtension, err)
	}
	if r.ValidityDays < 1 {
		return fmt.Errorf("%w: validity of %d days outside [1, %d]", interfaces.ErrInvalidExtension, r.ValidityDays, interfaces.MaxValidityDays)
	}
	if len(r.CSR) > 0 {
		if err := r.CSR.Validate(); err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrKeyGeneration, err)
		}
	}
	return nil
}

// RequestProvisioning accepts a request, records the identity and job, and
// starts the workflow on its own goroutine. Returns the job snapshot for
// status polling, or ErrJobInProgress when the identity already has a
// non-terminal job.
func (o *Orchestrator) RequestProvisioning(ctx context.Context, req ProvisionRequest) (*interfaces.ProvisioningJob, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	identity, err := o.upsertIdentity(ctx, req)
	if err != nil {
		return nil, err
	}
	if identity.Role == interfaces.RoleDevice && identity.ClientID == "" {
		return nil, fmt.Errorf("%w: device %s has no client identifier", interfaces.ErrInvalidExtension, identity.CommonName)
	}

	now := time.Now().UTC()
	job := &interfaces.ProvisioningJob{
		ID:        uuid.NewString(),
		Identity:  identity.CommonName,
		State:     interfaces.JobRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	metrics.JobsStarted.Inc()
	o.wg.Add(1)
	go o.run(job, identity, req)

	snapshot := *job
	return &snapshot, nil
}

// GetJobStatus returns the stored job.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (*interfaces.ProvisioningJob, error) {
	return o.store.GetJob(ctx, jobID)
}

// RotateExpiring enqueues a replacement job for every active identity whose
// current certificate expires before the cutoff, keeping each certificate's
// lifetime. Identities with a job already in flight are skipped. Returns
// how many jobs were started.
//
// Rotation always generates the key server-side; device-held keys rotate
// through a fresh operator request carrying a new CSR.
func (o *Orchestrator) RotateExpiring(ctx context.Context, cutoff time.Time) (int, error) {
	records, err := o.store.ListExpiringBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, record := range records {
		identity, err := o.store.GetIdentity(ctx, record.Identity)
		if err != nil {
			o.log.Warn("rotation sweep: loading identity", "identity", record.Identity, "err", err)
			continue
		}
		if identity.Status != interfaces.IdentityActive {
			continue
		}

		days := int(math.Ceil(record.NotAfter.Sub(record.NotBefore).Hours() / 24))
		if days < 1 {
			days = 1
		}
		if days > interfaces.MaxValidityDays {
			days = interfaces.MaxValidityDays
		}

		_, err = o.RequestProvisioning(ctx, ProvisionRequest{
			CommonName:   identity.CommonName,
			ClientID:     identity.ClientID,
			Role:         identity.Role,
			ValidityDays: days,
		})
		switch {
		case errors.Is(err, interfaces.ErrJobInProgress):
			continue
		case err != nil:
			o.log.Warn("rotation sweep: request rejected", "identity", identity.CommonName, "err", err)
			continue
		}
		started++
	}

	o.log.Info("rotation sweep finished", "cutoff", cutoff, "expiring", len(records), "started", started)
	return started, nil
}

// Wait blocks until every in-flight job and archive write has terminated.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels in-flight jobs (they terminate FAILED with reason
// cancelled) and waits for them to finish recording, up to the context
// deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining provisioning jobs: %w", ctx.Err())
	}
}

// upsertIdentity creates the identity on first request and refreshes its
// inventory metadata on rotation. The role is sticky and revoked identities
// stay tombstoned.
func (o *Orchestrator) upsertIdentity(ctx context.Context, req ProvisionRequest) (*interfaces.Identity, error) {
	now := time.Now().UTC()

	identity, err := o.store.GetIdentity(ctx, req.CommonName)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		identity = &interfaces.Identity{
			CommonName: req.CommonName,
			ClientID:   req.ClientID,
			Role:       req.Role,
			Status:     interfaces.IdentityPending,
			Label:      req.Label,
			Group:      req.Group,
			Tags:       req.Tags,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	case err != nil:
		return nil, err
	default:
		if identity.Status == interfaces.IdentityRevoked {
			return nil, fmt.Errorf("%w: identity %s is revoked", interfaces.ErrInvalidExtension, req.CommonName)
		}
		if identity.Role != req.Role {
			return nil, fmt.Errorf("%w: identity %s holds role %s", interfaces.ErrInvalidExtension, req.CommonName, identity.Role)
		}
		if req.ClientID != "" {
			identity.ClientID = req.ClientID
		}
		if req.Label != "" {
			identity.Label = req.Label
		}
		if req.Group != "" {
			identity.Group = req.Group
		}
		if len(req.Tags) > 0 {
			identity.Tags = req.Tags
		}
		identity.UpdatedAt = now
	}

	if err := o.store.PutIdentity(ctx, identity); err != nil {
		return nil, err
	}
	return identity, nil
}
