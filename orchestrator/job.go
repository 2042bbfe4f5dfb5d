package orchestrator

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"math/rand"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/ALLTERCO/device-provisioning-service/cryptoutils"
	"github.com/ALLTERCO/device-provisioning-service/interfaces"
	"github.com/ALLTERCO/device-provisioning-service/metrics"
)

// run executes one job to a terminal state. It owns the job value
// exclusively; everything it shares with the rest of the process goes
// through the store.
func (o *Orchestrator) run(job *interfaces.ProvisioningJob, identity *interfaces.Identity, req ProvisionRequest) {
	defer o.wg.Done()
	start := time.Now()

	o.log.Info("provisioning started",
		"job_id", job.ID,
		"identity", job.Identity,
		"role", identity.Role,
		"device_key", len(req.CSR) > 0,
	)

	step, err := o.execute(o.rootCtx, job, identity, req)
	if err != nil {
		o.fail(o.rootCtx, job, step, err)
	}

	metrics.JobsCompleted.WithLabelValues(string(job.State)).Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	o.log.Info("provisioning finished",
		"job_id", job.ID,
		"state", job.State,
		"attempts", job.Attempts,
		"duration", time.Since(start),
	)
}

// execute walks the happy path. On error it reports which step failed and
// leaves the job in its last recorded non-terminal state for fail to
// finalize.
func (o *Orchestrator) execute(ctx context.Context, job *interfaces.ProvisioningJob, identity *interfaces.Identity, req ProvisionRequest) (string, error) {
	// Key material: generate server-side, or certify the key the device
	// kept to itself.
	artifacts := interfaces.ArtifactSet{}
	var subjectKey crypto.PublicKey

	if len(req.CSR) > 0 {
		csr, err := req.CSR.GetX509CSR()
		if err != nil {
			return "key", fmt.Errorf("%w: parsing csr: %v", interfaces.ErrKeyGeneration, err)
		}
		if err := csr.CheckSignature(); err != nil {
			return "key", fmt.Errorf("%w: csr signature does not verify: %v", interfaces.ErrKeyGeneration, err)
		}
		subjectKey = csr.PublicKey
	} else {
		pubPEM, keyPEM, err := cryptoutils.GenerateDeviceKeypair()
		if err != nil {
			return "key", fmt.Errorf("%w: %v", interfaces.ErrKeyGeneration, err)
		}
		pub, err := pubPEM.GetPublicKey()
		if err != nil {
			return "key", fmt.Errorf("%w: %v", interfaces.ErrKeyGeneration, err)
		}
		subjectKey = pub
		artifacts.PrivateKey = keyPEM
	}
	if err := o.transition(ctx, job, interfaces.JobKeyGenerated); err != nil {
		return "key", err
	}

	record, err := o.authority.Issue(ctx, interfaces.IssuanceRequest{
		Identity:     identity,
		PublicKey:    subjectKey,
		ValidityDays: req.ValidityDays,
		Extensions:   req.Extensions,
	})
	if err != nil {
		return "issue", err
	}
	job.SerialNumber = &record.SerialNumber
	if err := o.transition(ctx, job, interfaces.JobCertIssued); err != nil {
		return "issue", err
	}

	artifacts.CACert = o.authority.CACert()
	artifacts.Cert = record.PEM
	o.archiveBundle(record)

	target := interfaces.Target{
		Identity: identity.CommonName,
		ClientID: identity.ClientID,
		Address:  req.Address,
	}
	if _, err := o.distribute(ctx, job, target, artifacts); err != nil {
		return "distribute", err
	}
	if err := o.transition(ctx, job, interfaces.JobDistributed); err != nil {
		return "distribute", err
	}

	probeAddr, err := o.probeAddress(ctx, req, identity)
	if err != nil {
		return "verify", err
	}
	probeCtx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	err = o.prober.Probe(probeCtx, probeAddr, record.Fingerprint)
	cancel()
	if err != nil {
		return "verify", err
	}

	identity.Status = interfaces.IdentityActive
	identity.UpdatedAt = time.Now().UTC()
	if err := o.store.PutIdentity(ctx, identity); err != nil {
		return "verify", err
	}
	if err := o.transition(ctx, job, interfaces.JobVerified); err != nil {
		return "verify", err
	}
	return "", nil
}

// distribute pushes the artifact set, retrying transient transport failures
// with exponential backoff. Permanent errors stop the loop immediately.
func (o *Orchestrator) distribute(ctx context.Context, job *interfaces.ProvisioningJob, target interfaces.Target, artifacts interfaces.ArtifactSet) (*interfaces.DistributionReceipt, error) {
	var receipt *interfaces.DistributionReceipt

	err := retry.Do(
		func() error {
			job.Attempts++
			attemptCtx, cancel := context.WithTimeout(ctx, o.distTimeout)
			defer cancel()

			pushed, err := o.distributor.Push(attemptCtx, target, artifacts)
			if err != nil {
				return err
			}
			receipt = pushed
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(o.maxRetries+1),
		retry.Delay(o.retryBase),
		retry.DelayType(backoffWithJitter),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, interfaces.ErrTransport)
		}),
		retry.OnRetry(func(attempt uint, err error) {
			metrics.DistributionRetries.Inc()
			o.log.Warn("distribution attempt failed",
				"job_id", job.ID,
				"attempt", attempt+1,
				"err", err,
			)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	o.log.Debug("credentials distributed",
		"job_id", job.ID,
		"transport", receipt.Transport,
		"endpoint", receipt.Endpoint,
		"attempts", job.Attempts,
	)
	return receipt, nil
}

// backoffWithJitter doubles the configured delay per attempt and spreads
// each wait ±20% so a fleet of failing pushes does not retry in lockstep.
func backoffWithJitter(n uint, err error, config *retry.Config) time.Duration {
	delay := retry.BackOffDelay(n, err, config)
	span := int64(delay) / 5
	if span <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(2*span+1)-span)
}

// probeAddress picks the endpoint the verification handshake dials.
func (o *Orchestrator) probeAddress(ctx context.Context, req ProvisionRequest, identity *interfaces.Identity) (string, error) {
	if req.ProbeAddress != "" {
		return req.ProbeAddress, nil
	}
	if req.Address != "" {
		return req.Address, nil
	}
	if o.locator == nil {
		return "", fmt.Errorf("no probe address for %s and no locator is configured", identity.CommonName)
	}

	name := identity.ClientID
	if name == "" {
		name = identity.CommonName
	}
	return o.locator.Resolve(ctx, name)
}

// fail finalizes a job: records the structured error, transitions to
// FAILED, and runs the compensating revocation when a certificate had been
// issued, finishing in ROLLED_BACK. A failed rollback leaves the job FAILED
// with the rollback failure noted. Bookkeeping runs on an uncancellable
// context so a shutdown still terminates every job.
func (o *Orchestrator) fail(ctx context.Context, job *interfaces.ProvisioningJob, step string, cause error) {
	if ctx.Err() != nil {
		cause = fmt.Errorf("%w: %v", interfaces.ErrCancelled, cause)
	}
	job.LastError = &interfaces.JobError{
		Step:    step,
		Kind:    interfaces.ErrorKind(cause),
		Message: cause.Error(),
	}
	o.log.Warn("provisioning failed",
		"job_id", job.ID,
		"identity", job.Identity,
		"step", step,
		"kind", job.LastError.Kind,
		"err", cause,
	)

	base := context.WithoutCancel(ctx)
	if err := o.transition(base, job, interfaces.JobFailed); err != nil {
		o.log.Error("recording job failure", "job_id", job.ID, "err", err)
	}
	if job.SerialNumber == nil {
		return
	}

	// Compensating action: a failed job must not leave an active
	// credential behind.
	reason := "provisioning rollback: " + step + " failed"
	if err := o.authority.Revoke(base, *job.SerialNumber, reason); err != nil {
		job.LastError.Message = fmt.Sprintf("%s; rollback failed: %v", job.LastError.Message, err)
		o.log.Error("compensating revocation failed",
			"job_id", job.ID,
			"serial", job.SerialNumber,
			"err", err,
		)
		if err := o.saveJob(base, job); err != nil {
			o.log.Error("recording rollback failure", "job_id", job.ID, "err", err)
		}
		return
	}

	if err := o.transition(base, job, interfaces.JobRolledBack); err != nil {
		o.log.Error("recording rollback", "job_id", job.ID, "err", err)
	}
}

// transition moves the job to the next state and persists it. On a store
// failure the in-memory state rolls back so the caller never sees a state
// the store does not hold.
func (o *Orchestrator) transition(ctx context.Context, job *interfaces.ProvisioningJob, state interfaces.JobState) error {
	prior := job.State
	job.State = state
	if err := o.saveJob(ctx, job); err != nil {
		job.State = prior
		return err
	}

	o.log.Debug("job transition", "job_id", job.ID, "from", prior, "to", state)
	return nil
}

func (o *Orchestrator) saveJob(ctx context.Context, job *interfaces.ProvisioningJob) error {
	job.UpdatedAt = time.Now().UTC()
	return o.store.PutJob(ctx, job)
}

// archiveBundle writes the issued leaf plus chain to the audit archive on
// its own goroutine. Archive trouble is counted and logged, never surfaced
// to the workflow.
func (o *Orchestrator) archiveBundle(record *interfaces.CertificateRecord) {
	if o.archive == nil {
		return
	}

	bundle := make([]byte, 0, len(record.PEM)+len(o.authority.CACert()))
	bundle = append(bundle, record.PEM...)
	bundle = append(bundle, o.authority.CACert()...)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()

		if err := o.archive.Store(ctx, record.Fingerprint, bundle); err != nil {
			metrics.ArchiveFailures.Inc()
			o.log.Warn("archiving certificate bundle",
				"serial", record.SerialNumber,
				"fingerprint", record.Fingerprint,
				"err", err,
			)
		}
	}()
}
