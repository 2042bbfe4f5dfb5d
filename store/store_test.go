package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// withStores runs the same conformance test against both implementations.
func withStores(t *testing.T, fn func(t *testing.T, s interfaces.CredentialStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
		require.NoError(t, err, "Failed to open sqlite store")
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func testIdentity(cn string, role interfaces.Role) *interfaces.Identity {
	now := time.Now().UTC()
	return &interfaces.Identity{
		CommonName: cn,
		ClientID:   cn,
		Role:       role,
		Status:     interfaces.IdentityActive,
		Label:      "bench unit",
		Group:      "lab",
		Tags:       []string{"test", "fleet-a"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func testRecord(t *testing.T, identity string, notAfter time.Time) *interfaces.CertificateRecord {
	t.Helper()
	serial, err := interfaces.RandomSerialNumber()
	require.NoError(t, err, "Failed to generate serial")
	issuer, err := interfaces.RandomSerialNumber()
	require.NoError(t, err, "Failed to generate issuer serial")

	now := time.Now().UTC()
	return &interfaces.CertificateRecord{
		SerialNumber: serial,
		Identity:     identity,
		Status:       interfaces.CertActive,
		NotBefore:    now,
		NotAfter:     notAfter,
		Fingerprint:  interfaces.ComputeFingerprint([]byte(serial.String())),
		IssuerSerial: issuer,
		PEM:          []byte("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"),
		CreatedAt:    now,
	}
}

func testJob(identity string) *interfaces.ProvisioningJob {
	now := time.Now().UTC()
	return &interfaces.ProvisioningJob{
		ID:        uuid.NewString(),
		Identity:  identity,
		State:     interfaces.JobRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		ctx := context.Background()
		identity := testIdentity("shelly-01", interfaces.RoleDevice)

		require.NoError(t, s.PutIdentity(ctx, identity), "PutIdentity should succeed")

		got, err := s.GetIdentity(ctx, "shelly-01")
		require.NoError(t, err, "GetIdentity should find the stored identity")
		assert.Equal(t, identity.CommonName, got.CommonName)
		assert.Equal(t, identity.ClientID, got.ClientID)
		assert.Equal(t, identity.Role, got.Role)
		assert.Equal(t, identity.Status, got.Status)
		assert.Equal(t, identity.Label, got.Label)
		assert.Equal(t, identity.Group, got.Group)
		assert.Equal(t, identity.Tags, got.Tags)

		// Upsert updates in place.
		identity.Status = interfaces.IdentityRevoked
		identity.Label = "decommissioned"
		require.NoError(t, s.PutIdentity(ctx, identity), "Upsert should succeed")

		got, err = s.GetIdentity(ctx, "shelly-01")
		require.NoError(t, err)
		assert.Equal(t, interfaces.IdentityRevoked, got.Status, "Status should be updated")
		assert.Equal(t, "decommissioned", got.Label, "Label should be updated")
	})
}

func TestIdentityNotFound(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		_, err := s.GetIdentity(context.Background(), "missing")
		assert.ErrorIs(t, err, interfaces.ErrNotFound, "Missing identity should map to ErrNotFound")
	})
}

func TestListActiveForRole(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		ctx := context.Background()

		dev1 := testIdentity("shelly-01", interfaces.RoleDevice)
		dev2 := testIdentity("shelly-02", interfaces.RoleDevice)
		revoked := testIdentity("shelly-03", interfaces.RoleDevice)
		revoked.Status = interfaces.IdentityRevoked
		admin := testIdentity("ops-admin", interfaces.RoleAdmin)

		for _, identity := range []*interfaces.Identity{dev1, dev2, revoked, admin} {
			require.NoError(t, s.PutIdentity(ctx, identity))
		}

		devices, err := s.ListActiveForRole(ctx, interfaces.RoleDevice)
		require.NoError(t, err, "ListActiveForRole should succeed")
		require.Len(t, devices, 2, "Only active device identities should be listed")
		assert.Equal(t, "shelly-01", devices[0].CommonName, "Listing should be ordered by name")
		assert.Equal(t, "shelly-02", devices[1].CommonName)
	})
}

func TestPutCertificateRecordSupersedes(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		ctx := context.Background()
		require.NoError(t, s.PutIdentity(ctx, testIdentity("shelly-01", interfaces.RoleDevice)))

		first := testRecord(t, "shelly-01", time.Now().UTC().AddDate(0, 0, 30))
		require.NoError(t, s.PutCertificateRecord(ctx, first), "First record should insert")

		second := testRecord(t, "shelly-01", time.Now().UTC().AddDate(0, 0, 365))
		require.NoError(t, s.PutCertificateRecord(ctx, second), "Second record should insert")

		// The prior active record is superseded in the same write.
		priorRecord, err := s.GetCertificateBySerial(ctx, first.SerialNumber)
		require.NoError(t, err)
		assert.Equal(t, interfaces.CertSuperseded, priorRecord.Status, "First record should be superseded")
		require.NotNil(t, priorRecord.SupersededBy, "Superseded record should reference its replacement")
		assert.True(t, priorRecord.SupersededBy.Equal(second.SerialNumber), "SupersededBy should point at the new serial")

		active, err := s.GetActiveCertificate(ctx, "shelly-01")
		require.NoError(t, err, "Identity should have an active record")
		assert.True(t, active.SerialNumber.Equal(second.SerialNumber), "Only the new record should be active")
	})
}

func TestPutCertificateRecordDuplicateSerial(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		ctx := context.Background()
		require.NoError(t, s.PutIdentity(ctx, testIdentity("shelly-01", interfaces.RoleDevice)))

		record := testRecord(t, "shelly-01", time.Now().UTC().AddDate(0, 0, 30))
		require.NoError(t, s.PutCertificateRecord(ctx, record))

		duplicate := testRecord(t, "shelly-01", time.Now().UTC().AddDate(0, 0, 60))
		duplicate.SerialNumber = record.SerialNumber
		err := s.PutCertificateRecord(ctx, duplicate)
		require.Error(t, err, "Duplicate serial must be rejected")

		// The failed insert must not have superseded the existing record.
		active, err := s.GetActiveCertificate(ctx, "shelly-01")
		require.NoError(t, err, "Original record should still be active")
		assert.True(t, active.SerialNumber.Equal(record.SerialNumber))
	})
}

func TestSetCertificateStatus(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		ctx := context.Background()
		require.NoError(t, s.PutIdentity(ctx, testIdentity("shelly-01", interfaces.RoleDevice)))

		record := testRecord(t, "shelly-01", time.Now().UTC().AddDate(0, 0, 30))
		require.NoError(t, s.PutCertificateRecord(ctx, record))

		err := s.SetCertificateStatus(ctx, record.SerialNumber, interfaces.CertRevoked, "rollback after failed distribution")
		require.NoError(t, err, "Revocation should succeed")

		got, err := s.GetCertificateBySerial(ctx, record.SerialNumber)
		require.NoError(t, err)
		assert.Equal(t, interfaces.CertRevoked, got.Status)
		assert.Equal(t, "rollback after failed distribution", got.RevocationReason)

		missing, err := interfaces.RandomSerialNumber()
		require.NoError(t, err)
		err = s.SetCertificateStatus(ctx, missing, interfaces.CertRevoked, "none")
		assert.ErrorIs(t, err, interfaces.ErrNotFound, "Unknown serial should map to ErrNotFound")
	})
}

func TestListExpiringBefore(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		ctx := context.Background()
		now := time.Now().UTC()

		for _, cn := range []string{"soon-1", "soon-2", "later", "revoked"} {
			require.NoError(t, s.PutIdentity(ctx, testIdentity(cn, interfaces.RoleDevice)))
		}

		soon1 := testRecord(t, "soon-1", now.Add(24*time.Hour))
		soon2 := testRecord(t, "soon-2", now.Add(12*time.Hour))
		later := testRecord(t, "later", now.Add(90*24*time.Hour))
		revoked := testRecord(t, "revoked", now.Add(6*time.Hour))

		for _, record := range []*interfaces.CertificateRecord{soon1, soon2, later, revoked} {
			require.NoError(t, s.PutCertificateRecord(ctx, record))
		}
		require.NoError(t, s.SetCertificateStatus(ctx, revoked.SerialNumber, interfaces.CertRevoked, "test"))

		expiring, err := s.ListExpiringBefore(ctx, now.Add(48*time.Hour))
		require.NoError(t, err, "ListExpiringBefore should succeed")
		require.Len(t, expiring, 2, "Only active records inside the cutoff should be listed")
		assert.Equal(t, "soon-2", expiring[0].Identity, "Soonest expiry should come first")
		assert.Equal(t, "soon-1", expiring[1].Identity)
	})
}

func TestCreateJobConflict(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		ctx := context.Background()

		first := testJob("shelly-01")
		require.NoError(t, s.CreateJob(ctx, first), "First job should insert")

		second := testJob("shelly-01")
		err := s.CreateJob(ctx, second)
		assert.ErrorIs(t, err, interfaces.ErrJobInProgress, "Second job for the same identity must conflict")

		// A job for a different identity is unaffected.
		other := testJob("shelly-02")
		assert.NoError(t, s.CreateJob(ctx, other), "Job for a different identity should insert")

		// Once the first job is terminal a new one is allowed.
		first.State = interfaces.JobVerified
		first.UpdatedAt = time.Now().UTC()
		require.NoError(t, s.PutJob(ctx, first))

		assert.NoError(t, s.CreateJob(ctx, second), "New job should insert after the prior one finished")
	})
}

func TestCreateJobConcurrent(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		ctx := context.Background()
		const racers = 8

		var wg sync.WaitGroup
		results := make(chan error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- s.CreateJob(ctx, testJob("contended"))
			}()
		}
		wg.Wait()
		close(results)

		var wins, conflicts int
		for err := range results {
			switch {
			case err == nil:
				wins++
			default:
				require.ErrorIs(t, err, interfaces.ErrJobInProgress, "Losers must fail with ErrJobInProgress")
				conflicts++
			}
		}
		assert.Equal(t, 1, wins, "Exactly one concurrent request should win")
		assert.Equal(t, racers-1, conflicts)
	})
}

func TestPutJobRoundTrip(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		ctx := context.Background()

		job := testJob("shelly-01")
		require.NoError(t, s.CreateJob(ctx, job))

		serial, err := interfaces.RandomSerialNumber()
		require.NoError(t, err)

		job.State = interfaces.JobFailed
		job.Attempts = 6
		job.SerialNumber = &serial
		job.LastError = &interfaces.JobError{
			Step:    "distribute",
			Kind:    "transport",
			Message: "connection refused",
		}
		job.UpdatedAt = time.Now().UTC()
		require.NoError(t, s.PutJob(ctx, job), "PutJob should update the stored job")

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.JobFailed, got.State)
		assert.Equal(t, 6, got.Attempts)
		require.NotNil(t, got.SerialNumber, "Issued serial should round-trip")
		assert.True(t, got.SerialNumber.Equal(serial))
		require.NotNil(t, got.LastError, "Structured error should round-trip")
		assert.Equal(t, "distribute", got.LastError.Step)
		assert.Equal(t, "transport", got.LastError.Kind)
		assert.Equal(t, "connection refused", got.LastError.Message)

		missing := testJob("nobody")
		missing.ID = uuid.NewString()
		err = s.PutJob(ctx, missing)
		assert.ErrorIs(t, err, interfaces.ErrNotFound, "Updating an unknown job should map to ErrNotFound")
	})
}

func TestFindNonTerminalJob(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		ctx := context.Background()

		_, err := s.FindNonTerminalJob(ctx, "shelly-01")
		assert.ErrorIs(t, err, interfaces.ErrNotFound, "No job yet should map to ErrNotFound")

		job := testJob("shelly-01")
		require.NoError(t, s.CreateJob(ctx, job))

		found, err := s.FindNonTerminalJob(ctx, "shelly-01")
		require.NoError(t, err, "In-flight job should be found")
		assert.Equal(t, job.ID, found.ID)

		job.State = interfaces.JobRolledBack
		job.UpdatedAt = time.Now().UTC()
		require.NoError(t, s.PutJob(ctx, job))

		_, err = s.FindNonTerminalJob(ctx, "shelly-01")
		assert.ErrorIs(t, err, interfaces.ErrNotFound, "Terminal job should not be found")
	})
}

func TestListJobsNewestFirst(t *testing.T) {
	withStores(t, func(t *testing.T, s interfaces.CredentialStore) {
		ctx := context.Background()
		base := time.Now().UTC()

		older := testJob("shelly-01")
		older.State = interfaces.JobVerified
		older.CreatedAt = base.Add(-2 * time.Hour)
		older.UpdatedAt = older.CreatedAt

		newer := testJob("shelly-01")
		newer.CreatedAt = base
		newer.UpdatedAt = base

		require.NoError(t, s.CreateJob(ctx, older))
		require.NoError(t, s.CreateJob(ctx, newer))

		jobs, err := s.ListJobs(ctx, "shelly-01")
		require.NoError(t, err, "ListJobs should succeed")
		require.Len(t, jobs, 2)
		assert.Equal(t, newer.ID, jobs[0].ID, "Newest job should come first")
		assert.Equal(t, older.ID, jobs[1].ID)
	})
}
