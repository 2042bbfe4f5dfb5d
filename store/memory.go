package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// MemoryStore is an in-memory CredentialStore with the same transactional
// semantics as the SQLite implementation. Backs unit tests and throwaway
// deployments; nothing survives a restart.
type MemoryStore struct {
	mu         sync.Mutex
	identities map[string]*interfaces.Identity
	records    map[interfaces.SerialNumber]*interfaces.CertificateRecord
	jobs       map[string]*interfaces.ProvisioningJob
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]*interfaces.Identity),
		records:    make(map[interfaces.SerialNumber]*interfaces.CertificateRecord),
		jobs:       make(map[string]*interfaces.ProvisioningJob),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// PutIdentity inserts or updates an identity keyed by CommonName.
func (s *MemoryStore) PutIdentity(_ context.Context, identity *interfaces.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.CommonName] = cloneIdentity(identity)
	return nil
}

// GetIdentity looks up an identity by CommonName.
func (s *MemoryStore) GetIdentity(_ context.Context, commonName string) (*interfaces.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[commonName]
	if !ok {
		return nil, fmt.Errorf("%w: identity", interfaces.ErrNotFound)
	}
	return cloneIdentity(identity), nil
}

// ListActiveForRole returns all active identities holding the role.
func (s *MemoryStore) ListActiveForRole(_ context.Context, role interfaces.Role) ([]*interfaces.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var identities []*interfaces.Identity
	for _, identity := range s.identities {
		if identity.Role == role && identity.Status == interfaces.IdentityActive {
			identities = append(identities, cloneIdentity(identity))
		}
	}
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].CommonName < identities[j].CommonName
	})
	return identities, nil
}

// PutCertificateRecord inserts a record and atomically marks the identity's
// prior active record superseded by it.
func (s *MemoryStore) PutCertificateRecord(_ context.Context, record *interfaces.CertificateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.SerialNumber]; exists {
		return fmt.Errorf("%w: inserting certificate record: duplicate serial %s", interfaces.ErrStoreUnavailable, record.SerialNumber.String())
	}

	for _, prior := range s.records {
		if prior.Identity == record.Identity && prior.Status == interfaces.CertActive {
			prior.Status = interfaces.CertSuperseded
			serial := record.SerialNumber
			prior.SupersededBy = &serial
		}
	}

	s.records[record.SerialNumber] = cloneRecord(record)
	return nil
}

// GetCertificateBySerial looks up a record by serial number.
func (s *MemoryStore) GetCertificateBySerial(_ context.Context, serial interfaces.SerialNumber) (*interfaces.CertificateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[serial]
	if !ok {
		return nil, fmt.Errorf("%w: certificate record", interfaces.ErrNotFound)
	}
	return cloneRecord(record), nil
}

// GetActiveCertificate returns the identity's single active record.
func (s *MemoryStore) GetActiveCertificate(_ context.Context, commonName string) (*interfaces.CertificateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.records {
		if record.Identity == commonName && record.Status == interfaces.CertActive {
			return cloneRecord(record), nil
		}
	}
	return nil, fmt.Errorf("%w: certificate record", interfaces.ErrNotFound)
}

// ListCertificates returns every record for the identity, newest first.
func (s *MemoryStore) ListCertificates(_ context.Context, commonName string) ([]*interfaces.CertificateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*interfaces.CertificateRecord
	for _, record := range s.records {
		if record.Identity == commonName {
			records = append(records, cloneRecord(record))
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].SerialNumber.String() < records[j].SerialNumber.String()
	})
	return records, nil
}

// SetCertificateStatus updates a record's status, keeping the reason when
// the new status is revoked.
func (s *MemoryStore) SetCertificateStatus(_ context.Context, serial interfaces.SerialNumber, status interfaces.CertStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[serial]
	if !ok {
		return fmt.Errorf("%w: certificate %s", interfaces.ErrNotFound, serial.String())
	}

	record.Status = status
	if status == interfaces.CertRevoked {
		record.RevocationReason = reason
	}
	return nil
}

// ListExpiringBefore returns active records expiring before the cutoff, the
// soonest first.
func (s *MemoryStore) ListExpiringBefore(_ context.Context, cutoff time.Time) ([]*interfaces.CertificateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*interfaces.CertificateRecord
	for _, record := range s.records {
		if record.Status == interfaces.CertActive && record.NotAfter.Before(cutoff) {
			records = append(records, cloneRecord(record))
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].NotAfter.Before(records[j].NotAfter)
	})
	return records, nil
}

// CreateJob inserts a job only if its identity has no other non-terminal
// job. The check and insert happen under one lock.
func (s *MemoryStore) CreateJob(_ context.Context, job *interfaces.ProvisioningJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.Identity == job.Identity && !existing.State.Terminal() {
			return fmt.Errorf("%w: identity %s", interfaces.ErrJobInProgress, job.Identity)
		}
	}

	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// PutJob updates an existing job.
func (s *MemoryStore) PutJob(_ context.Context, job *interfaces.ProvisioningJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: job %s", interfaces.ErrNotFound, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob looks up a job by ID.
func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*interfaces.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job", interfaces.ErrNotFound)
	}
	return cloneJob(job), nil
}

// FindNonTerminalJob returns the identity's in-flight job, or ErrNotFound.
func (s *MemoryStore) FindNonTerminalJob(_ context.Context, commonName string) (*interfaces.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.Identity == commonName && !job.State.Terminal() {
			return cloneJob(job), nil
		}
	}
	return nil, fmt.Errorf("%w: job", interfaces.ErrNotFound)
}

// ListJobs returns all jobs for an identity, newest first.
func (s *MemoryStore) ListJobs(_ context.Context, commonName string) ([]*interfaces.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*interfaces.ProvisioningJob
	for _, job := range s.jobs {
		if job.Identity == commonName {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

func cloneIdentity(identity *interfaces.Identity) *interfaces.Identity {
	out := *identity
	out.Tags = append([]string(nil), identity.Tags...)
	return &out
}

func cloneRecord(record *interfaces.CertificateRecord) *interfaces.CertificateRecord {
	out := *record
	if record.SupersededBy != nil {
		serial := *record.SupersededBy
		out.SupersededBy = &serial
	}
	out.PEM = append(interfaces.CertPEM(nil), record.PEM...)
	return &out
}

func cloneJob(job *interfaces.ProvisioningJob) *interfaces.ProvisioningJob {
	out := *job
	if job.LastError != nil {
		lastErr := *job.LastError
		out.LastError = &lastErr
	}
	if job.SerialNumber != nil {
		serial := *job.SerialNumber
		out.SerialNumber = &serial
	}
	return &out
}
