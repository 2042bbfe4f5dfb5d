// Package store implements the credential store: the durable record of
// identities, certificate records, and provisioning jobs backed by SQLite,
// with an in-memory implementation for tests. The store owns the two
// invariants the rest of the system leans on: at most one active certificate
// per identity (supersede-on-insert, single transaction) and at most one
// non-terminal job per identity (conditional insert, no process-wide lock).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// SQLiteStore persists credential state in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies schema
// migrations. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000&_temp_store=MEMORY&_foreign_keys=ON", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", interfaces.ErrStoreUnavailable, op, err)
}

// PutIdentity inserts or updates an identity keyed by CommonName.
func (s *SQLiteStore) PutIdentity(ctx context.Context, identity *interfaces.Identity) error {
	tags, err := json.Marshal(identity.Tags)
	if err != nil {
		return storeErr("encoding identity tags", err)
	}

	query := `
		INSERT INTO identities (
			common_name, client_id, role, status, label, group_name, tags,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(common_name) DO UPDATE SET
			client_id = excluded.client_id,
			role = excluded.role,
			status = excluded.status,
			label = excluded.label,
			group_name = excluded.group_name,
			tags = excluded.tags,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		identity.CommonName,
		identity.ClientID,
		identity.Role.String(),
		string(identity.Status),
		identity.Label,
		identity.Group,
		string(tags),
		identity.CreatedAt.UTC(),
		identity.UpdatedAt.UTC(),
	)
	if err != nil {
		return storeErr("upserting identity", err)
	}
	return nil
}

// GetIdentity looks up an identity by CommonName.
func (s *SQLiteStore) GetIdentity(ctx context.Context, commonName string) (*interfaces.Identity, error) {
	query := `
		SELECT common_name, client_id, role, status, label, group_name, tags,
		       created_at, updated_at
		FROM identities
		WHERE common_name = ?
	`
	return scanIdentity(s.db.QueryRowContext(ctx, query, commonName))
}

// ListActiveForRole returns all active identities holding the role.
func (s *SQLiteStore) ListActiveForRole(ctx context.Context, role interfaces.Role) ([]*interfaces.Identity, error) {
	query := `
		SELECT common_name, client_id, role, status, label, group_name, tags,
		       created_at, updated_at
		FROM identities
		WHERE role = ? AND status = ?
		ORDER BY common_name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, role.String(), string(interfaces.IdentityActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var identities []*interfaces.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

// PutCertificateRecord inserts a record and, in the same transaction, marks
// the identity's prior active record superseded by it. A duplicate serial
// fails the insert and rolls the supersede back.
func (s *SQLiteStore) PutCertificateRecord(ctx context.Context, record *interfaces.CertificateRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("beginning transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE certificate_records
		SET status = ?, superseded_by = ?
		WHERE identity = ? AND status = ?
	`, string(interfaces.CertSuperseded), record.SerialNumber.String(), record.Identity, string(interfaces.CertActive))
	if err != nil {
		return storeErr("superseding prior record", err)
	}

	var supersededBy any
	if record.SupersededBy != nil {
		supersededBy = record.SupersededBy.String()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO certificate_records (
			serial_number, identity, status, not_before, not_after,
			fingerprint, issuer_serial, superseded_by, revocation_reason,
			pem, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.SerialNumber.String(),
		record.Identity,
		string(record.Status),
		record.NotBefore.UTC(),
		record.NotAfter.UTC(),
		record.Fingerprint.String(),
		record.IssuerSerial.String(),
		supersededBy,
		record.RevocationReason,
		string(record.PEM),
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return storeErr("inserting certificate record", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("committing certificate record", err)
	}
	return nil
}

// GetCertificateBySerial looks up a record by serial number.
func (s *SQLiteStore) GetCertificateBySerial(ctx context.Context, serial interfaces.SerialNumber) (*interfaces.CertificateRecord, error) {
	query := selectRecordColumns + ` WHERE serial_number = ?`
	return scanRecord(s.db.QueryRowContext(ctx, query, serial.String()))
}

// GetActiveCertificate returns the identity's single active record.
func (s *SQLiteStore) GetActiveCertificate(ctx context.Context, commonName string) (*interfaces.CertificateRecord, error) {
	query := selectRecordColumns + ` WHERE identity = ? AND status = ?`
	return scanRecord(s.db.QueryRowContext(ctx, query, commonName, string(interfaces.CertActive)))
}

// ListCertificates returns every record for the identity, newest first.
func (s *SQLiteStore) ListCertificates(ctx context.Context, commonName string) ([]*interfaces.CertificateRecord, error) {
	query := selectRecordColumns + ` WHERE identity = ? ORDER BY created_at DESC, serial_number ASC`

	rows, err := s.db.QueryContext(ctx, query, commonName)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificate records: %w", err)
	}
	defer rows.Close()

	var records []*interfaces.CertificateRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// SetCertificateStatus updates a record's status, keeping the reason when
// the new status is revoked.
func (s *SQLiteStore) SetCertificateStatus(ctx context.Context, serial interfaces.SerialNumber, status interfaces.CertStatus, reason string) error {
	var result sql.Result
	var err error
	if status == interfaces.CertRevoked {
		result, err = s.db.ExecContext(ctx, `
			UPDATE certificate_records SET status = ?, revocation_reason = ? WHERE serial_number = ?
		`, string(status), reason, serial.String())
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE certificate_records SET status = ? WHERE serial_number = ?
		`, string(status), serial.String())
	}
	if err != nil {
		return storeErr("updating certificate status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return storeErr("reading rows affected", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: certificate %s", interfaces.ErrNotFound, serial.String())
	}
	return nil
}

// ListExpiringBefore returns active records expiring before the cutoff, the
// soonest first.
func (s *SQLiteStore) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*interfaces.CertificateRecord, error) {
	query := selectRecordColumns + ` WHERE status = ? AND not_after < ? ORDER BY not_after ASC`

	rows, err := s.db.QueryContext(ctx, query, string(interfaces.CertActive), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring records: %w", err)
	}
	defer rows.Close()

	var records []*interfaces.CertificateRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// CreateJob inserts a job only if its identity has no other non-terminal
// job. The existence check and the insert are a single statement, so two
// concurrent requests for the same identity cannot both succeed.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *interfaces.ProvisioningJob) error {
	errStep, errKind, errMsg := flattenJobError(job.LastError)
	var serial any
	if job.SerialNumber != nil {
		serial = job.SerialNumber.String()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO provisioning_jobs (
			job_id, identity, state, attempts, error_step, error_kind,
			error_msg, serial_number, created_at, updated_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM provisioning_jobs
			WHERE identity = ? AND state NOT IN (?, ?, ?)
		)
	`,
		job.ID,
		job.Identity,
		string(job.State),
		job.Attempts,
		errStep, errKind, errMsg,
		serial,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		job.Identity,
		string(interfaces.JobVerified), string(interfaces.JobFailed), string(interfaces.JobRolledBack),
	)
	if err != nil {
		return storeErr("inserting job", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return storeErr("reading rows affected", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: identity %s", interfaces.ErrJobInProgress, job.Identity)
	}
	return nil
}

// PutJob updates an existing job.
func (s *SQLiteStore) PutJob(ctx context.Context, job *interfaces.ProvisioningJob) error {
	errStep, errKind, errMsg := flattenJobError(job.LastError)
	var serial any
	if job.SerialNumber != nil {
		serial = job.SerialNumber.String()
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE provisioning_jobs
		SET state = ?, attempts = ?, error_step = ?, error_kind = ?,
		    error_msg = ?, serial_number = ?, updated_at = ?
		WHERE job_id = ?
	`,
		string(job.State),
		job.Attempts,
		errStep, errKind, errMsg,
		serial,
		job.UpdatedAt.UTC(),
		job.ID,
	)
	if err != nil {
		return storeErr("updating job", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return storeErr("reading rows affected", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s", interfaces.ErrNotFound, job.ID)
	}
	return nil
}

// GetJob looks up a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*interfaces.ProvisioningJob, error) {
	query := selectJobColumns + ` WHERE job_id = ?`
	return scanJob(s.db.QueryRowContext(ctx, query, jobID))
}

// FindNonTerminalJob returns the identity's in-flight job, or ErrNotFound.
func (s *SQLiteStore) FindNonTerminalJob(ctx context.Context, commonName string) (*interfaces.ProvisioningJob, error) {
	query := selectJobColumns + ` WHERE identity = ? AND state NOT IN (?, ?, ?) LIMIT 1`
	return scanJob(s.db.QueryRowContext(ctx, query, commonName,
		string(interfaces.JobVerified), string(interfaces.JobFailed), string(interfaces.JobRolledBack)))
}

// ListJobs returns all jobs for an identity, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, commonName string) ([]*interfaces.ProvisioningJob, error) {
	query := selectJobColumns + ` WHERE identity = ? ORDER BY created_at DESC, job_id ASC`

	rows, err := s.db.QueryContext(ctx, query, commonName)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*interfaces.ProvisioningJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const selectRecordColumns = `
	SELECT serial_number, identity, status, not_before, not_after,
	       fingerprint, issuer_serial, superseded_by, revocation_reason,
	       pem, created_at
	FROM certificate_records`

const selectJobColumns = `
	SELECT job_id, identity, state, attempts, error_step, error_kind,
	       error_msg, serial_number, created_at, updated_at
	FROM provisioning_jobs`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*interfaces.Identity, error) {
	var identity interfaces.Identity
	var role, status, tags string

	err := row.Scan(
		&identity.CommonName,
		&identity.ClientID,
		&role,
		&status,
		&identity.Label,
		&identity.Group,
		&tags,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: identity", interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}

	identity.Role = interfaces.Role(role)
	identity.Status = interfaces.IdentityStatus(status)
	if err := json.Unmarshal([]byte(tags), &identity.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode identity tags: %w", err)
	}
	return &identity, nil
}

func scanRecord(row scanner) (*interfaces.CertificateRecord, error) {
	var record interfaces.CertificateRecord
	var serial, status, fingerprint, issuerSerial, pem string
	var supersededBy sql.NullString

	err := row.Scan(
		&serial,
		&record.Identity,
		&status,
		&record.NotBefore,
		&record.NotAfter,
		&fingerprint,
		&issuerSerial,
		&supersededBy,
		&record.RevocationReason,
		&pem,
		&record.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: certificate record", interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan certificate record: %w", err)
	}

	if record.SerialNumber, err = interfaces.SerialNumberFromHex(serial); err != nil {
		return nil, fmt.Errorf("stored serial number %q: %w", serial, err)
	}
	if record.Fingerprint, err = interfaces.FingerprintFromHex(fingerprint); err != nil {
		return nil, fmt.Errorf("stored fingerprint %q: %w", fingerprint, err)
	}
	if record.IssuerSerial, err = interfaces.SerialNumberFromHex(issuerSerial); err != nil {
		return nil, fmt.Errorf("stored issuer serial %q: %w", issuerSerial, err)
	}
	if supersededBy.Valid {
		parsed, err := interfaces.SerialNumberFromHex(supersededBy.String)
		if err != nil {
			return nil, fmt.Errorf("stored superseded_by %q: %w", supersededBy.String, err)
		}
		record.SupersededBy = &parsed
	}
	record.Status = interfaces.CertStatus(status)
	record.PEM = []byte(pem)
	return &record, nil
}

func scanJob(row scanner) (*interfaces.ProvisioningJob, error) {
	var job interfaces.ProvisioningJob
	var state string
	var errStep, errKind, errMsg, serial sql.NullString

	err := row.Scan(
		&job.ID,
		&job.Identity,
		&state,
		&job.Attempts,
		&errStep,
		&errKind,
		&errMsg,
		&serial,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job", interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.State = interfaces.JobState(state)
	if errStep.Valid || errKind.Valid || errMsg.Valid {
		job.LastError = &interfaces.JobError{
			Step:    errStep.String,
			Kind:    errKind.String,
			Message: errMsg.String,
		}
	}
	if serial.Valid {
		parsed, err := interfaces.SerialNumberFromHex(serial.String)
		if err != nil {
			return nil, fmt.Errorf("stored job serial %q: %w", serial.String, err)
		}
		job.SerialNumber = &parsed
	}
	return &job, nil
}

func flattenJobError(jobErr *interfaces.JobError) (step, kind, msg any) {
	if jobErr == nil {
		return nil, nil, nil
	}
	return jobErr.Step, jobErr.Kind, jobErr.Message
}
