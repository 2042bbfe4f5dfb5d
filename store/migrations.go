package store

import (
	"database/sql"
	"fmt"
)

// migrate brings the schema up to the current version.
func (s *SQLiteStore) migrate() error {
	var tableExists bool
	err := s.db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}

	if !tableExists {
		if err := s.initializeSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		return nil
	}

	var currentVersion int
	err = s.db.QueryRow(`
		SELECT version FROM schema_version
		ORDER BY applied_at DESC LIMIT 1
	`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Currently only version 1 exists.
	if currentVersion < 1 {
		return fmt.Errorf("invalid schema version: %d", currentVersion)
	}

	return nil
}

// initializeSchema creates all tables for a new database.
func (s *SQLiteStore) initializeSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		schemaVersionTable,
		identitiesTable,
		identitiesIndexes,
		certificateRecordsTable,
		certificateRecordsIndexes,
		provisioningJobsTable,
		provisioningJobsIndexes,
		`INSERT INTO schema_version (version) VALUES (1)`,
	} {
		if err := execSQL(tx, stmt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func execSQL(tx *sql.Tx, query string) error {
	_, err := tx.Exec(query)
	return err
}

// Schema definitions
const (
	schemaVersionTable = `
CREATE TABLE schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

	identitiesTable = `
CREATE TABLE identities (
    common_name TEXT PRIMARY KEY,
    client_id   TEXT NOT NULL DEFAULT '',
    role        TEXT NOT NULL,
    status      TEXT NOT NULL,
    label       TEXT NOT NULL DEFAULT '',
    group_name  TEXT NOT NULL DEFAULT '',
    tags        TEXT NOT NULL DEFAULT 'null',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
)`

	identitiesIndexes = `
CREATE INDEX idx_identities_role ON identities(role);
CREATE INDEX idx_identities_status ON identities(status)`

	certificateRecordsTable = `
CREATE TABLE certificate_records (
    serial_number     TEXT PRIMARY KEY,
    identity          TEXT NOT NULL,
    status            TEXT NOT NULL,
    not_before        DATETIME NOT NULL,
    not_after         DATETIME NOT NULL,
    fingerprint       TEXT NOT NULL,
    issuer_serial     TEXT NOT NULL,
    superseded_by     TEXT,
    revocation_reason TEXT NOT NULL DEFAULT '',
    pem               TEXT NOT NULL,
    created_at        DATETIME NOT NULL,

    FOREIGN KEY (identity) REFERENCES identities(common_name)
)`

	certificateRecordsIndexes = `
CREATE INDEX idx_records_identity ON certificate_records(identity);
CREATE INDEX idx_records_status ON certificate_records(status);
CREATE INDEX idx_records_not_after ON certificate_records(not_after);
CREATE INDEX idx_records_fingerprint ON certificate_records(fingerprint)`

	provisioningJobsTable = `
CREATE TABLE provisioning_jobs (
    job_id        TEXT PRIMARY KEY,
    identity      TEXT NOT NULL,
    state         TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    error_step    TEXT,
    error_kind    TEXT,
    error_msg     TEXT,
    serial_number TEXT,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
)`

	provisioningJobsIndexes = `
CREATE INDEX idx_jobs_identity ON provisioning_jobs(identity);
CREATE INDEX idx_jobs_state ON provisioning_jobs(state);
CREATE INDEX idx_jobs_created_at ON provisioning_jobs(created_at)`
)
