// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/karute/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		patient_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		source_reference TEXT NOT NULL,
		file_type TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (patient_id) REFERENCES patients(patient_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_documents_patient_id ON documents(patient_id);

	CREATE TABLE IF NOT EXISTS access_requests (
		id TEXT PRIMARY KEY,
		requestor TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		otp_code TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		valid_until TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (patient_id) REFERENCES patients(patient_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_access_requestor_patient ON access_requests(requestor, patient_id);
	`
	_, err := db.Exec(schema)
	return err
}

// UpsertPatient inserts a patient profile or refreshes its updated_at. The
// owner set on first insert is kept; later upserts never reassign ownership.
func (s *SQLiteStorage) UpsertPatient(ctx context.Context, p *models.PatientProfile) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (patient_id, owner, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(patient_id) DO UPDATE SET updated_at = excluded.updated_at`,
		p.PatientID, p.Owner, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetPatient returns a patient profile by ID.
func (s *SQLiteStorage) GetPatient(ctx context.Context, patientID string) (*models.PatientProfile, error) {
	var p models.PatientProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT patient_id, owner, created_at, updated_at
		 FROM patients WHERE patient_id = ?`, patientID,
	).Scan(&p.PatientID, &p.Owner, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, patientID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePatient removes a patient profile. Documents and access requests
// follow through the foreign key cascade.
func (s *SQLiteStorage) DeletePatient(ctx context.Context, patientID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM patients WHERE patient_id = ?`, patientID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrPatientNotFound, patientID)
	}
	return nil
}

// ListPatients returns all patient profiles ordered by ID.
func (s *SQLiteStorage) ListPatients(ctx context.Context) ([]*models.PatientProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient_id, owner, created_at, updated_at FROM patients ORDER BY patient_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []*models.PatientProfile
	for rows.Next() {
		var p models.PatientProfile
		if err := rows.Scan(&p.PatientID, &p.Owner, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		patients = append(patients, &p)
	}
	return patients, rows.Err()
}

// CreateDocument inserts a document record.
func (s *SQLiteStorage) CreateDocument(ctx context.Context, doc *models.DocumentRecord) error {
	doc.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, patient_id, source_reference, file_type, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.PatientID, doc.SourceReference, doc.FileType, doc.Text, doc.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicateDocument, doc.ID)
	}
	return err
}

// GetDocument returns a document by ID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*models.DocumentRecord, error) {
	var doc models.DocumentRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, patient_id, source_reference, file_type, content, created_at
		 FROM documents WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.PatientID, &doc.SourceReference, &doc.FileType, &doc.Text, &doc.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes a document by ID.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	return err
}

// ListDocumentsByPatient returns all documents for a patient in insertion order.
func (s *SQLiteStorage) ListDocumentsByPatient(ctx context.Context, patientID string) ([]*models.DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, patient_id, source_reference, file_type, content, created_at
		 FROM documents WHERE patient_id = ? ORDER BY created_at, id`,
		patientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.DocumentRecord
	for rows.Next() {
		var doc models.DocumentRecord
		if err := rows.Scan(&doc.ID, &doc.PatientID, &doc.SourceReference, &doc.FileType, &doc.Text, &doc.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// DocumentExists reports whether a document with the given ID exists.
func (s *SQLiteStorage) DocumentExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateAccessRequest inserts an access request.
func (s *SQLiteStorage) CreateAccessRequest(ctx context.Context, req *models.AccessRequest) error {
	req.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_requests (id, requestor, patient_id, otp_code, verified, valid_until, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Requestor, req.PatientID, req.Code, req.Verified, req.ValidUntil, req.CreatedAt,
	)
	return err
}

// GetPendingAccessRequest returns the most recent unverified access request for
// the requestor/patient pair.
func (s *SQLiteStorage) GetPendingAccessRequest(ctx context.Context, requestor, patientID string) (*models.AccessRequest, error) {
	var req models.AccessRequest
	err := s.db.QueryRowContext(ctx,
		`SELECT id, requestor, patient_id, otp_code, verified, valid_until, created_at
		 FROM access_requests
		 WHERE requestor = ? AND patient_id = ? AND verified = 0
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		requestor, patientID,
	).Scan(&req.ID, &req.Requestor, &req.PatientID, &req.Code, &req.Verified, &req.ValidUntil, &req.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no pending access request for %s on %s", requestor, patientID)
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// MarkAccessVerified marks an access request verified and sets its expiry.
func (s *SQLiteStorage) MarkAccessVerified(ctx context.Context, id string, validUntil time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access_requests SET verified = 1, valid_until = ? WHERE id = ?`,
		validUntil, id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("access request not found: %s", id)
	}
	return nil
}

// HasValidGrant reports whether the requestor holds a verified, unexpired grant
// for the patient.
func (s *SQLiteStorage) HasValidGrant(ctx context.Context, requestor, patientID string, now time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM access_requests
		 WHERE requestor = ? AND patient_id = ? AND verified = 1 AND valid_until >= ?
		 LIMIT 1`,
		requestor, patientID, now,
	).Scan(&one)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CountPatients returns the total number of patient profiles.
func (s *SQLiteStorage) CountPatients(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients`).Scan(&count)
	return count, err
}

// CountDocuments returns the total number of documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
