// Package storage defines the persistence interface for patients, documents, and access requests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/karute/internal/models"
)

// ErrPatientNotFound is returned when the requested patient profile does not exist.
var ErrPatientNotFound = errors.New("patient not found")

// ErrDocumentNotFound is returned when the requested document does not exist.
var ErrDocumentNotFound = errors.New("document not found")

// ErrDuplicateDocument is returned when a document with the same ID already exists.
var ErrDuplicateDocument = errors.New("document already exists")

// Storage defines patient, document, and access-request persistence operations.
type Storage interface {
	// Patient operations
	UpsertPatient(ctx context.Context, p *models.PatientProfile) error
	GetPatient(ctx context.Context, patientID string) (*models.PatientProfile, error)
	DeletePatient(ctx context.Context, patientID string) error
	ListPatients(ctx context.Context) ([]*models.PatientProfile, error)

	// Document operations
	CreateDocument(ctx context.Context, doc *models.DocumentRecord) error
	GetDocument(ctx context.Context, id string) (*models.DocumentRecord, error)
	DeleteDocument(ctx context.Context, id string) error
	ListDocumentsByPatient(ctx context.Context, patientID string) ([]*models.DocumentRecord, error)
	DocumentExists(ctx context.Context, id string) (bool, error)

	// Access operations
	CreateAccessRequest(ctx context.Context, req *models.AccessRequest) error
	GetPendingAccessRequest(ctx context.Context, requestor, patientID string) (*models.AccessRequest, error)
	MarkAccessVerified(ctx context.Context, id string, validUntil time.Time) error
	HasValidGrant(ctx context.Context, requestor, patientID string, now time.Time) (bool, error)

	// Stats
	CountPatients(ctx context.Context) (int64, error)
	CountDocuments(ctx context.Context) (int64, error)

	Close() error
}
