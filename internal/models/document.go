// Package models defines core data structures for patients, documents, grants, and questions.
package models

import "time"

// PatientProfile ties an opaque patient identifier to the user who owns its data.
type PatientProfile struct {
	PatientID string    `json:"patient_id" db:"patient_id"`
	Owner     string    `json:"owner" db:"owner"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DocumentRecord is the extracted text of one uploaded artifact plus enough
// metadata to re-fetch or display it. Records are created on ingestion, never
// mutated, and removed only when the owning patient's data is deleted.
type DocumentRecord struct {
	ID              string    `json:"id" db:"id"`
	PatientID       string    `json:"patient_id" db:"patient_id"`
	SourceReference string    `json:"source_reference" db:"source_reference"`
	FileType        string    `json:"file_type" db:"file_type"`
	Text            string    `json:"text" db:"text"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// DocumentInput is the input for ingesting a document for a patient.
type DocumentInput struct {
	ID              string `json:"id,omitempty"`
	PatientID       string `json:"patient_id"`
	SourceReference string `json:"source_reference,omitempty"`
	FileType        string `json:"file_type,omitempty"`
	Text            string `json:"text"`
}
