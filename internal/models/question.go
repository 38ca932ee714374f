package models

import "fmt"

// Question represents a question about one patient's documents.
type Question struct {
	PatientID string `json:"patient_id"`
	Question  string `json:"question"`
	TopK      int    `json:"top_k,omitempty"`
}

// Validate ensures the question has valid fields and sets defaults.
// Returns an error if the patient id or question text is empty; otherwise
// normalizes TopK into [1, 20].
func (q *Question) Validate() error {
	if q.PatientID == "" {
		return fmt.Errorf("patient id cannot be empty")
	}
	if q.Question == "" {
		return fmt.Errorf("question cannot be empty")
	}
	if q.TopK <= 0 {
		q.TopK = 3
	}
	if q.TopK > 20 {
		q.TopK = 20
	}
	return nil
}

// Source identifies one document that contributed context to an answer.
type Source struct {
	DocumentID      string  `json:"document_id"`
	SourceReference string  `json:"source_reference,omitempty"`
	FileType        string  `json:"file_type,omitempty"`
	Distance        float64 `json:"distance,omitempty"`
}

// Answer is the response to a Question.
type Answer struct {
	PatientID string   `json:"patient_id"`
	Question  string   `json:"question"`
	Answer    string   `json:"answer"`
	Sources   []Source `json:"sources,omitempty"`
	TimeTaken int64    `json:"time_taken_ms"`
}
