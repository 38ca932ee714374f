// Package retrieval wires embedding, per-patient vector stores, and document
// storage into ingest and query operations.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/karute/internal/access"
	"github.com/hyperjump/karute/internal/embedding"
	"github.com/hyperjump/karute/internal/models"
	"github.com/hyperjump/karute/internal/registry"
	"github.com/hyperjump/karute/internal/storage"
)

// ErrEmptyPatientID is returned when an operation is missing the patient ID.
var ErrEmptyPatientID = errors.New("patient ID is required")

// ErrEmptyText is returned when ingest is given no text to index.
var ErrEmptyText = errors.New("document text is required")

// ErrEmptyQuery is returned when a query has no text.
var ErrEmptyQuery = errors.New("query text is required")

// RetrievedDocument is a document together with its search distance.
type RetrievedDocument struct {
	Document *models.DocumentRecord
	Distance float64
}

// Service performs per-patient semantic ingest and retrieval. Queries are
// authorized before any other work happens.
type Service struct {
	registry *registry.Registry
	embedder embedding.Embedder
	store    storage.Storage
	access   *access.Manager
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a retrieval service.
func NewService(reg *registry.Registry, embedder embedding.Embedder, store storage.Storage, accessMgr *access.Manager, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		embedder: embedder,
		store:    store,
		access:   accessMgr,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest embeds text and appends it to the patient's vector store, recording
// the vector under docID. The patient's store is created on first ingest.
func (s *Service) Ingest(ctx context.Context, patientID, docID, text string) error {
	if patientID == "" {
		return ErrEmptyPatientID
	}
	if text == "" {
		return ErrEmptyText
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}

	store := s.registry.GetOrCreate(patientID)
	pos, err := store.Insert(ctx, vec, docID)
	if err != nil {
		return fmt.Errorf("index document: %w", err)
	}

	s.logger.Debug("document indexed",
		zap.String("patient_id", patientID),
		zap.String("doc_id", docID),
		zap.Int("position", pos))
	return nil
}

// Query returns the requestor's top-k most similar documents for the patient.
// The access check runs first; no embedding or search work happens for a
// denied requestor. A patient with no vector store yields empty results.
func (s *Service) Query(ctx context.Context, requestor, patientID, query string, k int) ([]RetrievedDocument, error) {
	if patientID == "" {
		return nil, ErrEmptyPatientID
	}
	if query == "" {
		return nil, ErrEmptyQuery
	}

	if err := s.access.Authorize(ctx, requestor, patientID); err != nil {
		return nil, err
	}

	store, ok := s.registry.Get(patientID)
	if !ok {
		return []RetrievedDocument{}, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := store.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	retrieved := make([]RetrievedDocument, 0, len(results))
	for _, r := range results {
		doc, err := s.store.GetDocument(ctx, r.DocID)
		if err != nil {
			// A vector without its document means the two stores drifted;
			// skip it rather than fail the whole query.
			s.logger.Warn("indexed document missing from storage",
				zap.String("patient_id", patientID),
				zap.String("doc_id", r.DocID))
			continue
		}
		retrieved = append(retrieved, RetrievedDocument{Document: doc, Distance: r.Distance})
	}
	return retrieved, nil
}

// Remove drops the patient's vector store and its snapshot file.
func (s *Service) Remove(patientID, snapshotDir string) error {
	if patientID == "" {
		return ErrEmptyPatientID
	}
	return s.registry.Remove(patientID, snapshotDir)
}

// Dimensions returns the embedding dimension the service indexes with.
func (s *Service) Dimensions() int {
	return s.embedder.Dimensions()
}
