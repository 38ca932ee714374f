// Package qa orchestrates question answering over a patient's documents.
package qa

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/karute/internal/answer"
	"github.com/hyperjump/karute/internal/models"
	"github.com/hyperjump/karute/internal/retrieval"
	"github.com/hyperjump/karute/internal/storage"
)

// Engine answers questions by retrieving the most relevant documents for a
// patient and handing them to the assembler.
type Engine struct {
	retrieval *retrieval.Service
	store     storage.Storage
	assembler *answer.Assembler
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a question-answering engine.
func NewEngine(retrievalSvc *retrieval.Service, store storage.Storage, assembler *answer.Assembler, opts ...Option) *Engine {
	e := &Engine{
		retrieval: retrievalSvc,
		store:     store,
		assembler: assembler,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ask answers q on behalf of requestor. The patient must exist
// (storage.ErrPatientNotFound otherwise) and the requestor must have access
// (access.ErrDenied otherwise). When semantic retrieval yields nothing, the
// answer falls back to all of the patient's stored documents as context.
func (e *Engine) Ask(ctx context.Context, requestor string, q models.Question) (*models.Answer, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	if _, err := e.store.GetPatient(ctx, q.PatientID); err != nil {
		return nil, err
	}

	retrieved, err := e.retrieval.Query(ctx, requestor, q.PatientID, q.Question, q.TopK)
	if err != nil {
		return nil, err
	}

	var docs []*models.DocumentRecord
	var sources []models.Source
	if len(retrieved) > 0 {
		docs = make([]*models.DocumentRecord, 0, len(retrieved))
		sources = make([]models.Source, 0, len(retrieved))
		for _, r := range retrieved {
			docs = append(docs, r.Document)
			sources = append(sources, models.Source{
				DocumentID:      r.Document.ID,
				SourceReference: r.Document.SourceReference,
				FileType:        r.Document.FileType,
				Distance:        r.Distance,
			})
		}
	} else {
		// Nothing indexed yet; answer from whatever documents are stored.
		docs, err = e.store.ListDocumentsByPatient(ctx, q.PatientID)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			sources = append(sources, models.Source{
				DocumentID:      doc.ID,
				SourceReference: doc.SourceReference,
				FileType:        doc.FileType,
			})
		}
	}

	reply := e.assembler.Answer(ctx, q.Question, docs)
	elapsed := time.Since(start)

	e.logger.Info("question answered",
		zap.String("patient_id", q.PatientID),
		zap.String("requestor", requestor),
		zap.Int("documents", len(docs)),
		zap.Duration("took", elapsed))

	return &models.Answer{
		PatientID: q.PatientID,
		Question:  q.Question,
		Answer:    reply,
		Sources:   sources,
		TimeTaken: elapsed.Milliseconds(),
	}, nil
}
