// Package ingest turns uploaded or watched files into stored, indexed patient documents.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/karute/internal/docid"
	"github.com/hyperjump/karute/internal/extract"
	"github.com/hyperjump/karute/internal/models"
	"github.com/hyperjump/karute/internal/retrieval"
	"github.com/hyperjump/karute/internal/segment"
	"github.com/hyperjump/karute/internal/storage"
)

// ErrUnsupportedFileType is returned for files that are neither text-bearing
// nor imaging formats.
var ErrUnsupportedFileType = errors.New("unsupported file type")

// ErrNoTextContent is returned when extraction or segmentation yields no text.
var ErrNoTextContent = errors.New("no text content in file")

// ErrAlreadyIngested is returned when an inbox file was already processed.
var ErrAlreadyIngested = errors.New("file already ingested")

// Ingestor ingests files for a patient: extracts or summarizes text, stores
// the document, and indexes it for retrieval. A failed indexing step rolls
// the stored document back so no partial state remains.
type Ingestor struct {
	store     storage.Storage
	retrieval *retrieval.Service
	extractor *extract.Extractor
	segmenter *segment.Client
	logger    *zap.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(i *Ingestor) { i.logger = logger }
}

// WithSegmenter enables imaging ingestion through the segmentation service.
func WithSegmenter(client *segment.Client) Option {
	return func(i *Ingestor) { i.segmenter = client }
}

// NewIngestor creates an Ingestor.
func NewIngestor(store storage.Storage, retrievalSvc *retrieval.Service, extractor *extract.Extractor, opts ...Option) *Ingestor {
	ing := &Ingestor{
		store:     store,
		retrieval: retrievalSvc,
		extractor: extractor,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// IngestUpload ingests an uploaded file for a patient. The patient profile is
// created on first upload with owner as its owner.
func (i *Ingestor) IngestUpload(ctx context.Context, patientID, owner, filename string, content []byte) (*models.DocumentRecord, error) {
	return i.ingest(ctx, patientID, owner, filename, content, uuid.New().String())
}

// IngestFile ingests a file from the watched inbox. The document ID is
// derived from the patient and path, so a file that was already processed
// returns ErrAlreadyIngested instead of creating a duplicate.
func (i *Ingestor) IngestFile(ctx context.Context, patientID, owner, path string) (*models.DocumentRecord, error) {
	id := docid.InboxDocID(patientID, path)
	exists, err := i.store.DocumentExists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("check document: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyIngested, path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return i.ingest(ctx, patientID, owner, filepath.Base(path), content, id)
}

func (i *Ingestor) ingest(ctx context.Context, patientID, owner, filename string, content []byte, id string) (*models.DocumentRecord, error) {
	if patientID == "" {
		return nil, retrieval.ErrEmptyPatientID
	}
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	ext := strings.ToLower(filepath.Ext(filename))
	text, err := i.textFor(ctx, ext, filename, content)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoTextContent, filename)
	}

	if err := i.store.UpsertPatient(ctx, &models.PatientProfile{PatientID: patientID, Owner: owner}); err != nil {
		return nil, fmt.Errorf("upsert patient: %w", err)
	}

	doc := &models.DocumentRecord{
		ID:              id,
		PatientID:       patientID,
		SourceReference: filename,
		FileType:        strings.TrimPrefix(ext, "."),
		Text:            text,
	}
	if err := i.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}

	if err := i.retrieval.Ingest(ctx, patientID, doc.ID, text); err != nil {
		// Roll the stored document back so storage and index stay in step.
		if delErr := i.store.DeleteDocument(ctx, doc.ID); delErr != nil {
			i.logger.Error("rollback failed after indexing error",
				zap.String("doc_id", doc.ID),
				zap.Error(delErr))
		}
		return nil, fmt.Errorf("index document: %w", err)
	}

	i.logger.Info("document ingested",
		zap.String("patient_id", patientID),
		zap.String("doc_id", doc.ID),
		zap.String("source", filename),
		zap.String("file_type", doc.FileType),
		zap.Int("chars", len(text)))
	return doc, nil
}

// textFor routes the file to extraction or imaging segmentation.
func (i *Ingestor) textFor(ctx context.Context, ext, filename string, content []byte) (string, error) {
	switch {
	case extract.Supported(ext):
		text, err := i.extractor.ExtractBytes(content, ext)
		if err != nil {
			return "", fmt.Errorf("extract %s: %w", filename, err)
		}
		return text, nil
	case isImaging(ext):
		if i.segmenter == nil {
			return "", fmt.Errorf("%w: imaging ingestion is not configured (%s)", ErrUnsupportedFileType, ext)
		}
		summary, err := i.segmenter.Summarize(ctx, filename, content)
		if err != nil {
			return "", fmt.Errorf("segment %s: %w", filename, err)
		}
		return summary, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, ext)
	}
}

// isImaging reports whether ext is a medical imaging format handled through
// the segmentation service.
func isImaging(ext string) bool {
	switch ext {
	case ".dcm", ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
