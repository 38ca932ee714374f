package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/karute/internal/access"
	"github.com/hyperjump/karute/internal/ingest"
	"github.com/hyperjump/karute/internal/models"
	"github.com/hyperjump/karute/internal/storage"
)

// userIDHeader identifies the requestor on every API call.
const userIDHeader = "X-User-ID"

const maxUploadBytes = 64 << 20 // 64 MiB

// requestor returns the caller identity, or writes a 400 and returns false.
func (s *Server) requestor(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(userIDHeader)
	if user == "" {
		s.respondError(w, http.StatusBadRequest, userIDHeader+" header is required")
		return "", false
	}
	return user, true
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requestor(w, r)
	if !ok {
		return
	}
	var q models.Question
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := q.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("ask request",
		zap.String("patient_id", q.PatientID),
		zap.String("requestor", user))

	answer, err := s.engine.Ask(r.Context(), user, q)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, answer)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requestor(w, r)
	if !ok {
		return
	}
	patientID := chi.URLParam(r, "patientID")

	// Uploading to an existing patient requires access; a new patient is
	// created with the uploader as owner.
	if _, err := s.storage.GetPatient(r.Context(), patientID); err == nil {
		if err := s.access.Authorize(r.Context(), user, patientID); err != nil {
			s.respondDomainError(w, err)
			return
		}
	} else if !errors.Is(err, storage.ErrPatientNotFound) {
		s.respondDomainError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	doc, err := s.ingestor.IngestUpload(r.Context(), patientID, user, header.Filename, content)
	if err != nil {
		s.logger.Error("upload ingest failed",
			zap.String("patient_id", patientID),
			zap.String("filename", header.Filename),
			zap.Error(err))
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{
		"document_id": doc.ID,
		"patient_id":  doc.PatientID,
		"status":      "ingested",
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requestor(w, r)
	if !ok {
		return
	}
	patientID := chi.URLParam(r, "patientID")
	if err := s.access.Authorize(r.Context(), user, patientID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	docs, err := s.storage.ListDocumentsByPatient(r.Context(), patientID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	// Listing returns metadata only; document text is reachable through /ask.
	type docSummary struct {
		ID              string `json:"id"`
		SourceReference string `json:"source_reference"`
		FileType        string `json:"file_type"`
		CreatedAt       string `json:"created_at"`
	}
	summaries := make([]docSummary, 0, len(docs))
	for _, d := range docs {
		summaries = append(summaries, docSummary{
			ID:              d.ID,
			SourceReference: d.SourceReference,
			FileType:        d.FileType,
			CreatedAt:       d.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"patient_id": patientID,
		"documents":  summaries,
	})
}

func (s *Server) handleDeletePatient(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requestor(w, r)
	if !ok {
		return
	}
	patientID := chi.URLParam(r, "patientID")

	patient, err := s.storage.GetPatient(r.Context(), patientID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	// Only the owner may delete a patient's records.
	if patient.Owner != user {
		s.respondError(w, http.StatusForbidden, "access denied")
		return
	}

	if err := s.storage.DeletePatient(r.Context(), patientID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	if err := s.retrieval.Remove(patientID, s.config.Storage.SnapshotDir); err != nil {
		s.logger.Warn("failed to drop vector store",
			zap.String("patient_id", patientID),
			zap.Error(err))
	}
	s.logger.Info("patient deleted",
		zap.String("patient_id", patientID),
		zap.String("requestor", user))
	s.respondJSON(w, http.StatusOK, map[string]string{"patient_id": patientID, "status": "deleted"})
}

func (s *Server) handleAccessRequest(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requestor(w, r)
	if !ok {
		return
	}
	patientID := chi.URLParam(r, "patientID")

	req, err := s.access.Request(r.Context(), user, patientID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	// The code is returned in the response; a production deployment would
	// deliver it out of band to the record owner.
	s.respondJSON(w, http.StatusCreated, map[string]string{
		"request_id": req.ID,
		"code":       req.Code,
		"status":     "pending",
	})
}

type accessVerifyRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleAccessVerify(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requestor(w, r)
	if !ok {
		return
	}
	patientID := chi.URLParam(r, "patientID")

	var body accessVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" {
		s.respondError(w, http.StatusBadRequest, "code is required")
		return
	}

	req, err := s.access.Verify(r.Context(), user, patientID, body.Code)
	if err != nil {
		if errors.Is(err, access.ErrCodeMismatch) {
			s.respondError(w, http.StatusForbidden, "verification code does not match")
			return
		}
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":  req.ID,
		"status":      "verified",
		"valid_until": req.ValidUntil,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientCount, err := s.storage.CountPatients(ctx)
	if err != nil {
		s.logger.Error("status: count patients failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	docCount, err := s.storage.CountDocuments(ctx)
	if err != nil {
		s.logger.Error("status: count documents failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"patients":  patientCount,
		"documents": docCount,
		"config": map[string]interface{}{
			"embedding_dimensions": s.retrieval.Dimensions(),
			"database_path":        s.config.Storage.DatabasePath,
			"snapshot_dir":         s.config.Storage.SnapshotDir,
		},
	}
	diskBytes, err := storage.DiskUsageBytes(s.config.Storage.DatabasePath, s.config.Storage.SnapshotDir)
	if err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// respondDomainError maps domain errors to HTTP status codes.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrPatientNotFound):
		s.respondError(w, http.StatusNotFound, "patient not found")
	case errors.Is(err, storage.ErrDocumentNotFound):
		s.respondError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, access.ErrDenied):
		s.respondError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, ingest.ErrUnsupportedFileType),
		errors.Is(err, ingest.ErrNoTextContent),
		errors.Is(err, ingest.ErrAlreadyIngested),
		errors.Is(err, storage.ErrDuplicateDocument):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
