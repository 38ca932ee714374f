package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/karute/internal/access"
	"github.com/hyperjump/karute/internal/answer"
	"github.com/hyperjump/karute/internal/config"
	"github.com/hyperjump/karute/internal/embedding"
	"github.com/hyperjump/karute/internal/extract"
	"github.com/hyperjump/karute/internal/ingest"
	"github.com/hyperjump/karute/internal/qa"
	"github.com/hyperjump/karute/internal/registry"
	"github.com/hyperjump/karute/internal/retrieval"
	"github.com/hyperjump/karute/internal/storage"
)

type stubCompletion struct{ reply string }

func (s *stubCompletion) Complete(_ context.Context, _, _ string) (string, error) {
	return s.reply, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(8)
	if err != nil {
		t.Fatal(err)
	}
	mgr := access.NewManager(store)
	svc := retrieval.NewService(reg, embedding.NewMockEmbedder(8), store, mgr)
	engine := qa.NewEngine(svc, store, answer.NewAssembler(&stubCompletion{reply: "Grounded answer."}))
	ingestor := ingest.NewIngestor(store, svc, extract.NewExtractor())

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Storage.DatabasePath = filepath.Join(dir, "test.db")
	cfg.Storage.SnapshotDir = filepath.Join(dir, "snapshots")

	return NewServer(engine, ingestor, mgr, svc, store, cfg, zap.NewNop())
}

func uploadRequest(t *testing.T, url, user, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(userIDHeader, user)
	return req
}

func TestHandleUploadAndAsk(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	// Upload creates the patient with the uploader as owner.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/api/v1/patients/P1/documents", "dr-sato", "note.txt", "Metformin 500mg twice daily"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}

	// The owner can ask.
	body, _ := json.Marshal(map[string]interface{}{"patient_id": "P1", "question": "What medication?"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ask", bytes.NewReader(body))
	req.Header.Set(userIDHeader, "dr-sato")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ask status = %d: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Answer  string `json:"answer"`
		Sources []struct {
			DocumentID string `json:"document_id"`
		} `json:"sources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Answer != "Grounded answer." || len(got.Sources) != 1 {
		t.Errorf("response = %+v", got)
	}
}

func TestHandleAsk_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	// Seed a patient owned by dr-sato.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/api/v1/patients/P1/documents", "dr-sato", "note.txt", "text"))
	if rec.Code != http.StatusCreated {
		t.Fatal(rec.Body.String())
	}

	tests := []struct {
		name   string
		user   string
		body   string
		status int
	}{
		{"missing header", "", `{"patient_id":"P1","question":"q"}`, http.StatusBadRequest},
		{"empty question", "dr-sato", `{"patient_id":"P1"}`, http.StatusBadRequest},
		{"unknown patient", "dr-sato", `{"patient_id":"ghost","question":"q"}`, http.StatusNotFound},
		{"denied requestor", "dr-kim", `{"patient_id":"P1","question":"q"}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(tt.body))
			if tt.user != "" {
				req.Header.Set(userIDHeader, tt.user)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestHandleAccessFlow(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/api/v1/patients/P1/documents", "dr-sato", "note.txt", "Allergy: penicillin"))
	if rec.Code != http.StatusCreated {
		t.Fatal(rec.Body.String())
	}

	// A stranger requests access and gets a code.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients/P1/access/request", nil)
	req.Header.Set(userIDHeader, "dr-kim")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("request status = %d: %s", rec.Code, rec.Body.String())
	}
	var reqResp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reqResp); err != nil {
		t.Fatal(err)
	}

	// Wrong code is rejected.
	wrong := "000000"
	if wrong == reqResp.Code {
		wrong = "000001"
	}
	req = httptest.NewRequest(http.MethodPost, "/api/v1/patients/P1/access/verify", strings.NewReader(`{"code":"`+wrong+`"}`))
	req.Header.Set(userIDHeader, "dr-kim")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong code status = %d", rec.Code)
	}

	// Re-request (the wrong attempt consumed nothing) and verify correctly.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/patients/P1/access/verify", strings.NewReader(`{"code":"`+reqResp.Code+`"}`))
	req.Header.Set(userIDHeader, "dr-kim")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", rec.Code, rec.Body.String())
	}

	// Now asking works.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(`{"patient_id":"P1","question":"Any allergies?"}`))
	req.Header.Set(userIDHeader, "dr-kim")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("ask after grant status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleListDocuments(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/api/v1/patients/P1/documents", "dr-sato", "labs.txt", "CBC unremarkable"))
	if rec.Code != http.StatusCreated {
		t.Fatal(rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/P1/documents", nil)
	req.Header.Set(userIDHeader, "dr-sato")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "labs.txt") {
		t.Errorf("body = %s", rec.Body.String())
	}
	// Text content stays out of the listing.
	if strings.Contains(rec.Body.String(), "CBC unremarkable") {
		t.Error("listing leaked document text")
	}

	// A stranger is denied.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/patients/P1/documents", nil)
	req.Header.Set(userIDHeader, "dr-kim")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger list status = %d", rec.Code)
	}
}

func TestHandleDeletePatient(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/api/v1/patients/P1/documents", "dr-sato", "note.txt", "text"))
	if rec.Code != http.StatusCreated {
		t.Fatal(rec.Body.String())
	}

	// Only the owner may delete.
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/patients/P1", nil)
	req.Header.Set(userIDHeader, "dr-kim")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger delete status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/patients/P1", nil)
	req.Header.Set(userIDHeader, "dr-sato")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner delete status = %d: %s", rec.Code, rec.Body.String())
	}

	// The patient is gone.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/patients/P1", nil)
	req.Header.Set(userIDHeader, "dr-sato")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestHandleStatusAndHealth(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status status = %d", rec.Code)
	}
	var got struct {
		Patients  int64 `json:"patients"`
		Documents int64 `json:"documents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Patients != 0 || got.Documents != 0 {
		t.Errorf("status = %+v", got)
	}
}

func TestHandleUpload_UnsupportedType(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/api/v1/patients/P1/documents", "dr-sato", "app.exe", "binary"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d: %s", rec.Code, rec.Body.String())
	}
}
