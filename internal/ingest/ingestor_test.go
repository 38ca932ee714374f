package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/karute/internal/access"
	"github.com/hyperjump/karute/internal/embedding"
	"github.com/hyperjump/karute/internal/extract"
	"github.com/hyperjump/karute/internal/registry"
	"github.com/hyperjump/karute/internal/retrieval"
	"github.com/hyperjump/karute/internal/segment"
	"github.com/hyperjump/karute/internal/storage"
)

// failingEmbedder fails every Embed call, for rollback tests.
type failingEmbedder struct {
	embedding.Embedder
}

func (f *failingEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("embedding service down")
}

type testEnv struct {
	ingestor  *Ingestor
	store     storage.Storage
	retrieval *retrieval.Service
}

func newTestEnv(t *testing.T, embedder embedding.Embedder, opts ...Option) *testEnv {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(embedder.Dimensions())
	if err != nil {
		t.Fatal(err)
	}
	svc := retrieval.NewService(reg, embedder, store, access.NewManager(store))
	return &testEnv{
		ingestor:  NewIngestor(store, svc, extract.NewExtractor(), opts...),
		store:     store,
		retrieval: svc,
	}
}

func TestIngestor_IngestUpload(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(8))
	ctx := context.Background()

	doc, err := env.ingestor.IngestUpload(ctx, "P1", "dr-sato", "labs.txt", []byte("Creatinine 0.9 mg/dL"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.FileType != "txt" || doc.SourceReference != "labs.txt" {
		t.Errorf("doc = %+v", doc)
	}

	// Patient profile was created and the document is retrievable.
	patient, err := env.store.GetPatient(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if patient.Owner != "dr-sato" {
		t.Errorf("owner = %q", patient.Owner)
	}
	results, err := env.retrieval.Query(ctx, "dr-sato", "P1", "Creatinine 0.9 mg/dL", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Document.ID != doc.ID {
		t.Errorf("results = %+v", results)
	}
}

func TestIngestor_RollbackOnIndexFailure(t *testing.T) {
	env := newTestEnv(t, &failingEmbedder{embedding.NewMockEmbedder(8)})
	ctx := context.Background()

	_, err := env.ingestor.IngestUpload(ctx, "P1", "dr-sato", "note.txt", []byte("text"))
	if err == nil {
		t.Fatal("expected error when indexing fails")
	}
	// The stored document must not survive the failed ingest.
	if n, _ := env.store.CountDocuments(ctx); n != 0 {
		t.Errorf("CountDocuments = %d after rollback", n)
	}
}

func TestIngestor_UnsupportedType(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(8))
	if _, err := env.ingestor.IngestUpload(context.Background(), "P1", "dr-sato", "app.exe", []byte("x")); !errors.Is(err, ErrUnsupportedFileType) {
		t.Errorf("err = %v, want ErrUnsupportedFileType", err)
	}
	// Imaging without a configured segmenter is also unsupported.
	if _, err := env.ingestor.IngestUpload(context.Background(), "P1", "dr-sato", "scan.dcm", []byte("x")); !errors.Is(err, ErrUnsupportedFileType) {
		t.Errorf("err = %v, want ErrUnsupportedFileType", err)
	}
}

func TestIngestor_EmptyContent(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(8))
	if _, err := env.ingestor.IngestUpload(context.Background(), "P1", "dr-sato", "empty.txt", []byte("   \n")); !errors.Is(err, ErrNoTextContent) {
		t.Errorf("err = %v, want ErrNoTextContent", err)
	}
}

func TestIngestor_ImagingViaSegmentation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"summary": "No acute findings on chest CT."})
	}))
	defer srv.Close()

	env := newTestEnv(t, embedding.NewMockEmbedder(8), WithSegmenter(segment.NewClient(srv.URL, 0)))
	doc, err := env.ingestor.IngestUpload(context.Background(), "P1", "dr-sato", "chest.dcm", []byte("dicom"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Text != "No acute findings on chest CT." || doc.FileType != "dcm" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestIngestor_IngestFileDeduplicates(t *testing.T) {
	env := newTestEnv(t, embedding.NewMockEmbedder(8))
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(path, []byte("ECG normal sinus rhythm"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := env.ingestor.IngestFile(ctx, "P1", "dr-sato", path); err != nil {
		t.Fatal(err)
	}
	if _, err := env.ingestor.IngestFile(ctx, "P1", "dr-sato", path); !errors.Is(err, ErrAlreadyIngested) {
		t.Errorf("second ingest = %v, want ErrAlreadyIngested", err)
	}
	if n, _ := env.store.CountDocuments(ctx); n != 1 {
		t.Errorf("CountDocuments = %d", n)
	}
}
