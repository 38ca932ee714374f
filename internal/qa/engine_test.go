package qa

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/karute/internal/access"
	"github.com/hyperjump/karute/internal/answer"
	"github.com/hyperjump/karute/internal/embedding"
	"github.com/hyperjump/karute/internal/models"
	"github.com/hyperjump/karute/internal/registry"
	"github.com/hyperjump/karute/internal/retrieval"
	"github.com/hyperjump/karute/internal/storage"
)

type stubCompletion struct {
	reply   string
	err     error
	gotUser string
}

func (s *stubCompletion) Complete(_ context.Context, _, userPrompt string) (string, error) {
	s.gotUser = userPrompt
	return s.reply, s.err
}

type testEnv struct {
	engine     *Engine
	store      storage.Storage
	retrieval  *retrieval.Service
	completion *stubCompletion
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
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
	comp := &stubCompletion{reply: "Grounded answer."}
	return &testEnv{
		engine:     NewEngine(svc, store, answer.NewAssembler(comp)),
		store:      store,
		retrieval:  svc,
		completion: comp,
	}
}

func (e *testEnv) seedDocument(t *testing.T, patientID, owner, docID, text string, index bool) {
	t.Helper()
	ctx := context.Background()
	if err := e.store.UpsertPatient(ctx, &models.PatientProfile{PatientID: patientID, Owner: owner}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.CreateDocument(ctx, &models.DocumentRecord{
		ID: docID, PatientID: patientID, SourceReference: docID + ".txt", FileType: "txt", Text: text,
	}); err != nil {
		t.Fatal(err)
	}
	if index {
		if err := e.retrieval.Ingest(ctx, patientID, docID, text); err != nil {
			t.Fatal(err)
		}
	}
}

func TestEngine_Ask(t *testing.T) {
	env := newTestEnv(t)
	env.seedDocument(t, "P1", "dr-sato", "d1", "Metformin 500mg twice daily", true)

	got, err := env.engine.Ask(context.Background(), "dr-sato", models.Question{
		PatientID: "P1",
		Question:  "What medication is prescribed?",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Answer != "Grounded answer." {
		t.Errorf("answer = %q", got.Answer)
	}
	if len(got.Sources) != 1 || got.Sources[0].DocumentID != "d1" {
		t.Errorf("sources = %+v", got.Sources)
	}
	if got.TimeTaken < 0 {
		t.Errorf("time taken = %d", got.TimeTaken)
	}
}

func TestEngine_PatientNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Ask(context.Background(), "dr-sato", models.Question{
		PatientID: "ghost",
		Question:  "anything",
	})
	if !errors.Is(err, storage.ErrPatientNotFound) {
		t.Errorf("err = %v, want ErrPatientNotFound", err)
	}
}

func TestEngine_AccessDenied(t *testing.T) {
	env := newTestEnv(t)
	env.seedDocument(t, "P1", "dr-sato", "d1", "notes", true)

	_, err := env.engine.Ask(context.Background(), "dr-kim", models.Question{
		PatientID: "P1",
		Question:  "anything",
	})
	if !errors.Is(err, access.ErrDenied) {
		t.Errorf("err = %v, want ErrDenied", err)
	}
}

func TestEngine_FallsBackToStoredDocuments(t *testing.T) {
	env := newTestEnv(t)
	// Document stored but never indexed, e.g. after a snapshot loss.
	env.seedDocument(t, "P1", "dr-sato", "d1", "Allergic to penicillin", false)

	got, err := env.engine.Ask(context.Background(), "dr-sato", models.Question{
		PatientID: "P1",
		Question:  "Any allergies?",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Answer != "Grounded answer." {
		t.Errorf("answer = %q", got.Answer)
	}
	if len(got.Sources) != 1 || got.Sources[0].DocumentID != "d1" {
		t.Errorf("sources = %+v", got.Sources)
	}
	if !strings.Contains(env.completion.gotUser, "penicillin") {
		t.Errorf("stored document text missing from prompt: %q", env.completion.gotUser)
	}
}

func TestEngine_ValidatesQuestion(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Ask(context.Background(), "dr-sato", models.Question{PatientID: "P1"}); err == nil {
		t.Error("empty question accepted")
	}
	if _, err := env.engine.Ask(context.Background(), "dr-sato", models.Question{Question: "q"}); err == nil {
		t.Error("empty patient id accepted")
	}
}
