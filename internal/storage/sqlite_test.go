package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/karute/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStorage_Patients(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.GetPatient(ctx, "P1"); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("GetPatient on empty db = %v, want ErrPatientNotFound", err)
	}

	p := &models.PatientProfile{PatientID: "P1", Owner: "dr-sato"}
	if err := s.UpsertPatient(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPatient(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Owner != "dr-sato" {
		t.Errorf("owner = %q", got.Owner)
	}

	// Upsert again keeps a single row and never reassigns ownership.
	if err := s.UpsertPatient(ctx, &models.PatientProfile{PatientID: "P1", Owner: "dr-tanaka"}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetPatient(ctx, "P1")
	if got.Owner != "dr-sato" {
		t.Errorf("owner after upsert = %q, want original owner", got.Owner)
	}
	if n, _ := s.CountPatients(ctx); n != 1 {
		t.Errorf("CountPatients = %d", n)
	}
}

func TestSQLiteStorage_Documents(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.UpsertPatient(ctx, &models.PatientProfile{PatientID: "P1", Owner: "dr-sato"}); err != nil {
		t.Fatal(err)
	}
	doc := &models.DocumentRecord{
		ID:              "d1",
		PatientID:       "P1",
		SourceReference: "labs.pdf",
		FileType:        "pdf",
		Text:            "Hemoglobin 13.5 g/dL",
	}
	if err := s.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDocument(ctx, doc); !errors.Is(err, ErrDuplicateDocument) {
		t.Errorf("duplicate insert = %v, want ErrDuplicateDocument", err)
	}

	got, err := s.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != doc.Text || got.FileType != "pdf" {
		t.Errorf("got %+v", got)
	}

	exists, err := s.DocumentExists(ctx, "d1")
	if err != nil || !exists {
		t.Errorf("DocumentExists(d1) = %v, %v", exists, err)
	}
	exists, _ = s.DocumentExists(ctx, "missing")
	if exists {
		t.Error("DocumentExists reported a missing document")
	}

	docs, err := s.ListDocumentsByPatient(ctx, "P1")
	if err != nil || len(docs) != 1 {
		t.Fatalf("ListDocumentsByPatient = %v, %v", docs, err)
	}
}

func TestSQLiteStorage_DeletePatientCascades(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	s.UpsertPatient(ctx, &models.PatientProfile{PatientID: "P1", Owner: "dr-sato"})
	s.CreateDocument(ctx, &models.DocumentRecord{ID: "d1", PatientID: "P1", SourceReference: "a.txt", FileType: "txt", Text: "x"})
	s.CreateAccessRequest(ctx, &models.AccessRequest{ID: "r1", Requestor: "dr-kim", PatientID: "P1", Code: "123456"})

	if err := s.DeletePatient(ctx, "P1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDocument(ctx, "d1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Error("document survived patient delete")
	}
	if n, _ := s.CountDocuments(ctx); n != 0 {
		t.Errorf("CountDocuments = %d", n)
	}
	if err := s.DeletePatient(ctx, "P1"); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("second delete = %v, want ErrPatientNotFound", err)
	}
}

func TestSQLiteStorage_AccessRequests(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	s.UpsertPatient(ctx, &models.PatientProfile{PatientID: "P1", Owner: "dr-sato"})

	ok, err := s.HasValidGrant(ctx, "dr-kim", "P1", now)
	if err != nil || ok {
		t.Errorf("HasValidGrant before any request = %v, %v", ok, err)
	}

	req := &models.AccessRequest{ID: "r1", Requestor: "dr-kim", PatientID: "P1", Code: "654321"}
	if err := s.CreateAccessRequest(ctx, req); err != nil {
		t.Fatal(err)
	}

	pending, err := s.GetPendingAccessRequest(ctx, "dr-kim", "P1")
	if err != nil {
		t.Fatal(err)
	}
	if pending.Code != "654321" || pending.Verified {
		t.Errorf("pending = %+v", pending)
	}

	// Unverified requests never grant access.
	if ok, _ := s.HasValidGrant(ctx, "dr-kim", "P1", now); ok {
		t.Error("unverified request granted access")
	}

	if err := s.MarkAccessVerified(ctx, "r1", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.HasValidGrant(ctx, "dr-kim", "P1", now); !ok {
		t.Error("verified grant not honored")
	}
	if ok, _ := s.HasValidGrant(ctx, "dr-kim", "P1", now.Add(2*time.Hour)); ok {
		t.Error("expired grant honored")
	}

	// Verified requests are no longer pending.
	if _, err := s.GetPendingAccessRequest(ctx, "dr-kim", "P1"); err == nil {
		t.Error("verified request still reported as pending")
	}
}
