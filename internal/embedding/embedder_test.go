package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMockEmbedder_Deterministic(t *testing.T) {
	e := NewMockEmbedder(8)
	ctx := context.Background()

	a, err := e.Embed(ctx, "hypertension")
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Embed(ctx, "hypertension")
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 8 {
		t.Fatalf("dimension = %d, want 8", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same text produced different embeddings")
		}
	}

	c, _ := e.Embed(ctx, "cholesterol")
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different texts produced identical embeddings")
	}
}

func TestMockEmbedder_RejectsEmpty(t *testing.T) {
	e := NewMockEmbedder(4)
	if _, err := e.Embed(context.Background(), ""); err != ErrEmptyText {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

func TestRemoteEmbedder_Embed(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer srv.Close()

	e, err := NewRemoteEmbedder(RemoteConfig{BaseURL: srv.URL, Model: "test", Dimensions: 3})
	if err != nil {
		t.Fatal(err)
	}
	emb, err := e.Embed(context.Background(), "blood pressure reading")
	if err != nil {
		t.Fatal(err)
	}
	if len(emb) != 3 {
		t.Fatalf("dimension = %d, want 3", len(emb))
	}

	// Second call should be served from cache.
	if _, err := e.Embed(context.Background(), "blood pressure reading"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("server called %d times, want 1 (cache miss only)", calls)
	}
}

func TestRemoteEmbedder_RetriesOn5xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{1, 0}},
			},
		})
	}))
	defer srv.Close()

	e, _ := NewRemoteEmbedder(RemoteConfig{BaseURL: srv.URL, Dimensions: 2})
	if _, err := e.Embed(context.Background(), "retry me"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("server called %d times, want 2", calls)
	}
}

func TestRemoteEmbedder_RejectsEmpty(t *testing.T) {
	e, _ := NewRemoteEmbedder(RemoteConfig{BaseURL: "http://localhost:1"})
	if _, err := e.Embed(context.Background(), ""); err != ErrEmptyText {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}
