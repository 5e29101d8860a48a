package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEmbedDenseReturnsVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "nomic-embed-text" {
			t.Fatalf("unexpected model: %q", req.Model)
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResp{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 3, 100, 10)
	vec, err := p.EmbedDense(context.Background(), "the brakes squeal")
	if err != nil {
		t.Fatalf("embed dense: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3-dim vector, got %d", len(vec))
	}
	if vec[0] != float32(0.1) {
		t.Fatalf("unexpected vec[0]: %v", vec[0])
	}
}

func TestEmbedDenseScrubsSecretsBeforeSending(t *testing.T) {
	var seenPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		seenPrompt = req.Prompt
		_ = json.NewEncoder(w).Encode(ollamaEmbedResp{Embedding: []float64{0.0}})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 1, 100, 10)
	_, err := p.EmbedDense(context.Background(), "my key is sk-abcdefghijklmnopqrstuvwx ok")
	if err != nil {
		t.Fatalf("embed dense: %v", err)
	}
	if seenPrompt == "my key is sk-abcdefghijklmnopqrstuvwx ok" {
		t.Fatalf("expected secret to be scrubbed before sending, got %q", seenPrompt)
	}
}

func TestEmbedDenseErrorsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 3, 100, 10)
	_, err := p.EmbedDense(context.Background(), "text")
	if err == nil {
		t.Fatalf("expected error on 500 response")
	}
}

func TestEmbedSparseIsNoop(t *testing.T) {
	p := NewOllamaProvider("http://unused", "model", 3, 100, 10)
	vec, err := p.EmbedSparse(context.Background(), "text")
	if err != nil || vec != nil {
		t.Fatalf("expected nil, nil, got %v, %v", vec, err)
	}
}

func TestDimensions(t *testing.T) {
	p := NewOllamaProvider("http://unused", "model", 768, 1, 1)
	if p.Dimensions() != 768 {
		t.Fatalf("expected 768, got %d", p.Dimensions())
	}
}
