package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestAPIProviderEmbed(t *testing.T) {
	// APIProvider posts to endpoint+"/embeddings"; answer out of order to
	// check that vectors are placed by index.
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("authorization header = %q", got)
		}
		resp := apiResponse{
			Data: []apiEmbeddingData{
				{Index: 1, Embedding: []float32{0.4, 0.5, 0.6}},
				{Index: 0, Embedding: []float32{0.1, 0.2, 0.3}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "test-model", APIKey: "k"})

	vectors, err := p.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	if vectors[0][0] != 0.1 || vectors[1][0] != 0.4 {
		t.Errorf("vectors not in input order: %v", vectors)
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(Config{Endpoint: "http://unused", Model: "test-model", Dimension: 128})

	vectors, err := p.Embed(context.Background(), []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
}

func TestAPIProviderEmbed_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL})
	if _, err := p.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestAPIProviderDimension_Fallback(t *testing.T) {
	p := NewAPIProvider(Config{Endpoint: "http://unused", Model: "test-model", Dimension: 256})

	// Before any Embed call, Dimension should return the configured default.
	if d := p.Dimension(); d != 256 {
		t.Errorf("got dimension %d, want configured default 256", d)
	}
}

func TestLocalProviderEmbed(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req localRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(localResponse{Embedding: []float32{float32(len(req.Prompt)), 1}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL, Model: "nomic-embed-text"})
	vectors, err := p.Embed(context.Background(), []string{"ab", "abcd"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("got %d calls, want one per text", calls.Load())
	}
	if vectors[0][0] != 2 || vectors[1][0] != 4 {
		t.Errorf("unexpected vectors %v", vectors)
	}
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(64)
	a, _ := p.Embed(context.Background(), []string{"Sprint planning for Apollo", "sprint PLANNING for apollo"})
	if len(a[0]) != 64 {
		t.Fatalf("got dimension %d, want 64", len(a[0]))
	}
	for i := range a[0] {
		if a[0][i] != a[1][i] {
			t.Fatal("case and punctuation should not change the vector")
		}
	}

	b, _ := p.Embed(context.Background(), []string{"quarterly tax filing"})
	if dot(a[0], a[0]) < 0.999 {
		t.Errorf("vector not normalised: %f", dot(a[0], a[0]))
	}
	if dot(a[0], b[0]) >= dot(a[0], a[1]) {
		t.Error("unrelated text should be less similar than identical text")
	}
}

func TestCached_ForwardsOnlyMisses(t *testing.T) {
	inner := &countingProvider{next: NewHashProvider(16)}
	c, err := NewCached(inner, 100)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if _, err := c.Embed(ctx, []string{"alpha", "beta"}); err != nil {
		t.Fatalf("embed: %v", err)
	}
	c.Wait()
	vecs, err := c.Embed(ctx, []string{"beta", "gamma", "alpha"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	if inner.texts != 3 {
		t.Errorf("inner provider embedded %d texts, want 3", inner.texts)
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "nope"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("default provider: %v", err)
	}
	if _, ok := p.(*HashProvider); !ok {
		t.Errorf("default provider is %T, want *HashProvider", p)
	}
}

type countingProvider struct {
	next  Provider
	texts int
}

func (c *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.texts += len(texts)
	return c.next.Embed(ctx, texts)
}

func (c *countingProvider) Dimension() int { return c.next.Dimension() }

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
