// Package testkit builds throwaway stores and scripted collaborators for
// package tests.
package testkit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/collab"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// Env is a migrated SQLite repository, an in-memory vector index and a
// memory store over both.
type Env struct {
	Repo     *store.Store
	Index    *vectorstore.Chromem
	Embedder *SwitchEmbedder
	Memory   *memory.Store
}

// NewEnv creates an Env rooted in t.TempDir().
func NewEnv(t *testing.T) *Env {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "memory.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.Migrate(context.Background()))

	idx, err := vectorstore.NewChromem("")
	require.NoError(t, err)

	emb := &SwitchEmbedder{next: collab.NewProviderEmbedder(embedding.NewHashProvider(64), collab.Options{Timeout: time.Second})}
	return &Env{
		Repo:     repo,
		Index:    idx,
		Embedder: emb,
		Memory:   memory.NewStore(repo, idx, emb, nil, zap.NewNop()),
	}
}

// Write stores rec and fails the test on any error.
func (e *Env) Write(t *testing.T, rec *model.MemoryRecord) *model.MemoryRecord {
	t.Helper()
	out, err := e.Memory.Write(context.Background(), rec)
	require.NoError(t, err)
	return out
}

// SwitchEmbedder is a hashing embedder that can be taken offline.
type SwitchEmbedder struct {
	next collab.Embedder
	mu   sync.Mutex
	down bool
}

// SetDown makes every Embed fail as unavailable.
func (s *SwitchEmbedder) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Embed implements collab.Embedder.
func (s *SwitchEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return nil, model.Unavailable("embed", errors.New("embedder offline"))
	}
	return s.next.Embed(ctx, text)
}

// Generator is a scripted collab.TextGenerator. Replies are consumed in
// order; when they run out, Fallback is returned, and with no Fallback the
// call fails as unavailable.
type Generator struct {
	mu       sync.Mutex
	Replies  []string
	Fallback string
	Err      error
	Calls    []GeneratorCall
}

// GeneratorCall records one Complete invocation.
type GeneratorCall struct {
	System      string
	Messages    []collab.Message
	Temperature float64
}

// Complete implements collab.TextGenerator.
func (g *Generator) Complete(ctx context.Context, system string, messages []collab.Message, temperature float64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, GeneratorCall{System: system, Messages: messages, Temperature: temperature})
	if g.Err != nil {
		return "", model.Unavailable("generate", g.Err)
	}
	if len(g.Replies) > 0 {
		r := g.Replies[0]
		g.Replies = g.Replies[1:]
		return r, nil
	}
	if g.Fallback != "" {
		return g.Fallback, nil
	}
	return "", model.Unavailable("generate", errors.New("no scripted reply"))
}

// CallCount returns how many times Complete ran.
func (g *Generator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Calls)
}
