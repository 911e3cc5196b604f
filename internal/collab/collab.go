// Package collab adapts the external text-generation and embedding services
// to the narrow interfaces the memory engines depend on. Every failure is
// reported as model.ErrCollaboratorUnavailable so callers can fall back.
package collab

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/provider"
)

// Message is one turn of a generation prompt.
type Message struct {
	Role    string
	Content string
}

// TextGenerator produces text from a system prompt and messages.
type TextGenerator interface {
	Complete(ctx context.Context, system string, messages []Message, temperature float64) (string, error)
}

// Embedder turns one text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options bound calls to a collaborator.
type Options struct {
	Timeout time.Duration
	// RatePerSecond of zero disables rate limiting.
	RatePerSecond float64
	Burst         int
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{Timeout: 30 * time.Second, RatePerSecond: 5, Burst: 10}
}

func (o Options) limiter() *rate.Limiter {
	if o.RatePerSecond <= 0 {
		return nil
	}
	burst := o.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.RatePerSecond), burst)
}

// RouterGenerator generates text through the provider router.
type RouterGenerator struct {
	router  *provider.Router
	route   string
	model   string
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRouterGenerator sends requests for route (a router binding key) to
// model; an empty model lets the provider pick its default.
func NewRouterGenerator(router *provider.Router, route, modelName string, opts Options, logger *zap.Logger) *RouterGenerator {
	if opts.Timeout == 0 {
		opts = DefaultOptions()
	}
	return &RouterGenerator{router: router, route: route, model: modelName, opts: opts, limiter: opts.limiter(), logger: logger}
}

// Complete runs one chat completion.
func (g *RouterGenerator) Complete(ctx context.Context, system string, messages []Message, temperature float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", model.Unavailable("generate", err)
		}
	}

	req := &provider.ChatRequest{Model: g.model, Temperature: temperature}
	if system != "" {
		req.Messages = append(req.Messages, provider.Message{Role: "system", Content: system})
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, provider.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := g.router.Route(ctx, g.route, req)
	if err != nil {
		g.logger.Warn("text generation failed", zap.String("route", g.route), zap.Error(err))
		return "", model.Unavailable("generate", err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", model.Unavailable("generate", errors.New("empty completion"))
	}
	return out, nil
}

// ProviderEmbedder embeds through an embedding.Provider.
type ProviderEmbedder struct {
	provider embedding.Provider
	opts     Options
	limiter  *rate.Limiter
}

// NewProviderEmbedder wraps p with the given limits.
func NewProviderEmbedder(p embedding.Provider, opts Options) *ProviderEmbedder {
	if opts.Timeout == 0 {
		opts = DefaultOptions()
	}
	return &ProviderEmbedder{provider: p, opts: opts, limiter: opts.limiter()}
}

// Embed returns the vector of text.
func (e *ProviderEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, model.Unavailable("embed", err)
		}
	}
	vecs, err := e.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, model.Unavailable("embed", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, model.Unavailable("embed", errors.New("empty embedding"))
	}
	return vecs[0], nil
}
