package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/api"
	"github.com/nidhogg/nuka-memory/internal/behavior"
	"github.com/nidhogg/nuka-memory/internal/collab"
	"github.com/nidhogg/nuka-memory/internal/compress"
	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/graph"
	"github.com/nidhogg/nuka-memory/internal/growth"
	"github.com/nidhogg/nuka-memory/internal/insight"
	"github.com/nidhogg/nuka-memory/internal/lock"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/mind"
	"github.com/nidhogg/nuka-memory/internal/provider"
	"github.com/nidhogg/nuka-memory/internal/relation"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
	"github.com/nidhogg/nuka-memory/internal/scheduler"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// app is the wired service.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	repo    *store.Store
	metrics *metrics.Metrics
	mind    *mind.Mind
	pingers map[string]api.Pinger
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp connects every backing service. Optional services that fail to
// connect are logged and left out; the store and index are required.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(), pingers: map[string]api.Pinger{}}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// Relational store
	var err error
	switch cfg.Database.Driver {
	case "postgres":
		a.repo, err = store.New(cfg.Database.Postgres.DSN, logger)
	default:
		a.repo, err = store.NewSQLite(cfg.Database.SQLite.Path, logger)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.repo.Close)
	if err := a.repo.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.pingers["store"] = a.repo.Ping

	// Vector index
	var index vectorstore.Index
	switch cfg.Database.Vector.Backend {
	case "qdrant":
		qc := cfg.Database.Vector.Qdrant
		q, err := vectorstore.NewQdrant(vectorstore.QdrantConfig{Host: qc.Host, Port: qc.Port, Collection: qc.Collection})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { q.Close() })
		if err := q.EnsureCollection(ctx, uint64(cfg.Embedding.Dimension)); err != nil {
			return nil, err
		}
		index = q
	default:
		c, err := vectorstore.NewChromem(cfg.Database.Vector.ChromemDir)
		if err != nil {
			return nil, err
		}
		index = c
	}

	// Embedding
	ec := cfg.Embedding
	base, err := embedding.New(embedding.Config{
		Provider: ec.Provider, Endpoint: ec.Endpoint, Model: ec.Model, APIKey: ec.APIKey,
		Dimension: ec.Dimension, Timeout: ec.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	cached, err := embedding.NewCached(base, ec.CacheSize)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cached.Close)
	embedder := collab.NewProviderEmbedder(cached, collab.Options{
		Timeout: orDefault(ec.Timeout.Std(), 30*time.Second), RatePerSecond: ec.RatePerSecond, Burst: 10,
	})

	// Text generation
	gen := newGenerator(cfg, logger)

	// Provenance graph
	var g *graph.Graph
	if cfg.Database.Neo4j.URI != "" {
		g, err = graph.New(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if err == nil {
			err = g.EnsureSchema(ctx)
		}
		if err != nil {
			logger.Warn("Neo4j unavailable, running without provenance graph", zap.Error(err))
			g = nil
		} else {
			a.closers = append(a.closers, func() { g.Close(context.Background()) })
			a.pingers["graph"] = g.Ping
		}
	}

	// Batch lock
	var locker lock.Locker = lock.NewLocal()
	if cfg.Database.Redis.URL != "" {
		r, err := lock.NewRedis(cfg.Database.Redis.URL, logger)
		if err == nil {
			err = r.Ping(ctx)
		}
		if err != nil {
			logger.Warn("Redis unavailable, using in-process batch lock", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { r.Close() })
			a.pingers["redis"] = r.Ping
			locker = r
		}
	}

	mem := memory.NewStore(a.repo, index, embedder, a.metrics, logger)
	cd := compress.Deps{Repo: a.repo, Memory: mem, Gen: gen, Locker: locker, Metrics: a.metrics}
	id := insight.Deps{Repo: a.repo, Gen: gen, Locker: locker, Metrics: a.metrics}
	var mirror relation.Mirror
	if g != nil {
		cd.Graph = g
		id.Graph = g
		mirror = g
	}

	mc := cfg.Memory
	a.mind = mind.New(mind.Deps{
		Memory:     mem,
		Relations:  relation.NewTracker(a.repo, mirror, relationConfig(mc.Relation), logger),
		Growth:     growth.NewEngine(a.repo, growth.DefaultConfig(), logger),
		Compressor: compress.NewEngine(cd, compressConfig(mc.Compress), logger),
		Insights:   insight.NewExtractor(id, insightConfig(mc.Insight), logger),
		Retriever:  retrieval.NewRetriever(mem, a.repo, retrievalConfig(mc.Ranking), a.metrics, logger),
		Adapter:    behavior.NewAdapter(gen, behavior.Config{Rewrite: cfg.Generation.StyleRewrite, Temperature: 0.3}, logger),
		Metrics:    a.metrics,
	}, mindConfig(mc.Background), logger)
	a.closers = append(a.closers, a.mind.Wait)

	ok = true
	return a, nil
}

// newGenerator routes generation through the configured providers, or
// returns nil when none are configured so every engine uses its
// deterministic fallback.
func newGenerator(cfg *config.Config, logger *zap.Logger) collab.TextGenerator {
	if len(cfg.Providers) == 0 {
		logger.Warn("no text generation provider configured, using heuristic summaries")
		return nil
	}
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(pc, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(pc, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	const route = "memory"
	gc := cfg.Generation
	if gc.Provider != "" {
		router.Bind(route, gc.Provider)
	}
	if len(gc.Fallbacks) > 0 {
		router.SetFallbacks(route, gc.Fallbacks)
	}
	return collab.NewRouterGenerator(router, route, gc.Model, collab.Options{
		Timeout:       orDefault(gc.Timeout.Std(), 60*time.Second),
		RatePerSecond: gc.RatePerSecond,
		Burst:         gc.Burst,
	}, logger)
}

// newTrigger builds the maintenance trigger over the app's jobs.
func (a *app) newTrigger() *scheduler.Trigger {
	sc := a.cfg.Memory.Schedule
	cfg := scheduler.DefaultConfig()
	for job, d := range map[mind.Job]config.Duration{
		mind.JobCompress: sc.Compress,
		mind.JobExtract:  sc.Extract,
		mind.JobDigest:   sc.Digest,
		mind.JobDecay:    sc.Decay,
		mind.JobReindex:  sc.Reindex,
	} {
		switch {
		case d < 0:
			delete(cfg.Intervals, job)
		case d > 0:
			cfg.Intervals[job] = d.Std()
		}
	}
	if sc.Concurrency > 0 {
		cfg.Concurrency = sc.Concurrency
	}
	return scheduler.NewTrigger(cfg, a.mind.RunJob, a.repo.ListAgentIDs, a.logger)
}

func relationConfig(c config.RelationConfig) relation.Config {
	out := relation.DefaultConfig()
	if c.MaxDelta > 0 {
		out.MaxDelta = c.MaxDelta
	}
	if c.IdleAfter > 0 {
		out.IdleAfter = c.IdleAfter.Std()
	}
	return out
}

func compressConfig(c config.CompressConfig) compress.Config {
	out := compress.DefaultConfig()
	if c.MinAge > 0 {
		out.MinAge = c.MinAge.Std()
	}
	if c.SessionGap > 0 {
		out.SessionGap = c.SessionGap.Std()
	}
	if c.BatchSize > 0 {
		out.BatchSize = c.BatchSize
	}
	return out
}

func insightConfig(c config.InsightConfig) insight.Config {
	out := insight.DefaultConfig()
	if c.Lookback > 0 {
		out.Lookback = c.Lookback.Std()
	}
	if c.MinEvidence > 0 {
		out.MinEvidence = c.MinEvidence
	}
	return out
}

func retrievalConfig(c config.RankingConfig) retrieval.Config {
	out := retrieval.DefaultConfig()
	if w := (retrieval.Weights{Similarity: c.Similarity, Recency: c.Recency, Importance: c.Importance, Access: c.Access}); w != (retrieval.Weights{}) {
		out.Weights = w
	}
	if c.Tau > 0 {
		out.Tau = c.Tau.Std()
	}
	if c.MinConfidence > 0 {
		out.MinConfidence = c.MinConfidence
	}
	return out
}

func mindConfig(c config.BackgroundConfig) mind.Config {
	out := mind.DefaultConfig()
	if c.MaxInFlight > 0 {
		out.MaxBackground = c.MaxInFlight
	}
	if c.Timeout > 0 {
		out.BackgroundTimeout = c.Timeout.Std()
	}
	return out
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
