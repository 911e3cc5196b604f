package testkit

import (
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/behavior"
	"github.com/nidhogg/nuka-memory/internal/collab"
	"github.com/nidhogg/nuka-memory/internal/compress"
	"github.com/nidhogg/nuka-memory/internal/growth"
	"github.com/nidhogg/nuka-memory/internal/insight"
	"github.com/nidhogg/nuka-memory/internal/lock"
	"github.com/nidhogg/nuka-memory/internal/mind"
	"github.com/nidhogg/nuka-memory/internal/relation"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
)

// Mind wires every engine over the Env with default tuning, a local lock
// and gen as the text generator; gen may be nil.
func (e *Env) Mind(gen collab.TextGenerator, logger *zap.Logger) *mind.Mind {
	locker := lock.NewLocal()
	return mind.New(mind.Deps{
		Memory:     e.Memory,
		Relations:  relation.NewTracker(e.Repo, nil, relation.DefaultConfig(), logger),
		Growth:     growth.NewEngine(e.Repo, growth.DefaultConfig(), logger),
		Compressor: compress.NewEngine(compress.Deps{Repo: e.Repo, Memory: e.Memory, Gen: gen, Locker: locker}, compress.DefaultConfig(), logger),
		Insights:   insight.NewExtractor(insight.Deps{Repo: e.Repo, Gen: gen, Locker: locker}, insight.DefaultConfig(), logger),
		Retriever:  retrieval.NewRetriever(e.Memory, e.Repo, retrieval.DefaultConfig(), nil, logger),
		Adapter:    behavior.NewAdapter(gen, behavior.Config{}, logger),
	}, mind.DefaultConfig(), logger)
}
