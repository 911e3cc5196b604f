package mind

import (
	"context"
	"fmt"
	"time"
)

// Job names a maintenance batch.
type Job string

const (
	JobCompress Job = "compress"
	JobDigest   Job = "digest"
	JobExtract  Job = "extract"
	JobDecay    Job = "decay"
	JobReindex  Job = "reindex"
)

// Jobs lists every batch in the order a full maintenance pass runs them:
// compression feeds the digest and extraction reads the compressed
// summaries.
var Jobs = []Job{JobCompress, JobDigest, JobExtract, JobDecay, JobReindex}

// ParseJob validates a job name.
func ParseJob(s string) (Job, error) {
	for _, j := range Jobs {
		if string(j) == s {
			return j, nil
		}
	}
	return "", fmt.Errorf("unknown job %q", s)
}

// RunJob runs one batch for agentID and returns its result counts. The
// digest covers the previous UTC day.
func (m *Mind) RunJob(ctx context.Context, job Job, agentID string) (any, error) {
	switch job {
	case JobCompress:
		return m.Compressor.Compress(ctx, agentID)
	case JobDigest:
		return m.Compressor.DailySummary(ctx, agentID, time.Now().UTC().AddDate(0, 0, -1))
	case JobExtract:
		return m.Insights.Extract(ctx, agentID)
	case JobDecay:
		n, err := m.Relations.DecayIdle(ctx, agentID)
		return map[string]int{"decayed": n}, err
	case JobReindex:
		n, err := m.Memory.Reindex(ctx, agentID, m.cfg.ReindexBatch)
		return map[string]int{"indexed": n}, err
	}
	return nil, fmt.Errorf("unknown job %q", job)
}
