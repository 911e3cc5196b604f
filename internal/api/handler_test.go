package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/api"
	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/mind"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/testkit"
)

// newTestServer wires the handler over SQLite and an in-memory index.
func newTestServer(t *testing.T, opts api.Options) (*httptest.Server, *mind.Mind) {
	t.Helper()
	env := testkit.NewEnv(t)
	m := env.Mind(nil, zap.NewNop())
	if opts.ListAgents == nil {
		opts.ListAgents = env.Repo.ListAgentIDs
	}
	ts := httptest.NewServer(api.NewHandler(m, opts, zap.NewNop()).Router())
	t.Cleanup(ts.Close)
	return ts, m
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthCheck(t *testing.T) {
	ts, _ := newTestServer(t, api.Options{Pingers: map[string]api.Pinger{
		"store": func(context.Context) error { return nil },
	}})
	resp := do(t, http.MethodGet, ts.URL+"/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])

	ts, _ = newTestServer(t, api.Options{Pingers: map[string]api.Pinger{
		"graph": func(context.Context) error { return errors.New("unreachable") },
	}})
	resp = do(t, http.MethodGet, ts.URL+"/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestMemoryRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, api.Options{})
	base := ts.URL + "/api/agents/a1"

	resp := do(t, http.MethodPost, base+"/memories", map[string]any{
		"type":        "private",
		"scope":       map[string]string{"relationship_id": "u1"},
		"raw_content": "u1 asked for the sprint review to move to Friday",
		"importance":  7,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rec model.MemoryRecord
	decodeJSON(t, resp, &rec)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, "a1", rec.AgentID)

	resp = do(t, http.MethodGet, base+"/memories/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.MemoryRecord
	decodeJSON(t, resp, &got)
	assert.Equal(t, rec.RawContent, got.RawContent)

	resp = do(t, http.MethodGet, ts.URL+"/api/agents/a2/memories/"+rec.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "records are private to their agent")
	resp.Body.Close()

	resp = do(t, http.MethodGet, base+"/memories?type=private&scope=u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []model.MemoryRecord
	decodeJSON(t, resp, &list)
	assert.Len(t, list, 1)

	resp = do(t, http.MethodGet, base+"/memories?type=private", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "private partition needs a relationship")
	resp.Body.Close()
}

func TestWriteMemory_Invalid(t *testing.T) {
	ts, _ := newTestServer(t, api.Options{})
	resp := do(t, http.MethodPost, ts.URL+"/api/agents/a1/memories", map[string]any{
		"type": "meeting", "raw_content": "no meeting id",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSearchAndRetrieve(t *testing.T) {
	ts, _ := newTestServer(t, api.Options{})
	base := ts.URL + "/api/agents/a1"
	for _, c := range []string{"Apollo launch checklist reviewed", "Lunch order for the offsite"} {
		resp := do(t, http.MethodPost, base+"/memories", map[string]any{
			"type": "team", "scope": map[string]string{"team_id": "t1"}, "raw_content": c,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := do(t, http.MethodPost, base+"/search", map[string]any{
		"query": "Apollo launch checklist", "scope": map[string]string{"team_id": "t1"}, "limit": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hits []struct {
		Memory model.MemoryRecord `json:"memory"`
	}
	decodeJSON(t, resp, &hits)
	require.Len(t, hits, 1)
	assert.Equal(t, "Apollo launch checklist reviewed", hits[0].Memory.RawContent)

	resp = do(t, http.MethodPost, base+"/retrieve", map[string]any{
		"query": "Apollo", "scope": map[string]string{"team_id": "t1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Context string `json:"context"`
	}
	decodeJSON(t, resp, &out)
	assert.Contains(t, out.Context, "Apollo launch checklist reviewed")
}

func TestInteractionAndBehavior(t *testing.T) {
	ts, m := newTestServer(t, api.Options{})
	base := ts.URL + "/api/agents/a1"

	resp := do(t, http.MethodPost, base+"/interactions", map[string]any{
		"partner_id": "u1",
		"signal":     map[string]string{"outcome": "positive"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	m.Wait()

	resp = do(t, http.MethodGet, base+"/relationships/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rel model.Relationship
	decodeJSON(t, resp, &rel)
	assert.Equal(t, model.PartnerHuman, rel.PartnerType)

	resp = do(t, http.MethodGet, base+"/behavior/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var frag map[string]string
	decodeJSON(t, resp, &frag)
	assert.Contains(t, frag["prompt"], "[Relationship with u1]")

	resp = do(t, http.MethodPost, base+"/interactions", map[string]any{"partner_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCompleteEvent(t *testing.T) {
	ts, _ := newTestServer(t, api.Options{})
	base := ts.URL + "/api/agents/a1"

	resp := do(t, http.MethodPost, base+"/events/task", map[string]any{
		"category": "analysis", "domain": "billing", "success": true, "response_ms": 1200,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st model.Stats
	decodeJSON(t, resp, &st)
	assert.Greater(t, st.Expertise["billing"], 0.0)

	resp = do(t, http.MethodGet, base+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodPost, base+"/events/party", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRunBatch(t *testing.T) {
	ts, _ := newTestServer(t, api.Options{})

	resp := do(t, http.MethodPost, ts.URL+"/api/batches/defrag", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodPost, ts.URL+"/api/batches/compress?agent=a1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Job     string `json:"job"`
		Results []struct {
			AgentID string `json:"agent_id"`
			Error   string `json:"error"`
		} `json:"results"`
	}
	decodeJSON(t, resp, &out)
	assert.Equal(t, "compress", out.Job)
	require.Len(t, out.Results, 1)
	assert.Empty(t, out.Results[0].Error)
}

func TestLearnings_UnknownCategory(t *testing.T) {
	ts, _ := newTestServer(t, api.Options{})
	resp := do(t, http.MethodGet, ts.URL+"/api/agents/a1/learnings?category=gossip", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, ts.URL+"/api/agents/a1/learnings?category=project", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsRoute(t *testing.T) {
	ts, _ := newTestServer(t, api.Options{Metrics: metrics.New().Handler()})
	resp := do(t, http.MethodGet, ts.URL+"/metrics", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
