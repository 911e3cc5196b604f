// Package api exposes the memory subsystem over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/mind"
	"github.com/nidhogg/nuka-memory/internal/model"
)

// Pinger checks one backing service.
type Pinger func(ctx context.Context) error

// ListAgentsFunc returns every agent that has stored state.
type ListAgentsFunc func(ctx context.Context) ([]string, error)

// Options are the optional parts of a Handler.
type Options struct {
	// Pingers are reported by the health check under their map key.
	Pingers        map[string]Pinger
	ListAgents     ListAgentsFunc
	Metrics        http.Handler
	AllowedOrigins []string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	mind   *mind.Mind
	opts   Options
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(m *mind.Mind, opts Options, logger *zap.Logger) *Handler {
	return &Handler{mind: m, opts: opts, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	origins := h.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	if h.opts.Metrics != nil {
		r.Handle("/metrics", h.opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/batches/{job}", h.runBatch)

		r.Route("/agents/{agentID}", func(r chi.Router) {
			// Memory
			r.Post("/memories", h.writeMemory)
			r.Get("/memories", h.listMemories)
			r.Get("/memories/{id}", h.getMemory)
			r.Post("/search", h.searchMemory)
			r.Post("/retrieve", h.retrieve)

			// Interactions and growth
			r.Post("/interactions", h.recordInteraction)
			r.Post("/events/{event}", h.completeEvent)
			r.Get("/stats", h.getStats)
			r.Get("/growth", h.getGrowthLog)

			// Relationships
			r.Get("/relationships", h.listRelationships)
			r.Get("/relationships/{partnerID}", h.getRelationship)
			r.Put("/relationships/{partnerID}/boundaries", h.setBoundaries)

			// Behavior
			r.Get("/learnings", h.listLearnings)
			r.Get("/behavior/{partnerID}", h.behaviorContext)
			r.Post("/adapt/{partnerID}", h.adaptReply)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}
	for name, ping := range h.opts.Pingers {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

type batchResult struct {
	AgentID string `json:"agent_id"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// runBatch runs a maintenance job now, for ?agent= or for every agent.
func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request) {
	job, err := mind.ParseJob(chi.URLParam(r, "job"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	agents := []string{r.URL.Query().Get("agent")}
	if agents[0] == "" {
		if h.opts.ListAgents == nil {
			writeError(w, http.StatusBadRequest, errors.New("agent is required"))
			return
		}
		if agents, err = h.opts.ListAgents(r.Context()); err != nil {
			h.fail(w, err)
			return
		}
	}

	status := http.StatusOK
	results := make([]batchResult, 0, len(agents))
	for _, id := range agents {
		res, err := h.mind.RunJob(r.Context(), job, id)
		br := batchResult{AgentID: id, Result: res}
		if err != nil {
			br.Error = err.Error()
			status = http.StatusMultiStatus
			h.logger.Warn("batch failed", zap.String("job", string(job)), zap.String("agent", id), zap.Error(err))
		}
		results = append(results, br)
	}
	writeJSON(w, status, map[string]any{"job": job, "results": results})
}

func (h *Handler) writeMemory(w http.ResponseWriter, r *http.Request) {
	var rec model.MemoryRecord
	if !decode(w, r, &rec) {
		return
	}
	rec.AgentID = chi.URLParam(r, "agentID")
	out, err := h.mind.WriteMemory(r.Context(), &rec)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, out)
	case out != nil:
		// Stored but not yet searchable; the reindex job catches up.
		writeJSON(w, http.StatusAccepted, map[string]any{"memory": out, "warning": err.Error()})
	default:
		h.fail(w, err)
	}
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.mind.Memory.Get(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// listMemories pages through one partition: ?type=&scope=&limit=.
func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	part := model.Partition{Type: model.MemoryType(q.Get("type")), ScopeKey: q.Get("scope")}
	recs, err := h.mind.Memory.ReadByScope(r.Context(), model.ScopeQuery{
		AgentID:   chi.URLParam(r, "agentID"),
		Partition: part,
		Limit:     intParam(q.Get("limit"), 20),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type searchRequest struct {
	Query string             `json:"query"`
	Types []model.MemoryType `json:"types,omitempty"`
	Scope model.Scope        `json:"scope"`
	Limit int                `json:"limit,omitempty"`
}

type searchHit struct {
	Memory     *model.MemoryRecord `json:"memory"`
	Similarity float64             `json:"similarity"`
}

func (h *Handler) searchMemory(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decode(w, r, &req) {
		return
	}
	hits, err := h.mind.SearchMemory(r.Context(), memorySearch(chi.URLParam(r, "agentID"), req))
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]searchHit, len(hits))
	for i, hit := range hits {
		out[i] = searchHit{Memory: hit.Record, Similarity: hit.Similarity}
	}
	writeJSON(w, http.StatusOK, out)
}

type retrieveRequest struct {
	retrievalRequest
	MaxTokens int `json:"max_tokens,omitempty"`
}

func (h *Handler) retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !decode(w, r, &req) {
		return
	}
	rr, budget := req.build(chi.URLParam(r, "agentID"))
	res, text, err := h.mind.RetrieveForPrompt(r.Context(), rr, budget)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "context": text})
}

func (h *Handler) recordInteraction(w http.ResponseWriter, r *http.Request) {
	var in mind.Interaction
	if !decode(w, r, &in) {
		return
	}
	in.AgentID = chi.URLParam(r, "agentID")
	if in.Memory == nil && in.Signal.Outcome == "" && in.Conversation == nil {
		writeError(w, http.StatusBadRequest, errors.New("interaction carries nothing to record"))
		return
	}
	// The caller does not wait for the writes.
	h.mind.RecordInteraction(r.Context(), in)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) completeEvent(w http.ResponseWriter, r *http.Request) {
	var ev eventRequest
	if !decode(w, r, &ev) {
		return
	}
	st, err := ev.apply(r.Context(), h.mind, chi.URLParam(r, "agentID"), chi.URLParam(r, "event"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.mind.Growth.Get(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) getGrowthLog(w http.ResponseWriter, r *http.Request) {
	log, err := h.mind.Growth.Log(r.Context(), chi.URLParam(r, "agentID"), intParam(r.URL.Query().Get("limit"), 100))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (h *Handler) listRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := h.mind.Relations.List(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rels)
}

func (h *Handler) getRelationship(w http.ResponseWriter, r *http.Request) {
	rel, err := h.mind.Relations.Get(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "partnerID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (h *Handler) setBoundaries(w http.ResponseWriter, r *http.Request) {
	var b model.Boundaries
	if !decode(w, r, &b) {
		return
	}
	rel, err := h.mind.Relations.SetBoundaries(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "partnerID"), b)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (h *Handler) listLearnings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cat := model.Category(q.Get("category"))
	if cat != "" && !cat.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown category"))
		return
	}
	ls, err := h.mind.Learnings(r.Context(), chi.URLParam(r, "agentID"), cat, intParam(q.Get("limit"), 50))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (h *Handler) behaviorContext(w http.ResponseWriter, r *http.Request) {
	frag, err := h.mind.BehaviorContext(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "partnerID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": frag})
}

func (h *Handler) adaptReply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	out, err := h.mind.AdaptReply(r.Context(), chi.URLParam(r, "agentID"), chi.URLParam(r, "partnerID"), req.Text)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": out})
}

// fail maps the error taxonomy onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var partial *model.PartialBatchFailure
	switch {
	case errors.Is(err, model.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, model.ErrConcurrentUpdate), errors.Is(err, model.ErrLocked), errors.Is(err, model.ErrAlreadyCompressed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, model.ErrCollaboratorUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &partial):
		writeError(w, http.StatusMultiStatus, err)
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func intParam(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
