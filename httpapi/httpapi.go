// Package httpapi provides the HTTP API for telerun.
// It delegates all business logic to the engine.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/engine"
	"github.com/jxucoder/telerun/model"
	"github.com/jxucoder/telerun/stream"
)

// Handler provides the HTTP API.
type Handler struct {
	engine *engine.Engine
	router chi.Router
}

// New creates a new HTTP API handler.
func New(eng *engine.Engine) *Handler {
	h := &Handler{engine: eng}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/runs", h.handleCreateRun)
			r.Get("/runs", h.handleListRuns)
			r.Get("/runs/{id}", h.handleGetRun)
			r.Get("/runs/{id}/jobs", h.handleListJobs)
			r.Get("/runs/{id}/steps", h.handleListSteps)
			r.Post("/runs/{id}/audit", h.handleAudit)
			r.Get("/jobs/{id}", h.handleGetJob)
		})
		r.Get("/runs/{id}/events", h.handleRunEvents)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type createRunResponse struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Status    model.RunStatus `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// --- Handlers ---

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req engine.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.BadRequest("invalid request body"))
		return
	}
	run, err := h.engine.CreateAndStartRun(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createRunResponse{ID: run.ID, ProjectID: run.ProjectID, Status: run.Status})
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.engine.Store().ListRuns(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Store().GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Store().GetRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	jobs, err := h.engine.Store().ListJobsByRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*model.SandboxJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) handleListSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Store().GetRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	steps, err := h.engine.Store().ListSteps(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if steps == nil {
		steps = []*model.RunStep{}
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.Store().GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	ref, err := h.engine.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

// handleRunEvents replays stored events and then streams live ones until
// the run's exit event or the client goes away.
func (h *Handler) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Store().GetRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.Internal("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before the replay so nothing falls in between.
	bus := h.engine.Bus()
	sub := bus.Subscribe(id)
	defer bus.Unsubscribe(id, sub)

	ctx := r.Context()
	var lastID int64
	// replay writes stored events after lastID and reports whether the
	// exit event was among them.
	replay := func() bool {
		events, err := h.engine.Store().GetEvents(ctx, id, lastID)
		if err != nil {
			log.Printf("httpapi: loading events for run %s: %v", id, err)
		}
		for _, e := range events {
			writeSSE(w, e)
			lastID = e.ID
			if e.Type == string(stream.EventExit) {
				flusher.Flush()
				return true
			}
		}
		flusher.Flush()
		return false
	}
	if replay() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if sub.Lagged() && replay() {
				return
			}
			if e.ID != 0 && e.ID <= lastID {
				continue
			}
			writeSSE(w, e)
			flusher.Flush()
			if e.ID != 0 {
				lastID = e.ID
			}
			if e.Type == string(stream.EventExit) {
				return
			}
		}
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON encode error: %v", err)
	}
}

// writeError maps err's kind to a status code. Internal errors are logged
// and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		log.Printf("httpapi: internal error: %v", err)
		msg = "internal error"
	}
	writeJSON(w, apperr.HTTPStatus(kind), errorResponse{Error: msg, Kind: string(kind)})
}

func writeSSE(w http.ResponseWriter, event *model.Event) {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, event.Data); err != nil {
		log.Printf("writeSSE write error: %v", err)
	}
}
