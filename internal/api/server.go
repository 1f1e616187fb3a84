// Package api exposes the governor over HTTP: the worker surface used by the
// posting fleet (register, heartbeat, pull, report) and the operator surface
// for posts, policies, counters, rest periods, violations and metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/postflow/governor/internal/delivery"
	"github.com/postflow/governor/internal/dispatch"
	"github.com/postflow/governor/internal/formula"
	"github.com/postflow/governor/internal/governor"
	"github.com/postflow/governor/internal/limits"
	"github.com/postflow/governor/internal/logger"
	"github.com/postflow/governor/internal/metrics"
	"github.com/postflow/governor/internal/registry"
	"github.com/postflow/governor/internal/rest"
	"github.com/postflow/governor/internal/scope"
	"github.com/postflow/governor/internal/violation"
)

// Server wires every governor component behind the HTTP surface
type Server struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	queue      *dispatch.DueQueue
	counters   *limits.Store
	rests      *rest.Manager
	violations *violation.Recorder
	catalog    *governor.RedisCatalog
	statuses   delivery.Backend
	limiter    *workerLimiter
	log        logger.Logger
}

// NewServer creates the API server. rate and burst bound each worker's
// request rate on the authenticated endpoints.
func NewServer(reg *registry.Registry, disp *dispatch.Dispatcher, queue *dispatch.DueQueue, counters *limits.Store, rests *rest.Manager, violations *violation.Recorder, catalog *governor.RedisCatalog, statuses delivery.Backend, workerRate float64, workerBurst int) *Server {
	return &Server{
		registry:   reg,
		dispatcher: disp,
		queue:      queue,
		counters:   counters,
		rests:      rests,
		violations: violations,
		catalog:    catalog,
		statuses:   statuses,
		limiter:    newWorkerLimiter(workerRate, workerBurst),
		log:        logger.Default().WithComponent(logger.ComponentAPI),
	}
}

// Router configures every route
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/workers/register", s.handleRegister)

		// Authenticated worker surface
		r.Group(func(r chi.Router) {
			r.Use(s.requireWorkerAuth)
			r.Post("/workers/heartbeat", s.handleHeartbeat)
			r.Post("/workers/jobs/pull", s.handlePullJob)
			r.Post("/workers/jobs/{jobID}/result", s.handleJobResult)
		})

		// Operator surface
		r.Post("/posts", s.handleEnqueuePost)
		r.Get("/posts/{postID}/status", s.handlePostStatus)
		r.Get("/posts/{postID}/assignment", s.handleAssignment)
		r.Post("/posts/{postID}/cancel", s.handleCancelPost)

		r.Get("/workers", s.handleListWorkers)
		r.Get("/workers/{workerID}/health", s.handleWorkerHealth)
		r.Post("/workers/{workerID}/enabled", s.handleSetWorkerEnabled)

		r.Get("/counters/{kind}/{id}", s.handleCounters)
		r.Get("/rest-periods", s.handleListRestPeriods)
		r.Post("/rest-periods/{kind}/{id}/resume", s.handleResumeRest)
		r.Get("/violations", s.handleListViolations)
		r.Get("/metrics", s.handleMetrics)

		r.Get("/formulas/{formulaID}", s.handleGetFormula)
		r.Put("/formulas/{formulaID}", s.handlePutFormula)
		r.Get("/groups/{groupID}", s.handleGetGroup)
		r.Put("/groups/{groupID}", s.handlePutGroup)
		r.Get("/app-caps", s.handleGetAppCaps)
		r.Put("/app-caps", s.handlePutAppCaps)
	})

	return r
}

// registerRequest is the worker registration payload
type registerRequest struct {
	Secret       string                `json:"secret"`
	Registration registry.Registration `json:"registration"`
}

type registerResponse struct {
	Worker    registry.Worker `json:"worker"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	worker, token, expiresAt, err := s.registry.Register(r.Context(), req.Registration, req.Secret, time.Now())
	if err != nil {
		if errors.Is(err, registry.ErrInvalidSecret) {
			writeError(w, http.StatusUnauthorized, "invalid registration secret")
			return
		}
		writeError(w, http.StatusBadRequest, "registration failed: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Worker: worker, Token: token, ExpiresAt: expiresAt})
}

type heartbeatRequest struct {
	Load   int             `json:"load"`
	Health registry.Health `json:"health"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := workerIDFrom(r)
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.Health == "" {
		req.Health = registry.HealthHealthy
	}

	if err := s.registry.Heartbeat(r.Context(), workerID, req.Load, req.Health, time.Now()); err != nil {
		if errors.Is(err, registry.ErrWorkerNotFound) {
			writeError(w, http.StatusNotFound, "unknown worker")
			return
		}
		writeError(w, http.StatusInternalServerError, "heartbeat failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handlePullJob(w http.ResponseWriter, r *http.Request) {
	workerID := workerIDFrom(r)
	job, err := s.dispatcher.PullJob(r.Context(), workerID, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pull failed: %v", err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var res dispatch.JobResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	if err := s.dispatcher.ReportResult(r.Context(), jobID, res, time.Now()); err != nil {
		if errors.Is(err, dispatch.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "unknown job")
			return
		}
		writeError(w, http.StatusInternalServerError, "result report failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleEnqueuePost(w http.ResponseWriter, r *http.Request) {
	var post dispatch.ScheduledPost
	if err := json.NewDecoder(r.Body).Decode(&post); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if post.DueAt.IsZero() {
		post.DueAt = time.Now()
	}

	if err := s.queue.Enqueue(r.Context(), &post); err != nil {
		writeError(w, http.StatusBadRequest, "enqueue failed: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"post_id": post.ID, "due_at": post.DueAt})
}

func (s *Server) handlePostStatus(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postID")
	if s.statuses == nil {
		writeError(w, http.StatusServiceUnavailable, "no delivery backend configured")
		return
	}
	st, err := s.statuses.GetStatus(r.Context(), postID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status lookup failed: %v", err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "post %s has no terminal status yet", postID)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAssignment(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postID")
	a, err := s.dispatcher.GetAssignment(r.Context(), postID)
	if err != nil {
		if errors.Is(err, dispatch.ErrAssignmentNotFound) {
			writeError(w, http.StatusNotFound, "no assignment for post %s", postID)
			return
		}
		writeError(w, http.StatusInternalServerError, "assignment lookup failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCancelPost(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postID")
	err := s.dispatcher.Cancel(r.Context(), postID, time.Now())
	if err != nil {
		if errors.Is(err, dispatch.ErrAssignmentNotFound) {
			writeError(w, http.StatusNotFound, "no assignment for post %s", postID)
			return
		}
		if errors.Is(err, dispatch.ErrConcurrencyConflict) {
			writeError(w, http.StatusConflict, "cancel refused: %v", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleWorkerHealth(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	count := queryInt(r, "count", 20)
	samples, err := s.registry.HealthHistory(r.Context(), workerID, int64(count))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "health lookup failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleSetWorkerEnabled(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if err := s.registry.SetEnabled(r.Context(), workerID, req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleCounters reads the live usage of one scope across every window size
func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	sc, ok := scopeFromURL(w, r)
	if !ok {
		return
	}
	action := r.URL.Query().Get("action")
	if action == "" {
		action = "post"
	}

	now := time.Now()
	out := make(map[limits.Window]limits.Usage, len(limits.AllWindows))
	for _, win := range limits.AllWindows {
		u, err := s.counters.Usage(r.Context(), sc, action, win, now, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "counter read failed: %v", err)
			return
		}
		out[win] = u
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRestPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := s.rests.ListActive(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rest period list failed: %v", err)
		return
	}
	metrics.Default().RecordRestPeriods(int64(len(periods)))
	writeJSON(w, http.StatusOK, periods)
}

func (s *Server) handleResumeRest(w http.ResponseWriter, r *http.Request) {
	sc, ok := scopeFromURL(w, r)
	if !ok {
		return
	}
	if err := s.rests.Resume(r.Context(), sc, time.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, "resume failed: %v", err)
		return
	}
	s.log.Info("Rest period resumed by operator", "scope", sc.Key())
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	if s.violations == nil {
		writeJSON(w, http.StatusOK, []violation.Entry{})
		return
	}
	count := queryInt(r, "count", 50)
	entries, err := s.violations.Recent(r.Context(), int64(count))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "violation list failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, metrics.Default().GetMetrics())
}

func (s *Server) handleGetFormula(w http.ResponseWriter, r *http.Request) {
	f, err := s.catalog.Formula(r.Context(), chi.URLParam(r, "formulaID"))
	if err != nil {
		if errors.Is(err, governor.ErrFormulaNotFound) {
			writeError(w, http.StatusNotFound, "unknown formula")
			return
		}
		writeError(w, http.StatusInternalServerError, "formula lookup failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handlePutFormula(w http.ResponseWriter, r *http.Request) {
	var f formula.Formula
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	f.ID = chi.URLParam(r, "formulaID")
	if err := s.catalog.PutFormula(r.Context(), &f); err != nil {
		writeError(w, http.StatusBadRequest, "formula rejected: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.catalog.Group(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		if errors.Is(err, governor.ErrGroupNotFound) {
			writeError(w, http.StatusNotFound, "unknown group")
			return
		}
		writeError(w, http.StatusInternalServerError, "group lookup failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handlePutGroup(w http.ResponseWriter, r *http.Request) {
	var g governor.Group
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	g.ID = chi.URLParam(r, "groupID")
	if err := s.catalog.PutGroup(r.Context(), &g); err != nil {
		writeError(w, http.StatusBadRequest, "group rejected: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleGetAppCaps(w http.ResponseWriter, r *http.Request) {
	caps, err := s.catalog.AppCaps(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "app caps lookup failed: %v", err)
		return
	}
	if caps == nil {
		caps = map[limits.Window]int64{}
	}
	writeJSON(w, http.StatusOK, caps)
}

func (s *Server) handlePutAppCaps(w http.ResponseWriter, r *http.Request) {
	var caps map[limits.Window]int64
	if err := json.NewDecoder(r.Body).Decode(&caps); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if err := s.catalog.SetAppCaps(r.Context(), caps); err != nil {
		writeError(w, http.StatusBadRequest, "app caps rejected: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, caps)
}

// scopeFromURL builds a scope out of the {kind}/{id} route params
func scopeFromURL(w http.ResponseWriter, r *http.Request) (scope.Scope, bool) {
	sc := scope.Scope{
		Kind: scope.Kind(chi.URLParam(r, "kind")),
		ID:   chi.URLParam(r, "id"),
	}
	if err := sc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid scope: %v", err)
		return scope.Scope{}, false
	}
	return sc, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
