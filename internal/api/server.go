package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"background-scheduler/internal/gate"
	"background-scheduler/internal/logging"
	"background-scheduler/internal/models"
	"background-scheduler/internal/ratelimit"
	"background-scheduler/internal/registry"
	"background-scheduler/internal/scheduler"
	"background-scheduler/internal/store"
	"background-scheduler/internal/telemetry"
	"background-scheduler/internal/trigger"
)

// StatusProvider is the scheduler loop as seen by the API.
type StatusProvider interface {
	Status() scheduler.Status
}

// TriggerPusher queues manual run requests for the scheduler.
type TriggerPusher interface {
	Push(ctx context.Context, req trigger.Request) error
}

// Limiter rate limits trigger requests.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Deps holds what the server reads from. Only Runs and Registry are required; a nil Loop means
// the scheduler is not running in this process.
type Deps struct {
	Runs     store.RunReader
	Registry *registry.Registry
	Loop     StatusProvider
	Gate     *gate.Gate
	Triggers TriggerPusher
	Limiter  Limiter
	Logger   zerolog.Logger
}

// Server wires HTTP handlers for the scheduler's read-only view and manual triggers.
type Server struct {
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

// New constructs the API server.
func New(deps Deps) *Server {
	return &Server{
		deps: deps,
		log:  logging.Component(deps.Logger, "api"),
		now:  time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/scheduler/status", s.handleStatus)
	r.Get("/jobs", s.handleJobs)
	r.Post("/jobs/{name}/trigger", s.handleTrigger)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loop != nil {
		writeJSON(w, http.StatusOK, s.deps.Loop.Status())
		return
	}
	st := scheduler.Status{Enabled: false, State: scheduler.StateStopped, Jobs: []scheduler.JobStatus{}}
	if s.deps.Gate != nil {
		res, err := s.deps.Gate.Check(r.Context())
		if err == nil {
			st.Schema = res
		} else {
			st.LastError = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, st)
}

type jobView struct {
	scheduler.JobStatus
	Scheduled bool `json:"scheduled"`
}

// handleJobs lists registered jobs. Without a local loop, the last run comes from the store.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loop != nil {
		jobs := s.deps.Loop.Status().Jobs
		out := make([]jobView, 0, len(jobs))
		for _, js := range jobs {
			out = append(out, jobView{JobStatus: js, Scheduled: true})
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
		return
	}

	defs := s.registryDefs()
	out := make([]jobView, 0, len(defs))
	for _, def := range defs {
		js := scheduler.JobStatus{
			Name:          def.Name,
			Schedule:      def.Spec,
			MaxConcurrent: def.MaxConcurrent,
			Timeout:       def.Timeout.String(),
		}
		run, ok, err := s.deps.Runs.LatestRun(r.Context(), def.Name)
		if err != nil {
			s.storeError(w, "latest run", err)
			return
		}
		if ok {
			js.LastRun = &run
		}
		out = append(out, jobView{JobStatus: js})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

type triggerRequest struct {
	RequestedBy string `json:"requested_by"`
}

type triggerResponse struct {
	Job         string    `json:"job"`
	Queued      bool      `json:"queued"`
	RequestedAt time.Time `json:"requested_at"`
}

// handleTrigger queues a manual run. The run itself is claimed by the scheduler through the
// normal lock path, so the API never writes a JobRun.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.deps.Registry == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if _, ok := s.deps.Registry.Get(name); !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if s.deps.Triggers == nil {
		http.Error(w, "manual triggers are not configured", http.StatusServiceUnavailable)
		return
	}

	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.RequestedBy == "" {
		req.RequestedBy = requesterFromRequest(r)
	}

	if s.deps.Limiter != nil {
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), ratelimit.Key(name, req.RequestedBy))
		if err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("rate limit check failed")
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	at := s.now().UTC()
	if err := s.deps.Triggers.Push(r.Context(), trigger.Request{JobName: name, RequestedAt: at, RequestedBy: req.RequestedBy}); err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("trigger enqueue failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.TriggersEnqueued.Inc()
	s.log.Info().Str("job", name).Str("requested_by", req.RequestedBy).Msg("manual trigger queued")
	writeJSON(w, http.StatusAccepted, triggerResponse{Job: name, Queued: true, RequestedAt: at})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := store.RunQuery{JobName: r.URL.Query().Get("job")}
	if v := r.URL.Query().Get("status"); v != "" {
		status := models.RunStatus(v)
		if !status.Valid() {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		q.Status = status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > store.MaxListLimit {
			http.Error(w, fmt.Sprintf("limit must be between 1 and %d", store.MaxListLimit), http.StatusBadRequest)
			return
		}
		q.Limit = n
	}

	runs, err := s.deps.Runs.ListRuns(r.Context(), q)
	if err != nil {
		s.storeError(w, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		s.storeError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) registryDefs() []registry.JobDefinition {
	if s.deps.Registry == nil {
		return nil
	}
	return s.deps.Registry.All()
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.log.Error().Err(err).Str("op", op).Msg("store error")
	if errors.Is(err, store.ErrStoreUnavailable) {
		http.Error(w, "job store unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func requesterFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Requested-By"); v != "" {
		return v
	}
	return "api"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
