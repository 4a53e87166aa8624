package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"analysis-engine/internal/models"
	"analysis-engine/internal/queue"
	"analysis-engine/internal/ratelimit"
	"analysis-engine/internal/telemetry"
)

// OwnerHeader carries the caller identity set by the upstream dashboard.
const OwnerHeader = "X-Owner-Ref"

// Limiter decides whether an owner may create another job.
type Limiter interface {
	Allow(ctx context.Context, owner string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the upstream job API.
type Server struct {
	queue   *queue.Manager
	limiter Limiter
	log     *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(q *queue.Manager, limiter Limiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		queue:   q,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/logs", s.handleLogs)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	return r
}

type enqueueRequest struct {
	SubjectRef  string `json:"subject_ref"`
	Profile     string `json:"profile"`
	DedupeKey   string `json:"dedupe_key"`
	MaxAttempts int    `json:"max_attempts"`
}

type enqueueResponse struct {
	Job models.Job `json:"job"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	owner := ownerFromRequest(r)
	if s.limiter != nil {
		key := owner
		if key == "" {
			key = "anonymous"
		}
		d, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.log.Error("rate limiter unavailable", "owner", owner, "err", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		OwnerRef:    owner,
		SubjectRef:  req.SubjectRef,
		Profile:     req.Profile,
		DedupeKey:   req.DedupeKey,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.log.Info("job enqueued", "job_id", job.ID, "owner", owner)
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.queue.ReadJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type logsResponse struct {
	Entries []models.LogEntry `json:"entries"`
	// Next is the value to pass as after to continue the stream.
	Next int64 `json:"next"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "invalid after")
		return
	}
	limit, err := queryInt(r, "limit", 200)
	if err != nil || limit <= 0 || limit > 1000 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	entries, err := s.queue.StreamLogs(r.Context(), chi.URLParam(r, "id"), after, int(limit))
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	next := after
	if n := len(entries); n > 0 {
		next = entries[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, logsResponse{Entries: entries, Next: next})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(r.Context(), id, ownerFromRequest(r)); err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusCanceled)})
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrDuplicateActiveJob):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrJobTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func ownerFromRequest(r *http.Request) string {
	return r.Header.Get(OwnerHeader)
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
