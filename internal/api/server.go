package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"loyalty-notify/internal/models"
	"loyalty-notify/internal/notify"
	"loyalty-notify/internal/queue"
	"loyalty-notify/internal/ratelimit"
	"loyalty-notify/internal/store"
	"loyalty-notify/internal/telemetry"
)

// Limiter admits requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the admin and ingest API.
type Server struct {
	queue    *queue.JobQueue
	manager  *notify.Manager
	settings models.NotificationSettings
	limiter  Limiter
	health   func(context.Context) error
	logger   *zap.Logger
}

// Option configures optional collaborators.
type Option func(*Server)

// WithLimiter rate limits event ingestion per program.
func WithLimiter(l Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithHealthCheck makes /healthz report backend reachability.
func WithHealthCheck(fn func(context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

// New constructs the API server. settings are the defaults applied to
// events that carry no overrides.
func New(q *queue.JobQueue, m *notify.Manager, settings models.NotificationSettings, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{queue: q, manager: m, settings: settings, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/retry", s.handleRetry)
	})
	r.Post("/events", s.handleEvent)
	r.Post("/notifications/flush", s.handleFlush)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	Type         string          `json:"type" validate:"required"`
	Payload      json.RawMessage `json:"payload"`
	RunAt        *time.Time      `json:"run_at"`
	DelaySeconds int             `json:"delay_seconds" validate:"gte=0"`
	MaxAttempts  int             `json:"max_attempts" validate:"gte=0"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	var opts []queue.EnqueueOption
	if req.RunAt != nil {
		opts = append(opts, queue.WithScheduledAt(*req.RunAt))
	}
	if req.DelaySeconds > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelaySeconds)*time.Second))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(req.MaxAttempts))
	}

	job, err := s.queue.Enqueue(r.Context(), req.Type, req.Payload, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusFailed
	}
	switch status {
	case models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	jobs, err := s.queue.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeTransition(w, r, id, changed)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed, err := s.queue.Retry(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeTransition(w, r, id, changed)
}

// writeTransition returns the job after a cancel or retry; 404 when the
// id is unknown, 409 when the job was not in a state the action applies to.
func (s *Server) writeTransition(w http.ResponseWriter, r *http.Request, id string, changed bool) {
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusOK
	if !changed {
		code = http.StatusConflict
	}
	writeJSON(w, code, job)
}

type settingsOverride struct {
	MergeWindowSec *int   `json:"merge_window_sec" validate:"omitempty,gt=0"`
	ThrottleSec    *int   `json:"throttle_sec" validate:"omitempty,gte=0"`
	PointsDisplay  string `json:"points_display" validate:"omitempty,oneof=unused_points points"`
	Template       string `json:"template"`
}

type eventRequest struct {
	models.NotificationEvent
	Settings *settingsOverride `json:"settings"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decode(w, r, &req) {
		return
	}
	if s.limiter != nil && req.ProgramID != "" {
		d, err := s.limiter.Allow(r.Context(), req.ProgramID)
		if err != nil {
			s.logger.Error("rate limit check failed", zap.Error(err))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	settings := s.settings
	if o := req.Settings; o != nil {
		if o.MergeWindowSec != nil {
			settings.MergeWindow = time.Duration(*o.MergeWindowSec) * time.Second
		}
		if o.ThrottleSec != nil {
			settings.Throttle = time.Duration(*o.ThrottleSec) * time.Second
			if *o.ThrottleSec == 0 {
				settings.Throttle = -1
			}
		}
		if o.PointsDisplay != "" {
			settings.PointsDisplay = o.PointsDisplay
		}
		if o.Template != "" {
			settings.Template = o.Template
		}
	}

	if err := s.manager.QueueNotificationEvent(r.Context(), req.NotificationEvent, settings); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "buffered"})
}

type flushRequest struct {
	ParticipantUUID string      `json:"participant_uuid" validate:"required_with=Rule"`
	Rule            models.Rule `json:"rule" validate:"required_with=ParticipantUUID"`
}

// handleFlush closes one buffer, or every buffer when the body names none.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	// An empty body, chunked or not, means every buffer.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := models.ValidateStruct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var err error
	if req.ParticipantUUID == "" {
		err = s.manager.FlushAll(r.Context())
	} else {
		err = s.manager.FlushBuffer(r.Context(), models.BufferKey{ParticipantUUID: req.ParticipantUUID, Rule: req.Rule})
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrInvalidPayload), errors.Is(err, notify.ErrInvalidEvent):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, queue.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// decode reads a JSON body and runs struct validation, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	if err := models.ValidateStruct(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
