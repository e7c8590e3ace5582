// Package api exposes the run trigger, execution history, the realtime
// stream and operational endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/realtime"
	"github.com/AI-Template-SDK/senso-visibility/internal/store"
	"github.com/AI-Template-SDK/senso-visibility/internal/telemetry"
	"github.com/AI-Template-SDK/senso-visibility/services"
)

const dayLayout = "2006-01-02"

// Runner starts runs through the idempotent orchestrator.
type Runner interface {
	ExecuteAllPrompts(ctx context.Context, businessID uuid.UUID) (*services.RunSummary, error)
	ExecutePrompt(ctx context.Context, businessID, promptID uuid.UUID, platformID *uuid.UUID) (*services.RunSummary, error)
}

// Reader is the read-only storage the API serves from.
type Reader interface {
	GetBusiness(ctx context.Context, id uuid.UUID) (*models.Business, error)
	ListExecutions(ctx context.Context, businessID uuid.UUID, fromDay, toDay string) ([]*models.Execution, error)
}

type Options struct {
	Runner         Runner
	Reader         Reader
	Hub            *realtime.Hub
	Metrics        *telemetry.Metrics
	Inngest        http.Handler
	Clock          services.Clock
	Location       *time.Location
	AllowedOrigins []string
	Heartbeat      time.Duration
	Log            zerolog.Logger
}

type Server struct {
	opts Options
	log  zerolog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = services.SystemClock{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{opts: opts, log: opts.Log.With().Str("component", "api").Logger()}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"service": "senso-visibility", "status": "running"})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}
	if s.opts.Inngest != nil {
		r.Handle("/api/inngest", s.opts.Inngest)
	}

	r.Route("/api/businesses/{id}", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Get("/executions", s.handleExecutions)
		r.Get("/stream", s.handleStream)
	})
	return r
}

type runRequest struct {
	PromptID   *uuid.UUID `json:"prompt_id,omitempty"`
	PlatformID *uuid.UUID `json:"platform_id,omitempty"`
	Async      bool       `json:"async,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	businessID, ok := s.businessID(w, r)
	if !ok {
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PlatformID != nil && req.PromptID == nil {
		writeError(w, http.StatusBadRequest, "platform_id requires prompt_id")
		return
	}

	run := func(ctx context.Context) (*services.RunSummary, error) {
		if req.PromptID != nil {
			return s.opts.Runner.ExecutePrompt(ctx, businessID, *req.PromptID, req.PlatformID)
		}
		return s.opts.Runner.ExecuteAllPrompts(ctx, businessID)
	}

	if req.Async {
		if _, err := s.opts.Reader.GetBusiness(r.Context(), businessID); err != nil {
			s.writeStoreError(w, err)
			return
		}
		ctx := context.WithoutCancel(r.Context())
		go func() {
			if _, err := run(ctx); err != nil {
				s.log.Error().Err(err).Str("business_id", businessID.String()).Msg("async run failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "business_id": businessID.String()})
		return
	}

	summary, err := run(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	businessID, ok := s.businessID(w, r)
	if !ok {
		return
	}

	today := s.opts.Clock.Now().In(s.opts.Location).Format(dayLayout)
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" {
		from = today
	}
	if to == "" {
		to = today
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse(dayLayout, d); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid day %q, want YYYY-MM-DD", d))
			return
		}
	}
	if from > to {
		writeError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	if _, err := s.opts.Reader.GetBusiness(r.Context(), businessID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	execs, err := s.opts.Reader.ListExecutions(r.Context(), businessID, from, to)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if execs == nil {
		execs = []*models.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"business_id": businessID,
		"from":        from,
		"to":          to,
		"executions":  execs,
	})
}

// handleStream attaches the request as the business's realtime listener
// until the client disconnects. A newer stream for the same business takes
// over delivery; this one then only sends heartbeats.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	businessID, ok := s.businessID(w, r)
	if !ok {
		return
	}
	if _, err := s.opts.Reader.GetBusiness(r.Context(), businessID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events := make(chan realtime.Event, 32)
	unregister := s.opts.Hub.Register(businessID, func(ev realtime.Event) {
		select {
		case events <- ev:
		default:
			s.log.Warn().Str("business_id", businessID.String()).Msg("stream buffer full, dropping event")
		}
	})
	defer unregister()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error().Err(err).Msg("failed to encode event")
				continue
			}
			fmt.Fprintf(w, "event: execution\ndata: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) businessID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid business id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, services.ErrBusinessNotFound), eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "business not found")
	case eris.Is(err, services.ErrPromptGone):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
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

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
