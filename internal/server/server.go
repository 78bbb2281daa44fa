// Package server exposes the published usage state over a local HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/olliecrow/claude_usage_monitor/internal/history"
	"github.com/olliecrow/claude_usage_monitor/internal/monitor"
	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

// Refresher starts an out-of-band cycle.
type Refresher interface {
	TriggerRefresh() bool
	Phase() monitor.Phase
}

// HistoryReader returns the recorded series.
type HistoryReader interface {
	Load() []history.Entry
}

type Options struct {
	State       *monitor.State
	Refresher   Refresher
	History     HistoryReader
	Logger      slog.Logger
	DisplayMode string
	// Registry receives the usage collector. A fresh registry is created
	// when nil.
	Registry *prometheus.Registry
}

type Server struct {
	state       *monitor.State
	refresher   Refresher
	history     HistoryReader
	logger      slog.Logger
	displayMode string
	registry    *prometheus.Registry
	router      chi.Router
}

func New(opts Options) (*Server, error) {
	if opts.State == nil {
		return nil, errors.New("server requires a state")
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if err := opts.Registry.Register(NewCollector(opts.State)); err != nil {
		return nil, fmt.Errorf("register usage collector: %w", err)
	}
	s := &Server{
		state:       opts.State,
		refresher:   opts.Refresher,
		history:     opts.History,
		logger:      opts.Logger.Named("server"),
		displayMode: opts.DisplayMode,
		registry:    opts.Registry,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Get("/usage", s.handleUsage)
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/events", s.handleEvents)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

// ListenAndServe serves on addr until ctx is done. Request contexts derive
// from ctx so open event streams end with it.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info(ctx, "http api listening", slog.F("address", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status              monitor.Status `json:"status"`
	Title               string         `json:"title"`
	Phase               string         `json:"phase"`
	ConsecutiveFailures uint           `json:"consecutive_failures"`
	Cycle               uint64         `json:"cycle"`
	LastUpdated         time.Time      `json:"last_updated"`
	LocalRefreshedAt    time.Time      `json:"local_refreshed_at"`
}

func (s *Server) statusResponse(u monitor.Update) StatusResponse {
	phase := monitor.PhaseIdle
	if s.refresher != nil {
		phase = s.refresher.Phase()
	}
	return StatusResponse{
		Status:              u.Status,
		Title:               monitor.FormatTitle(u.Status, u.Snapshot, s.displayMode),
		Phase:               phase.String(),
		ConsecutiveFailures: u.Health.ConsecutiveFailures,
		Cycle:               u.Cycle,
		LastUpdated:         u.Snapshot.LastUpdated,
		LocalRefreshedAt:    u.Snapshot.LocalRefreshedAt,
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.statusResponse(s.state.Current()))
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	entries := []history.Entry{}
	if s.history != nil {
		entries = append(entries, s.history.Load()...)
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "refresh not available")
		return
	}
	if !s.refresher.TriggerRefresh() {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(monitor.RefreshCooldown.Seconds())))
		s.writeError(w, http.StatusTooManyRequests, "refresh already running or requested too recently")
		return
	}
	s.logger.Info(r.Context(), "manual refresh requested")
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// EventPayload is the data of every "update" event on /api/events.
type EventPayload struct {
	Snapshot usage.Snapshot `json:"snapshot"`
	StatusResponse
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, unsubscribe := s.state.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	send := func(u monitor.Update) bool {
		data, err := json.Marshal(EventPayload{Snapshot: u.Snapshot, StatusResponse: s.statusResponse(u)})
		if err != nil {
			s.logger.Error(ctx, "marshal event", slog.Error(err))
			return false
		}
		if _, err := fmt.Fprintf(w, "event: update\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(s.state.Current()) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok || !send(u) {
				return
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Warn(context.Background(), "write response", slog.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
