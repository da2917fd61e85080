// Package ops exposes the operational HTTP surface: liveness and source
// health, Prometheus metrics and the most recent wire snapshot. The
// listener is separate from the websocket endpoint so probes and scrapes
// never contend with subscriber traffic.
package ops

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pulsedash/pulsefeed/internal/collector"
	"github.com/pulsedash/pulsefeed/internal/metrics"
	"github.com/pulsedash/pulsefeed/internal/store"
)

// Config holds the ops listener settings. A zero port binds an OS-assigned
// one; the config layer supplies the production default.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Deps are the live components the endpoints report on.
type Deps struct {
	Health  *collector.HealthRegistry
	Store   store.Store
	Metrics *metrics.Registry
	// LastWire returns the retained wire message, nil before the first
	// dispatchable snapshot.
	LastWire func() []byte
	// Clients reports the connected subscriber count.
	Clients func() int
	Version string
}

// Server is the read-only operational HTTP server.
type Server struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
	startedAt  time.Time
}

func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		log:       logger.With().Str("component", "ops_server").Logger(),
		router:    mux.NewRouter(),
		startedAt: time.Now(),
	}
	s.routes()
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Listen binds the configured address so startup fails fast on a busy port.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("ops listener bound")
	return nil
}

// Addr returns the bound address, usable after Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Serve blocks until Shutdown, returning http.ErrServerClosed on a clean
// stop.
func (s *Server) Serve() error {
	return s.httpServer.Serve(s.listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("ops server shutting down")
	return s.httpServer.Shutdown(ctx)
}

type storeStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version,omitempty"`
	UptimeSec int64                    `json:"uptime_seconds"`
	Store     storeStatus              `json:"store"`
	Sources   []collector.SourceHealth `json:"sources"`
	Clients   int                      `json:"clients"`
	Timestamp time.Time                `json:"timestamp"`
}

// handleHealth always answers 200 while the process runs; degradation is
// carried in the body so probes distinguish dead from limping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st := storeStatus{Healthy: true}
	if err := s.deps.Store.Ping(ctx); err != nil {
		st.Healthy = false
		st.Error = err.Error()
	}

	resp := healthResponse{
		Status:    "ok",
		Version:   s.deps.Version,
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
		Store:     st,
		Sources:   s.deps.Health.Snapshot(),
		Clients:   s.deps.Clients(),
		Timestamp: time.Now().UTC(),
	}
	if !st.Healthy || len(s.deps.Health.Degraded()) > 0 {
		resp.Status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleSnapshot serves the last dispatched wire message verbatim, giving
// non-websocket consumers the same view subscribers have.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	msg := s.deps.LastWire()
	if msg == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot available yet"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msg); err != nil {
		s.log.Debug().Err(err).Msg("snapshot write failed")
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("response encode failed")
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
