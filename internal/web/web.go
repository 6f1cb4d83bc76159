package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"palmcal/internal/conduit"
	"palmcal/internal/config"
	"palmcal/internal/hotsync"
	appLog "palmcal/internal/log"
)

// Runner is the sync entry point the server drives.
type Runner interface {
	Run(ctx context.Context, trigger string) (conduit.Summary, error)
	State() hotsync.State
}

// Server provides the daemon status API:
//   - GET  /health
//   - GET  /metrics
//   - GET  /api/status
//   - GET  /api/config
//   - POST /api/sync
type Server struct {
	cfg     *config.Config
	runner  Runner
	metrics http.Handler
	mux     *http.ServeMux
	started time.Time
}

// NewServer constructs a new Server. metrics may be nil.
func NewServer(cfg *config.Config, runner Runner, metrics http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		metrics: metrics,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="palmcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		appLog.Info("HTTP server stopped")
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/config", s.handleConfig)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	Device   uint32        `json:"device_id"`
	Uptime   string        `json:"uptime"`
	Schedule string        `json:"schedule"`
	Watch    bool          `json:"watch"`
	Sync     hotsync.State `json:"sync"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
		Sync:   s.runner.State(),
	}
	if s.cfg != nil {
		resp.Device = s.cfg.Device.ID
		resp.Schedule = s.cfg.Schedule
		resp.Watch = s.cfg.Watch
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleConfig returns the effective configuration with credentials
// removed.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if s.cfg == nil {
		writeError(w, http.StatusNotFound, "no configuration loaded")
		return
	}
	cfg := *s.cfg
	if cfg.BasicAuth != nil {
		cfg.BasicAuth = &config.BasicAuthConfig{Username: cfg.BasicAuth.Username, Password: "********"}
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleSync runs a sync and answers with its summary. The sync keeps
// running if the client goes away.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	sum, err := s.runner.Run(context.WithoutCancel(r.Context()), "http")
	switch {
	case errors.Is(err, hotsync.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		type failed struct {
			Error   string          `json:"error"`
			Summary conduit.Summary `json:"summary"`
		}
		writeJSON(w, http.StatusBadGateway, failed{Error: err.Error(), Summary: sum})
	default:
		writeJSON(w, http.StatusOK, sum)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
