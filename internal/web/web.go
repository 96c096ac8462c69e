package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fairplay/internal/config"
	appLog "fairplay/internal/log"
	"fairplay/internal/scheduler"
)

// Jobs is the part of the scheduler the status API needs.
type Jobs interface {
	Statuses() []scheduler.Status
	RunNow(ctx context.Context, name string) (scheduler.Result, error)
}

// Server provides the operational HTTP surface: health, metrics and job
// status. There is no product UI here.
type Server struct {
	cfg     *config.Config
	jobs    Jobs
	metrics http.Handler
	mux     *http.ServeMux
}

// NewServer constructs a new Server. metrics may be nil, in which case
// /metrics is not registered.
func NewServer(cfg *config.Config, jobs Jobs, metrics http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		jobs:    jobs,
		metrics: metrics,
		mux:     http.NewServeMux(),
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
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Probes never authenticate.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Fairplay", charset="UTF-8"`)
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
// gracefully, giving in-flight requests up to five seconds.
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
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	s.mux.HandleFunc("GET /api/jobs", s.handleJobs)
	s.mux.HandleFunc("POST /api/jobs/{name}/run", s.handleRunJob)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// jobsResponse is the JSON response shape for /api/jobs.
type jobsResponse struct {
	Timezone string             `json:"timezone"`
	Jobs     []scheduler.Status `json:"jobs"`
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jobsResponse{
		Timezone: s.cfg.Timezone,
		Jobs:     s.jobs.Statuses(),
	})
}

// handleRunJob triggers one run of a job outside its schedule and returns
// the result. A failed run still answers 200 with the error in the body.
// An unknown job is 404 and a job that is already running is 409.
//
// POST /api/jobs/{name}/run
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.knownJob(name) {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}

	appLog.Info("api: manual job run", "job", name, "remote", r.RemoteAddr)
	res, err := s.jobs.RunNow(r.Context(), name)
	if errors.Is(err, scheduler.ErrBusy) {
		writeError(w, http.StatusConflict, "job is already running")
		return
	}
	if err != nil {
		appLog.Warn("api: manual job run failed", "job", name, "err", err)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) knownJob(name string) bool {
	for _, st := range s.jobs.Statuses() {
		if st.Job == name {
			return true
		}
	}
	return false
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
