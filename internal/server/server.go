// Package server exposes the inbound HTTP surface: the callback endpoint,
// trigger links for card buttons, a token-protected command API and a
// health probe.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"limitwatch/internal/command"
	logx "limitwatch/pkg/logx"
)

type Config struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// APIKey protects POST /command. Empty disables the endpoint.
	APIKey string
	// SimpleKey protects GET /trigger/{command}. Empty disables auth on it.
	SimpleKey string
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// CommandResponse is the synchronous reply of /trigger and /command.
type CommandResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Notified  bool   `json:"notified"`
	Timestamp string `json:"timestamp"`
}

type Server struct {
	cfg      Config
	callback http.Handler
	runner   command.Runner
	log      logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

func New(cfg Config, callback http.Handler, runner command.Runner, log logx.Logger) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		callback: callback,
		runner:   runner,
		log:      log.With(logx.String("svc", "http")),
	}
}

// Handler builds the route table. Split out so tests can drive it with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /{$}", s.callback)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /trigger/{command}", s.handleTrigger)
	mux.HandleFunc("POST /command", s.handleCommand)
	return mux
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.ln = ln
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	s.mu.Lock()
	close(s.done)
	s.mu.Unlock()
	return err
}

// Addr reports the bound address (useful when Port is 0 in tests).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleTrigger serves the simple-key links embedded in card buttons.
// The run is synchronous: whoever clicked wants to see the outcome.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if key := strings.TrimSpace(s.cfg.SimpleKey); key != "" {
		if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("k")), []byte(key)) != 1 {
			writeJSON(w, http.StatusForbidden, CommandResponse{
				Success:   false,
				Message:   "invalid key",
				Timestamp: time.Now().Format(time.RFC3339),
			})
			return
		}
	}

	cmd, err := command.Parse(r.PathValue("command"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, CommandResponse{
			Success:   false,
			Message:   err.Error(),
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}

	force := false
	if f := r.URL.Query().Get("f"); f == "1" || strings.EqualFold(f, "true") {
		force = true
	}

	s.runSync(w, r, cmd, force)
}

// handleCommand is the bearer-token API surface for scripts and curl.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	apiKey := strings.TrimSpace(s.cfg.APIKey)
	if apiKey == "" {
		writeJSON(w, http.StatusNotFound, CommandResponse{
			Success:   false,
			Message:   "command api disabled",
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(apiKey)) != 1 {
		writeJSON(w, http.StatusUnauthorized, CommandResponse{
			Success:   false,
			Message:   "unauthorized",
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}

	var req struct {
		Command string `json:"command"`
		Force   bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, CommandResponse{
			Success:   false,
			Message:   "invalid request body",
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}

	cmd, err := command.Parse(req.Command)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, CommandResponse{
			Success:   false,
			Message:   err.Error(),
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}

	s.runSync(w, r, cmd, req.Force)
}

func (s *Server) runSync(w http.ResponseWriter, r *http.Request, cmd command.Command, force bool) {
	res := s.runner.Run(r.Context(), cmd, force)

	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, CommandResponse{
		Success:   res.Success,
		Message:   res.Detail,
		Notified:  res.Notified,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
