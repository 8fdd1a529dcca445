// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

type Response struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

// ReadyProbe returns nil when the process can accept work, or the reason it
// cannot.
type ReadyProbe func() error

// Server serves the health endpoints and any routes added with Handle.
type Server struct {
	port   int
	status atomic.Int32

	mu      sync.RWMutex
	probe   ReadyProbe
	streams func() any
	routes  map[string]http.Handler

	server *http.Server
}

type Config struct {
	Port int `mapstructure:"port"`
}

func NewServer(config Config) *Server {
	if config.Port == 0 {
		config.Port = 8090
	}
	return &Server{
		port:   config.Port,
		routes: map[string]http.Handler{},
	}
}

func (s *Server) SetStatus(status Status) {
	s.status.Store(int32(status))
	slog.Debug("Health check status updated", slog.String("status", status.String()))
}

func (s *Server) GetStatus() Status {
	return Status(s.status.Load())
}

// SetReadyProbe installs the readiness check consulted by /readyz.
func (s *Server) SetReadyProbe(probe ReadyProbe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe = probe
}

// SetStreams installs the source of the /streamz document.
func (s *Server) SetStreams(fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = fn
}

// Handle mounts an extra route. It must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[pattern] = h
}

// Ready reports readiness. A process is ready once it is healthy and the
// probe, if any, passes.
func (s *Server) Ready() error {
	if st := s.GetStatus(); st != StatusHealthy {
		return fmt.Errorf("status is %s", st)
	}
	s.mu.RLock()
	probe := s.probe
	s.mu.RUnlock()
	if probe != nil {
		return probe()
	}
	return nil
}

// Handler returns the mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/livez", s.livezHandler)
	mux.HandleFunc("/streamz", s.streamzHandler)

	s.mu.RLock()
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}
	s.mu.RUnlock()
	return mux
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting health check server", slog.Int("port", s.port))

	errc := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("health check server: %w", err)
		}
		return nil
	}
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	slog.Info("Stopping health check server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}

func respond(w http.ResponseWriter, ok bool, reason string) {
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, Response{Healthy: ok, Reason: reason})
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	st := s.GetStatus()
	respond(w, st == StatusHealthy, st.String())
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Ready(); err != nil {
		respond(w, false, err.Error())
		return
	}
	respond(w, true, "")
}

func (s *Server) livezHandler(w http.ResponseWriter, r *http.Request) {
	st := s.GetStatus()
	respond(w, st != StatusUnhealthy, st.String())
}

func (s *Server) streamzHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.streams
	s.mu.RUnlock()
	if fn == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, fn())
}
