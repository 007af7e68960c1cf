// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"hubgate/internal/control"
	"hubgate/internal/logger"
	"hubgate/internal/metrics"
	"hubgate/internal/push"
)

// Route prefixes
const (
	JSONRPCPrefix = "/jsonrpc/v1.0"
	APIPrefix     = "/api/v1"
)

// ErrPushDisabled is returned by push methods when no target store is configured
var ErrPushDisabled = errors.New("rpc: push notifications are disabled")

// Options configures the HTTP listener
type Options struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes the control service over JSON-RPC style HTTP endpoints
type Server struct {
	control  *control.Service
	targets  *push.TargetStore
	metrics  *metrics.Metrics
	router   *mux.Router
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates an API server. targets and m may be nil.
func NewServer(service *control.Service, targets *push.TargetStore, m *metrics.Metrics) *Server {
	s := &Server{
		control: service,
		targets: targets,
		metrics: m,
		logger:  logger.GetLogger("rpc"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	rpcRouter := router.PathPrefix(JSONRPCPrefix).Subrouter()
	rpcRouter.HandleFunc("/device", s.handleDevices).Methods("POST", "OPTIONS")
	rpcRouter.HandleFunc("/device/{id}", s.handleDevice).Methods("POST", "OPTIONS")
	rpcRouter.HandleFunc("/control/{id}", s.handleControl).Methods("POST", "OPTIONS")
	rpcRouter.HandleFunc("/push", s.handlePush).Methods("POST", "OPTIONS")

	apiRouter := router.PathPrefix(APIPrefix).Subrouter()
	apiRouter.HandleFunc("/health", s.handleHealth).Methods("GET")
	apiRouter.HandleFunc("/status", s.handleStatus).Methods("GET")

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	s.router = router
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background
func (s *Server) Start(options Options) error {
	listener, err := net.Listen("tcp", options.Address)
	if err != nil {
		return err
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  options.ReadTimeout,
		WriteTimeout: options.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting API server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Response helpers
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.control.Status())
}
