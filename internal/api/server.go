// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/venomlabs/venom-mesh/internal/logger"
	"github.com/venomlabs/venom-mesh/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the part of the orchestrator the API needs.
type Dispatcher interface {
	Dispatch(task orchestrator.Task) (orchestrator.Assignment, error)
	ReportCompletion(fb orchestrator.Feedback) error
	Peers() []orchestrator.PeerStatus
}

// Server serves the orchestrator API.
type Server struct {
	dispatcher Dispatcher
	metrics    http.Handler
	logger     logger.Logger
	router     *mux.Router
}

// NewServer creates the API. metrics may be nil to omit /metrics.
func NewServer(d Dispatcher, metrics http.Handler, log logger.Logger) *Server {
	s := &Server{
		dispatcher: d,
		metrics:    metrics,
		logger:     log,
		router:     mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	// full paths on the root router so a wrong method gets 405, not 404
	s.router.HandleFunc("/v1/tasks", s.submitTaskHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/feedback", s.feedbackHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/peers", s.listPeersHandler).Methods(http.MethodGet)
}

// Router returns the HTTP router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Run listens on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listener on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Orchestrator API listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
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
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// TaskRequest is the body of POST /v1/tasks.
type TaskRequest struct {
	Payload    json.RawMessage `json:"payload"`
	Capability string          `json:"capability"`
}

// FeedbackRequest is the body of POST /v1/feedback.
type FeedbackRequest struct {
	NodeID  string   `json:"node_id"`
	TaskID  string   `json:"task_id"`
	Success bool     `json:"success"`
	Load    *float64 `json:"load"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) submitTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := parseJSONRequest(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := s.dispatcher.Dispatch(orchestrator.Task{Payload: req.Payload, Capability: req.Capability})
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoHealthyPeers) {
			writeErrorResponse(w, http.StatusServiceUnavailable, orchestrator.ErrNoHealthyPeers.Error())
			return
		}
		s.logger.Error("Dispatch failed: %v", err)
		writeErrorResponse(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSONResponse(w, http.StatusOK, a)
}

func (s *Server) feedbackHandler(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := parseJSONRequest(r, &req); err != nil || req.NodeID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.dispatcher.ReportCompletion(orchestrator.Feedback{
		NodeID:  req.NodeID,
		TaskID:  req.TaskID,
		Success: req.Success,
		Load:    req.Load,
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, orchestrator.ErrUnknownPeer):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidSample):
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Feedback failed: %v", err)
		writeErrorResponse(w, http.StatusInternalServerError, "feedback failed")
	}
}

func (s *Server) listPeersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.dispatcher.Peers())
}

func parseJSONRequest(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return decoder.Decode(target)
}

func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, errorResponse{Error: message})
}
