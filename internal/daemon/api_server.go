package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sieve/internal/config"
	"sieve/internal/logging"
	"sieve/internal/metrics"
	"sieve/internal/services"
	"sieve/internal/source"
	"sieve/internal/store"
)

const (
	// maxWebhookBody bounds a single delivery.
	maxWebhookBody  = 4 << 20
	requestIDHeader = "X-Request-ID"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	bind := strings.TrimSpace(cfg.Server.Bind)
	if bind == "" {
		return nil
	}
	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes(cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.requireToken(cfg.Server.Token, s.handleStatus))
	mux.HandleFunc("POST /hooks/{source}", s.handleWebhook)
	if cfg.Server.Metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// StatusResponse is the JSON body of GET /api/status.
type StatusResponse struct {
	Running      bool                    `json:"running"`
	PID          int                     `json:"pid"`
	LockFilePath string                  `json:"lockFilePath"`
	DatabasePath string                  `json:"databasePath"`
	SchemaOK     bool                    `json:"schemaOk"`
	Sources      []string                `json:"sources"`
	Workflow     WorkflowStatus          `json:"workflow"`
	Stages       map[string]StageStatus  `json:"stages"`
	Jobs         map[store.JobStatus]int `json:"jobs"`
}

// WorkflowStatus summarizes the workflow manager.
type WorkflowStatus struct {
	Running   bool   `json:"running"`
	InFlight  int    `json:"inFlight"`
	LastError string `json:"lastError,omitempty"`
	LastJobID int64  `json:"lastJobId,omitempty"`
}

// StageStatus is one lane's health.
type StageStatus struct {
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// NewStatusResponse converts a daemon Status into its wire form.
func NewStatusResponse(status Status) StatusResponse {
	resp := StatusResponse{
		Running:      status.Running,
		PID:          status.PID,
		LockFilePath: status.LockFilePath,
		DatabasePath: status.Database.DBPath,
		SchemaOK:     status.Database.DatabaseReadable && len(status.Database.MissingTables) == 0,
		Sources:      status.Sources,
		Workflow: WorkflowStatus{
			Running:   status.Workflow.Running,
			InFlight:  status.Workflow.InFlight,
			LastError: status.Workflow.LastError,
		},
		Stages: make(map[string]StageStatus, len(status.Workflow.StageHealth)),
		Jobs:   status.Workflow.JobCounts,
	}
	if status.Workflow.LastJob != nil {
		resp.Workflow.LastJobID = status.Workflow.LastJob.ID
	}
	for name, h := range status.Workflow.StageHealth {
		resp.Stages[name] = StageStatus{Ready: h.Ready, Detail: h.Detail}
	}
	return resp
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewStatusResponse(s.daemon.Status(r.Context())))
}

func (s *apiServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("source")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)
	ctx := services.WithRequestID(r.Context(), requestID)
	n, err := s.daemon.AcceptWebhook(ctx, name, r.Header.Get(source.SignatureHeader), body)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrBadSignature):
			status = http.StatusUnauthorized
		case errors.Is(err, services.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, services.ErrValidation):
			status = http.StatusBadRequest
		case errors.Is(err, services.ErrCancelled):
			status = http.StatusGone
		}
		if status >= http.StatusInternalServerError {
			logging.WithContext(ctx, s.log()).Error("webhook delivery failed", logging.String("source", name), logging.Error(err))
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return logging.NewComponentLogger(s.logger, "api-server")
	}
	return logging.NewNop()
}
