package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/api"
	"github.com/peterje/conduit/internal/models"
	"github.com/peterje/conduit/internal/service"
	"github.com/peterje/conduit/internal/ws"
)

// HealthFunc reports the current preflight state.
type HealthFunc func() models.HealthResponse

type Server struct {
	mux    *http.ServeMux
	svc    *service.Service
	health HealthFunc
	logger *zap.Logger
}

func New(svc *service.Service, health HealthFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mux:    http.NewServeMux(),
		svc:    svc,
		health: health,
		logger: logger,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler returns the server wrapped in access logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.logger, RecoveryMiddleware(s.logger, s))
}

func (s *Server) routes() {
	procs := api.NewProcessesHandler(s.svc, s.logger)
	wsHandler := ws.NewHandler(s.svc.Manager(), s.logger.Named("ws"))

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Processes
	s.mux.HandleFunc("GET /api/processes", procs.HandleList)
	s.mux.HandleFunc("POST /api/processes", procs.HandleCreate)
	s.mux.HandleFunc("GET /api/processes/{id}", procs.HandleGet)
	s.mux.HandleFunc("DELETE /api/processes/{id}", procs.HandleDelete)
	s.mux.HandleFunc("POST /api/processes/{id}/terminate", procs.HandleTerminate)
	s.mux.HandleFunc("POST /api/processes/{id}/input", procs.HandleInput)
	s.mux.HandleFunc("POST /api/processes/{id}/close-input", procs.HandleCloseInput)
	s.mux.HandleFunc("POST /api/processes/{id}/resize", procs.HandleResize)
	s.mux.HandleFunc("GET /api/processes/{id}/output", procs.HandleOutput)

	// WebSocket
	s.mux.Handle("GET /ws/processes/{id}", wsHandler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := models.HealthResponse{Status: "ok"}
	if s.health != nil {
		resp = s.health()
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
