// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jesus-bazan-entel/apimovil/internal/job"
	"github.com/jesus-bazan-entel/apimovil/internal/logging"
	"github.com/jesus-bazan-entel/apimovil/internal/models"
	"github.com/jesus-bazan-entel/apimovil/internal/proxy"
)

// CoordinatorInterface defines the batch operations the server exposes
type CoordinatorInterface interface {
	Submit(ctx context.Context, user, fileName string, numbers []string) (*job.SubmitResult, error)
	Pause(ctx context.Context, user, fileName string) (*models.JobFile, error)
	Remove(ctx context.Context, user, fileName string) error
	Consult(ctx context.Context, user, fileName string) (*models.JobFile, []*models.PhoneRecord, error)
	ListJobs(ctx context.Context, user, prefix string) ([]*models.JobFile, error)
	LookupOne(ctx context.Context, user, number string) (*job.Lookup, error)
	PendingCount(ctx context.Context, user, fileName string) (int64, error)
}

// BlockedIPLister lists carrier-shunned proxy addresses
type BlockedIPLister interface {
	ListByUser(ctx context.Context, ownerUser string) ([]*models.BlockedIP, error)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns server timeouts suited for long batch uploads
func DefaultServerConfig(host, port string) *ServerConfig {
	return &ServerConfig{
		Host:            host,
		Port:            port,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Server is the HTTP API server
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	coordinator CoordinatorInterface
	pool        *proxy.Pool
	blocked     BlockedIPLister
	config      *ServerConfig
	logger      *logging.Logger
}

// NewServer creates the API server. blocked may be nil, which disables the
// blocked IP listing endpoint's data (it answers with an empty list).
func NewServer(config *ServerConfig, coordinator CoordinatorInterface, pool *proxy.Pool, blocked BlockedIPLister, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:      mux.NewRouter(),
		coordinator: coordinator,
		pool:        pool,
		blocked:     blocked,
		config:      config,
		logger:      logger.WithField("component", "api_server"),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Batch file endpoints
	api.HandleFunc("/files", s.handleSubmit).Methods("POST")
	api.HandleFunc("/files", s.handleListFiles).Methods("GET")
	api.HandleFunc("/files/{fileName}", s.handleConsult).Methods("GET")
	api.HandleFunc("/files/{fileName}/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/files/{fileName}", s.handleRemove).Methods("DELETE")

	// Single lookup
	api.HandleFunc("/phones/{number}", s.handleLookupOne).Methods("GET")

	// Operational endpoints
	api.HandleFunc("/proxies/stats", s.handleProxyStats).Methods("GET")
	api.HandleFunc("/blocked-ips", s.handleBlockedIPs).Methods("GET")
}

// Router exposes the router for tests
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "apimovil",
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
