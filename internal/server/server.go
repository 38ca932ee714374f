// Package server provides the HTTP API for karute.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/karute/internal/access"
	"github.com/hyperjump/karute/internal/config"
	"github.com/hyperjump/karute/internal/ingest"
	"github.com/hyperjump/karute/internal/qa"
	"github.com/hyperjump/karute/internal/retrieval"
	"github.com/hyperjump/karute/internal/storage"
)

// Server is the HTTP server for the karute API.
type Server struct {
	engine    *qa.Engine
	ingestor  *ingest.Ingestor
	access    *access.Manager
	retrieval *retrieval.Service
	storage   storage.Storage
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	engine *qa.Engine,
	ingestor *ingest.Ingestor,
	accessMgr *access.Manager,
	retrievalSvc *retrieval.Service,
	store storage.Storage,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		engine:    engine,
		ingestor:  ingestor,
		access:    accessMgr,
		retrieval: retrievalSvc,
		storage:   store,
		config:    cfg,
		logger:    logger,
	}
}

// Router builds the chi router with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/ask", s.handleAsk)
	r.Post("/api/v1/patients/{patientID}/documents", s.handleUpload)
	r.Get("/api/v1/patients/{patientID}/documents", s.handleListDocuments)
	r.Delete("/api/v1/patients/{patientID}", s.handleDeletePatient)
	r.Post("/api/v1/patients/{patientID}/access/request", s.handleAccessRequest)
	r.Post("/api/v1/patients/{patientID}/access/verify", s.handleAccessVerify)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/health", s.handleHealth)

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
