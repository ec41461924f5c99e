// Copyright 2025 Certen Protocol
//
// HTTP control surface
//
// The HTTP routes map 1:1 onto the core calls; no batching logic lives
// here. Commitments and proof material are hex-encoded at this edge.

package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/certen/vapp-engine/pkg/ads"
	"github.com/certen/vapp-engine/pkg/database"
	"github.com/certen/vapp-engine/pkg/metrics"
	"github.com/certen/vapp-engine/pkg/orchestrator"
	"github.com/certen/vapp-engine/pkg/prover"
)

// Server hosts the control surface.
type Server struct {
	client  *database.Client
	repos   *database.Repositories
	ads     *ads.Service
	orch    *orchestrator.Orchestrator
	handoff *prover.Handoff
	metrics *metrics.Metrics
	logger  *log.Logger

	http *http.Server
}

// Config holds server configuration
type Config struct {
	ListenAddr string
	Metrics    *metrics.Metrics
	Logger     *log.Logger
}

// New creates the server and mounts its routes.
func New(client *database.Client, repos *database.Repositories, adsService *ads.Service,
	orch *orchestrator.Orchestrator, handoff *prover.Handoff, cfg *Config) *Server {

	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	}
	s := &Server{
		client:  client,
		repos:   repos,
		ads:     adsService,
		orch:    orch,
		handoff: handoff,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/transactions", s.handleSubmitTransaction)
		r.Get("/transactions/unbatched", s.handleUnbatchedCount)

		r.Post("/batches", s.handleCreateBatch)
		r.Get("/batches", s.handleListBatches)
		r.Get("/batches/{id}", s.handleGetBatch)
		r.Post("/batches/{id}/posted", s.handleMarkPosted)
		r.Post("/batches/{id}/proof/retry", s.handleRetryProof)

		r.Get("/state/commitment", s.handleStateCommitment)

		r.Get("/nullifiers/{value}/membership", s.handleMembership)
		r.Get("/nullifiers/{value}/non-membership", s.handleNonMembership)
		r.Get("/nullifiers/{value}/audit", s.handleAuditTrail)
	})

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("Listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
