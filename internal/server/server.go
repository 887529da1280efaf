// Package server exposes the replication HTTP surface: the health endpoint
// peers probe, the two batch intake endpoints, and the admin API for managing
// the server registry and the replication gate.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/apply"
	"github.com/driftsync/driftsync/internal/catchup"
	"github.com/driftsync/driftsync/internal/change"
	"github.com/driftsync/driftsync/internal/engine"
	"github.com/driftsync/driftsync/internal/registry"
)

// Applier is the inbound batch path shared by the receive and catch-up
// endpoints.
type Applier interface {
	Apply(ctx context.Context, batch *change.Batch) (*apply.Result, error)
}

// Scheduler is the slice of the catch-up scheduler the admin API drives.
type Scheduler interface {
	ForceCatchup(ctx context.Context, serverID string) error
}

// Prober lets the admin API ping one peer on demand.
type Prober interface {
	Probe(ctx context.Context, id string) bool
}

type Config struct {
	ServerID   string
	ServerName string
	Addr       string
}

type Server struct {
	config    Config
	applier   Applier
	engine    *engine.Engine
	registry  *registry.Registry
	scheduler Scheduler
	prober    Prober
	sources   map[change.Origin]catchup.Source
	catalog   *change.Catalog

	httpServer *http.Server
	log        zerolog.Logger
}

func New(config Config, applier Applier, eng *engine.Engine, reg *registry.Registry, scheduler Scheduler, prober Prober, sources map[change.Origin]catchup.Source, catalog *change.Catalog, log zerolog.Logger) *Server {
	return &Server{
		config:    config,
		applier:   applier,
		engine:    eng,
		registry:  reg,
		scheduler: scheduler,
		prober:    prober,
		sources:   sources,
		catalog:   catalog,
		log:       log.With().Str("component", "server").Logger(),
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/changes/receive", s.handleReceive).Methods("POST")
	router.HandleFunc("/changes/catchup", s.handleCatchup).Methods("POST")

	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/status", s.handleStatus).Methods("GET")
	admin.HandleFunc("/servers", s.handleListServers).Methods("GET")
	admin.HandleFunc("/servers", s.handleAddServer).Methods("POST")
	admin.HandleFunc("/servers/{id}", s.handleUpdateServer).Methods("PUT")
	admin.HandleFunc("/servers/{id}", s.handleDeleteServer).Methods("DELETE")
	admin.HandleFunc("/servers/{id}/ping", s.handlePingServer).Methods("POST")
	admin.HandleFunc("/servers/{id}/catchup", s.handleForceCatchup).Methods("POST")
	admin.HandleFunc("/replication/enable", s.handleEnableReplication).Methods("POST")
	admin.HandleFunc("/replication/disable", s.handleDisableReplication).Methods("POST")

	return router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", s.config.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
