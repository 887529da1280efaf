// Package engine ties the replication components together: the queue, the
// outbound worker, the peer prober, the catch-up scheduler and the applied
// ledger, all behind one Start/Stop lifecycle and one status snapshot.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/capture"
	"github.com/driftsync/driftsync/internal/catchup"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/registry"
	"github.com/driftsync/driftsync/internal/storage"
	"github.com/driftsync/driftsync/internal/worker"
)

const pruneInterval = time.Hour

type Engine struct {
	sourceID  string
	gate      *Gate
	queue     *queue.Queue
	worker    *worker.Worker
	scheduler *catchup.Scheduler
	registry  *registry.Registry
	prober    *registry.Prober
	store     *storage.Storage
	wal       []*capture.WALSource
	retention time.Duration

	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
	log       zerolog.Logger
}

type Config struct {
	SourceID        string
	Gate            *Gate
	Queue           *queue.Queue
	Worker          *worker.Worker
	Scheduler       *catchup.Scheduler
	Registry        *registry.Registry
	Prober          *registry.Prober
	Store           *storage.Storage
	WALSources      []*capture.WALSource
	LedgerRetention time.Duration
}

func New(config Config, log zerolog.Logger) *Engine {
	retention := config.LedgerRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	return &Engine{
		sourceID:  config.SourceID,
		gate:      config.Gate,
		queue:     config.Queue,
		worker:    config.Worker,
		scheduler: config.Scheduler,
		registry:  config.Registry,
		prober:    config.Prober,
		store:     config.Store,
		wal:       config.WALSources,
		retention: retention,
		stopCh:    make(chan struct{}),
		log:       log.With().Str("component", "engine").Logger(),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.startedAt = time.Now()

	for _, source := range e.wal {
		if err := source.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize wal capture: %w", err)
		}
		if err := source.Start(ctx); err != nil {
			return fmt.Errorf("failed to start wal capture: %w", err)
		}
	}

	if e.worker != nil {
		e.worker.Start(ctx)
	}
	if e.prober != nil {
		e.prober.Start(ctx)
	}
	if e.scheduler != nil {
		e.scheduler.Start(ctx)
	}
	if e.store != nil {
		e.wg.Add(1)
		go e.pruneLoop(ctx)
	}

	e.log.Info().Str("server_id", e.sourceID).Msg("replication engine started")
	return nil
}

// Stop shuts the components down back to front: first the schedulers that
// create work, then the worker that drains it, then capture.
func (e *Engine) Stop() {
	close(e.stopCh)

	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if e.prober != nil {
		e.prober.Stop()
	}
	if e.worker != nil {
		e.worker.Stop()
	}
	for _, source := range e.wal {
		if err := source.Stop(context.Background()); err != nil {
			e.log.Warn().Err(err).Msg("wal capture did not stop cleanly")
		}
	}
	if e.queue != nil {
		e.queue.Close()
	}

	e.wg.Wait()
	e.log.Info().Msg("replication engine stopped")
}

func (e *Engine) Gate() *Gate {
	return e.gate
}

func (e *Engine) EnableReplication() {
	e.gate.Enable()
	e.log.Info().Msg("replication enabled")
}

func (e *Engine) DisableReplication() {
	e.gate.Disable()
	e.log.Info().Msg("replication disabled")
}

// pruneLoop trims applied-ledger entries past the retention window. Without
// it the dedup ledger grows without bound; entries older than the window can
// no longer collide with a live retry or catch-up replay.
func (e *Engine) pruneLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pruneOnce()
		}
	}
}

func (e *Engine) pruneOnce() {
	pruned, err := e.store.PruneApplied(time.Now().Add(-e.retention))
	if err != nil {
		e.log.Error().Err(err).Msg("failed to prune applied ledger")
		return
	}
	if pruned > 0 {
		e.log.Info().Int("pruned", pruned).Msg("pruned applied ledger entries")
	}
}

type PeerStatus struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	IsActive            bool      `json:"is_active"`
	SyncEnabled         bool      `json:"sync_enabled"`
	DatabaseSync        bool      `json:"database_sync"`
	LastSync            time.Time `json:"last_sync"`
	LastPing            time.Time `json:"last_ping"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type Status struct {
	ServerID           string              `json:"server_id"`
	UptimeSeconds      int64               `json:"uptime_seconds"`
	ReplicationEnabled bool                `json:"replication_enabled"`
	QueueDepth         int                 `json:"queue_depth"`
	Worker             worker.Stats        `json:"worker"`
	CatchupJobs        []catchup.JobStatus `json:"catchup_jobs"`
	CatchupOutcomes    []catchup.JobStatus `json:"catchup_outcomes"`
	Servers            []PeerStatus        `json:"servers"`
}

// Status assembles a point-in-time snapshot for the status endpoint and CLI.
func (e *Engine) Status() Status {
	status := Status{
		ServerID:           e.sourceID,
		ReplicationEnabled: e.gate.Enabled(),
	}
	if !e.startedAt.IsZero() {
		status.UptimeSeconds = int64(time.Since(e.startedAt).Seconds())
	}
	if e.queue != nil {
		status.QueueDepth = e.queue.Len()
	}
	if e.worker != nil {
		status.Worker = e.worker.Stats()
	}
	if e.scheduler != nil {
		status.CatchupJobs = e.scheduler.InProgress()
		status.CatchupOutcomes = e.scheduler.Outcomes()
	}
	if e.registry != nil {
		for _, server := range e.registry.List() {
			status.Servers = append(status.Servers, PeerStatus{
				ID:                  server.ID,
				Name:                server.Name,
				IsActive:            server.IsActive,
				SyncEnabled:         server.SyncEnabled,
				DatabaseSync:        server.DatabaseSync,
				LastSync:            server.LastSync,
				LastPing:            server.LastPing,
				ConsecutiveFailures: e.registry.ConsecutiveFailures(server.ID),
			})
		}
	}
	return status
}
