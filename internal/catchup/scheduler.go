// Package catchup detects peers that have fallen behind and repairs them in
// bulk. Divergence is judged by data presence (row counts, max keys and
// identifier-set digests), never by elapsed time: wall-clock heuristics both
// re-queue healthy peers and miss peers that died exactly one threshold ago.
package catchup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/alert"
	"github.com/driftsync/driftsync/internal/apply"
	"github.com/driftsync/driftsync/internal/change"
	"github.com/driftsync/driftsync/internal/registry"
)

type State string

const (
	StateIdle       State = "idle"
	StateDetected   State = "detected"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// JobStatus tracks one peer's catch-up: the running job while it lasts, then
// its terminal outcome. Held in memory only: a restart clears it and the next
// cycle re-detects whatever still diverges.
type JobStatus struct {
	ServerID   string    `json:"server_id"`
	State      State     `json:"state"`
	Tables     []string  `json:"tables,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Gate mirrors the worker's global pause switch.
type Gate interface {
	Enabled() bool
}

// Source exports one local database's footprints and rows.
type Source interface {
	Footprint(ctx context.Context, table *change.TableSpec) (change.Footprint, error)
	ExportChunks(ctx context.Context, table *change.TableSpec, chunkSize int, fn func(recs []*change.Record) error) error
}

// Transport is the outbound surface the scheduler needs from the replication
// client.
type Transport interface {
	Health(ctx context.Context, server *registry.Server, footprints bool) (*change.HealthInfo, error)
	PostCatchup(ctx context.Context, server *registry.Server, batch *change.Batch) (*apply.Result, error)
}

type Config struct {
	Interval       time.Duration
	ChunkSize      int
	FailureBackoff time.Duration
}

type Scheduler struct {
	sourceID  string
	registry  *registry.Registry
	catalog   *change.Catalog
	sources   map[change.Origin]Source
	transport Transport
	gate      Gate
	config    Config
	alerts    *alert.Manager

	// inProgress and lastFailure share one lock; check-then-insert on
	// inProgress is a single critical section so two overlapping cycles can
	// never both start a job for the same peer.
	mu          sync.Mutex
	inProgress  map[string]*JobStatus
	outcomes    map[string]*JobStatus
	lastFailure map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	log    zerolog.Logger
}

func New(sourceID string, reg *registry.Registry, catalog *change.Catalog, sources map[change.Origin]Source, transport Transport, gate Gate, config Config, log zerolog.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 500
	}
	if config.FailureBackoff <= 0 {
		config.FailureBackoff = 5 * time.Minute
	}

	return &Scheduler{
		sourceID:    sourceID,
		registry:    reg,
		catalog:     catalog,
		sources:     sources,
		transport:   transport,
		gate:        gate,
		config:      config,
		inProgress:  make(map[string]*JobStatus),
		outcomes:    make(map[string]*JobStatus),
		lastFailure: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		log:         log.With().Str("component", "catchup").Logger(),
	}
}

func (s *Scheduler) SetAlertManager(am *alert.Manager) {
	s.alerts = am
}

func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// InProgress returns a snapshot of current jobs for the status surface.
func (s *Scheduler) InProgress() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]JobStatus, 0, len(s.inProgress))
	for _, job := range s.inProgress {
		jobs = append(jobs, *job)
	}
	return jobs
}

// Outcomes returns each peer's most recent finished job, so the status
// surface can show a completed or failed catch-up after the job itself has
// released its slot.
func (s *Scheduler) Outcomes() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]JobStatus, 0, len(s.outcomes))
	for _, job := range s.outcomes {
		jobs = append(jobs, *job)
	}
	return jobs
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.gate.Enabled() {
				continue
			}
			s.Cycle(ctx)
		}
	}
}

// Cycle inspects every eligible peer once. Exported so the admin surface and
// tests can drive a cycle directly.
func (s *Scheduler) Cycle(ctx context.Context) {
	for _, server := range s.registry.List() {
		if !server.CatchupCandidate() {
			continue
		}
		s.checkPeer(ctx, server)
	}
}

func (s *Scheduler) checkPeer(ctx context.Context, server *registry.Server) {
	info, err := s.transport.Health(ctx, server, true)
	if err != nil {
		s.log.Debug().Str("server", server.Name).Err(err).Msg("footprint request failed")
		return
	}

	var divergent []*change.TableSpec
	for _, spec := range s.catalog.Tables() {
		source, ok := s.sources[spec.Origin]
		if !ok {
			continue
		}

		local, err := source.Footprint(ctx, spec)
		if err != nil {
			s.log.Warn().Str("table", spec.Name).Err(err).Msg("local footprint query failed")
			continue
		}

		if needsCatchup(local, info.Footprints[spec.Name]) {
			divergent = append(divergent, spec)
		}
	}

	if len(divergent) == 0 {
		return
	}

	names := make([]string, len(divergent))
	for i, spec := range divergent {
		names[i] = spec.Name
	}

	if !s.tryBegin(server.ID, names) {
		return
	}

	s.log.Info().Str("server", server.Name).Strs("tables", names).Msg("divergence detected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJob(ctx, server, divergent)
	}()
}

// needsCatchup decides whether the local node holds data the peer lacks.
// Counts alone are not enough: equal counts with different identifier sets
// still diverge. A peer that is strictly ahead is left alone; its own
// scheduler pushes in the other direction.
func needsCatchup(local, peer change.Footprint) bool {
	if local.Rows == 0 {
		return false
	}
	if local.Rows > peer.Rows || local.MaxKey > peer.MaxKey {
		return true
	}
	return local.Rows == peer.Rows && local.KeyDigest != peer.KeyDigest
}

// tryBegin atomically claims the per-server job slot. Returns false when a
// job is already running or the peer is still in its failure backoff.
func (s *Scheduler) tryBegin(serverID string, tables []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inProgress[serverID]; busy {
		s.log.Debug().Str("server_id", serverID).Msg("catch-up already in progress, skipping detection")
		return false
	}

	if failedAt, ok := s.lastFailure[serverID]; ok && time.Since(failedAt) < s.config.FailureBackoff {
		s.log.Debug().Str("server_id", serverID).Msg("peer in failure backoff, skipping")
		return false
	}

	s.inProgress[serverID] = &JobStatus{
		ServerID:  serverID,
		State:     StateDetected,
		Tables:    tables,
		StartedAt: time.Now(),
	}
	return true
}

// runJob streams the full content of each divergent table to the peer in
// chunked batches through the same applier path as real-time changes. The
// server id leaves the in-progress set on success and failure alike, with
// the terminal state kept in the outcomes map.
func (s *Scheduler) runJob(ctx context.Context, server *registry.Server, tables []*change.TableSpec) {
	s.setState(server.ID, StateInProgress, "")

	for _, spec := range tables {
		source := s.sources[spec.Origin]

		err := source.ExportChunks(ctx, spec, s.config.ChunkSize, func(recs []*change.Record) error {
			batch := change.NewBatch(s.sourceID, recs)
			if _, err := s.transport.PostCatchup(ctx, server, batch); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			s.finish(server.ID, StateFailed, err.Error())

			s.mu.Lock()
			s.lastFailure[server.ID] = time.Now()
			s.mu.Unlock()

			s.log.Error().Str("server", server.Name).Str("table", spec.Name).Err(err).Msg("catch-up failed")
			if s.alerts != nil {
				_ = s.alerts.SendCatchupFailedAlert(server.Name, fmt.Sprintf("table %s: %v", spec.Name, err))
			}
			return
		}
	}

	s.mu.Lock()
	delete(s.lastFailure, server.ID)
	s.mu.Unlock()

	s.finish(server.ID, StateCompleted, "")
	s.registry.RecordSyncSuccess(server.ID, time.Now())
	s.log.Info().Str("server", server.Name).Int("tables", len(tables)).Msg("catch-up completed")
}

// ForceCatchup starts a catch-up of every tracked table for one peer,
// bypassing divergence detection but honoring the in-progress set.
func (s *Scheduler) ForceCatchup(ctx context.Context, serverID string) error {
	server, ok := s.registry.Get(serverID)
	if !ok {
		return fmt.Errorf("server not found: %s", serverID)
	}

	tables := s.catalog.Tables()
	names := make([]string, len(tables))
	for i, spec := range tables {
		names[i] = spec.Name
	}

	// Forced runs ignore the failure backoff but never double up on a
	// running job.
	s.mu.Lock()
	delete(s.lastFailure, serverID)
	s.mu.Unlock()

	if !s.tryBegin(serverID, names) {
		return fmt.Errorf("catch-up already in progress for %s", serverID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJob(ctx, server, tables)
	}()

	return nil
}

func (s *Scheduler) setState(serverID string, state State, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.inProgress[serverID]; ok {
		job.State = state
		job.Error = errMsg
	}
}

// finish moves a job from the in-progress set to the outcomes map in one
// critical section, so the slot release and the recorded terminal state can
// never be observed apart.
func (s *Scheduler) finish(serverID string, state State, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.inProgress[serverID]
	if !ok {
		return
	}
	delete(s.inProgress, serverID)

	job.State = state
	job.Error = errMsg
	job.FinishedAt = time.Now()
	s.outcomes[serverID] = job
}
