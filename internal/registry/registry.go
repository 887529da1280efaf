// Package registry holds the configured peer servers. One lock-protected
// registry instance is shared by the replication worker, the catch-up
// scheduler and the admin API, so none of them can ever see a peer the
// others do not. Mutations are persisted to the node's local store before
// they become visible.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/storage"
)

// Server is one configured peer.
type Server struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`

	IsActive    bool `json:"is_active"`
	SyncEnabled bool `json:"sync_enabled"`
	IsPrimary   bool `json:"is_primary"`

	LastSync time.Time `json:"last_sync"`
	LastPing time.Time `json:"last_ping"`

	DatabaseSync     bool `json:"database_sync"`
	InstanceFileSync bool `json:"instance_file_sync"`
	ConfigSync       bool `json:"config_sync"`
	UploadSync       bool `json:"upload_sync"`
}

func (s *Server) BaseURL() string {
	protocol := s.Protocol
	if protocol == "" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s:%d", protocol, s.Host, s.Port)
}

// ReplicationTarget reports whether the worker should ship database changes
// to this peer right now. A peer the prober has confirmed down is skipped;
// catch-up repairs it once it returns.
func (s *Server) ReplicationTarget() bool {
	return s.SyncEnabled && s.DatabaseSync && s.IsActive
}

// CatchupCandidate reports whether the scheduler should compare footprints
// with this peer.
func (s *Server) CatchupCandidate() bool {
	return s.SyncEnabled && s.DatabaseSync && s.IsActive
}

type Registry struct {
	mu       sync.RWMutex
	store    *storage.Storage
	servers  map[string]*Server
	failures map[string]int
	log      zerolog.Logger
}

// Load builds the registry from the persisted server records.
func Load(store *storage.Storage, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		store:    store,
		servers:  make(map[string]*Server),
		failures: make(map[string]int),
		log:      log.With().Str("component", "registry").Logger(),
	}

	persisted, err := store.ListServers()
	if err != nil {
		return nil, fmt.Errorf("failed to load servers: %w", err)
	}

	for id, data := range persisted {
		var server Server
		if err := json.Unmarshal(data, &server); err != nil {
			r.log.Warn().Str("server_id", id).Err(err).Msg("skipping unreadable server record")
			continue
		}
		r.servers[server.ID] = &server
	}

	return r, nil
}

// Add registers a new peer, assigning an id when the caller did not supply
// one. The record is persisted before it becomes visible to readers.
func (r *Registry) Add(server *Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	if _, exists := r.servers[server.ID]; exists {
		return fmt.Errorf("server already registered: %s", server.ID)
	}
	if server.Protocol == "" {
		server.Protocol = "http"
	}

	if err := r.persist(server); err != nil {
		return err
	}

	clone := *server
	r.servers[server.ID] = &clone
	r.log.Info().Str("server_id", server.ID).Str("name", server.Name).Msg("peer registered")
	return nil
}

func (r *Registry) Update(server *Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[server.ID]; !exists {
		return fmt.Errorf("server not found: %s", server.ID)
	}

	if err := r.persist(server); err != nil {
		return err
	}

	clone := *server
	r.servers[server.ID] = &clone
	return nil
}

// Delete removes a peer from the registry and the store. Because the worker
// and the scheduler read the same registry, the peer disappears from both
// fan-out and catch-up in one step.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[id]; !exists {
		return fmt.Errorf("server not found: %s", id)
	}

	if err := r.store.DeleteServer(id); err != nil {
		return fmt.Errorf("failed to delete server %s: %w", id, err)
	}

	delete(r.servers, id)
	delete(r.failures, id)
	r.log.Info().Str("server_id", id).Msg("peer removed")
	return nil
}

// Get returns a copy of one server.
func (r *Registry) Get(id string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, ok := r.servers[id]
	if !ok {
		return nil, false
	}
	clone := *server
	return &clone, true
}

// List returns copies of all servers sorted by name.
func (r *Registry) List() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := make([]*Server, 0, len(r.servers))
	for _, server := range r.servers {
		clone := *server
		servers = append(servers, &clone)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers
}

// ReplicationTargets returns the peers the worker should currently fan out to.
func (r *Registry) ReplicationTargets() []*Server {
	var targets []*Server
	for _, server := range r.List() {
		if server.ReplicationTarget() {
			targets = append(targets, server)
		}
	}
	return targets
}

// RecordSyncSuccess stamps last_sync after a completed catch-up or delivered
// batch.
func (r *Registry) RecordSyncSuccess(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.servers[id]
	if !ok {
		return
	}
	server.LastSync = at
	if err := r.persist(server); err != nil {
		r.log.Warn().Str("server_id", id).Err(err).Msg("failed to persist last_sync")
	}
}

// RecordProbe applies one health-probe outcome. Only a positive probe may set
// is_active; it takes threshold consecutive probe failures to clear it. A
// single failed replication send never reaches this method.
func (r *Registry) RecordProbe(id string, ok bool, threshold int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, exists := r.servers[id]
	if !exists {
		return
	}

	server.LastPing = time.Now()

	if ok {
		r.failures[id] = 0
		if !server.IsActive {
			r.log.Info().Str("server_id", id).Str("name", server.Name).Msg("peer is reachable again")
		}
		server.IsActive = true
	} else {
		r.failures[id]++
		if r.failures[id] >= threshold && server.IsActive {
			server.IsActive = false
			r.log.Warn().
				Str("server_id", id).
				Str("name", server.Name).
				Int("consecutive_failures", r.failures[id]).
				Msg("peer marked unreachable")
		}
	}

	if err := r.persist(server); err != nil {
		r.log.Warn().Str("server_id", id).Err(err).Msg("failed to persist probe result")
	}
}

// ConsecutiveFailures returns the current probe failure streak for a peer.
func (r *Registry) ConsecutiveFailures(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failures[id]
}

func (r *Registry) persist(server *Server) error {
	data, err := json.Marshal(server)
	if err != nil {
		return fmt.Errorf("failed to marshal server %s: %w", server.ID, err)
	}
	if err := r.store.PutServer(server.ID, data); err != nil {
		return fmt.Errorf("failed to persist server %s: %w", server.ID, err)
	}
	return nil
}
