package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/alert"
)

// Pinger probes one peer for liveness. Implemented by the replication
// transport client.
type Pinger interface {
	Ping(ctx context.Context, server *Server) error
}

// Prober periodically health-checks every registered peer and feeds the
// results into the registry. It is the only component allowed to change
// is_active.
type Prober struct {
	registry  *Registry
	pinger    Pinger
	interval  time.Duration
	threshold int
	timeout   time.Duration
	alerts    *alert.Manager

	stopCh chan struct{}
	wg     sync.WaitGroup
	log    zerolog.Logger
}

func NewProber(registry *Registry, pinger Pinger, interval time.Duration, threshold int, log zerolog.Logger) *Prober {
	return &Prober{
		registry:  registry,
		pinger:    pinger,
		interval:  interval,
		threshold: threshold,
		timeout:   10 * time.Second,
		stopCh:    make(chan struct{}),
		log:       log.With().Str("component", "prober").Logger(),
	}
}

func (p *Prober) SetAlertManager(am *alert.Manager) {
	p.alerts = am
}

func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Prober) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probeAll(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, server := range p.registry.List() {
		if !server.SyncEnabled {
			continue
		}
		p.Probe(ctx, server.ID)
	}
}

// Probe runs one health check against a peer and records the outcome.
// Returns whether the peer answered.
func (p *Prober) Probe(ctx context.Context, id string) bool {
	server, ok := p.registry.Get(id)
	if !ok {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(probeCtx, server)
	wasActive := server.IsActive

	p.registry.RecordProbe(id, err == nil, p.threshold)

	if err != nil {
		p.log.Debug().Str("server_id", id).Str("name", server.Name).Err(err).Msg("probe failed")

		if updated, found := p.registry.Get(id); found && wasActive && !updated.IsActive && p.alerts != nil {
			_ = p.alerts.SendPeerDownAlert(server.Name, server.BaseURL(), p.registry.ConsecutiveFailures(id))
		}
		return false
	}

	return true
}
