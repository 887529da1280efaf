// Package worker runs the outbound half of replication: a single background
// loop that drains the replication queue, builds per-database batches and
// ships them to every enabled peer. All network retries live here; producers
// never wait on the wire.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/apply"
	"github.com/driftsync/driftsync/internal/change"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/registry"
)

// Gate is the global replication on/off switch, checked at the top of every
// iteration so an operator can pause shipping without killing the process.
type Gate interface {
	Enabled() bool
}

// Transport ships one batch to one peer.
type Transport interface {
	PostBatch(ctx context.Context, server *registry.Server, batch *change.Batch) (*apply.Result, error)
}

type Config struct {
	BatchSize    int
	BatchWindow  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

const maxRetryBackoff = 30 * time.Second

// Stats is a snapshot of worker activity for the admin status surface.
type Stats struct {
	BatchesSent  uint64    `json:"batches_sent"`
	RecordsSent  uint64    `json:"records_sent"`
	SendFailures uint64    `json:"send_failures"`
	LastError    string    `json:"last_error,omitempty"`
	LastSendAt   time.Time `json:"last_send_at"`
}

type Worker struct {
	sourceID  string
	queue     *queue.Queue
	registry  *registry.Registry
	transport Transport
	gate      Gate
	config    Config

	mu    sync.Mutex
	stats Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
	log    zerolog.Logger
}

func New(sourceID string, q *queue.Queue, reg *registry.Registry, transport Transport, gate Gate, config Config, log zerolog.Logger) *Worker {
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	if config.BatchWindow <= 0 {
		config.BatchWindow = 250 * time.Millisecond
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	return &Worker{
		sourceID:  sourceID,
		queue:     q,
		registry:  reg,
		transport: transport,
		gate:      gate,
		config:    config,
		stopCh:    make(chan struct{}),
		log:       log.With().Str("component", "worker").Logger(),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !w.gate.Enabled() {
			// Paused: leave the queue alone so nothing is lost while the
			// operator has replication off.
			select {
			case <-time.After(w.config.BatchWindow):
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		recs := w.queue.Drain(w.config.BatchSize, w.config.BatchWindow)
		if len(recs) == 0 {
			continue
		}

		w.ship(ctx, recs)
	}
}

// ship builds one batch per origin database and sends each to every current
// replication target.
func (w *Worker) ship(ctx context.Context, recs []*change.Record) {
	if !w.gate.Enabled() {
		// The gate can close while Drain is waiting out the batching window.
		// Put the records back so a pause ships nothing.
		w.queue.Requeue(recs)
		return
	}

	targets := w.registry.ReplicationTargets()
	if len(targets) == 0 {
		// No reachable peers: the records are dropped here and repaired by
		// the next catch-up cycle once a peer returns.
		w.log.Debug().Int("records", len(recs)).Msg("no replication targets, discarding drained records")
		return
	}

	for _, group := range groupByOrigin(recs) {
		batch := change.NewBatch(w.sourceID, group)

		for _, target := range targets {
			if w.sendWithRetry(ctx, target, batch) {
				w.registry.RecordSyncSuccess(target.ID, time.Now())

				w.mu.Lock()
				w.stats.BatchesSent++
				w.stats.RecordsSent += uint64(len(batch.Records))
				w.stats.LastSendAt = time.Now()
				w.mu.Unlock()
			}
		}
	}
}

// sendWithRetry attempts delivery with exponential backoff up to the retry
// bound, then gives up. A dropped batch is logged and left to catch-up; the
// loop never blocks indefinitely on one peer.
func (w *Worker) sendWithRetry(ctx context.Context, target *registry.Server, batch *change.Batch) bool {
	backoff := w.config.RetryBackoff

	for attempt := 1; attempt <= w.config.MaxRetries; attempt++ {
		_, err := w.transport.PostBatch(ctx, target, batch)
		if err == nil {
			return true
		}

		w.mu.Lock()
		w.stats.SendFailures++
		w.stats.LastError = err.Error()
		w.mu.Unlock()

		w.log.Warn().
			Str("server", target.Name).
			Str("batch_id", batch.ID).
			Int("attempt", attempt).
			Err(err).
			Msg("batch delivery failed")

		if attempt == w.config.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff):
		case <-w.stopCh:
			return false
		case <-ctx.Done():
			return false
		}

		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}

	w.log.Error().
		Str("server", target.Name).
		Str("batch_id", batch.ID).
		Int("records", len(batch.Records)).
		Msg("dropping batch after exhausting retries, catch-up will repair")
	return false
}

func groupByOrigin(recs []*change.Record) map[change.Origin][]*change.Record {
	grouped := make(map[change.Origin][]*change.Record)
	for _, rec := range recs {
		grouped[rec.Origin] = append(grouped[rec.Origin], rec)
	}
	return grouped
}
