// Package capture turns committed row mutations into queued change records.
// Two sources feed the same replication queue: the in-process Hook called by
// the data-access layer, and the WAL source that tails each database's
// logical replication stream.
package capture

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/change"
	"github.com/driftsync/driftsync/internal/queue"
)

// Recorder is the capability the storage layer calls synchronously on every
// committed insert, update or delete. Implementations must be cheap: enqueue
// only, no network I/O, and no error propagation back into the request path.
type Recorder interface {
	OnMutation(table string, op change.Operation, key, payload map[string]interface{})
}

// Hook is the default Recorder. It normalizes the table name, stamps the
// local sequence and change hash, and pushes the record onto the replication
// queue. A change it cannot represent is logged and dropped; it never fails
// the triggering request.
type Hook struct {
	sourceID string
	catalog  *change.Catalog
	queue    *queue.Queue
	seq      atomic.Uint64
	log      zerolog.Logger
}

func NewHook(sourceID string, catalog *change.Catalog, q *queue.Queue, log zerolog.Logger) *Hook {
	return &Hook{
		sourceID: sourceID,
		catalog:  catalog,
		queue:    q,
		log:      log.With().Str("component", "capture").Logger(),
	}
}

func (h *Hook) OnMutation(table string, op change.Operation, key, payload map[string]interface{}) {
	spec, ok := h.catalog.Resolve(table)
	if !ok {
		h.log.Debug().Str("table", table).Msg("mutation on untracked table ignored")
		return
	}

	if len(key) == 0 {
		h.log.Warn().Str("table", spec.Name).Str("operation", string(op)).Msg("mutation without primary key dropped")
		return
	}

	if op == change.OperationDelete {
		payload = nil
	}

	if _, err := json.Marshal(payload); err != nil {
		h.log.Warn().Str("table", spec.Name).Err(err).Msg("unserializable payload dropped")
		return
	}
	if _, err := json.Marshal(key); err != nil {
		h.log.Warn().Str("table", spec.Name).Err(err).Msg("unserializable primary key dropped")
		return
	}

	rec := &change.Record{
		TableName:      spec.Name,
		Operation:      op,
		PrimaryKey:     key,
		Payload:        payload,
		Origin:         spec.Origin,
		SourceServerID: h.sourceID,
		Sequence:       h.seq.Add(1),
		CreatedAt:      time.Now().UTC(),
	}
	rec.Hash = rec.ComputeHash()

	h.queue.Push(rec)
}
