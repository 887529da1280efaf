// Package apply is the receiving side of replication: it verifies incoming
// batches, weeds out duplicates and reflected changes, coerces wire values
// back to native types and applies each record idempotently inside its own
// database's transaction. The two local databases are two independent
// transactional resources; their outcomes are reported separately and never
// merged into a single pass/fail.
package apply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/change"
)

// Target applies one database's share of a batch in a single transaction.
// Implementations upsert by primary key for inserts and updates, and treat
// deleting an absent row as success.
type Target interface {
	Origin() change.Origin
	ApplyRecords(ctx context.Context, recs []*change.Record) error
}

// Ledger is the persisted applied-change dedup ledger.
type Ledger interface {
	WasApplied(changeHash string) (bool, error)
	MarkAppliedBatch(changeHashes []string, at time.Time) error
}

type Status string

const (
	StatusCommitted       Status = "committed"
	StatusPartiallyFailed Status = "partially_failed"
	StatusRejected        Status = "rejected"
)

// DatabaseResult is one database's share of a batch outcome.
type DatabaseResult struct {
	Applied int    `json:"applied"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// Result reports a batch outcome per database so the sender can retry one
// database's portion in isolation.
type Result struct {
	Status Status         `json:"status"`
	AppDB  DatabaseResult `json:"app_db"`
	AuthDB DatabaseResult `json:"auth_db"`
}

func (r *Result) resultFor(origin change.Origin) *DatabaseResult {
	if origin == change.OriginAuth {
		return &r.AuthDB
	}
	return &r.AppDB
}

type Applier struct {
	localID string
	catalog *change.Catalog
	targets map[change.Origin]Target
	ledger  Ledger

	mu            sync.Mutex
	unknownTables map[string]bool
	badColumns    map[string]bool

	log zerolog.Logger
}

func NewApplier(localID string, catalog *change.Catalog, targets []Target, ledger Ledger, log zerolog.Logger) *Applier {
	byOrigin := make(map[change.Origin]Target, len(targets))
	for _, t := range targets {
		byOrigin[t.Origin()] = t
	}

	return &Applier{
		localID:       localID,
		catalog:       catalog,
		targets:       byOrigin,
		ledger:        ledger,
		unknownTables: make(map[string]bool),
		badColumns:    make(map[string]bool),
		log:           log.With().Str("component", "applier").Logger(),
	}
}

// Apply verifies and applies one batch. A checksum mismatch rejects the whole
// batch with zero side effects. Otherwise each database's records run in that
// database's transaction; a failure in one never rolls back the other.
// Applying the same batch twice is safe: the ledger turns duplicates into
// skips.
func (a *Applier) Apply(ctx context.Context, batch *change.Batch) (*Result, error) {
	result := &Result{Status: StatusCommitted}

	if err := batch.Verify(); err != nil {
		result.Status = StatusRejected
		a.log.Warn().Str("batch_id", batch.ID).Err(err).Msg("batch rejected")
		return result, NewChecksumError(batch.ID, err.Error())
	}

	grouped := make(map[change.Origin][]*change.Record)
	for _, rec := range batch.Records {
		spec, ok := a.catalog.Resolve(rec.TableName)
		if !ok {
			a.warnUnknownTable(rec.TableName)
			result.resultFor(rec.Origin).Skipped++
			continue
		}

		// The catalog is authoritative for which database owns a table.
		rec.TableName = spec.Name
		rec.Origin = spec.Origin

		if rec.SourceServerID == a.localID {
			// Our own change reflected back; applying it could overwrite a
			// newer local write.
			result.resultFor(rec.Origin).Skipped++
			continue
		}

		applied, err := a.ledger.WasApplied(rec.Hash)
		if err != nil {
			a.log.Warn().Str("change_hash", rec.Hash).Err(err).Msg("ledger lookup failed, applying anyway")
		}
		if applied {
			result.resultFor(rec.Origin).Skipped++
			continue
		}

		a.coerceRecord(rec)
		grouped[rec.Origin] = append(grouped[rec.Origin], rec)
	}

	for origin, recs := range grouped {
		dbResult := result.resultFor(origin)

		target, ok := a.targets[origin]
		if !ok {
			dbResult.Error = fmt.Sprintf("no target for origin database %s", origin)
			result.Status = StatusPartiallyFailed
			continue
		}

		if err := target.ApplyRecords(ctx, recs); err != nil {
			dbResult.Error = err.Error()
			result.Status = StatusPartiallyFailed
			a.log.Error().Str("batch_id", batch.ID).Str("origin", string(origin)).Err(err).Msg("database apply failed")
			continue
		}

		dbResult.Applied += len(recs)

		hashes := make([]string, len(recs))
		for i, rec := range recs {
			hashes[i] = rec.Hash
		}
		if err := a.ledger.MarkAppliedBatch(hashes, time.Now()); err != nil {
			a.log.Warn().Str("batch_id", batch.ID).Err(err).Msg("failed to record applied hashes")
		}
	}

	if result.Status == StatusPartiallyFailed {
		return result, &PartialFailureError{
			BatchID: batch.ID,
			AppErr:  result.AppDB.Error,
			AuthErr: result.AuthDB.Error,
		}
	}

	return result, nil
}

// coerceRecord parses timestamp-typed payload fields from their wire form
// into native times. An unparsable value is logged once per column and left
// as a string rather than failing the record.
func (a *Applier) coerceRecord(rec *change.Record) {
	for col, val := range rec.Payload {
		if !IsTimestampColumn(col) {
			continue
		}

		str, isString := val.(string)
		if !isString || str == "" {
			continue
		}

		if t, ok := ParseTimestamp(str); ok {
			rec.Payload[col] = t
		} else {
			a.warnBadColumn(rec.TableName, col, str)
		}
	}
}

// warnUnknownTable logs one warning per unique table name per process
// lifetime. Schema drift between peers can push thousands of records for the
// same unknown table through here.
func (a *Applier) warnUnknownTable(table string) {
	a.mu.Lock()
	seen := a.unknownTables[table]
	a.unknownTables[table] = true
	a.mu.Unlock()

	if !seen {
		a.log.Warn().Str("table", table).Msg("skipping records for unknown table")
	}
}

func (a *Applier) warnBadColumn(table, column, value string) {
	key := table + "." + column
	a.mu.Lock()
	seen := a.badColumns[key]
	a.badColumns[key] = true
	a.mu.Unlock()

	if !seen {
		a.log.Warn().Str("column", key).Str("value", value).Msg("unparsable timestamp left as string")
	}
}
