// Package change defines the wire-level units of replication: a Record is one
// captured row mutation, a Batch is a checksummed group of records sent in one
// network exchange, and a Footprint summarizes a table's data presence for
// catch-up comparison.
package change

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/internal/hash"
)

type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Origin identifies which of the two local databases a table lives in.
type Origin string

const (
	OriginApp  Origin = "app"
	OriginAuth Origin = "auth"
)

func (o Origin) Valid() bool {
	return o == OriginApp || o == OriginAuth
}

// Record is one captured row mutation queued for replication. Payload is
// absent for deletes; PrimaryKey always carries the full key, composite or
// scalar.
type Record struct {
	TableName      string                 `json:"table_name"`
	Operation      Operation              `json:"operation"`
	PrimaryKey     map[string]interface{} `json:"primary_key"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Origin         Origin                 `json:"origin_database"`
	SourceServerID string                 `json:"source_server_id"`
	Sequence       uint64                 `json:"sequence"`
	CreatedAt      time.Time              `json:"created_at"`
	Hash           string                 `json:"change_hash"`
}

// ComputeHash returns the deterministic dedup hash over table, operation,
// primary key and payload. Sequence and CreatedAt are deliberately excluded:
// the same logical change re-captured during catch-up must hash identically.
func (r *Record) ComputeHash() string {
	seed := fmt.Sprintf("%s|%s|%s|%s",
		r.TableName,
		r.Operation,
		hash.CalculateMap(r.PrimaryKey),
		hash.CalculateMap(r.Payload),
	)
	return hash.CalculateString(seed)
}

// Batch is a bounded group of records sent in one network call. Checksum
// covers the ordered list of record hashes; a receiver accepts the batch only
// if recomputation matches.
type Batch struct {
	ID             string    `json:"batch_id"`
	SourceServerID string    `json:"source_server_id"`
	Checksum       string    `json:"batch_checksum"`
	Records        []*Record `json:"records"`
}

// NewBatch stamps missing record hashes and seals the batch checksum.
func NewBatch(sourceServerID string, records []*Record) *Batch {
	for _, r := range records {
		if r.Hash == "" {
			r.Hash = r.ComputeHash()
		}
	}

	b := &Batch{
		ID:             uuid.New().String(),
		SourceServerID: sourceServerID,
		Records:        records,
	}
	b.Checksum = b.ComputeChecksum()
	return b
}

func (b *Batch) ComputeChecksum() string {
	hashes := make([]string, len(b.Records))
	for i, r := range b.Records {
		hashes[i] = r.Hash
	}
	return hash.Checksum(hashes)
}

// Verify recomputes record hashes and the batch checksum over the records as
// received. Any altered byte in any payload fails verification.
func (b *Batch) Verify() error {
	for i, r := range b.Records {
		if r.Hash == "" {
			return fmt.Errorf("record %d has no change hash", i)
		}
		if recomputed := r.ComputeHash(); recomputed != r.Hash {
			return fmt.Errorf("record %d hash mismatch: expected %s, got %s", i, r.Hash, recomputed)
		}
	}

	if recomputed := b.ComputeChecksum(); recomputed != b.Checksum {
		return fmt.Errorf("batch checksum mismatch: expected %s, got %s", b.Checksum, recomputed)
	}

	return nil
}

// HealthInfo is the body of the health endpoint: server identity, enabled
// sync categories and, when requested, per-table footprints for catch-up
// comparison.
type HealthInfo struct {
	ServerID           string               `json:"server_id"`
	Name               string               `json:"name"`
	Status             string               `json:"status"`
	ReplicationEnabled bool                 `json:"replication_enabled"`
	DatabaseSync       bool                 `json:"database_sync"`
	InstanceFileSync   bool                 `json:"instance_file_sync"`
	ConfigSync         bool                 `json:"config_sync"`
	UploadSync         bool                 `json:"upload_sync"`
	Footprints         map[string]Footprint `json:"footprints,omitempty"`
}

// Footprint is one table's data presence: row count, highest primary key and
// a digest of the sorted identifier set. Equal counts can mask divergence, so
// comparison uses the digest, never the count alone.
type Footprint struct {
	Rows      int64  `json:"rows"`
	MaxKey    int64  `json:"max_key"`
	KeyDigest string `json:"key_digest"`
}

func (f Footprint) Equal(other Footprint) bool {
	return f.Rows == other.Rows && f.MaxKey == other.MaxKey && f.KeyDigest == other.KeyDigest
}

// DigestKeys computes the identifier-set digest over an already-sorted list
// of primary key values in their textual form.
func DigestKeys(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	hashes := make([]string, len(keys))
	copy(hashes, keys)
	return hash.Checksum(hashes)
}
