// Package storage is the node-local durable state: the peer registry, the
// applied-change dedup ledger and free-form metadata, all in one bbolt file.
// The replication queue and the in-progress catch-up set are intentionally
// not persisted; a restart loses them and the next catch-up cycle repairs
// whatever was in flight.
package storage

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	ServersBucket  = []byte("servers")
	AppliedBucket  = []byte("applied")
	MetadataBucket = []byte("metadata")
)

type Storage struct {
	db *bolt.DB
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{ServersBucket, AppliedBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) PutServer(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ServersBucket).Put([]byte(id), data)
	})
}

func (s *Storage) GetServer(id string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(ServersBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("server not found: %s", id)
		}
		data = append([]byte(nil), v...)
		return nil
	})

	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Storage) DeleteServer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ServersBucket).Delete([]byte(id))
	})
}

// ListServers returns every persisted server record keyed by id.
func (s *Storage) ListServers() (map[string][]byte, error) {
	servers := make(map[string][]byte)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ServersBucket).ForEach(func(k, v []byte) error {
			servers[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})

	if err != nil {
		return nil, err
	}
	return servers, nil
}

// MarkApplied records a change hash in the dedup ledger with the time it was
// committed, so re-delivered copies of the same change become no-ops even
// across a restart.
func (s *Storage) MarkApplied(changeHash string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(AppliedBucket).Put([]byte(changeHash), []byte(at.UTC().Format(time.RFC3339Nano)))
	})
}

// MarkAppliedBatch records many hashes in one transaction.
func (s *Storage) MarkAppliedBatch(changeHashes []string, at time.Time) error {
	ts := []byte(at.UTC().Format(time.RFC3339Nano))
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(AppliedBucket)
		for _, h := range changeHashes {
			if err := bucket.Put([]byte(h), ts); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) WasApplied(changeHash string) (bool, error) {
	var applied bool

	err := s.db.View(func(tx *bolt.Tx) error {
		applied = tx.Bucket(AppliedBucket).Get([]byte(changeHash)) != nil
		return nil
	})

	return applied, err
}

// PruneApplied drops ledger entries older than the cutoff and reports how
// many were removed. The ledger only needs to outlive the sender's retry
// horizon, not grow forever.
func (s *Storage) PruneApplied(olderThan time.Time) (int, error) {
	pruned := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(AppliedBucket)
		cursor := bucket.Cursor()

		var stale [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			at, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil || at.Before(olderThan) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})

	if err != nil {
		return 0, err
	}
	return pruned, nil
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(MetadataBucket).Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(MetadataBucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
