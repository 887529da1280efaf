// Package db holds the pgxpool-backed access layer for the two physical
// databases. Each Database value wraps one pool and serves both directions of
// replication: applying inbound records transactionally and exporting local
// rows and footprints for catch-up.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/change"
)

type Database struct {
	origin   change.Origin
	sourceID string
	pool     *pgxpool.Pool
	catalog  *change.Catalog
	log      zerolog.Logger
}

func Connect(ctx context.Context, origin change.Origin, connString, sourceID string, catalog *change.Catalog, log zerolog.Logger) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", origin, err)
	}

	return &Database{
		origin:   origin,
		sourceID: sourceID,
		pool:     pool,
		catalog:  catalog,
		log:      log.With().Str("component", "db").Str("database", string(origin)).Logger(),
	}, nil
}

func (d *Database) Origin() change.Origin {
	return d.origin
}

func (d *Database) Close() {
	d.pool.Close()
}

// ApplyRecords writes one batch's records for this database inside a single
// transaction. All records land or none do, so a mid-batch failure never
// leaves a half-applied group behind.
func (d *Database) ApplyRecords(ctx context.Context, recs []*change.Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range recs {
		spec, ok := d.catalog.Resolve(rec.TableName)
		if !ok || spec.Origin != d.origin {
			return fmt.Errorf("record for table %q does not belong to %s database", rec.TableName, d.origin)
		}

		sql, args, err := buildStatement(spec, rec)
		if err != nil {
			return fmt.Errorf("failed to build statement for %s: %w", spec.Name, err)
		}

		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("failed to apply %s to %s: %w", rec.Operation, spec.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Footprint summarizes one table's data presence: row count, numeric max key
// and a digest over the sorted key set. Counts alone cannot distinguish
// "different five rows" from "same five rows", hence the digest.
func (d *Database) Footprint(ctx context.Context, table *change.TableSpec) (change.Footprint, error) {
	query := fmt.Sprintf("SELECT %s FROM %s",
		quoteIdentifier(table.PrimaryKey), quoteIdentifier(table.Name))

	rows, err := d.pool.Query(ctx, query)
	if err != nil {
		return change.Footprint{}, fmt.Errorf("failed to query keys for %s: %w", table.Name, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key interface{}
		if err := rows.Scan(&key); err != nil {
			return change.Footprint{}, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, fmt.Sprintf("%v", key))
	}
	if err := rows.Err(); err != nil {
		return change.Footprint{}, fmt.Errorf("failed to read keys for %s: %w", table.Name, err)
	}

	return footprintFromKeys(keys), nil
}

// ExportChunks streams every row of a table as insert records in chunks of
// chunkSize. The callback ships each chunk; its error aborts the export.
func (d *Database) ExportChunks(ctx context.Context, table *change.TableSpec, chunkSize int, fn func(recs []*change.Record) error) error {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s",
		quoteIdentifier(table.Name), quoteIdentifier(table.PrimaryKey))

	rows, err := d.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", table.Name, err)
	}
	defer rows.Close()

	chunk := make([]*change.Record, 0, chunkSize)
	exported := 0

	for rows.Next() {
		fieldDescs := rows.FieldDescriptions()
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("failed to read row from %s: %w", table.Name, err)
		}

		payload := make(map[string]interface{}, len(fieldDescs))
		primaryKey := make(map[string]interface{}, 1)
		for i, fd := range fieldDescs {
			name := string(fd.Name)
			payload[name] = values[i]
			if name == table.PrimaryKey {
				primaryKey[name] = values[i]
			}
		}
		if len(primaryKey) == 0 {
			return fmt.Errorf("table %s row missing key column %s", table.Name, table.PrimaryKey)
		}

		rec := &change.Record{
			TableName:      table.Name,
			Operation:      change.OperationInsert,
			PrimaryKey:     primaryKey,
			Payload:        payload,
			Origin:         table.Origin,
			SourceServerID: d.sourceID,
			CreatedAt:      time.Now().UTC(),
		}
		rec.Hash = rec.ComputeHash()

		chunk = append(chunk, rec)
		exported++

		if len(chunk) == chunkSize {
			if err := fn(chunk); err != nil {
				return err
			}
			chunk = make([]*change.Record, 0, chunkSize)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read rows from %s: %w", table.Name, err)
	}

	if len(chunk) > 0 {
		if err := fn(chunk); err != nil {
			return err
		}
	}

	d.log.Debug().Str("table", table.Name).Int("rows", exported).Msg("exported table")
	return nil
}
