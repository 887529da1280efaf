package db

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/driftsync/driftsync/internal/change"
)

func quoteIdentifier(name string) string {
	return `"` + name + `"`
}

// buildUpsert renders an idempotent INSERT ... ON CONFLICT statement for one
// replicated record. Inserts and updates share it: replaying either against a
// row that already exists converges on the incoming payload (last write
// wins).
func buildUpsert(spec *change.TableSpec, rec *change.Record) (string, []interface{}, error) {
	row := make(map[string]interface{}, len(rec.Payload)+len(rec.PrimaryKey))
	for col, val := range rec.Payload {
		row[col] = val
	}
	// The key columns are authoritative even when the payload carries stale
	// copies of them.
	for col, val := range rec.PrimaryKey {
		row[col] = val
	}
	if len(row) == 0 {
		return "", nil, fmt.Errorf("record for %s has no columns", spec.Name)
	}

	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	keyColumns := make([]string, 0, len(rec.PrimaryKey))
	for col := range rec.PrimaryKey {
		keyColumns = append(keyColumns, col)
	}
	sort.Strings(keyColumns)
	if len(keyColumns) == 0 {
		return "", nil, fmt.Errorf("record for %s has no primary key", spec.Name)
	}

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdentifier(col)
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = row[col]
	}

	quotedKeys := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		quotedKeys[i] = quoteIdentifier(col)
	}

	isKey := make(map[string]bool, len(keyColumns))
	for _, col := range keyColumns {
		isKey[col] = true
	}
	var assignments []string
	for _, col := range columns {
		if isKey[col] {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdentifier(col), quoteIdentifier(col)))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		quoteIdentifier(spec.Name),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(quotedKeys, ", "),
	)
	if len(assignments) == 0 {
		sb.WriteString("DO NOTHING")
	} else {
		sb.WriteString("DO UPDATE SET " + strings.Join(assignments, ", "))
	}

	return sb.String(), args, nil
}

// buildDelete renders a DELETE keyed on the full primary key. Deleting an
// absent row is a no-op, so replays and out-of-order deletes are harmless.
func buildDelete(spec *change.TableSpec, rec *change.Record) (string, []interface{}, error) {
	if len(rec.PrimaryKey) == 0 {
		return "", nil, fmt.Errorf("delete for %s has no primary key", spec.Name)
	}

	keyColumns := make([]string, 0, len(rec.PrimaryKey))
	for col := range rec.PrimaryKey {
		keyColumns = append(keyColumns, col)
	}
	sort.Strings(keyColumns)

	conditions := make([]string, len(keyColumns))
	args := make([]interface{}, len(keyColumns))
	for i, col := range keyColumns {
		conditions[i] = fmt.Sprintf("%s = $%d", quoteIdentifier(col), i+1)
		args[i] = rec.PrimaryKey[col]
	}

	sql := fmt.Sprintf("DELETE FROM %s WHERE %s",
		quoteIdentifier(spec.Name), strings.Join(conditions, " AND "))
	return sql, args, nil
}

// buildStatement dispatches on the record's operation.
func buildStatement(spec *change.TableSpec, rec *change.Record) (string, []interface{}, error) {
	switch rec.Operation {
	case change.OperationInsert, change.OperationUpdate:
		return buildUpsert(spec, rec)
	case change.OperationDelete:
		return buildDelete(spec, rec)
	default:
		return "", nil, fmt.Errorf("unsupported operation %q for table %s", rec.Operation, spec.Name)
	}
}

// footprintFromKeys summarizes a table's primary key set. Keys are sorted
// textually before digesting so both peers compute the same digest regardless
// of database collation or scan order.
func footprintFromKeys(keys []string) change.Footprint {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	var maxKey int64
	for _, key := range sorted {
		if n, err := strconv.ParseInt(key, 10, 64); err == nil && n > maxKey {
			maxKey = n
		}
	}

	return change.Footprint{
		Rows:      int64(len(sorted)),
		MaxKey:    maxKey,
		KeyDigest: change.DigestKeys(sorted),
	}
}
