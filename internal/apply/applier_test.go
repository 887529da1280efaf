package apply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/change"
)

type fakeTarget struct {
	origin  change.Origin
	mu      sync.Mutex
	applied []*change.Record
	failErr error
}

func (t *fakeTarget) Origin() change.Origin { return t.origin }

func (t *fakeTarget) ApplyRecords(ctx context.Context, recs []*change.Record) error {
	if t.failErr != nil {
		return t.failErr
	}
	t.mu.Lock()
	t.applied = append(t.applied, recs...)
	t.mu.Unlock()
	return nil
}

func (t *fakeTarget) records() []*change.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*change.Record(nil), t.applied...)
}

type fakeLedger struct {
	mu     sync.Mutex
	hashes map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{hashes: make(map[string]bool)}
}

func (l *fakeLedger) WasApplied(h string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hashes[h], nil
}

func (l *fakeLedger) MarkAppliedBatch(hs []string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range hs {
		l.hashes[h] = true
	}
	return nil
}

func testCatalog(t *testing.T) *change.Catalog {
	t.Helper()
	catalog, err := change.NewCatalog([]change.TableSpec{
		{Name: "teams", Origin: change.OriginApp, PrimaryKey: "id"},
		{Name: "users", Origin: change.OriginAuth, PrimaryKey: "id", Aliases: []string{"user"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return catalog
}

func newTestApplier(t *testing.T) (*Applier, *fakeTarget, *fakeTarget, *fakeLedger) {
	t.Helper()
	app := &fakeTarget{origin: change.OriginApp}
	auth := &fakeTarget{origin: change.OriginAuth}
	ledger := newFakeLedger()
	applier := NewApplier("local-node", testCatalog(t), []Target{app, auth}, ledger, zerolog.Nop())
	return applier, app, auth, ledger
}

func record(table string, origin change.Origin, id int, payload map[string]interface{}) *change.Record {
	return &change.Record{
		TableName:      table,
		Operation:      change.OperationInsert,
		PrimaryKey:     map[string]interface{}{"id": id},
		Payload:        payload,
		Origin:         origin,
		SourceServerID: "remote-node",
	}
}

func TestApplyCommitsBothDatabases(t *testing.T) {
	applier, app, auth, _ := newTestApplier(t)

	batch := change.NewBatch("remote-node", []*change.Record{
		record("teams", change.OriginApp, 42, map[string]interface{}{"id": 42, "name": "Team 42"}),
		record("users", change.OriginAuth, 7, map[string]interface{}{"id": 7, "username": "alice"}),
	})

	result, err := applier.Apply(context.Background(), batch)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if result.Status != StatusCommitted {
		t.Errorf("expected committed, got %s", result.Status)
	}
	if result.AppDB.Applied != 1 || result.AuthDB.Applied != 1 {
		t.Errorf("expected 1 applied per database, got app=%d auth=%d", result.AppDB.Applied, result.AuthDB.Applied)
	}
	if len(app.applied) != 1 || len(auth.applied) != 1 {
		t.Errorf("targets saw app=%d auth=%d records", len(app.applied), len(auth.applied))
	}
}

func TestApplyCommitsBatchDecodedFromWire(t *testing.T) {
	applier, app, _, _ := newTestApplier(t)

	// The sender builds the batch over native types; the receiver decodes
	// JSON and must still pass verification.
	sent := change.NewBatch("remote-node", []*change.Record{
		record("teams", change.OriginApp, 42, map[string]interface{}{
			"id":         42,
			"name":       "Team 42",
			"updated_at": time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
			"logo":       []byte{0xde, 0xad, 0xbe, 0xef},
		}),
	})

	encoded, err := json.Marshal(sent)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var received change.Batch
	if err := json.Unmarshal(encoded, &received); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	result, err := applier.Apply(context.Background(), &received)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if result.Status != StatusCommitted {
		t.Errorf("expected committed, got %s", result.Status)
	}
	if result.AppDB.Applied != 1 {
		t.Errorf("expected 1 applied, got %d", result.AppDB.Applied)
	}
	if len(app.applied) != 1 {
		t.Fatalf("target saw %d records", len(app.applied))
	}
}

func TestApplyRejectsCorruptedChecksum(t *testing.T) {
	applier, app, auth, ledger := newTestApplier(t)

	batch := change.NewBatch("remote-node", []*change.Record{
		record("teams", change.OriginApp, 1, map[string]interface{}{"id": 1}),
	})
	corrupt := "f"
	if batch.Checksum[0] == 'f' {
		corrupt = "0"
	}
	batch.Checksum = corrupt + batch.Checksum[1:]

	result, err := applier.Apply(context.Background(), batch)
	if err == nil {
		t.Fatal("expected checksum error")
	}
	if !IsChecksumError(err) {
		t.Errorf("expected ChecksumError, got %T", err)
	}
	if result.Status != StatusRejected {
		t.Errorf("expected rejected, got %s", result.Status)
	}
	if len(app.applied) != 0 || len(auth.applied) != 0 {
		t.Error("rejected batch must have zero side effects")
	}
	if len(ledger.hashes) != 0 {
		t.Error("rejected batch must not touch the ledger")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	applier, app, _, _ := newTestApplier(t)

	batch := change.NewBatch("remote-node", []*change.Record{
		record("teams", change.OriginApp, 42, map[string]interface{}{"id": 42, "name": "Team 42"}),
	})

	if _, err := applier.Apply(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	// Resubmit the identical batch.
	again := change.NewBatch("remote-node", []*change.Record{
		record("teams", change.OriginApp, 42, map[string]interface{}{"id": 42, "name": "Team 42"}),
	})
	result, err := applier.Apply(context.Background(), again)
	if err != nil {
		t.Fatal(err)
	}

	if result.Status != StatusCommitted {
		t.Errorf("expected committed, got %s", result.Status)
	}
	if result.AppDB.Applied != 0 || result.AppDB.Skipped != 1 {
		t.Errorf("second delivery should skip: applied=%d skipped=%d", result.AppDB.Applied, result.AppDB.Skipped)
	}
	if len(app.applied) != 1 {
		t.Errorf("target should only see the change once, saw %d", len(app.applied))
	}
}

func TestApplySkipsReflectedChanges(t *testing.T) {
	applier, app, _, _ := newTestApplier(t)

	rec := record("teams", change.OriginApp, 1, map[string]interface{}{"id": 1})
	rec.SourceServerID = "local-node"
	batch := change.NewBatch("relay-node", []*change.Record{rec})

	result, err := applier.Apply(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if result.AppDB.Skipped != 1 || result.AppDB.Applied != 0 {
		t.Errorf("reflected change should be skipped: %+v", result.AppDB)
	}
	if len(app.applied) != 0 {
		t.Error("reflected change must not reach the database")
	}
}

func TestApplyNoCrossContamination(t *testing.T) {
	applier, app, auth, _ := newTestApplier(t)

	// Record claims app origin but the catalog owns users in auth.
	rec := record("users", change.OriginApp, 7, map[string]interface{}{"id": 7, "username": "alice"})
	batch := change.NewBatch("remote-node", []*change.Record{rec})

	if _, err := applier.Apply(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	if len(app.applied) != 0 {
		t.Error("auth table record must never touch the app database")
	}
	if len(auth.applied) != 1 {
		t.Error("record should have been routed to the auth database")
	}
}

func TestApplyPartialFailure(t *testing.T) {
	app := &fakeTarget{origin: change.OriginApp, failErr: errors.New("deadlock detected")}
	auth := &fakeTarget{origin: change.OriginAuth}
	ledger := newFakeLedger()
	applier := NewApplier("local-node", testCatalog(t), []Target{app, auth}, ledger, zerolog.Nop())

	appRec := record("teams", change.OriginApp, 1, map[string]interface{}{"id": 1})
	authRec := record("users", change.OriginAuth, 2, map[string]interface{}{"id": 2})
	batch := change.NewBatch("remote-node", []*change.Record{appRec, authRec})

	result, err := applier.Apply(context.Background(), batch)
	if !IsPartialFailureError(err) {
		t.Fatalf("expected partial failure error, got %v", err)
	}

	if result.Status != StatusPartiallyFailed {
		t.Errorf("expected partially_failed, got %s", result.Status)
	}
	if result.AppDB.Error == "" {
		t.Error("app database error should be reported")
	}
	if result.AuthDB.Applied != 1 || result.AuthDB.Error != "" {
		t.Errorf("auth database should have committed independently: %+v", result.AuthDB)
	}

	// The failed database's hashes must not be marked applied.
	if applied, _ := ledger.WasApplied(appRec.Hash); applied {
		t.Error("failed records must stay out of the ledger so a retry can apply them")
	}
	if applied, _ := ledger.WasApplied(authRec.Hash); !applied {
		t.Error("committed records should be in the ledger")
	}
}

func TestApplyCoercesTimestamps(t *testing.T) {
	applier, app, _, _ := newTestApplier(t)

	batch := change.NewBatch("remote-node", []*change.Record{
		record("teams", change.OriginApp, 1, map[string]interface{}{
			"id":         1,
			"created_at": "2026-08-29T10:30:00.123456Z",
			"name":       "Team 1",
		}),
	})

	if _, err := applier.Apply(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	if len(app.applied) != 1 {
		t.Fatal("record not applied")
	}
	created, ok := app.applied[0].Payload["created_at"].(time.Time)
	if !ok {
		t.Fatalf("created_at not coerced, got %T", app.applied[0].Payload["created_at"])
	}
	want := time.Date(2026, 8, 29, 10, 30, 0, 123456000, time.UTC)
	if !created.Equal(want) {
		t.Errorf("expected %v, got %v", want, created)
	}
	if _, isTime := app.applied[0].Payload["name"].(time.Time); isTime {
		t.Error("non-timestamp column must not be coerced")
	}
}

func TestApplyUnknownTableWarnsOnce(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	app := &fakeTarget{origin: change.OriginApp}
	auth := &fakeTarget{origin: change.OriginAuth}
	applier := NewApplier("local-node", testCatalog(t), []Target{app, auth}, newFakeLedger(), log)

	recs := make([]*change.Record, 0, 1000)
	for i := 0; i < 1000; i++ {
		recs = append(recs, record("mystery_table", change.OriginApp, i, map[string]interface{}{"id": i}))
	}
	batch := change.NewBatch("remote-node", recs)

	result, err := applier.Apply(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if result.AppDB.Skipped != 1000 {
		t.Errorf("expected 1000 skipped, got %d", result.AppDB.Skipped)
	}

	warnings := strings.Count(buf.String(), "unknown table")
	if warnings != 1 {
		t.Errorf("expected exactly 1 warning, got %d", warnings)
	}
}

func TestApplyConcurrentMixedBatches(t *testing.T) {
	applier, app, auth, _ := newTestApplier(t)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				batch := change.NewBatch("remote-node", []*change.Record{
					record("teams", change.OriginApp, g*1000+i, map[string]interface{}{"id": g*1000 + i}),
					record("users", change.OriginAuth, g*1000+i, map[string]interface{}{"id": g*1000 + i}),
				})
				if _, err := applier.Apply(context.Background(), batch); err != nil {
					t.Errorf("Apply failed: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	for _, rec := range app.records() {
		if rec.Origin != change.OriginApp {
			t.Fatal("auth record leaked into app database")
		}
	}
	for _, rec := range auth.records() {
		if rec.Origin != change.OriginAuth {
			t.Fatal("app record leaked into auth database")
		}
	}
}
