package storage

import (
	"os"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "driftsync-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := New(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func TestServerRoundTrip(t *testing.T) {
	store := newTestStorage(t)

	if err := store.PutServer("s1", []byte(`{"name":"east"}`)); err != nil {
		t.Fatalf("PutServer failed: %v", err)
	}

	data, err := store.GetServer("s1")
	if err != nil {
		t.Fatalf("GetServer failed: %v", err)
	}
	if string(data) != `{"name":"east"}` {
		t.Errorf("unexpected server data: %s", data)
	}

	servers, err := store.ListServers()
	if err != nil {
		t.Fatalf("ListServers failed: %v", err)
	}
	if len(servers) != 1 {
		t.Errorf("expected 1 server, got %d", len(servers))
	}

	if err := store.DeleteServer("s1"); err != nil {
		t.Fatalf("DeleteServer failed: %v", err)
	}
	if _, err := store.GetServer("s1"); err == nil {
		t.Error("expected error for deleted server")
	}
}

func TestAppliedLedger(t *testing.T) {
	store := newTestStorage(t)

	applied, err := store.WasApplied("abc123")
	if err != nil {
		t.Fatalf("WasApplied failed: %v", err)
	}
	if applied {
		t.Error("hash should not be applied yet")
	}

	if err := store.MarkApplied("abc123", time.Now()); err != nil {
		t.Fatalf("MarkApplied failed: %v", err)
	}

	applied, err = store.WasApplied("abc123")
	if err != nil {
		t.Fatalf("WasApplied failed: %v", err)
	}
	if !applied {
		t.Error("hash should be applied")
	}
}

func TestMarkAppliedBatch(t *testing.T) {
	store := newTestStorage(t)

	hashes := []string{"h1", "h2", "h3"}
	if err := store.MarkAppliedBatch(hashes, time.Now()); err != nil {
		t.Fatalf("MarkAppliedBatch failed: %v", err)
	}

	for _, h := range hashes {
		applied, err := store.WasApplied(h)
		if err != nil {
			t.Fatalf("WasApplied failed: %v", err)
		}
		if !applied {
			t.Errorf("hash %s should be applied", h)
		}
	}
}

func TestPruneApplied(t *testing.T) {
	store := newTestStorage(t)

	old := time.Now().Add(-48 * time.Hour)
	if err := store.MarkApplied("old-hash", old); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkApplied("new-hash", time.Now()); err != nil {
		t.Fatal(err)
	}

	pruned, err := store.PruneApplied(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneApplied failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned entry, got %d", pruned)
	}

	applied, _ := store.WasApplied("old-hash")
	if applied {
		t.Error("old hash should have been pruned")
	}
	applied, _ = store.WasApplied("new-hash")
	if !applied {
		t.Error("recent hash should have survived pruning")
	}
}

func TestMetadata(t *testing.T) {
	store := newTestStorage(t)

	if err := store.SetMetadata("server_id", "node-1"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}

	value, err := store.GetMetadata("server_id")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if value != "node-1" {
		t.Errorf("expected node-1, got %s", value)
	}

	if _, err := store.GetMetadata("missing"); err == nil {
		t.Error("expected error for missing key")
	}
}
