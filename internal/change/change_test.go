package change

import (
	"encoding/json"
	"testing"
	"time"
)

func testRecord() *Record {
	return &Record{
		TableName:  "teams",
		Operation:  OperationInsert,
		PrimaryKey: map[string]interface{}{"id": 42},
		Payload:    map[string]interface{}{"id": 42, "name": "Team 42"},
		Origin:     OriginApp,
		CreatedAt:  time.Now(),
	}
}

func TestRecordHashStable(t *testing.T) {
	a := testRecord()
	b := testRecord()
	b.Sequence = 99
	b.CreatedAt = a.CreatedAt.Add(time.Hour)

	if a.ComputeHash() != b.ComputeHash() {
		t.Error("hash should ignore sequence and capture time")
	}

	b.Payload["name"] = "Team 43"
	if a.ComputeHash() == b.ComputeHash() {
		t.Error("hash should change when payload changes")
	}
}

func TestBatchVerify(t *testing.T) {
	batch := NewBatch("s1", []*Record{testRecord(), testRecord()})

	if batch.ID == "" {
		t.Error("batch should be assigned an id")
	}
	if err := batch.Verify(); err != nil {
		t.Fatalf("fresh batch failed verification: %v", err)
	}
}

func TestBatchVerifyRejectsTamperedPayload(t *testing.T) {
	batch := NewBatch("s1", []*Record{testRecord()})

	batch.Records[0].Payload["name"] = "Team 666"
	if err := batch.Verify(); err == nil {
		t.Error("tampered payload should fail verification")
	}
}

func TestBatchVerifyRejectsTamperedChecksum(t *testing.T) {
	batch := NewBatch("s1", []*Record{testRecord()})

	corrupted := []byte(batch.Checksum)
	if corrupted[5] == 'a' {
		corrupted[5] = 'b'
	} else {
		corrupted[5] = 'a'
	}
	batch.Checksum = string(corrupted)

	if err := batch.Verify(); err == nil {
		t.Error("corrupted checksum should fail verification")
	}
}

func TestBatchVerifyAfterWireRoundTrip(t *testing.T) {
	rec := testRecord()
	rec.Payload["updated_at"] = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	rec.Payload["avatar"] = []byte{1, 2, 3}
	rec.Payload["points"] = int64(9007199254740993)

	batch := NewBatch("s1", []*Record{rec})
	if err := batch.Verify(); err != nil {
		t.Fatalf("batch failed verification before encoding: %v", err)
	}

	encoded, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var received Batch
	if err := json.Unmarshal(encoded, &received); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	// The receiver sees decoded JSON types, not the sender's native ones.
	if err := received.Verify(); err != nil {
		t.Fatalf("batch failed verification after wire round trip: %v", err)
	}
}

func TestCatalogResolve(t *testing.T) {
	catalog, err := NewCatalog([]TableSpec{
		{Name: "teams", Origin: OriginApp, PrimaryKey: "id", Aliases: []string{"team_data"}},
		{Name: "users", Origin: OriginAuth, PrimaryKey: "id", Aliases: []string{"user"}},
	})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}

	cases := []struct {
		in   string
		want string
	}{
		{"teams", "teams"},
		{"TEAMS", "teams"},
		{"team", "teams"},
		{"team_data", "teams"},
		{"public.teams", "teams"},
		{"users", "users"},
		{"user", "users"},
	}

	for _, tc := range cases {
		spec, ok := catalog.Resolve(tc.in)
		if !ok {
			t.Errorf("Resolve(%q) failed", tc.in)
			continue
		}
		if spec.Name != tc.want {
			t.Errorf("Resolve(%q) = %s, want %s", tc.in, spec.Name, tc.want)
		}
	}

	if _, ok := catalog.Resolve("unknown_table"); ok {
		t.Error("unknown table should not resolve")
	}
}

func TestCatalogRejectsInvalidOrigin(t *testing.T) {
	_, err := NewCatalog([]TableSpec{{Name: "teams", Origin: "both"}})
	if err == nil {
		t.Error("expected error for invalid origin")
	}
}

func TestCatalogTablesFor(t *testing.T) {
	catalog, err := NewCatalog([]TableSpec{
		{Name: "teams", Origin: OriginApp},
		{Name: "matches", Origin: OriginApp},
		{Name: "users", Origin: OriginAuth},
	})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}

	app := catalog.TablesFor(OriginApp)
	if len(app) != 2 {
		t.Fatalf("expected 2 app tables, got %d", len(app))
	}
	if app[0].Name != "matches" || app[1].Name != "teams" {
		t.Errorf("tables not sorted: %s, %s", app[0].Name, app[1].Name)
	}
}

func TestFootprintEqual(t *testing.T) {
	a := Footprint{Rows: 10, MaxKey: 50, KeyDigest: DigestKeys([]string{"1", "2"})}
	b := Footprint{Rows: 10, MaxKey: 50, KeyDigest: DigestKeys([]string{"1", "2"})}
	c := Footprint{Rows: 10, MaxKey: 50, KeyDigest: DigestKeys([]string{"1", "3"})}

	if !a.Equal(b) {
		t.Error("identical footprints should compare equal")
	}
	if a.Equal(c) {
		t.Error("equal counts with different key sets must not compare equal")
	}
}
