package hash

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestCalculate(t *testing.T) {
	h1, err := Calculate(map[string]string{"name": "Team 42"})
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	h2, err := Calculate(map[string]string{"name": "Team 42"})
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	if h1 != h2 {
		t.Errorf("same input produced different hashes: %s vs %s", h1, h2)
	}

	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestCalculateMapOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"id": 42, "name": "Team 42", "score": 12.5}
	b := map[string]interface{}{"score": 12.5, "name": "Team 42", "id": 42}

	if CalculateMap(a) != CalculateMap(b) {
		t.Error("map hash depends on insertion order")
	}
}

func TestCalculateMapDetectsChange(t *testing.T) {
	a := map[string]interface{}{"id": 42, "name": "Team 42"}
	b := map[string]interface{}{"id": 42, "name": "Team 43"}

	if CalculateMap(a) == CalculateMap(b) {
		t.Error("different payloads produced the same hash")
	}
}

func TestCalculateMapTimestampWireEquivalence(t *testing.T) {
	ts := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	native := map[string]interface{}{"id": 7, "updated_at": ts}
	decoded := map[string]interface{}{"id": 7, "updated_at": ts.Format(time.RFC3339)}

	if CalculateMap(native) != CalculateMap(decoded) {
		t.Error("time.Time and its RFC 3339 wire form hash differently")
	}
}

func TestCalculateMapBytesWireEquivalence(t *testing.T) {
	raw := []byte{1, 2, 3}

	native := map[string]interface{}{"id": 7, "blob": raw}
	decoded := map[string]interface{}{"id": 7, "blob": base64.StdEncoding.EncodeToString(raw)}

	if CalculateMap(native) != CalculateMap(decoded) {
		t.Error("[]byte and its base64 wire form hash differently")
	}
}

func TestCalculateMapNumberWireEquivalence(t *testing.T) {
	native := map[string]interface{}{"id": int64(42)}
	decoded := map[string]interface{}{"id": float64(42)}

	if CalculateMap(native) != CalculateMap(decoded) {
		t.Error("int64 and the float64 a JSON decoder produces hash differently")
	}
}

func TestChecksumOrderSensitive(t *testing.T) {
	fwd := Checksum([]string{"aaa", "bbb", "ccc"})
	rev := Checksum([]string{"ccc", "bbb", "aaa"})

	if fwd == rev {
		t.Error("checksum should depend on record order")
	}

	if fwd != Checksum([]string{"aaa", "bbb", "ccc"}) {
		t.Error("checksum is not deterministic")
	}
}
