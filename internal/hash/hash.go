package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Calculate hashes an arbitrary JSON-serializable value.
func Calculate(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:]), nil
}

func CalculateString(data string) string {
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// CalculateMap hashes a column map deterministically regardless of map
// iteration order. Each value is reduced to its canonical JSON form, the
// bytes it has after a trip through the wire encoding, so the same row
// hashes identically whether it holds native types (time.Time, []byte,
// int64 from the hook or a row export) or the decoded forms a peer
// reconstructs from the JSON payload (RFC 3339 string, base64 string,
// float64).
func CalculateMap(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canonicalJSON(data[k]))
		b.WriteByte('\n')
	}

	return CalculateString(b.String())
}

// canonicalJSON renders a value as the JSON it decodes back to. The decode
// and re-encode are not redundant: an int64 beyond float64 precision must
// hash as the float64 a JSON decoder will hand the receiver, and nested
// maps must re-serialize with sorted keys on both sides.
func canonicalJSON(value interface{}) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		// The capture hook drops unserializable payloads before hashing;
		// anything else still gets a deterministic fallback.
		return fmt.Sprintf("%v", value)
	}

	var decoded interface{}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return string(encoded)
	}

	canonical, err := json.Marshal(decoded)
	if err != nil {
		return string(encoded)
	}
	return string(canonical)
}

// Checksum computes the batch checksum over an ordered list of record hashes.
// Order matters: the receiver recomputes over the records as received.
func Checksum(recordHashes []string) string {
	return CalculateString(strings.Join(recordHashes, "\n"))
}
