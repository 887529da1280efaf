package apply

import (
	"strings"
	"time"
)

// Wire timestamps arrive as ISO-8601 text in several historical shapes:
// space- or T-separated, with or without fractional seconds, with or without
// a Z/offset. All are tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999",
}

// knownTimestampColumns are columns that hold timestamps without following
// the _at suffix convention.
var knownTimestampColumns = map[string]bool{
	"timestamp":  true,
	"last_login": true,
	"last_ping":  true,
	"last_sync":  true,
}

// IsTimestampColumn reports whether a column logically holds a timestamp,
// identified by naming convention.
func IsTimestampColumn(name string) bool {
	name = strings.ToLower(name)
	return strings.HasSuffix(name, "_at") || strings.HasSuffix(name, "_time") || knownTimestampColumns[name]
}

// ParseTimestamp reconstructs a native time from its wire representation.
// Times without an explicit zone are taken as UTC.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
