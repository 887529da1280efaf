package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Server mirrors the persisted registry record.
type Server struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	IsActive bool      `json:"is_active"`
	LastSync time.Time `json:"last_sync"`
	LastPing time.Time `json:"last_ping"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <boltdb-path>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Dumps the persisted server registry and applied-ledger summary\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open BoltDB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	err = db.View(func(tx *bolt.Tx) error {
		fmt.Println("Servers:")
		servers := tx.Bucket([]byte("servers"))
		if servers == nil {
			return fmt.Errorf("servers bucket not found")
		}

		count := 0
		cursor := servers.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var server Server
			if err := json.Unmarshal(v, &server); err != nil {
				fmt.Printf("  %s: (unreadable record)\n", k)
				continue
			}
			state := "inactive"
			if server.IsActive {
				state = "active"
			}
			fmt.Printf("  %s  %s:%d  %s\n", server.Name, server.Host, server.Port, state)
			if !server.LastSync.IsZero() {
				fmt.Printf("    last sync: %s\n", server.LastSync.Format(time.RFC3339))
			}
			if !server.LastPing.IsZero() {
				fmt.Printf("    last ping: %s\n", server.LastPing.Format(time.RFC3339))
			}
			count++
		}
		if count == 0 {
			fmt.Println("  (none)")
		}

		applied := tx.Bucket([]byte("applied"))
		if applied == nil {
			return fmt.Errorf("applied bucket not found")
		}

		entries := 0
		var oldest, newest time.Time
		cursor = applied.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			entries++
			at, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil {
				continue
			}
			if oldest.IsZero() || at.Before(oldest) {
				oldest = at
			}
			if at.After(newest) {
				newest = at
			}
		}

		fmt.Printf("\nApplied ledger: %d entries\n", entries)
		if entries > 0 && !oldest.IsZero() {
			fmt.Printf("  oldest: %s\n", oldest.Format(time.RFC3339))
			fmt.Printf("  newest: %s\n", newest.Format(time.RFC3339))
		}

		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
