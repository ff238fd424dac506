package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tomhaye/vaultsync/internal/event"
	"github.com/tomhaye/vaultsync/internal/identity"
)

// createTestStore creates a file-backed SQLite store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	return createTestStoreWithQuota(t, 0)
}

// createTestStoreWithQuota creates a store with an explicit per-actor quota.
func createTestStoreWithQuota(t *testing.T, maxStorageSize int64) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(Options{DSN: path, MaxStorageSize: maxStorageSize})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testObjectID derives a distinct actor address per device key.
func testObjectID(key string) identity.ObjectID {
	return identity.DeriveObjectID("test", "alice", key)
}

// makeEvents builds a batch of client events with the given seqs,
// each carrying a payload of size bytes.
func makeEvents(size int, seqs ...int64) []event.Event {
	events := make([]event.Event, 0, len(seqs))
	for _, seq := range seqs {
		events = append(events, event.Event{
			Seq:       seq,
			Origin:    event.OriginClient,
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Payload:   event.Envelope{Version: 1, Data: make([]byte, size)},
		})
	}
	return events
}
