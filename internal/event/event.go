package event

import "time"

// Origin identifies which side of the sync boundary produced an event.
type Origin string

const (
	// OriginClient marks an event appended by a client device.
	OriginClient Origin = "client"
	// OriginServer marks an event produced server-side (e.g. reconciliation).
	OriginServer Origin = "server"
)

// ValidOrigins defines the allowed origin values.
var ValidOrigins = map[Origin]bool{
	OriginClient: true,
	OriginServer: true,
}

// Envelope carries an opaque event payload with a schema version tag.
// The core never interprets Data; version bumps are the application's concern.
type Envelope struct {
	Version int    `json:"version"`
	Data    []byte `json:"data"`
}

// Size returns the storage weight of the envelope in bytes.
// Quota accounting charges payload bytes only, not record overhead.
func (e Envelope) Size() int64 {
	return int64(len(e.Data))
}

// Event is one immutable record in a user-device log.
// Once appended an event is never mutated or reordered.
type Event struct {
	// Seq is the event's position in its actor's log. Monotonic per
	// ObjectID, assigned by the client log and verified on append.
	Seq int64 `json:"seq"`

	Origin    Origin    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Envelope  `json:"payload"`
}

// SyncStats is the derived summary attached to one durable actor.
// Mutated exclusively by the event store on successful appends; every other
// component treats it as read-only.
type SyncStats struct {
	LastSyncAt      time.Time `json:"last_sync_at"`
	SyncCount       int64     `json:"sync_count"`
	UsedStorageSize int64     `json:"used_storage_size"`
	MaxStorageSize  int64     `json:"max_storage_size"`
}

// BatchSize returns the total storage weight of a batch of events.
func BatchSize(events []Event) int64 {
	var total int64
	for _, ev := range events {
		total += ev.Payload.Size()
	}
	return total
}
