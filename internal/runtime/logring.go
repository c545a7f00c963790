package runtime

import (
	"sync"
	"time"
)

// logRingCapacity bounds per-runtime log retention.
const logRingCapacity = 500

// LogEntry is one recorded runtime event: a payload written to or read from
// the child, a stderr line, or a lifecycle marker.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"` // outgoing, incoming, notification, stderr, raw, error
	Payload   any       `json:"payload"`
}

// logRing is a bounded append-only buffer of log entries. When full, the
// oldest entry is evicted.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	cap     int
	nextID  int64
}

func newLogRing(capacity int) *logRing {
	return &logRing{cap: capacity}
}

func (r *logRing) Append(direction string, payload any) LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	entry := LogEntry{
		ID:        r.nextID,
		Timestamp: time.Now().UTC(),
		Direction: direction,
		Payload:   payload,
	}
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
	return entry
}

func (r *logRing) Snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
