package auditry

import (
	"context"
	"time"

	"github.com/mickamy/auditry/internal/buffer"
)

// Action is the kind of mutation a LogEntry records.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// LogEntry is one persisted change record. It is never modified after creation.
type LogEntry struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     Action    `json:"action"`
	Changes    ChangeSet `json:"changes"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Store appends log entries. Implementations must not retry; errors are
// returned to the event source as is.
type Store interface {
	Append(ctx context.Context, e LogEntry) error
}

// StoreFunc adapts an ordinary function to Store.
type StoreFunc func(ctx context.Context, e LogEntry) error

func (f StoreFunc) Append(ctx context.Context, e LogEntry) error { return f(ctx, e) }

// MemoryStore keeps log entries in process memory.
type MemoryStore struct {
	buf *buffer.Buffer[LogEntry]
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buf: buffer.NewBuffer[LogEntry]()}
}

func (s *MemoryStore) Append(_ context.Context, e LogEntry) error {
	s.buf.Add(e)
	return nil
}

// Entries returns a copy of the stored entries in append order.
func (s *MemoryStore) Entries() []LogEntry {
	return s.buf.All()
}

// Drain returns the stored entries and empties the store.
func (s *MemoryStore) Drain() []LogEntry {
	return s.buf.Drain()
}
