package audit

import (
	"context"
	"sync"
)

// MemoryRecorder keeps entries in process memory. Used by tests and by
// one-shot CLI invocations that run with --no-audit.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries map[string][]*Entry
}

// NewMemoryRecorder creates an empty recorder
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{entries: make(map[string][]*Entry)}
}

// Record appends a copy of entry
func (m *MemoryRecorder) Record(ctx context.Context, entry *Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	trail := m.entries[entry.TraceID]
	entry.Sequence = int64(len(trail)) + 1
	if entry.ID == "" {
		entry.ID = NewID(entry.Timestamp)
	}
	stored := *entry
	m.entries[entry.TraceID] = append(trail, &stored)
	return nil
}

// Query returns copies of the entries for traceID in sequence order
func (m *MemoryRecorder) Query(ctx context.Context, traceID string) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	trail := m.entries[traceID]
	out := make([]*Entry, 0, len(trail))
	for _, e := range trail {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
