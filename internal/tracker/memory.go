package tracker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryTracker keeps items in process memory. Used by tests.
type MemoryTracker struct {
	mu       sync.Mutex
	items    map[string]*memItem
	labels   map[string]LabelSpec
	nextID   int
	versions int

	// BeforeReplace, when set, runs inside ReplaceLabels before the version
	// check, without the lock held. Tests use it to simulate concurrent edits.
	BeforeReplace func(id string)
}

type memItem struct {
	item     Item
	comments []Comment
}

var _ Tracker = (*MemoryTracker)(nil)

// NewMemoryTracker creates an empty tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		items:  make(map[string]*memItem),
		labels: make(map[string]LabelSpec),
	}
}

func (m *MemoryTracker) bump() string {
	m.versions++
	return strconv.Itoa(m.versions)
}

func snapshot(it Item) *Item {
	cp := it
	cp.Labels = append([]string{}, it.Labels...)
	return &cp
}

// CreateItem adds an open item and returns its snapshot
func (m *MemoryTracker) CreateItem(title, body string, labels []string) *Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := strconv.Itoa(m.nextID)
	m.items[id] = &memItem{item: Item{
		ID:      id,
		Title:   title,
		Body:    body,
		Labels:  append([]string{}, labels...),
		Version: m.bump(),
	}}
	return snapshot(m.items[id].item)
}

// SetLabels overwrites an item's labels without a version check, as an
// external actor editing the tracker would
func (m *MemoryTracker) SetLabels(id string, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	it.item.Labels = append([]string{}, labels...)
	it.item.Version = m.bump()
	return nil
}

// SetClosed opens or closes an item
func (m *MemoryTracker) SetClosed(id string, closed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	it.item.Closed = closed
	return nil
}

// GetItem returns the current snapshot of an item
func (m *MemoryTracker) GetItem(ctx context.Context, id string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return snapshot(it.item), nil
}

// ReplaceLabels swaps the label set when the version still matches
func (m *MemoryTracker) ReplaceLabels(ctx context.Context, id, expectedVersion string, labels []string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.BeforeReplace != nil {
		m.BeforeReplace(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if it.item.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	it.item.Labels = append([]string{}, labels...)
	it.item.Version = m.bump()
	return snapshot(it.item), nil
}

// AddComment appends a comment
func (m *MemoryTracker) AddComment(ctx context.Context, id, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	it.comments = append(it.comments, Comment{
		ID:        strconv.Itoa(len(it.comments) + 1),
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// ListComments returns an item's comments oldest first
func (m *MemoryTracker) ListComments(ctx context.Context, id string) ([]Comment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return append([]Comment{}, it.comments...), nil
}

// EnsureLabels records the label specs
func (m *MemoryTracker) EnsureLabels(ctx context.Context, specs []LabelSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range specs {
		if _, ok := m.labels[s.Name]; !ok {
			m.labels[s.Name] = s
		}
	}
	return nil
}

// LabelCount returns how many taxonomy labels are known
func (m *MemoryTracker) LabelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.labels)
}
