package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/steveyegge/stagegate/internal/tracker"
)

// Tracker is a local issue tracker backed by SQLite. Item versions are an
// integer counter bumped on every label change, so ReplaceLabels is a true
// compare-and-swap.
type Tracker struct {
	db  *sql.DB
	now func() time.Time
}

var _ tracker.Tracker = (*Tracker)(nil)

// OpenTracker opens the tracker database at path
func OpenTracker(ctx context.Context, path string) (*Tracker, error) {
	db, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Tracker{db: db, now: time.Now}, nil
}

// Close closes the underlying database
func (t *Tracker) Close() error {
	return t.db.Close()
}

func parseItemID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid item id %q", id)
	}
	return n, nil
}

// dedupe keeps the first occurrence of each label
func dedupe(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func insertLabels(ctx context.Context, tx *sql.Tx, id int64, labels []string) error {
	for i, l := range labels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO item_labels (item_id, label, position) VALUES (?, ?, ?)`,
			id, l, i,
		); err != nil {
			return fmt.Errorf("failed to add label %s: %w", l, err)
		}
	}
	return nil
}

// CreateItem adds a new open item with the given labels
func (t *Tracker) CreateItem(ctx context.Context, title, body string, labels []string) (*tracker.Item, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := t.now().UTC().Format(timeFormat)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO items (title, body, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		title, body, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read item id: %w", err)
	}

	if err := insertLabels(ctx, tx, id, dedupe(labels)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return t.GetItem(ctx, strconv.FormatInt(id, 10))
}

// SetClosed opens or closes an item
func (t *Tracker) SetClosed(ctx context.Context, id string, closed bool) error {
	n, err := parseItemID(id)
	if err != nil {
		return err
	}
	flag := 0
	if closed {
		flag = 1
	}
	res, err := t.db.ExecContext(ctx,
		`UPDATE items SET closed = ?, updated_at = ? WHERE id = ?`,
		flag, t.now().UTC().Format(timeFormat), n,
	)
	if err != nil {
		return fmt.Errorf("failed to update item %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("item %s: %w", id, tracker.ErrNotFound)
	}
	return nil
}

// GetItem returns the current snapshot of an item
func (t *Tracker) GetItem(ctx context.Context, id string) (*tracker.Item, error) {
	n, err := parseItemID(id)
	if err != nil {
		return nil, err
	}

	item := &tracker.Item{ID: strconv.FormatInt(n, 10)}
	var (
		closed  int
		version int64
	)
	err = t.db.QueryRowContext(ctx,
		`SELECT title, body, closed, version FROM items WHERE id = ?`, n,
	).Scan(&item.Title, &item.Body, &closed, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, tracker.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	item.Closed = closed != 0
	item.Version = strconv.FormatInt(version, 10)

	rows, err := t.db.QueryContext(ctx,
		`SELECT label FROM item_labels WHERE item_id = ? ORDER BY position`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	item.Labels = []string{}
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		item.Labels = append(item.Labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	return item, nil
}

// ReplaceLabels replaces the label set when the item is still at expectedVersion
func (t *Tracker) ReplaceLabels(ctx context.Context, id, expectedVersion string, labels []string) (*tracker.Item, error) {
	n, err := parseItemID(id)
	if err != nil {
		return nil, err
	}
	expected, err := strconv.ParseInt(expectedVersion, 10, 64)
	if err != nil {
		return nil, tracker.ErrVersionConflict
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE items SET version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		t.now().UTC().Format(timeFormat), n, expected,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update item %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check update: %w", err)
	}
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM items WHERE id = ?`, n).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("item %s: %w", id, tracker.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get item %s: %w", id, err)
		}
		return nil, tracker.ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM item_labels WHERE item_id = ?`, n); err != nil {
		return nil, fmt.Errorf("failed to clear labels: %w", err)
	}
	if err := insertLabels(ctx, tx, n, dedupe(labels)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return t.GetItem(ctx, id)
}

// AddComment appends a comment to an item
func (t *Tracker) AddComment(ctx context.Context, id, body string) error {
	n, err := parseItemID(id)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO item_comments (item_id, body, created_at) VALUES (?, ?, ?)`,
		n, body, t.now().UTC().Format(timeFormat),
	)
	if err != nil {
		// the only constraint on the insert is the item foreign key
		if _, getErr := t.GetItem(ctx, id); errors.Is(getErr, tracker.ErrNotFound) {
			return getErr
		}
		return fmt.Errorf("failed to add comment to %s: %w", id, err)
	}
	return nil
}

// ListComments returns an item's comments oldest first
func (t *Tracker) ListComments(ctx context.Context, id string) ([]tracker.Comment, error) {
	n, err := parseItemID(id)
	if err != nil {
		return nil, err
	}
	if _, err := t.GetItem(ctx, id); err != nil {
		return nil, err
	}

	rows, err := t.db.QueryContext(ctx,
		`SELECT id, body, created_at FROM item_comments WHERE item_id = ? ORDER BY id`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var comments []tracker.Comment
	for rows.Next() {
		var (
			c   tracker.Comment
			cid int64
			ts  string
		)
		if err := rows.Scan(&cid, &c.Body, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		c.ID = strconv.FormatInt(cid, 10)
		if c.CreatedAt, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("failed to parse comment time: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// EnsureLabels records every label spec not yet known
func (t *Tracker) EnsureLabels(ctx context.Context, specs []tracker.LabelSpec) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, spec := range specs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO label_specs (name, color, description) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO NOTHING`,
			spec.Name, spec.Color, spec.Description,
		); err != nil {
			return fmt.Errorf("failed to create label %s: %w", spec.Name, err)
		}
	}
	return tx.Commit()
}

// Labels returns every known label name in sorted order
func (t *Tracker) Labels(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT name FROM label_specs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
