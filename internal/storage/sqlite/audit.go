package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/stagegate/internal/audit"
	"github.com/steveyegge/stagegate/internal/types"
)

// AuditStore is the durable audit.Recorder
type AuditStore struct {
	db *sql.DB
}

var _ audit.Recorder = (*AuditStore)(nil)

// OpenAuditStore opens the audit database at path
func OpenAuditStore(ctx context.Context, path string) (*AuditStore, error) {
	db, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &AuditStore{db: db}, nil
}

// Close closes the underlying database
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// Record validates and appends entry. The per-trace sequence is assigned in
// the same statement as the insert, so concurrent writers never share one.
func (s *AuditStore) Record(ctx context.Context, entry *audit.Entry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid audit entry: %w", err)
	}
	if entry.ID == "" {
		entry.ID = audit.NewID(entry.Timestamp)
	}

	constraints, err := json.Marshal(entry.Constraints)
	if err != nil {
		return fmt.Errorf("failed to marshal constraints: %w", err)
	}
	if entry.Constraints == nil {
		constraints = []byte("{}")
	}
	var transition sql.NullString
	if entry.Transition != nil {
		data, err := json.Marshal(entry.Transition)
		if err != nil {
			return fmt.Errorf("failed to marshal transition: %w", err)
		}
		transition = sql.NullString{String: string(data), Valid: true}
	}

	changeAware := 0
	if entry.ChangeAware {
		changeAware = 1
	}

	var seq int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO audit_entries (
			trace_id, seq, id, kind, item_id, stage, decision, change_aware,
			reason, constraints, transition, timestamp
		)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		FROM audit_entries WHERE trace_id = ?
		RETURNING seq
	`,
		entry.TraceID, entry.ID, string(entry.Kind), entry.ItemID, string(entry.Stage),
		string(entry.Decision), changeAware, entry.Reason, string(constraints), transition,
		entry.Timestamp.UTC().Format(timeFormat),
		entry.TraceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to record audit entry for %s: %w", entry.TraceID, err)
	}

	entry.Sequence = seq
	return nil
}

// Query returns every entry for traceID in sequence order
func (s *AuditStore) Query(ctx context.Context, traceID string) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, seq, id, kind, item_id, stage, decision, change_aware,
		       reason, constraints, transition, timestamp
		FROM audit_entries
		WHERE trace_id = ?
		ORDER BY seq ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*audit.Entry
	for rows.Next() {
		var (
			e           audit.Entry
			kind        string
			stage       string
			decision    string
			changeAware int
			constraints string
			transition  sql.NullString
			ts          string
		)
		if err := rows.Scan(&e.TraceID, &e.Sequence, &e.ID, &kind, &e.ItemID, &stage, &decision,
			&changeAware, &e.Reason, &constraints, &transition, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		e.Kind = audit.Kind(kind)
		e.Stage = types.Stage(stage)
		e.Decision = types.DecisionKind(decision)
		e.ChangeAware = changeAware != 0

		if constraints != "" && constraints != "{}" && constraints != "null" {
			if err := json.Unmarshal([]byte(constraints), &e.Constraints); err != nil {
				return nil, fmt.Errorf("failed to decode constraints of %s: %w", e.ID, err)
			}
		}
		if transition.Valid {
			var t types.Transition
			if err := json.Unmarshal([]byte(transition.String), &t); err != nil {
				return nil, fmt.Errorf("failed to decode transition of %s: %w", e.ID, err)
			}
			e.Transition = &t
		}
		if e.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp of %s: %w", e.ID, err)
		}

		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return entries, nil
}
