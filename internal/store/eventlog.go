package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// AppendEvent appends an audit event with a monotonically increasing per-session sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction. A throwaway write
	// takes the write lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = ?`, event.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, event_type, workflow, step, decision, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID, event.Type, nullStr(event.Workflow), nullStr(event.Step), nullStr(event.Decision),
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns a session's events with sequence > since, in sequence order.
func (s *LibSQLStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, workflow, step, decision, payload, timestamp, sequence
		 FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns the newest events of one type matching the filter.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, session_id, event_type, workflow, step, decision, payload, timestamp, sequence
		FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PruneEvents deletes events older than before and reports how many were removed.
func (s *LibSQLStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var workflow, step, decision, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &workflow, &step, &decision, &payload,
			&e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Workflow = workflow.String
		e.Step = step.String
		e.Decision = decision.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventLog reads the audit trail of a session.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide audit replay.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// SessionHistory is the replayed audit trail of one session.
type SessionHistory struct {
	SessionID string         `json:"session_id"`
	Events    int            `json:"events"`
	Decisions map[string]int `json:"decisions"`
	Workflow  string         `json:"workflow,omitempty"`
	Step      string         `json:"step,omitempty"`
	Denials   []*Event       `json:"denials,omitempty"`
	Approvals int            `json:"approvals_requested"`
	LastSeen  *time.Time     `json:"last_seen,omitempty"`
}

// Replay folds a session's events into a SessionHistory. A sequence gap is
// reported as a STORE_ERROR.
func (el *EventLog) Replay(ctx context.Context, sessionID string) (*SessionHistory, error) {
	events, err := el.store.GetEvents(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	h := &SessionHistory{SessionID: sessionID, Decisions: map[string]int{}}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in session %s: expected %d, got %d", sessionID, expected, e.Sequence)
		}
		h.Events++
		ts := e.Timestamp
		h.LastSeen = &ts

		switch e.Type {
		case schema.AuditHookDecision:
			h.Decisions[e.Decision]++
			if e.Decision == string(schema.DecisionDeny) {
				h.Denials = append(h.Denials, e)
			}
			if e.Workflow != "" {
				h.Workflow = e.Workflow
				h.Step = e.Step
			}
		case schema.AuditApprovalRequired:
			h.Approvals++
		case schema.AuditWorkflowChanged:
			h.Workflow = e.Workflow
			h.Step = e.Step
		}
	}
	return h, nil
}
