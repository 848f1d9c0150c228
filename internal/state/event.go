// internal/state/event.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/threadcore/internal/types"
)

// Append writes the event to the thread's log as one transaction: the next
// sequence number is claimed, the row inserted, and the thread's bookkeeping
// touched, all or nothing. The event's Seq field is set only when the
// transaction commits. Returns types.ErrNotFound when the thread does not
// exist and types.ErrConflict when a uniqueness constraint rejects the row.
func (s *Store) Append(ctx context.Context, event *types.Event) error {
	if !types.KnownEventType(event.Type) {
		return fmt.Errorf("append event: unknown event type %q", event.Type)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_seq FROM threads WHERE id = ?`, string(event.ThreadID)).Scan(&lastSeq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("append event: thread %s: %w", event.ThreadID, types.ErrNotFound)
		}
		return fmt.Errorf("append event: read last_seq: %w", err)
	}
	seq := lastSeq + 1

	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var toolCallID any
	if event.ToolCallID != "" {
		toolCallID = string(event.ToolCallID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (thread_id, seq, id, type, source, at, tool_call_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(event.ThreadID), seq, string(event.ID), string(event.Type),
		event.Source, at.Format(time.RFC3339Nano), toolCallID, string(event.Payload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append event: %s for call %s: %w", event.Type, event.ToolCallID, types.ErrConflict)
		}
		return fmt.Errorf("append event: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE threads SET last_seq = ?, updated_at = ? WHERE id = ?`,
		seq, time.Now().UTC().Format(time.RFC3339Nano), string(event.ThreadID),
	)
	if err != nil {
		return fmt.Errorf("append event: touch thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append event: commit: %w", err)
	}

	event.Seq = seq
	event.At = at

	if s.notify != nil {
		s.notify(event)
	}
	return nil
}

// Events returns the thread's full event sequence in append order. The read
// is a snapshot: events appended after the query starts are not mixed in.
func (s *Store) Events(ctx context.Context, threadID types.ThreadID) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, seq, id, type, source, at, tool_call_id, payload
		 FROM events WHERE thread_id = ? ORDER BY seq ASC`, string(threadID))
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// Tail returns the last limit events for the thread, in append order.
func (s *Store) Tail(ctx context.Context, threadID types.ThreadID, limit int) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, seq, id, type, source, at, tool_call_id, payload
		 FROM (
			SELECT * FROM events WHERE thread_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, string(threadID), limit)
	if err != nil {
		return nil, fmt.Errorf("tail events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*types.Event, error) {
	var events []*types.Event
	for rows.Next() {
		var event types.Event
		var threadID, id, typ, atStr, payload string
		var toolCallID sql.NullString
		if err := rows.Scan(&threadID, &event.Seq, &id, &typ, &event.Source, &atStr, &toolCallID, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.ThreadID = types.ThreadID(threadID)
		event.ID = types.EventID(id)
		event.Type = types.EventType(typ)
		event.Payload = []byte(payload)
		if toolCallID.Valid {
			event.ToolCallID = types.ToolCallID(toolCallID.String)
		}

		at, err := time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			return nil, fmt.Errorf("parse event at: %w", err)
		}
		event.At = at

		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events rows: %w", err)
	}
	return events, nil
}

// isUniqueViolation matches the driver's constraint error. modernc.org/sqlite
// surfaces SQLITE_CONSTRAINT_UNIQUE only through the message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
