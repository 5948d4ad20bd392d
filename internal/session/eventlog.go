package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/arazzo/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Force write-lock acquisition up front. In WAL mode a deferred
	// transaction would let two appenders read the same MAX(sequence).
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, workflow_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, event.WorkflowID, nullStr(event.StepID), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// Replay reconstructs per-step records from the event log.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, executionID string) ([]StepRecord, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	return ReplayEvents(executionID, events)
}

// ReplayEvents reconstructs per-step records from an ordered event slice.
// Returns an error if sequence gaps are detected.
func ReplayEvents(executionID string, events []*Event) ([]StepRecord, error) {
	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	var records []StepRecord
	index := make(map[string]int)

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		i, ok := index[e.StepID]
		if !ok {
			i = len(records)
			index[e.StepID] = i
			records = append(records, StepRecord{StepID: e.StepID, Status: schema.StepPending})
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			records[i].Status = schema.StepRunning
			records[i].StartedAt = &ts

		case schema.EventStepCompleted:
			records[i].Status = schema.StepComplete
			records[i].CompletedAt = &ts
			if len(e.Payload) > 0 {
				records[i].Outputs = decodeOutputs(e.Payload)
			}
			if records[i].StartedAt != nil {
				records[i].DurationMs = ts.Sub(*records[i].StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			records[i].Status = schema.StepFailed
			records[i].CompletedAt = &ts
			records[i].Error = e.Payload
		}
	}

	return records, nil
}

func decodeOutputs(payload []byte) map[string]any {
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil
	}
	return out
}
