package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/arazzo/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and single-process embedding.
type MemoryStore struct {
	mu    sync.RWMutex
	execs map[string]*Execution
	evts  map[string][]*Event // keyed by execution id, ordered by sequence
	runs  map[string]*ScheduledRun
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		execs: make(map[string]*Execution),
		evts:  make(map[string][]*Event),
		runs:  make(map[string]*ScheduledRun),
	}
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeStore, "execution %q already exists", exec.ID)
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	s.execs[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, unknownExecution(id)
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) SaveExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[exec.ID]; !ok {
		return unknownExecution(exec.ID)
	}
	exec.UpdatedAt = time.Now().UTC()
	s.execs[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for _, exec := range s.execs {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && exec.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, exec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[id]; !ok {
		return unknownExecution(id)
	}
	delete(s.execs, id)
	delete(s.evts, id)
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.evts[event.ExecutionID]
	event.Sequence = int64(len(log)) + 1
	event.ID = event.Sequence
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	s.evts[event.ExecutionID] = append(log, &cp)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.evts[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Replay reconstructs per-step records from the event log.
func (s *MemoryStore) Replay(ctx context.Context, executionID string) ([]StepRecord, error) {
	events, err := s.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	return ReplayEvents(executionID, events)
}

func (s *MemoryStore) CreateScheduledRun(_ context.Context, run *ScheduledRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeStore, "scheduled run %q already exists", run.ID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduledRun(_ context.Context, id string) (*ScheduledRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "scheduled run %q not found", id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateScheduledRun(_ context.Context, id string, update ScheduledRunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeStore, "scheduled run %q not found", id)
	}
	if update.Enabled != nil {
		run.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		run.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		run.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		run.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (s *MemoryStore) ListScheduledRuns(_ context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ScheduledRun
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Enabled != nil && run.Enabled != *filter.Enabled {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteScheduledRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeStore, "scheduled run %q not found", id)
	}
	delete(s.runs, id)
	return nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func unknownExecution(id string) *schema.ArazzoError {
	return schema.NewErrorf(schema.ErrCodeUnknownExecution, "execution %q not found", id)
}
