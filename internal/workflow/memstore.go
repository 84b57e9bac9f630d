package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/approvals/model"
)

// MemoryStepStore is an in-memory StepStore for tests and single-node use.
type MemoryStepStore struct {
	mu    sync.RWMutex
	steps map[string]model.EntityWorkflowStep // key: binding ID
}

// NewMemoryStepStore creates a new in-memory step store.
func NewMemoryStepStore() *MemoryStepStore {
	return &MemoryStepStore{steps: make(map[string]model.EntityWorkflowStep)}
}

func samePair(a, b model.EntityWorkflowStep) bool {
	return a.WorkflowCode == b.WorkflowCode && strings.EqualFold(a.EntityType, b.EntityType)
}

// ActiveStep returns the active binding for the pair.
func (s *MemoryStepStore) ActiveStep(_ context.Context, workflowCode, entityType string) (*model.EntityWorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	probe := model.EntityWorkflowStep{WorkflowCode: workflowCode, EntityType: entityType}
	for _, st := range s.steps {
		if st.IsActive && samePair(st, probe) {
			st.Definition = *st.Definition.Clone()
			return &st, nil
		}
	}
	return nil, model.NewNotFoundError(
		fmt.Sprintf("no active workflow %q for entity type %q", workflowCode, entityType),
	)
}

// Save upserts a binding, keeping at most one active binding per pair.
func (s *MemoryStepStore) Save(_ context.Context, step model.EntityWorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if existing, ok := s.steps[step.ID]; ok {
		step.CreatedAt = existing.CreatedAt
	} else if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.UpdatedAt = now
	step.Definition = *step.Definition.Clone()

	if step.IsActive {
		for id, other := range s.steps {
			if id != step.ID && other.IsActive && samePair(other, step) {
				other.IsActive = false
				other.UpdatedAt = now
				s.steps[id] = other
			}
		}
	}
	s.steps[step.ID] = step
	return nil
}

// Deactivate marks a binding inactive.
func (s *MemoryStepStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[id]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow binding %q not found", id))
	}
	st.IsActive = false
	st.UpdatedAt = time.Now().UTC()
	s.steps[id] = st
	return nil
}

// List returns every binding ordered by workflow code, entity type and ID.
func (s *MemoryStepStore) List(_ context.Context) ([]model.EntityWorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.EntityWorkflowStep, 0, len(s.steps))
	for _, st := range s.steps {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkflowCode != out[j].WorkflowCode {
			return out[i].WorkflowCode < out[j].WorkflowCode
		}
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Len returns the total number of bindings. For testing.
func (s *MemoryStepStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.steps)
}

// HealthCheck always succeeds.
func (s *MemoryStepStore) HealthCheck(context.Context) error { return nil }

// MemoryHistoryStore is an in-memory HistoryStore.
type MemoryHistoryStore struct {
	mu     sync.RWMutex
	events []model.WorkflowEvent
}

// NewMemoryHistoryStore creates a new in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{}
}

// Append adds an event. Events without an ID receive one.
func (s *MemoryHistoryStore) Append(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	for _, e := range s.events {
		if e.ID == event.ID {
			return model.NewConflictError(fmt.Sprintf("history event %q already exists", event.ID))
		}
	}
	s.events = append(s.events, event)
	return nil
}

// ForEntity returns the entity's history ordered by timestamp.
func (s *MemoryHistoryStore) ForEntity(_ context.Context, tenantID, entityType, entityID string, filters HistoryFilters) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowEvent
	for _, e := range s.events {
		if e.TenantID != tenantID || e.EntityID != entityID || !strings.EqualFold(e.EntityType, entityType) {
			continue
		}
		if filters.HistoryID != "" && e.HistoryID != filters.HistoryID {
			continue
		}
		result = append(result, e)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowEvent{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Len returns the total number of events. For testing.
func (s *MemoryHistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
