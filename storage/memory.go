package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/semflow/workflow"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*workflow.Instance
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*workflow.Instance),
		now:       time.Now,
	}
}

// Create stores a new instance at version 1.
func (s *MemoryStore) Create(_ context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, inst.ID)
	}
	c := inst.Clone()
	c.Version = 1
	s.instances[inst.ID] = c
	inst.Version = 1
	return nil
}

// Load returns a copy of the instance.
func (s *MemoryStore) Load(_ context.Context, id string) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.Clone(), nil
}

// List returns copies of matching instances, newest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*workflow.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		all = append(all, inst.Clone())
	}
	return filter.apply(all), nil
}

// ClaimTask implements Store.
func (s *MemoryStore) ClaimTask(_ context.Context, workflowID, taskID string, version uint64) (*workflow.Instance, error) {
	return s.update(workflowID, version, claimTask(taskID))
}

// SaveTaskStatus implements Store.
func (s *MemoryStore) SaveTaskStatus(_ context.Context, workflowID, taskID string, status workflow.TaskStatus, errorMessage string) error {
	_, err := s.update(workflowID, 0, taskStatus(taskID, status, errorMessage))
	return err
}

// SaveInstanceStatus implements Store.
func (s *MemoryStore) SaveInstanceStatus(_ context.Context, workflowID string, status workflow.Status, failureReason string) error {
	_, err := s.update(workflowID, 0, instanceStatus(status, failureReason))
	return err
}

// MergeContext implements Store.
func (s *MemoryStore) MergeContext(_ context.Context, workflowID string, partial workflow.Context) error {
	_, err := s.update(workflowID, 0, mergeContext(partial))
	return err
}

// update applies fn to a copy and commits it. A non-zero version must match.
func (s *MemoryStore) update(id string, version uint64, fn mutation) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if version != 0 && cur.Version != version {
		return nil, fmt.Errorf("%w: %s at version %d, expected %d", ErrConflict, id, cur.Version, version)
	}

	next := cur.Clone()
	if err := fn(next, s.now()); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	s.instances[id] = next
	return next.Clone(), nil
}
