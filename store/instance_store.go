// Package store provides in-memory implementations of the engine's
// repository interfaces. They back the test suite and the single-binary
// local runner; production deployments swap in external datastores behind
// the same interfaces.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/radflow"
)

// MemoryInstanceStore is an in-memory radflow.WorkflowInstanceRepository.
// All reads and writes deep-copy, so callers can never mutate stored state
// through a returned pointer. Task status writes are forward-only: a write
// that would leave a terminal status fails with ErrAlreadyTerminal and a
// write that skips the transition table fails with ErrValidationFailed.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*radflow.WorkflowInstance
}

// NewMemoryInstanceStore creates an empty instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]*radflow.WorkflowInstance),
	}
}

func (s *MemoryInstanceStore) CreateWorkflowInstance(ctx context.Context, instance *radflow.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[instance.ID]; exists {
		return fmt.Errorf("workflow instance %q already exists: %w",
			instance.ID, radflow.ErrValidationFailed)
	}
	s.instances[instance.ID] = instance.Clone()
	return nil
}

func (s *MemoryInstanceStore) GetWorkflowInstance(ctx context.Context, id string) (*radflow.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("workflow instance %q: %w", id, radflow.ErrNotFound)
	}
	return instance.Clone(), nil
}

func (s *MemoryInstanceStore) GetByWorkflowAndPayload(ctx context.Context, workflowID, payloadID string) (*radflow.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, instance := range s.instances {
		if instance.WorkflowID == workflowID && instance.PayloadID == payloadID {
			return instance.Clone(), nil
		}
	}
	return nil, fmt.Errorf("workflow instance for workflow %q payload %q: %w",
		workflowID, payloadID, radflow.ErrNotFound)
}

func (s *MemoryInstanceStore) AddTaskExecutions(ctx context.Context, instanceID string, tasks []*radflow.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("workflow instance %q: %w", instanceID, radflow.ErrNotFound)
	}
	for _, task := range tasks {
		instance.Tasks = append(instance.Tasks, task.Clone())
	}
	return nil
}

func (s *MemoryInstanceStore) UpdateTaskExecution(ctx context.Context, instanceID string, task *radflow.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("workflow instance %q: %w", instanceID, radflow.ErrNotFound)
	}
	for i, existing := range instance.Tasks {
		if existing.ExecutionID != task.ExecutionID {
			continue
		}
		if existing.Status != task.Status {
			if err := checkTransition(existing.Status, task.Status); err != nil {
				return fmt.Errorf("execution %q: %w", task.ExecutionID, err)
			}
		}
		instance.Tasks[i] = task.Clone()
		return nil
	}
	return fmt.Errorf("execution %q in instance %q: %w",
		task.ExecutionID, instanceID, radflow.ErrNotFound)
}

func (s *MemoryInstanceStore) UpdateTaskStatus(ctx context.Context, instanceID, executionID string, status radflow.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("workflow instance %q: %w", instanceID, radflow.ErrNotFound)
	}
	for _, task := range instance.Tasks {
		if task.ExecutionID != executionID {
			continue
		}
		if err := checkTransition(task.Status, status); err != nil {
			return fmt.Errorf("execution %q: %w", executionID, err)
		}
		task.Status = status
		return nil
	}
	return fmt.Errorf("execution %q in instance %q: %w",
		executionID, instanceID, radflow.ErrNotFound)
}

func (s *MemoryInstanceStore) UpdateInstanceStatus(ctx context.Context, instanceID string, status radflow.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("workflow instance %q: %w", instanceID, radflow.ErrNotFound)
	}
	instance.Status = status
	return nil
}

func (s *MemoryInstanceStore) ListLiveTaskExecutions(ctx context.Context) ([]*radflow.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var live []*radflow.TaskExecution
	for _, instance := range s.instances {
		for _, task := range instance.Tasks {
			if task.Status == radflow.TaskStatusDispatched || task.Status == radflow.TaskStatusAccepted {
				live = append(live, task.Clone())
			}
		}
	}
	return live, nil
}

// checkTransition enforces the forward-only status machine. This check is
// what makes duplicate and out-of-order callbacks safe without locks held
// across the bus.
func checkTransition(current, next radflow.TaskStatus) error {
	if current.IsTerminal() {
		return fmt.Errorf("status is already %s: %w", current, radflow.ErrAlreadyTerminal)
	}
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("cannot move task from %s to %s: %w",
			current, next, radflow.ErrValidationFailed)
	}
	return nil
}
