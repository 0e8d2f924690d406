package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/radflow"
)

// MemoryDispatchStore is an in-memory radflow.TaskDispatchRepository keyed
// by execution id. Like the instance store it deep-copies on every read
// and write.
type MemoryDispatchStore struct {
	mu      sync.RWMutex
	records map[string]*radflow.TaskDispatchEventInfo
}

// NewMemoryDispatchStore creates an empty dispatch store.
func NewMemoryDispatchStore() *MemoryDispatchStore {
	return &MemoryDispatchStore{
		records: make(map[string]*radflow.TaskDispatchEventInfo),
	}
}

func (s *MemoryDispatchStore) GetTaskDispatchEventByExecutionID(ctx context.Context, executionID string) (*radflow.TaskDispatchEventInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[executionID]
	if !ok {
		return nil, fmt.Errorf("dispatch record %q: %w", executionID, radflow.ErrNotFound)
	}
	return record.Clone(), nil
}

func (s *MemoryDispatchStore) SaveTaskDispatchEvent(ctx context.Context, info *radflow.TaskDispatchEventInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	executionID := info.Event.ExecutionID
	if executionID == "" {
		return fmt.Errorf("dispatch record without execution id: %w", radflow.ErrValidationFailed)
	}
	if _, exists := s.records[executionID]; exists {
		return fmt.Errorf("dispatch record %q already exists: %w",
			executionID, radflow.ErrValidationFailed)
	}
	record := info.Clone()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.UpdatedAt = record.CreatedAt
	s.records[executionID] = record
	return nil
}

func (s *MemoryDispatchStore) UpdateTaskDispatchEvent(ctx context.Context, info *radflow.TaskDispatchEventInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	executionID := info.Event.ExecutionID
	if _, ok := s.records[executionID]; !ok {
		return fmt.Errorf("dispatch record %q: %w", executionID, radflow.ErrNotFound)
	}
	record := info.Clone()
	record.UpdatedAt = time.Now().UTC()
	s.records[executionID] = record
	return nil
}

func (s *MemoryDispatchStore) DeleteTaskDispatchEvent(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[executionID]; !ok {
		return fmt.Errorf("dispatch record %q: %w", executionID, radflow.ErrNotFound)
	}
	delete(s.records, executionID)
	return nil
}
