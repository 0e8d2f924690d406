package timeout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/radflow"
	"github.com/deepnoodle-ai/radflow/slogger"
	"github.com/deepnoodle-ai/radflow/store"
)

type topicCapture struct {
	mu            sync.Mutex
	cancellations []radflow.TaskCancellationEvent
	updates       []radflow.TaskUpdateEvent
	err           error
}

func (p *topicCapture) Publish(ctx context.Context, topic string, msg *radflow.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	switch topic {
	case "md.tasks.cancellation":
		var event radflow.TaskCancellationEvent
		if err := radflow.DecodeJSONMessage(msg, &event); err != nil {
			return err
		}
		p.cancellations = append(p.cancellations, event)
	case "md.tasks.update":
		var event radflow.TaskUpdateEvent
		if err := radflow.DecodeJSONMessage(msg, &event); err != nil {
			return err
		}
		p.updates = append(p.updates, event)
	}
	return nil
}

func (p *topicCapture) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancellations), len(p.updates)
}

func seedInstance(t *testing.T, instances *store.MemoryInstanceStore, timeoutSeconds int64, started time.Time) {
	t.Helper()
	require.NoError(t, instances.CreateWorkflowInstance(context.Background(), &radflow.WorkflowInstance{
		ID:         "instance-1",
		WorkflowID: "wf-1",
		PayloadID:  "payload-1",
		Status:     radflow.InstanceStatusInProgress,
		Tasks: []*radflow.TaskExecution{{
			ExecutionID:        "exec-1",
			TaskID:             "classify",
			WorkflowInstanceID: "instance-1",
			PluginType:         "argo",
			Status:             radflow.TaskStatusDispatched,
			TaskStartTime:      started,
			TimeoutSeconds:     timeoutSeconds,
		}},
	}))
}

func newMonitor(t *testing.T, instances radflow.WorkflowInstanceRepository, publisher radflow.Publisher, now time.Time) *Monitor {
	t.Helper()
	monitor, err := New(Options{
		Instances:         instances,
		Publisher:         publisher,
		CancellationTopic: "md.tasks.cancellation",
		UpdateTopic:       "md.tasks.update",
		Interval:          time.Second,
		Logger:            slogger.NewDevNullLogger(),
	})
	require.NoError(t, err)
	monitor.now = func() time.Time { return now }
	return monitor
}

func TestSweepReapsOverdueTask(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	instances := store.NewMemoryInstanceStore()
	seedInstance(t, instances, 1, now.Add(-2*time.Second))
	publisher := &topicCapture{}
	monitor := newMonitor(t, instances, publisher, now)

	require.NoError(t, monitor.Sweep(context.Background()))

	require.Len(t, publisher.cancellations, 1)
	assert.Equal(t, "exec-1", publisher.cancellations[0].ExecutionID)
	assert.Equal(t, "timed out", publisher.cancellations[0].Reason)

	require.Len(t, publisher.updates, 1)
	update := publisher.updates[0]
	assert.Equal(t, radflow.TaskStatusTimedOut, update.Status)
	assert.Equal(t, radflow.FailureReasonTimedOut, update.Reason)
	assert.Equal(t, "instance-1", update.WorkflowInstanceID)
}

func TestSweepPublishesExactlyOnce(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	instances := store.NewMemoryInstanceStore()
	seedInstance(t, instances, 1, now.Add(-2*time.Second))
	publisher := &topicCapture{}
	monitor := newMonitor(t, instances, publisher, now)

	// The task stays Dispatched in the store (nobody consumed the forced
	// update), so a second cycle sees it again and must not re-publish.
	require.NoError(t, monitor.Sweep(context.Background()))
	require.NoError(t, monitor.Sweep(context.Background()))

	cancellations, updates := publisher.counts()
	assert.Equal(t, 1, cancellations)
	assert.Equal(t, 1, updates)
}

func TestSweepSkipsTaskWithinDeadline(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	instances := store.NewMemoryInstanceStore()
	seedInstance(t, instances, 3600, now.Add(-time.Minute))
	publisher := &topicCapture{}
	monitor := newMonitor(t, instances, publisher, now)

	require.NoError(t, monitor.Sweep(context.Background()))
	cancellations, updates := publisher.counts()
	assert.Zero(t, cancellations)
	assert.Zero(t, updates)
}

func TestSweepSkipsNonPositiveTimeout(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	instances := store.NewMemoryInstanceStore()
	// Started a year ago but with timeouts disabled: never reaped.
	seedInstance(t, instances, 0, now.Add(-365*24*time.Hour))
	publisher := &topicCapture{}
	monitor := newMonitor(t, instances, publisher, now)

	require.NoError(t, monitor.Sweep(context.Background()))
	cancellations, updates := publisher.counts()
	assert.Zero(t, cancellations)
	assert.Zero(t, updates)
}

func TestSweepSurfacesScanError(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	publisher := &topicCapture{}
	monitor := newMonitor(t, failingStore{}, publisher, now)

	err := monitor.Sweep(context.Background())
	assert.Error(t, err)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	instances := store.NewMemoryInstanceStore()
	publisher := &topicCapture{}
	monitor := newMonitor(t, instances, publisher, now)
	monitor.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

type failingStore struct{}

func (failingStore) CreateWorkflowInstance(context.Context, *radflow.WorkflowInstance) error {
	return errors.New("unavailable")
}

func (failingStore) GetWorkflowInstance(context.Context, string) (*radflow.WorkflowInstance, error) {
	return nil, errors.New("unavailable")
}

func (failingStore) GetByWorkflowAndPayload(context.Context, string, string) (*radflow.WorkflowInstance, error) {
	return nil, errors.New("unavailable")
}

func (failingStore) AddTaskExecutions(context.Context, string, []*radflow.TaskExecution) error {
	return errors.New("unavailable")
}

func (failingStore) UpdateTaskExecution(context.Context, string, *radflow.TaskExecution) error {
	return errors.New("unavailable")
}

func (failingStore) UpdateTaskStatus(context.Context, string, string, radflow.TaskStatus) error {
	return errors.New("unavailable")
}

func (failingStore) UpdateInstanceStatus(context.Context, string, radflow.InstanceStatus) error {
	return errors.New("unavailable")
}

func (failingStore) ListLiveTaskExecutions(context.Context) ([]*radflow.TaskExecution, error) {
	return nil, errors.New("unavailable")
}
