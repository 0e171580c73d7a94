package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/observability/alerting"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	fn        func(task *Task) (*Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, task *Task) (*Result, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	if f.fn != nil {
		return f.fn(task)
	}
	return &Result{Mode: ModeSequential, Output: "done: " + task.Description, Spent: money.FromMicro(100)}, nil
}

type recordingFinalizer struct {
	mu    sync.Mutex
	tasks map[string]Status
}

func (r *recordingFinalizer) Finalize(_ context.Context, task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks == nil {
		r.tasks = make(map[string]Status)
	}
	r.tasks[task.ID] = task.Status
	return nil
}

func (r *recordingFinalizer) status(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.tasks[id]
	return status, ok
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func startProcessor(t *testing.T, processor *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return cancel
}

func waitTerminal(t *testing.T, service *Service, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("等待任务 %s 失败: %v", id, err)
	}
	return task
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}
	finalizer := &recordingFinalizer{}

	service := NewService(store, queue, &fakeAllocator{}, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8), WithFinalizer(finalizer))
	cancel := startProcessor(t, processor)
	defer cancel()

	total := 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(context.Background(), SubmitRequest{
			ID:          fmt.Sprintf("task-%d", i),
			Description: fmt.Sprintf("goal-%d", i),
			Budget:      money.FromUSDC(1),
		}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	for i := 0; i < total; i++ {
		task := waitTerminal(t, service, fmt.Sprintf("task-%d", i))
		if task.Status != StatusCompleted || task.Result == nil {
			t.Fatalf("unexpected task state: %+v", task)
		}
	}
	if int(executor.processed.Load()) != total {
		t.Fatalf("expected %d executions, got %d", total, executor.processed.Load())
	}
	if status, ok := finalizer.status("task-0"); !ok || status != StatusCompleted {
		t.Fatalf("finalizer should observe completed task, got %q", status)
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	var calls atomic.Int32
	executor := &fakeExecutor{fn: func(task *Task) (*Result, error) {
		if calls.Add(1) < 3 {
			return nil, xerrors.New(xerrors.CodeExecutorFailure, "agent unavailable")
		}
		return &Result{Output: "ok"}, nil
	}}
	finalizer := &recordingFinalizer{}

	service := NewService(store, queue, &fakeAllocator{}, 3)
	processor := NewProcessor(executor, store, queue, queue, WithFinalizer(finalizer))
	cancel := startProcessor(t, processor)
	defer cancel()

	if _, err := service.Submit(context.Background(), SubmitRequest{ID: "retry", Description: "d", Budget: money.FromUSDC(1)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitTerminal(t, service, "retry")
	if task.Status != StatusCompleted || task.Attempts != 3 {
		t.Fatalf("expected completion on third attempt, got %+v", task)
	}
	if _, ok := finalizer.status("retry"); !ok {
		t.Fatalf("finalizer not called")
	}
}

func TestProcessorFailsOnNonRetryableError(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{fn: func(*Task) (*Result, error) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bad plan")
	}}
	finalizer := &recordingFinalizer{}
	var observed atomic.Value

	service := NewService(store, queue, &fakeAllocator{}, 3)
	processor := NewProcessor(executor, store, queue, queue,
		WithFinalizer(finalizer),
		WithTaskObserver(func(task *Task) { observed.Store(task.ID) }),
	)
	cancel := startProcessor(t, processor)
	defer cancel()

	if _, err := service.Submit(context.Background(), SubmitRequest{ID: "fatal", Description: "d", Budget: money.FromUSDC(1)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitTerminal(t, service, "fatal")
	if task.Status != StatusFailed || task.Attempts != 1 || task.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected task: %+v", task)
	}
	deadline := time.Now().Add(2 * time.Second)
	for observed.Load() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if observed.Load() != "fatal" {
		t.Fatalf("observer not notified")
	}
	if status, _ := finalizer.status("fatal"); status != StatusFailed {
		t.Fatalf("finalizer should see failed task, got %q", status)
	}
}

func TestProcessorExhaustsRetriesAndAlerts(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{fn: func(*Task) (*Result, error) {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "still failing")
	}}
	alerts := &recordingAlerts{}

	service := NewService(store, queue, &fakeAllocator{}, 2)
	processor := NewProcessor(executor, store, queue, queue, WithAlertDispatcher(alerts))
	cancel := startProcessor(t, processor)
	defer cancel()

	if _, err := service.Submit(context.Background(), SubmitRequest{ID: "exhaust", Description: "d", Budget: money.FromUSDC(1)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitTerminal(t, service, "exhaust")
	if task.Status != StatusFailed || task.Attempts != 2 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if executor.processed.Load() != 2 {
		t.Fatalf("expected two executions, got %d", executor.processed.Load())
	}

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	var terminal bool
	for _, event := range alerts.events {
		if event.TaskID == "exhaust" && event.Metadata["stage"] == "terminal" {
			terminal = true
		}
	}
	if !terminal {
		t.Fatalf("expected terminal alert, got %+v", alerts.events)
	}
}

func TestProcessorTaskTimeout(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{latency: time.Second}

	service := NewService(store, queue, &fakeAllocator{}, 1)
	processor := NewProcessor(executor, store, queue, queue, WithTaskTimeout(20*time.Millisecond))
	cancel := startProcessor(t, processor)
	defer cancel()

	if _, err := service.Submit(context.Background(), SubmitRequest{ID: "slow", Description: "d", Budget: money.FromUSDC(1)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitTerminal(t, service, "slow")
	if task.Status != StatusFailed {
		t.Fatalf("expected failed task, got %+v", task)
	}
}
