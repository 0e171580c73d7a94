package task

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/opspawn/agentos/internal/budget"
	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
)

type fakeAllocator struct {
	mu     sync.Mutex
	calls  map[string]money.Amount
	failOn string
}

func (f *fakeAllocator) Allocate(_ context.Context, taskID string, amount money.Amount) (budget.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if taskID == f.failOn {
		return budget.Allocation{}, budget.ErrInvalidAmount
	}
	if f.calls == nil {
		f.calls = make(map[string]money.Amount)
	}
	if _, ok := f.calls[taskID]; ok {
		return budget.Allocation{}, budget.ErrDuplicateAllocation
	}
	f.calls[taskID] = amount
	return budget.Allocation{TaskID: taskID, Allocated: amount}, nil
}

func TestServiceSubmitAllocatesAndPublishes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	budgets := &fakeAllocator{}
	service := NewService(store, queue, budgets, 0)

	created, err := service.Submit(ctx, SubmitRequest{ID: "task-1", Description: " research the market ", Budget: money.FromUSDC(5)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.Status != StatusReceived || created.MaxRetries != 3 || created.Description != "research the market" {
		t.Fatalf("unexpected task: %+v", created)
	}
	if budgets.calls["task-1"] != money.FromUSDC(5) {
		t.Fatalf("budget not allocated: %+v", budgets.calls)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected one queued task, got %d", queue.Len())
	}

	again, err := service.Submit(ctx, SubmitRequest{ID: "task-1", Description: "other", Budget: money.FromUSDC(9)})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.Description != "research the market" || queue.Len() != 1 {
		t.Fatalf("resubmission must return the existing task without publishing again")
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), &fakeAllocator{}, 3)
	cases := []SubmitRequest{
		{Description: "", Budget: money.FromUSDC(1)},
		{Description: "d", Budget: 0},
		{Description: "d", Budget: money.FromUSDC(1), Plan: &Plan{Mode: "broadcast", Subtasks: []Subtask{{Capability: "x"}}}},
		{Description: "d", Budget: money.FromUSDC(1), Plan: &Plan{Mode: ModeSequential}},
		{Description: "d", Budget: money.FromUSDC(1), Plan: &Plan{Subtasks: []Subtask{{ID: "a"}}}},
		{Description: "d", Budget: money.FromUSDC(1), Plan: &Plan{Subtasks: []Subtask{{Capability: "x", Ceiling: -1}}}},
		{Description: "d", Budget: money.FromUSDC(1), Plan: &Plan{Subtasks: []Subtask{{ID: "a", Capability: "x"}, {ID: "a", Capability: "y"}}}},
	}
	for i, req := range cases {
		if _, err := service.Submit(context.Background(), req); !xerrors.Is(err, CodeTaskValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestServiceSubmitAllocationFailureMarksTaskFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	service := NewService(store, queue, &fakeAllocator{failOn: "bad"}, 3)

	if _, err := service.Submit(ctx, SubmitRequest{ID: "bad", Description: "d", Budget: money.FromUSDC(1)}); !errors.Is(err, budget.ErrInvalidAmount) {
		t.Fatalf("expected allocation error, got %v", err)
	}
	stored, err := store.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("expected failed task, got %s", stored.Status)
	}
	if queue.Len() != 0 {
		t.Fatalf("failed task must not be published")
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	service := NewService(store, queue, &fakeAllocator{}, 3)

	if _, err := service.Submit(ctx, SubmitRequest{ID: "t", Description: "d", Budget: money.FromUSDC(1)}); !xerrors.Is(err, CodeTaskPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	stored, _ := store.Get(ctx, "t")
	if stored == nil || stored.Status != StatusFailed || stored.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected stored task: %+v", stored)
	}
}
