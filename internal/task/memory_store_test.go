package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opspawn/agentos/internal/money"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	tasks := []*Task{
		{ID: "t1", Description: "research vendors", Budget: money.FromUSDC(1), MaxRetries: 3},
		{ID: "t2", Description: "write summary", Budget: money.FromUSDC(1), MaxRetries: 3},
		{ID: "t3", Description: "build landing page", Budget: money.FromUSDC(5), MaxRetries: 3},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, "t3", Result{Mode: ModeSequential, Output: "landing page ok"}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	open, err := store.List(ctx, buildListOptions([]ListOption{OnlySettled(false)}))
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != "t1" {
		t.Fatalf("unexpected open list: %+v", open)
	}

	rich, err := store.List(ctx, buildListOptions([]ListOption{WithMinBudget(money.FromUSDC(2))}))
	if err != nil {
		t.Fatalf("list by budget: %v", err)
	}
	if len(rich) != 1 || rich[0].ID != "t3" {
		t.Fatalf("unexpected budget list: %+v", rich)
	}

	since, err := store.List(ctx, buildListOptions([]ListOption{Between(base.Add(45*time.Second), time.Time{})}))
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(since) != 1 || since[0].ID != "t3" {
		t.Fatalf("unexpected since list: %+v", since)
	}

	asc, err := store.List(ctx, buildListOptions([]ListOption{OldestFirst(), WithLimit(2)}))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if len(asc) != 2 || asc[0].ID != "t1" || asc[1].ID != "t2" {
		t.Fatalf("unexpected ascending list: %+v", asc)
	}

	queried, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("LANDING")}))
	if err != nil {
		t.Fatalf("list query: %v", err)
	}
	if len(queried) != 1 || queried[0].ID != "t3" {
		t.Fatalf("unexpected query list: %+v", queried)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Received != 1 || stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() || stats.NewestUpdatedAt != base.Add(60*time.Second).Unix() {
		t.Fatalf("unexpected stats range: %+v", stats)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", Description: "d", MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "t1", Description: "d", MaxRetries: 2}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusAnalyzing || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}

	if err := store.Advance(ctx, "t1", StatusExecuting); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.Advance(ctx, "t1", StatusHiring); err != nil {
		t.Fatalf("advance backwards: %v", err)
	}
	current, _ := store.Get(ctx, "t1")
	if current.Status != StatusExecuting {
		t.Fatalf("status must only move forward, got %s", current.Status)
	}

	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "transient", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	current, _ = store.Get(ctx, "t1")
	if current.Status != StatusExecuting || current.ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("non-terminal failure should keep status: %+v", current)
	}

	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if err := store.MarkCompleted(ctx, "t1", Result{Output: "ok"}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "late", true); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("terminal task must not change, got %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed on claim, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	plan := &Plan{Mode: ModeConcurrent, Subtasks: []Subtask{{ID: "a", Capability: "research"}}}
	if err := store.Create(ctx, &Task{ID: "t1", Description: "d", Plan: plan, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	plan.Subtasks[0].Capability = "mutated"

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Plan.Subtasks[0].Capability != "research" {
		t.Fatalf("store must keep its own copy, got %s", got.Plan.Subtasks[0].Capability)
	}
	got.Plan.Subtasks[0].Capability = "changed"
	again, _ := store.Get(ctx, "t1")
	if again.Plan.Subtasks[0].Capability != "research" {
		t.Fatalf("returned task must be a copy")
	}
}
