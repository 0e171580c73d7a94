package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspawn/agentos/internal/budget"
	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/escrow"
	"github.com/opspawn/agentos/internal/hiring"
	"github.com/opspawn/agentos/internal/ledger"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/payment"
	"github.com/opspawn/agentos/internal/registry"
	"github.com/opspawn/agentos/internal/task"
)

type harness struct {
	journal  *ledger.Journal
	tracker  *budget.Tracker
	escrow   *escrow.Escrow
	registry *registry.Registry
	tasks    *task.MemoryStore
}

func newHarness(t *testing.T, taskBudget money.Amount, agents ...registry.Agent) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{}
	h.journal = ledger.NewJournal(ledger.NewMemoryStore())
	h.tracker = budget.NewTracker(h.journal, "ceo")
	h.escrow = escrow.New(h.tracker, h.journal, payment.NewSimulated(payment.Config{}, "test"))
	h.registry = registry.New(nil)
	h.tasks = task.NewMemoryStore()
	for _, a := range agents {
		_, err := h.registry.Register(ctx, a)
		require.NoError(t, err)
	}
	_, err := h.tracker.Allocate(ctx, "T", taskBudget)
	require.NoError(t, err)
	require.NoError(t, h.tasks.Create(ctx, &task.Task{ID: "T", Description: "launch a landing page", Budget: taskBudget, MaxRetries: 1}))
	_, err = h.tasks.Claim(ctx, "T")
	require.NoError(t, err)
	return h
}

func (h *harness) orchestrator(cfg Config, invoker hiring.Invoker, opts ...Option) *Orchestrator {
	return h.orchestratorWith(cfg, hiring.Dependencies{Invoker: invoker}, opts...)
}

func (h *harness) orchestratorWith(cfg Config, deps hiring.Dependencies, opts ...Option) *Orchestrator {
	deps.Directory = h.registry
	deps.Budgets = h.tracker
	deps.Funds = h.escrow
	deps.Journal = h.journal
	manager := hiring.NewManager(hiring.Config{}, deps, hiring.WithObserver(StatusObserver(h.tasks)))
	base := []Option{
		WithDirectory(h.registry),
		WithStatusSink(h.tasks),
		WithSettlement(h.escrow, h.tracker),
	}
	return New(manager, cfg, append(base, opts...)...)
}

func (h *harness) task(t *testing.T, plan *task.Plan) *task.Task {
	t.Helper()
	current, err := h.tasks.Get(context.Background(), "T")
	require.NoError(t, err)
	current.Plan = plan
	return current
}

func agent(id, capability string, price money.Amount, reputation float64) registry.Agent {
	return registry.Agent{
		ID:           id,
		Capabilities: []string{capability},
		Price:        price,
		Reputation:   reputation,
		Endpoint:     "http://" + id,
	}
}

func internalAgent(id, capability string, reputation float64) registry.Agent {
	return registry.Agent{ID: id, Capabilities: []string{capability}, Internal: true, Reputation: reputation}
}

type recorder struct {
	mu     sync.Mutex
	inputs map[string]string
}

func (r *recorder) invoker(fn func(agent registry.Agent, inv hiring.Invocation) (hiring.Result, error)) hiring.Invoker {
	return hiring.InvokerFunc(func(_ context.Context, agent registry.Agent, inv hiring.Invocation) (hiring.Result, error) {
		r.mu.Lock()
		if r.inputs == nil {
			r.inputs = make(map[string]string)
		}
		r.inputs[inv.Subtask] = inv.Input
		r.mu.Unlock()
		return fn(agent, inv)
	})
}

func TestSequentialChainsOutputs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, money.FromUSDC(10),
		agent("researcher", "research", money.FromUSDC(2), 0.8),
		agent("builder", "build", money.FromUSDC(3), 0.8),
	)
	rec := &recorder{}
	o := h.orchestrator(Config{}, rec.invoker(func(agent registry.Agent, inv hiring.Invocation) (hiring.Result, error) {
		return hiring.Result{Output: agent.ID + " output"}, nil
	}))

	result, err := o.Execute(ctx, h.task(t, nil))
	require.NoError(t, err)
	assert.Equal(t, task.ModeSequential, result.Mode)
	assert.Equal(t, "builder output", result.Output)
	require.Len(t, result.Subtasks, 2)
	assert.Equal(t, "researcher", result.Subtasks[0].AgentID)
	assert.Equal(t, money.FromUSDC(5), result.Spent)

	assert.Equal(t, "launch a landing page", rec.inputs["research"])
	assert.Equal(t, "researcher output", rec.inputs["build"])

	alloc, err := h.tracker.Get("T")
	require.NoError(t, err)
	assert.Equal(t, money.FromUSDC(5), alloc.Spent)
	assert.Equal(t, money.Zero, alloc.Held)

	current, err := h.tasks.Get(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, task.StatusVerifying, current.Status)
}

func TestRetryExcludesFailedAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, money.FromUSDC(10),
		agent("flaky", "research", money.FromUSDC(1), 0.9),
		agent("steady", "research", money.FromUSDC(2), 0.5),
	)
	o := h.orchestrator(Config{RetryLimit: 1}, hiring.InvokerFunc(func(_ context.Context, agent registry.Agent, _ hiring.Invocation) (hiring.Result, error) {
		if agent.ID == "flaky" {
			return hiring.Result{}, errors.New("crashed")
		}
		return hiring.Result{Output: "report"}, nil
	}))

	plan := &task.Plan{Subtasks: []task.Subtask{{ID: "r", Capability: "research"}}}
	result, err := o.Execute(ctx, h.task(t, plan))
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 1)
	assert.Equal(t, "steady", result.Subtasks[0].AgentID)
	assert.Equal(t, 2, result.Subtasks[0].Attempts)
	assert.Equal(t, money.FromUSDC(2), result.Spent)

	alloc, err := h.tracker.Get("T")
	require.NoError(t, err)
	assert.Equal(t, money.FromUSDC(2), alloc.Spent)
	assert.Equal(t, money.Zero, alloc.Held)
}

func TestRetryLimitExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, money.FromUSDC(10),
		agent("a1", "research", money.FromUSDC(1), 0.9),
		agent("a2", "research", money.FromUSDC(1), 0.8),
		agent("a3", "research", money.FromUSDC(1), 0.7),
	)
	var calls atomic.Int32
	o := h.orchestrator(Config{RetryLimit: 1}, hiring.InvokerFunc(func(context.Context, registry.Agent, hiring.Invocation) (hiring.Result, error) {
		calls.Add(1)
		return hiring.Result{}, errors.New("crashed")
	}))

	plan := &task.Plan{Subtasks: []task.Subtask{{ID: "r", Capability: "research"}}}
	_, err := o.Execute(ctx, h.task(t, plan))
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, hiring.CodeAgentFailed))
	assert.False(t, xerrors.RetryableError(err))
	assert.Equal(t, int32(2), calls.Load())

	alloc, err := h.tracker.Get("T")
	require.NoError(t, err)
	assert.Equal(t, money.Zero, alloc.Spent)
	assert.Equal(t, money.Zero, alloc.Held)
}

func TestPriceExceededFallsBackToInternalAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, money.FromUSDC(10),
		agent("greedy", "research", money.FromUSDC(1), 0.9),
		internalAgent("in-house", "research", 0.1),
	)
	o := h.orchestratorWith(Config{}, hiring.Dependencies{
		Invoker: hiring.InvokerFunc(func(_ context.Context, agent registry.Agent, _ hiring.Invocation) (hiring.Result, error) {
			return hiring.Result{Output: "done by " + agent.ID}, nil
		}),
		Negotiator: hiring.NegotiatorFunc(func(_ context.Context, agent registry.Agent, offer hiring.Offer) (money.Amount, error) {
			if agent.Internal {
				return 0, nil
			}
			return offer.Ceiling + money.FromUSDC(1), nil
		}),
	})

	plan := &task.Plan{Subtasks: []task.Subtask{{ID: "r", Capability: "research"}}}
	result, err := o.Execute(ctx, h.task(t, plan))
	require.NoError(t, err)
	require.Len(t, result.Subtasks, 1)
	sub := result.Subtasks[0]
	assert.Equal(t, "in-house", sub.AgentID)
	assert.True(t, sub.Internal)
	assert.Equal(t, money.Zero, sub.Price)
	assert.Equal(t, money.Zero, result.Spent)
}

func TestNoCandidateWithoutInternalAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, money.FromUSDC(1), agent("pricey", "research", money.FromUSDC(5), 0.9))
	o := h.orchestrator(Config{}, hiring.InvokerFunc(func(context.Context, registry.Agent, hiring.Invocation) (hiring.Result, error) {
		return hiring.Result{Output: "x"}, nil
	}))

	plan := &task.Plan{Subtasks: []task.Subtask{{ID: "r", Capability: "research"}}}
	_, err := o.Execute(ctx, h.task(t, plan))
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, hiring.CodeNoCandidate))
}

func TestConcurrentAggregatesInPlanOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, money.FromUSDC(10),
		agent("researcher", "research", money.FromUSDC(1), 0.8),
		agent("builder", "build", money.FromUSDC(1), 0.8),
	)
	var inFlight, peak atomic.Int32
	o := h.orchestrator(Config{Concurrency: 2}, hiring.InvokerFunc(func(_ context.Context, agent registry.Agent, inv hiring.Invocation) (hiring.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return hiring.Result{Output: agent.ID + ": " + inv.Input}, nil
	}))

	plan := &task.Plan{Mode: task.ModeConcurrent, Subtasks: []task.Subtask{
		{ID: "docs", Capability: "research"},
		{ID: "scaffold", Capability: "build"},
	}}
	result, err := o.Execute(ctx, h.task(t, plan))
	require.NoError(t, err)
	assert.Equal(t, task.ModeConcurrent, result.Mode)
	assert.Equal(t, "researcher: launch a landing page\nbuilder: launch a landing page", result.Output)
	assert.Equal(t, money.FromUSDC(2), result.Spent)
	assert.Equal(t, int32(2), peak.Load())
}

func TestConcurrentSamePayeeRetriesElsewhere(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, money.FromUSDC(10),
		agent("a1", "research", money.FromUSDC(1), 0.9),
		agent("a2", "research", money.FromUSDC(1), 0.5),
	)
	release := make(chan struct{})
	var once sync.Once
	o := h.orchestrator(Config{Concurrency: 2, RetryLimit: 1}, hiring.InvokerFunc(func(_ context.Context, agent registry.Agent, _ hiring.Invocation) (hiring.Result, error) {
		if agent.ID == "a1" {
			<-release
		} else {
			once.Do(func() { close(release) })
		}
		return hiring.Result{Output: agent.ID}, nil
	}))

	plan := &task.Plan{Mode: task.ModeConcurrent, Subtasks: []task.Subtask{
		{ID: "left", Capability: "research"},
		{ID: "right", Capability: "research"},
	}}
	result, err := o.Execute(ctx, h.task(t, plan))
	require.NoError(t, err)
	agents := []string{result.Subtasks[0].AgentID, result.Subtasks[1].AgentID}
	assert.ElementsMatch(t, []string{"a1", "a2"}, agents)
}

func TestDialogueStopsOnDoneMarker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, money.FromUSDC(10),
		internalAgent("researcher", "research", 0.5),
		internalAgent("builder", "build", 0.5),
	)
	rec := &recorder{}
	o := h.orchestrator(Config{}, rec.invoker(func(agent registry.Agent, inv hiring.Invocation) (hiring.Result, error) {
		if inv.Subtask == "build@2" {
			return hiring.Result{Output: "shipped " + DoneMarker}, nil
		}
		return hiring.Result{Output: agent.ID + " says hi"}, nil
	}))

	plan := &task.Plan{Mode: task.ModeDialogue, Subtasks: []task.Subtask{
		{ID: "research", Capability: "research"},
		{ID: "build", Capability: "build"},
	}}
	result, err := o.Execute(ctx, h.task(t, plan))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rounds)
	require.Len(t, result.Subtasks, 4)
	assert.Equal(t, "shipped", result.Subtasks[3].Output)
	assert.True(t, strings.HasSuffix(result.Output, "[build] shipped"))
	assert.Contains(t, rec.inputs["research@2"], "[build] builder says hi")
}

func TestDialogueHonoursMaxRounds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, money.FromUSDC(10), internalAgent("talker", "chat", 0.5))
	o := h.orchestrator(Config{MaxDialogueRounds: 3}, hiring.InvokerFunc(func(context.Context, registry.Agent, hiring.Invocation) (hiring.Result, error) {
		return hiring.Result{Output: "more"}, nil
	}))

	plan := &task.Plan{Mode: task.ModeDialogue, Subtasks: []task.Subtask{{ID: "c", Capability: "chat"}}}
	result, err := o.Execute(ctx, h.task(t, plan))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Rounds)
	assert.Len(t, result.Subtasks, 3)
}

func TestDeadlineRefundsAndTimesOut(t *testing.T) {
	h := newHarness(t, money.FromUSDC(10), agent("slow", "research", money.FromUSDC(2), 0.5))
	o := h.orchestrator(Config{}, hiring.InvokerFunc(func(ctx context.Context, _ registry.Agent, _ hiring.Invocation) (hiring.Result, error) {
		<-ctx.Done()
		return hiring.Result{}, ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	plan := &task.Plan{Subtasks: []task.Subtask{{ID: "r", Capability: "research"}}}
	_, err := o.Execute(ctx, h.task(t, plan))
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.CodeTimeout))

	alloc, err := h.tracker.Get("T")
	require.NoError(t, err)
	assert.Equal(t, money.Zero, alloc.Held)
	assert.Equal(t, money.Zero, alloc.Spent)
}

func TestFinalizeRefundsOpenHoldsAndClosesBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, money.FromUSDC(10))
	_, err := h.escrow.Hold(ctx, "T", "ceo", "dangling", money.FromUSDC(4))
	require.NoError(t, err)

	o := h.orchestrator(Config{}, nil)
	require.NoError(t, o.Finalize(ctx, h.task(t, nil)))

	alloc, err := h.tracker.Get("T")
	require.NoError(t, err)
	assert.True(t, alloc.Closed)
	assert.Equal(t, money.Zero, alloc.Held)
	for _, hold := range h.escrow.HoldsForTask("T") {
		assert.Equal(t, escrow.StateRefunded, hold.State)
	}

	require.NoError(t, o.Finalize(ctx, &task.Task{ID: "unknown"}))
}
