package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspawn/agentos/internal/money"
)

func release(task, hold, agent string, usdc int64, at int64) *Transaction {
	return &Transaction{
		TaskID: task, HoldID: hold, From: "ceo", To: agent,
		Amount: money.FromUSDC(usdc), Kind: KindRelease, Status: StatusConfirmed,
		CreatedAt: at, UpdatedAt: at,
	}
}

func TestCostReportGroupsConfirmedReleases(t *testing.T) {
	now := time.UnixMilli(10_000_000)
	at := now.UnixMilli() - 1000
	releases := []*Transaction{
		release("t1", "h1", "designer", 4, at),
		release("t1", "h2", "writer", 1, at),
		release("t2", "h3", "designer", 2, at),
		release("t2", "h4", "ghost", 3, at),
	}
	refunds := []*Transaction{
		{TaskID: "t2", HoldID: "h5", From: "writer", To: "ceo", Amount: money.FromUSDC(1), Kind: KindRefund, Status: StatusConfirmed},
	}
	transitions := []*Transition{
		{HoldID: "h1", Capability: "design"},
		{HoldID: "h2", Capability: "copywriting"},
		{HoldID: "h3", Capability: "design"},
		{HoldID: "h5", Capability: "copywriting"},
	}

	report := buildCostReport(releases, refunds, transitions, now, time.Hour)

	assert.Equal(t, money.FromUSDC(10), report.Total)
	assert.Equal(t, 4, report.Released)
	assert.Equal(t, 1, report.Refunded)
	assert.Equal(t, []CostLine{
		{Key: "designer", Total: money.FromUSDC(6), Average: money.FromUSDC(3), Count: 2},
		{Key: "ghost", Total: money.FromUSDC(3), Average: money.FromUSDC(3), Count: 1},
		{Key: "writer", Total: money.FromUSDC(1), Average: money.FromUSDC(1), Count: 1},
	}, report.ByAgent)
	assert.Equal(t, []string{"design", "unknown", "copywriting"}, lineKeys(report.ByCapability))
	assert.Equal(t, []string{"t1", "t2"}, lineKeys(report.ByTask))
	assert.Equal(t, money.FromUSDC(5), report.ByTask[0].Total)

	require.Len(t, report.BestValue, 3)
	writer := report.BestValue[0]
	assert.Equal(t, "writer", writer.AgentID)
	assert.Equal(t, 2, writer.Hires)
	assert.InDelta(t, 0.5, writer.SuccessRate, 1e-9)
	assert.InDelta(t, 1.0, writer.Efficiency, 1e-9)
	assert.Equal(t, []string{"writer", "designer", "ghost"}, []string{
		report.BestValue[0].AgentID, report.BestValue[1].AgentID, report.BestValue[2].AgentID,
	})
}

func TestCostTrendComparesWindowHalves(t *testing.T) {
	now := time.UnixMilli(100_000_000)
	window := time.Hour
	early := now.Add(-45 * time.Minute).UnixMilli()
	late := now.Add(-10 * time.Minute).UnixMilli()
	stale := now.Add(-2 * time.Hour).UnixMilli()

	cases := []struct {
		name      string
		releases  []*Transaction
		direction TrendDirection
		change    float64
	}{
		{"empty", nil, TrendStable, 0},
		{"only recent", []*Transaction{release("t", "a", "x", 2, late)}, TrendUp, 100},
		{"rising", []*Transaction{release("t", "a", "x", 2, early), release("t", "b", "x", 3, late)}, TrendUp, 50},
		{"falling", []*Transaction{release("t", "a", "x", 4, early), release("t", "b", "x", 1, late)}, TrendDown, -75},
		{"flat", []*Transaction{release("t", "a", "x", 100, early), release("t", "b", "x", 104, late)}, TrendStable, 4},
		{"outside window", []*Transaction{release("t", "a", "x", 9, stale)}, TrendStable, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trend := buildCostReport(tc.releases, nil, nil, now, window).Trend
			assert.Equal(t, tc.direction, trend.Direction)
			assert.InDelta(t, tc.change, trend.ChangePct, 1e-9)
			assert.Equal(t, window.Milliseconds(), trend.WindowMS)
		})
	}
}

func TestJournalCostsIgnoresUnconfirmedReleases(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(NewMemoryStore())

	confirmed, err := j.Record(ctx, Transaction{
		TaskID: "t1", HoldID: "h1", From: "ceo", To: "a1",
		Amount: money.FromUSDC(2), Kind: KindRelease, Status: StatusPending,
	})
	require.NoError(t, err)
	_, err = j.Settle(ctx, confirmed.ID, StatusConfirmed, "0x1")
	require.NoError(t, err)
	_, err = j.Record(ctx, Transaction{
		TaskID: "t1", HoldID: "h2", From: "ceo", To: "a2",
		Amount: money.FromUSDC(7), Kind: KindRelease, Status: StatusPending,
	})
	require.NoError(t, err)
	require.NoError(t, j.Transition(ctx, Transition{RequestID: "r1", TaskID: "t1", Subtask: "s", Capability: "research", HoldID: "h1", State: "RELEASED"}))

	report, err := j.Costs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, money.FromUSDC(2), report.Total)
	assert.Equal(t, []string{"a1"}, lineKeys(report.ByAgent))
	assert.Equal(t, []string{"research"}, lineKeys(report.ByCapability))
	assert.Equal(t, TrendUp, report.Trend.Direction)
	assert.Equal(t, DefaultTrendWindow.Milliseconds(), report.Trend.WindowMS)
}

func lineKeys(lines []CostLine) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Key)
	}
	return out
}
