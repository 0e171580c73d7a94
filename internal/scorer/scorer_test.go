package scorer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/registry"
)

type recordingSink struct {
	mu     sync.Mutex
	scores map[string]float64
}

func (r *recordingSink) UpdateReputation(_ context.Context, id string, score float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[id] = score
	return nil
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]AgentScore
	hits    int
}

func (m *mapCache) Get(_ context.Context, id string) (AgentScore, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.entries[id]
	if ok {
		m.hits++
	}
	return s, ok, nil
}

func (m *mapCache) Set(_ context.Context, s AgentScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.AgentID] = s
	return nil
}

func (m *mapCache) Invalidate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func record(t *testing.T, s *Scorer, agent string, outcome Outcome, quality float64) AgentScore {
	t.Helper()
	score, err := s.RecordOutcome(context.Background(), Feedback{
		AgentID: agent, TaskID: "t", Outcome: outcome, Quality: quality,
		LatencyMS: 500, Cost: money.FromUSDC(1),
	})
	require.NoError(t, err)
	return score
}

func TestUnknownAgentGetsPrior(t *testing.T) {
	s := New(NewMemoryFeedbackStore(), Config{})
	score, err := s.Score(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
}

func TestSuccessRaisesAndFailureLowersScore(t *testing.T) {
	s := New(NewMemoryFeedbackStore(), Config{})
	var good, bad AgentScore
	for i := 0; i < 8; i++ {
		good = record(t, s, "good", OutcomeSuccess, 0.9)
		bad = record(t, s, "bad", OutcomeFailure, 0.1)
	}
	assert.Greater(t, good.Score, 0.5)
	assert.Less(t, bad.Score, 0.5)
	assert.InDelta(t, 1-0.2019, good.Confidence, 0.001)
	assert.LessOrEqual(t, good.Lower, good.Score)
	assert.GreaterOrEqual(t, good.Upper, good.Score)
}

func TestRecentOutcomesDominate(t *testing.T) {
	s := New(NewMemoryFeedbackStore(), Config{})
	for i := 0; i < 20; i++ {
		record(t, s, "improving", OutcomeFailure, 0.2)
		record(t, s, "declining", OutcomeSuccess, 0.9)
	}
	for i := 0; i < 20; i++ {
		record(t, s, "improving", OutcomeSuccess, 0.9)
		record(t, s, "declining", OutcomeFailure, 0.2)
	}
	up, _ := s.Details(context.Background(), "improving")
	down, _ := s.Details(context.Background(), "declining")
	assert.Greater(t, up.SuccessRate, 0.7)
	assert.Less(t, down.SuccessRate, 0.3)
}

func TestRecordOutcomeUpdatesReputationAndCache(t *testing.T) {
	sink := &recordingSink{scores: map[string]float64{}}
	cache := &mapCache{entries: map[string]AgentScore{}}
	s := New(NewMemoryFeedbackStore(), Config{}, WithReputationSink(sink), WithCache(cache))

	first := record(t, s, "a1", OutcomeSuccess, 1)
	assert.Equal(t, first.Score, sink.scores["a1"])

	_, err := s.Score(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)

	second := record(t, s, "a1", OutcomeFailure, 0)
	assert.NotEqual(t, first.Score, second.Score, "cache must be invalidated on new feedback")
}

func TestRecordOutcomeValidation(t *testing.T) {
	s := New(NewMemoryFeedbackStore(), Config{})
	ctx := context.Background()
	_, err := s.RecordOutcome(ctx, Feedback{AgentID: "a", Outcome: OutcomeSuccess, Quality: 1.5})
	assert.Error(t, err)
	_, err = s.RecordOutcome(ctx, Feedback{Outcome: OutcomeSuccess, Quality: 1})
	assert.Error(t, err)
	_, err = s.RecordOutcome(ctx, Feedback{AgentID: "a", Outcome: "MAYBE", Quality: 1})
	assert.Error(t, err)
}

func TestRecommendIsReproducibleWithSeed(t *testing.T) {
	ctx := context.Background()
	candidates := []registry.Agent{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	build := func() *Scorer {
		store := NewMemoryFeedbackStore()
		s := New(store, Config{Seed: 42, ExplorationRate: 0.5})
		for i := 0; i < 3; i++ {
			record(t, s, "a", OutcomeSuccess, 0.8)
			record(t, s, "b", OutcomeFailure, 0.3)
		}
		return s
	}

	left, right := build(), build()
	for round := 0; round < 5; round++ {
		l, err := left.Order(ctx, candidates)
		require.NoError(t, err)
		r, err := right.Order(ctx, candidates)
		require.NoError(t, err)
		assert.Equal(t, l, r)
	}
}

func TestRecommendWithoutExplorationFollowsRegistryOrder(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryFeedbackStore(), Config{ExplorationRate: 0})
	candidates := []registry.Agent{
		{ID: "low", Reputation: 0.1, Price: 1},
		{ID: "a1", Reputation: 0.9, Price: 5},
		{ID: "a3", Reputation: 0.9, Price: 3},
		{ID: "a2", Reputation: 0.9, Price: 3},
	}
	ordered, err := s.Order(ctx, candidates)
	require.NoError(t, err)
	ids := make([]string, len(ordered))
	for i, a := range ordered {
		ids[i] = a.ID
	}
	assert.Equal(t, []string{"a2", "a3", "a1", "low"}, ids)
}

func TestColdStartUsesRegistryReputation(t *testing.T) {
	ctx := context.Background()
	candidates := []registry.Agent{
		{ID: "a1", Reputation: 0.9, Price: 5},
		{ID: "a2", Reputation: 0.9, Price: 3},
		{ID: "low", Reputation: 0.1, Price: 1},
	}
	for seed := uint64(1); seed <= 40; seed++ {
		s := New(NewMemoryFeedbackStore(), Config{Seed: seed, ExplorationRate: 0.15})
		recs, err := s.Recommend(ctx, candidates)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "low", recs[2].Agent.ID, "seed %d", seed)
		assert.InDelta(t, 0.9, recs[0].Score.Score, 1e-9)
	}

	s := New(NewMemoryFeedbackStore(), Config{})
	recs, err := s.Recommend(ctx, []registry.Agent{{ID: "unrated"}})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, recs[0].Score.Score, 1e-9)
}

func TestExplorationSurfacesNewAgents(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryFeedbackStore(), Config{Seed: 7, ExplorationRate: 1})
	for i := 0; i < 30; i++ {
		record(t, s, "veteran", OutcomePartial, 0.5)
	}
	newcomerFirst := 0
	for i := 0; i < 200; i++ {
		ordered, err := s.Order(ctx, []registry.Agent{{ID: "veteran"}, {ID: "newcomer"}})
		require.NoError(t, err)
		if ordered[0].ID == "newcomer" {
			newcomerFirst++
		}
	}
	assert.Greater(t, newcomerFirst, 20)
	assert.Less(t, newcomerFirst, 180)
}

func TestBetaSamplesStayInUnitInterval(t *testing.T) {
	s := New(NewMemoryFeedbackStore(), Config{Seed: 1})
	var sum float64
	for i := 0; i < 2000; i++ {
		v := s.sampleBeta(3, 7)
		require.True(t, v >= 0 && v <= 1)
		sum += v
	}
	assert.InDelta(t, 0.3, sum/2000, 0.03)
}
