package scorer

import (
	"context"
	"math"
	"sort"

	"github.com/opspawn/agentos/internal/registry"
)

// Recommendation 是一位候选者的推荐明细。
type Recommendation struct {
	Agent  registry.Agent `json:"agent"`
	Score  AgentScore     `json:"score"`
	Sample float64        `json:"sample"`
	Value  float64        `json:"value"`
}

// Recommend 按 (1-r)·score + r·sample 对候选者排序，sample 取自
// Beta(1+s·n, 1+(1-s)·n)。没有反馈的候选者以注册表信誉分作为评分，
// 值相同时按注册表顺序（信誉降序、价格升序、ID 升序）。
func (s *Scorer) Recommend(ctx context.Context, candidates []registry.Agent) ([]Recommendation, error) {
	recs := make([]Recommendation, 0, len(candidates))
	rate := s.cfg.ExplorationRate
	for _, agent := range candidates {
		details, err := s.Details(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
		if details.Samples == 0 {
			details.Score = s.coldStart(agent)
		}
		rec := Recommendation{Agent: agent, Score: details, Value: details.Score}
		if rate > 0 {
			n := float64(details.Samples)
			rec.Sample = s.sampleBeta(1+details.SuccessRate*n, 1+(1-details.SuccessRate)*n)
			rec.Value = (1-rate)*details.Score + rate*rec.Sample
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Value != recs[j].Value {
			return recs[i].Value > recs[j].Value
		}
		return registry.Less(recs[i].Agent, recs[j].Agent)
	})
	return recs, nil
}

// coldStart 返回无反馈候选者的评分：注册表信誉分有效时使用它，否则使用先验。
func (s *Scorer) coldStart(agent registry.Agent) float64 {
	if agent.Reputation > 0 && agent.Reputation <= 1 {
		return agent.Reputation
	}
	return s.cfg.Prior
}

// Order 返回 Recommend 排序后的智能体列表。
func (s *Scorer) Order(ctx context.Context, candidates []registry.Agent) ([]registry.Agent, error) {
	recs, err := s.Recommend(ctx, candidates)
	if err != nil {
		return nil, err
	}
	out := make([]registry.Agent, len(recs))
	for i, rec := range recs {
		out[i] = rec.Agent
	}
	return out, nil
}

func (s *Scorer) sampleBeta(alpha, beta float64) float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	x := s.sampleGamma(alpha)
	y := s.sampleGamma(beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma 使用 Marsaglia-Tsang 方法，调用方持有 rngMu。
func (s *Scorer) sampleGamma(shape float64) float64 {
	if shape < 1 {
		u := s.rng.Float64()
		return s.sampleGamma(shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := s.rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := s.rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
