// Package scorer 根据历史反馈计算智能体评分，并以 Thompson 采样在探索与利用之间
// 取舍候选者顺序。
package scorer

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/pkg/logger"
)

// Weights 是综合评分各项权重。
type Weights struct {
	Success     float64 `yaml:"success"`
	Quality     float64 `yaml:"quality"`
	Reliability float64 `yaml:"reliability"`
	Cost        float64 `yaml:"cost"`
	Latency     float64 `yaml:"latency"`
}

// DefaultWeights 返回默认权重。
func DefaultWeights() Weights {
	return Weights{Success: 0.35, Quality: 0.25, Reliability: 0.15, Cost: 0.15, Latency: 0.10}
}

func (w Weights) sum() float64 {
	return w.Success + w.Quality + w.Reliability + w.Cost + w.Latency
}

// Config 控制评分与探索行为。
type Config struct {
	Weights         Weights       `yaml:"weights"`
	HalfLife        float64       `yaml:"half_life"`
	Prior           float64       `yaml:"prior"`
	ExplorationRate float64       `yaml:"exploration_rate"`
	Seed            uint64        `yaml:"seed"`
	LatencyScale    time.Duration `yaml:"latency_scale"`
	MaxEfficiency   float64       `yaml:"max_efficiency"`
	Window          int           `yaml:"window"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights(),
		HalfLife:        10,
		Prior:           0.5,
		ExplorationRate: 0.15,
		LatencyScale:    10 * time.Second,
		MaxEfficiency:   10,
		Window:          200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Weights.sum() <= 0 {
		c.Weights = d.Weights
	}
	if c.HalfLife <= 0 {
		c.HalfLife = d.HalfLife
	}
	if c.Prior <= 0 || c.Prior > 1 {
		c.Prior = d.Prior
	}
	if c.ExplorationRate < 0 || c.ExplorationRate > 1 {
		c.ExplorationRate = d.ExplorationRate
	}
	if c.LatencyScale <= 0 {
		c.LatencyScale = d.LatencyScale
	}
	if c.MaxEfficiency <= 0 {
		c.MaxEfficiency = d.MaxEfficiency
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// AgentScore 是某个智能体的评分明细。
type AgentScore struct {
	AgentID        string  `json:"agent_id"`
	Score          float64 `json:"score"`
	SuccessRate    float64 `json:"success_rate"`
	MeanQuality    float64 `json:"mean_quality"`
	Reliability    float64 `json:"reliability"`
	CostEfficiency float64 `json:"cost_efficiency"`
	LatencyScore   float64 `json:"latency_score"`
	Samples        int     `json:"samples"`
	Confidence     float64 `json:"confidence"`
	Lower          float64 `json:"lower"`
	Upper          float64 `json:"upper"`
}

// ReputationSink 接收最新评分，通常为注册表。
type ReputationSink interface {
	UpdateReputation(ctx context.Context, agentID string, score float64) error
}

// Cache 缓存评分结果。
type Cache interface {
	Get(ctx context.Context, agentID string) (AgentScore, bool, error)
	Set(ctx context.Context, score AgentScore) error
	Invalidate(ctx context.Context, agentID string) error
}

// Option 自定义 Scorer。
type Option func(*Scorer)

// WithCache 设置评分缓存。
func WithCache(c Cache) Option {
	return func(s *Scorer) { s.cache = c }
}

// WithReputationSink 设置信誉回写目标。
func WithReputationSink(sink ReputationSink) Option {
	return func(s *Scorer) { s.sink = sink }
}

// Scorer 维护智能体评分。
type Scorer struct {
	cfg   Config
	store FeedbackStore
	cache Cache
	sink  ReputationSink
	log   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New 创建 Scorer。Seed 相同的两个实例给出相同的推荐序列。
func New(store FeedbackStore, cfg Config, opts ...Option) *Scorer {
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	s := &Scorer{
		cfg:   cfg,
		store: store,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		log:   logger.Named("scorer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Score 返回 [0,1] 区间的综合评分。
func (s *Scorer) Score(ctx context.Context, agentID string) (float64, error) {
	details, err := s.Details(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return details.Score, nil
}

// Details 返回评分明细，优先读取缓存。
func (s *Scorer) Details(ctx context.Context, agentID string) (AgentScore, error) {
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, agentID); err == nil && ok {
			return cached, nil
		} else if err != nil {
			s.log.Warn("读取评分缓存失败", slog.String("agent_id", agentID), slog.Any("error", err))
		}
	}
	records, err := s.store.ForAgent(ctx, agentID, s.cfg.Window)
	if err != nil {
		return AgentScore{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取反馈记录失败")
	}
	score := s.compute(agentID, records)
	if s.cache != nil {
		if err := s.cache.Set(ctx, score); err != nil {
			s.log.Warn("写入评分缓存失败", slog.String("agent_id", agentID), slog.Any("error", err))
		}
	}
	return score, nil
}

// RecordOutcome 写入反馈、刷新缓存并回写信誉分。
func (s *Scorer) RecordOutcome(ctx context.Context, fb Feedback) (AgentScore, error) {
	if strings.TrimSpace(fb.AgentID) == "" {
		return AgentScore{}, xerrors.New(xerrors.CodeInvalidArgument, "反馈缺少智能体 ID")
	}
	if fb.Quality < 0 || fb.Quality > 1 || math.IsNaN(fb.Quality) {
		return AgentScore{}, xerrors.New(xerrors.CodeInvalidArgument, "质量分必须位于 [0,1]")
	}
	switch fb.Outcome {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure:
	default:
		return AgentScore{}, xerrors.Errorf(xerrors.CodeInvalidArgument, "未知的反馈结果 %q", fb.Outcome)
	}
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.CreatedAt == 0 {
		fb.CreatedAt = time.Now().UnixMilli()
	}
	if err := s.store.Append(ctx, fb); err != nil {
		return AgentScore{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入反馈记录失败")
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, fb.AgentID); err != nil {
			s.log.Warn("清除评分缓存失败", slog.String("agent_id", fb.AgentID), slog.Any("error", err))
		}
	}
	score, err := s.Details(ctx, fb.AgentID)
	if err != nil {
		return AgentScore{}, err
	}
	if s.sink != nil {
		if err := s.sink.UpdateReputation(ctx, fb.AgentID, score.Score); err != nil {
			s.log.Warn("回写信誉分失败", slog.String("agent_id", fb.AgentID), slog.Any("error", err))
		}
	}
	s.log.Debug("反馈已记录",
		slog.String("agent_id", fb.AgentID),
		slog.String("outcome", string(fb.Outcome)),
		slog.Float64("score", score.Score),
	)
	return score, nil
}

// compute 对旧→新排列的记录做指数衰减加权，最新一条权重为 1。
func (s *Scorer) compute(agentID string, records []Feedback) AgentScore {
	n := len(records)
	out := AgentScore{AgentID: agentID, Samples: n, Score: s.cfg.Prior, Lower: 0, Upper: 1}
	if n == 0 {
		return out
	}

	var (
		wSum, success, quality, latency float64
		costW, efficiency               float64
	)
	weights := make([]float64, n)
	for i, r := range records {
		w := math.Pow(0.5, float64(n-1-i)/s.cfg.HalfLife)
		weights[i] = w
		wSum += w
		success += w * r.Outcome.credit()
		quality += w * r.Quality
		latency += w * float64(r.LatencyMS)
		if r.Cost.IsPositive() {
			costW += w
			efficiency += w * math.Min(r.Quality/r.Cost.Float(), s.cfg.MaxEfficiency)
		}
	}
	out.SuccessRate = success / wSum
	out.MeanQuality = quality / wSum

	var variance float64
	for i, r := range records {
		d := r.Quality - out.MeanQuality
		variance += weights[i] * d * d
	}
	out.Reliability = clamp01(1 - 2*math.Sqrt(variance/wSum))

	out.CostEfficiency = 1
	if costW > 0 {
		out.CostEfficiency = clamp01(efficiency / costW / s.cfg.MaxEfficiency)
	}
	meanLatency := time.Duration(latency/wSum) * time.Millisecond
	out.LatencyScore = 1 / (1 + meanLatency.Seconds()/s.cfg.LatencyScale.Seconds())

	w := s.cfg.Weights
	raw := (w.Success*out.SuccessRate +
		w.Quality*out.MeanQuality +
		w.Reliability*out.Reliability +
		w.Cost*out.CostEfficiency +
		w.Latency*out.LatencyScore) / w.sum()

	out.Confidence = 1 - math.Exp(-float64(n)/5)
	out.Score = clamp01(out.Confidence*raw + (1-out.Confidence)*s.cfg.Prior)

	se := 0.5 / math.Sqrt(float64(n))
	out.Lower = clamp01(out.Score - 1.96*se)
	out.Upper = clamp01(out.Score + 1.96*se)
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
