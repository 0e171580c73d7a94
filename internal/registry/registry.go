// Package registry 保存智能体记录，按能力标签与价格上限检索候选者。
// 读操作基于不可变快照，无锁；注册、停用与信誉更新以写时复制方式发布新快照。
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/pkg/logger"
)

// Repository 持久化智能体记录，可选。
type Repository interface {
	Save(ctx context.Context, agent Agent) error
	LoadAll(ctx context.Context) ([]Agent, error)
}

type snapshot struct {
	agents map[string]Agent
	// byCapability 中的列表已按 Less 排序，只包含启用的智能体。
	byCapability map[string][]Agent
}

// Registry 是并发安全的智能体注册表。
type Registry struct {
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
	repo    Repository
	log     *slog.Logger
}

// New 创建注册表。repo 可以为 nil。
func New(repo Repository) *Registry {
	r := &Registry{repo: repo, log: logger.Named("registry")}
	r.current.Store(&snapshot{agents: map[string]Agent{}, byCapability: map[string][]Agent{}})
	return r
}

// Load 从仓库恢复智能体记录。
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.repo == nil {
		return 0, nil
	}
	agents, err := r.repo.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	next := r.copyAgents()
	for _, a := range agents {
		a.Capabilities = normalizeCapabilities(a.Capabilities)
		next[a.ID] = a
	}
	r.publish(next)
	return len(agents), nil
}

// Register 注册新智能体，ID 已存在时返回 DuplicateAgent。
func (r *Registry) Register(ctx context.Context, agent Agent) (Agent, error) {
	agent.Capabilities = normalizeCapabilities(agent.Capabilities)
	if err := validate(agent); err != nil {
		return Agent{}, err
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}
	if agent.Reputation == 0 {
		agent.Reputation = DefaultReputation
	}
	now := time.Now().UnixMilli()
	agent.Active = true
	agent.RegisteredAt, agent.UpdatedAt = now, now

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, ok := r.current.Load().agents[agent.ID]; ok {
		return Agent{}, ErrDuplicateAgent
	}
	if r.repo != nil {
		if err := r.repo.Save(ctx, agent); err != nil {
			return Agent{}, err
		}
	}
	next := r.copyAgents()
	next[agent.ID] = agent
	r.publish(next)
	r.log.Info("智能体已注册", slog.String("agent_id", agent.ID), slog.Any("capabilities", agent.Capabilities), slog.String("price", agent.Price.String()))
	return agent.clone(), nil
}

// DefaultReputation 是没有历史记录时的信誉分。
const DefaultReputation = 0.5

// Deactivate 将智能体从后续检索中移除，保留其历史。
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(a *Agent) { a.Active = false })
}

// UpdateReputation 写入评分器计算的信誉分。
func (r *Registry) UpdateReputation(ctx context.Context, id string, score float64) error {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return r.mutate(ctx, id, func(a *Agent) { a.Reputation = score })
}

func (r *Registry) mutate(ctx context.Context, id string, fn func(*Agent)) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	agent, ok := r.current.Load().agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	agent = agent.clone()
	fn(&agent)
	agent.UpdatedAt = time.Now().UnixMilli()
	if r.repo != nil {
		if err := r.repo.Save(ctx, agent); err != nil {
			return err
		}
	}
	next := r.copyAgents()
	next[id] = agent
	r.publish(next)
	return nil
}

// Get 返回单个智能体。
func (r *Registry) Get(id string) (Agent, error) {
	agent, ok := r.current.Load().agents[id]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return agent.clone(), nil
}

// Find 返回具备 capability 且价格不超过 maxPrice 的启用智能体，按信誉降序、
// 价格升序、ID 升序排列。结果为空不是错误。
func (r *Registry) Find(capability string, maxPrice money.Amount, exclude ...string) []Agent {
	candidates := r.current.Load().byCapability[normalizeTag(capability)]
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	out := make([]Agent, 0, len(candidates))
	for _, a := range candidates {
		if a.Price > maxPrice {
			continue
		}
		if _, ok := skip[a.ID]; ok {
			continue
		}
		out = append(out, a.clone())
	}
	return out
}

// FindInternal 返回具备 capability 的内部智能体。
func (r *Registry) FindInternal(capability string) []Agent {
	var out []Agent
	for _, a := range r.current.Load().byCapability[normalizeTag(capability)] {
		if a.Internal {
			out = append(out, a.clone())
		}
	}
	return out
}

// List 返回全部智能体（listAgents）；capability 非空时只返回具备该能力且启用的智能体。
func (r *Registry) List(capability string) []Agent {
	snap := r.current.Load()
	if capability != "" {
		src := snap.byCapability[normalizeTag(capability)]
		out := make([]Agent, 0, len(src))
		for _, a := range src {
			out = append(out, a.clone())
		}
		return out
	}
	out := make([]Agent, 0, len(snap.agents))
	for _, a := range snap.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

func (r *Registry) copyAgents() map[string]Agent {
	cur := r.current.Load().agents
	next := make(map[string]Agent, len(cur)+1)
	for id, a := range cur {
		next[id] = a
	}
	return next
}

func (r *Registry) publish(agents map[string]Agent) {
	index := make(map[string][]Agent)
	for _, a := range agents {
		if !a.Active {
			continue
		}
		for _, c := range a.Capabilities {
			index[c] = append(index[c], a)
		}
	}
	for _, list := range index {
		sort.Slice(list, func(i, j int) bool { return Less(list[i], list[j]) })
	}
	r.current.Store(&snapshot{agents: agents, byCapability: index})
}
