package hiring

import (
	"context"

	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/registry"
)

// Offer 是一轮议价的上下文。
type Offer struct {
	Round   int
	Ceiling money.Amount
	Spec    Spec
}

// Negotiator 返回 Agent 在某一轮给出的报价。
type Negotiator interface {
	Quote(ctx context.Context, agent registry.Agent, offer Offer) (money.Amount, error)
}

// NegotiatorFunc 允许普通函数实现 Negotiator。
type NegotiatorFunc func(ctx context.Context, agent registry.Agent, offer Offer) (money.Amount, error)

// Quote 实现 Negotiator。
func (f NegotiatorFunc) Quote(ctx context.Context, agent registry.Agent, offer Offer) (money.Amount, error) {
	return f(ctx, agent, offer)
}

// ListPrice 直接接受注册表中的标价。
type ListPrice struct{}

// Quote 实现 Negotiator。
func (ListPrice) Quote(_ context.Context, agent registry.Agent, _ Offer) (money.Amount, error) {
	return agent.Price, nil
}
