package ledger

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/opspawn/agentos/internal/money"
)

// DefaultTrendWindow 是成本趋势的默认观察窗口。
const DefaultTrendWindow = time.Hour

// trendThreshold 是判定涨跌的最小变化百分比。
const trendThreshold = 5.0

// CostLine 是某一维度下已确认放款的汇总。
type CostLine struct {
	Key     string       `json:"key"`
	Total   money.Amount `json:"total"`
	Average money.Amount `json:"average"`
	Count   int          `json:"count"`
}

// TrendDirection 表示成本走势。
type TrendDirection string

const (
	TrendUp     TrendDirection = "up"
	TrendDown   TrendDirection = "down"
	TrendStable TrendDirection = "stable"
)

// Trend 比较窗口后半段与前半段的放款总额。
type Trend struct {
	Direction TrendDirection `json:"direction"`
	Recent    money.Amount   `json:"recent"`
	Earlier   money.Amount   `json:"earlier"`
	ChangePct float64        `json:"change_pct"`
	WindowMS  int64          `json:"window_ms"`
}

// AgentValue 衡量智能体的性价比：每花费 1 USDC 换来的成功交付次数。
type AgentValue struct {
	AgentID     string       `json:"agent_id"`
	Hires       int          `json:"hires"`
	Released    int          `json:"released"`
	Refunded    int          `json:"refunded"`
	SuccessRate float64      `json:"success_rate"`
	Spent       money.Amount `json:"spent"`
	Efficiency  float64      `json:"efficiency"`
}

// CostReport 是基于账本的成本分析。
type CostReport struct {
	Total        money.Amount `json:"total"`
	Released     int          `json:"released"`
	Refunded     int          `json:"refunded"`
	ByAgent      []CostLine   `json:"by_agent"`
	ByCapability []CostLine   `json:"by_capability"`
	ByTask       []CostLine   `json:"by_task"`
	Trend        Trend        `json:"trend"`
	BestValue    []AgentValue `json:"best_value"`
	GeneratedAt  int64        `json:"generated_at"`
}

// Costs 汇总已确认的放款与退款（getCostReport）。window<=0 时使用 DefaultTrendWindow。
func (j *Journal) Costs(ctx context.Context, window time.Duration) (CostReport, error) {
	releases, err := j.store.List(ctx, Filter{Kind: KindRelease, Status: StatusConfirmed})
	if err != nil {
		return CostReport{}, err
	}
	refunds, err := j.store.List(ctx, Filter{Kind: KindRefund, Status: StatusConfirmed})
	if err != nil {
		return CostReport{}, err
	}
	transitions, err := j.store.Transitions(ctx, Filter{})
	if err != nil {
		return CostReport{}, err
	}
	return buildCostReport(releases, refunds, transitions, time.Now(), window), nil
}

type costBucket struct {
	total money.Amount
	count int
}

func buildCostReport(releases, refunds []*Transaction, transitions []*Transition, now time.Time, window time.Duration) CostReport {
	if window <= 0 {
		window = DefaultTrendWindow
	}
	capabilityOf := make(map[string]string)
	for _, tr := range transitions {
		if tr.HoldID != "" && tr.Capability != "" {
			capabilityOf[tr.HoldID] = tr.Capability
		}
	}

	byAgent := make(map[string]*costBucket)
	byCapability := make(map[string]*costBucket)
	byTask := make(map[string]*costBucket)
	add := func(m map[string]*costBucket, key string, amount money.Amount) {
		b, ok := m[key]
		if !ok {
			b = &costBucket{}
			m[key] = b
		}
		b.total += amount
		b.count++
	}

	values := make(map[string]*AgentValue)
	value := func(agentID string) *AgentValue {
		v, ok := values[agentID]
		if !ok {
			v = &AgentValue{AgentID: agentID}
			values[agentID] = v
		}
		return v
	}

	report := CostReport{GeneratedAt: now.UnixMilli()}
	end := now.UnixMilli()
	cutoff := end - window.Milliseconds()
	midpoint := end - window.Milliseconds()/2
	for _, tx := range releases {
		report.Total += tx.Amount
		report.Released++
		add(byAgent, tx.To, tx.Amount)
		add(byCapability, cmp.Or(capabilityOf[tx.HoldID], "unknown"), tx.Amount)
		add(byTask, tx.TaskID, tx.Amount)

		v := value(tx.To)
		v.Released++
		v.Spent += tx.Amount

		switch at := cmp.Or(tx.UpdatedAt, tx.CreatedAt); {
		case at < cutoff || at > end:
		case at < midpoint:
			report.Trend.Earlier += tx.Amount
		default:
			report.Trend.Recent += tx.Amount
		}
	}
	for _, tx := range refunds {
		report.Refunded++
		// 退款由收款方退回付款方，From 即被雇佣的智能体。
		value(tx.From).Refunded++
	}

	report.ByAgent = costLines(byAgent)
	report.ByCapability = costLines(byCapability)
	report.ByTask = costLines(byTask)
	report.Trend = trendOf(report.Trend.Recent, report.Trend.Earlier, window)
	report.BestValue = bestValue(values)
	return report
}

func costLines(m map[string]*costBucket) []CostLine {
	out := make([]CostLine, 0, len(m))
	for key, b := range m {
		out = append(out, CostLine{
			Key:     key,
			Total:   b.total,
			Average: money.FromMicro(b.total.Micro() / int64(b.count)),
			Count:   b.count,
		})
	}
	slices.SortFunc(out, func(a, b CostLine) int {
		return cmp.Or(cmp.Compare(b.Total, a.Total), cmp.Compare(a.Key, b.Key))
	})
	return out
}

func trendOf(recent, earlier money.Amount, window time.Duration) Trend {
	t := Trend{Direction: TrendStable, Recent: recent, Earlier: earlier, WindowMS: window.Milliseconds()}
	if earlier == 0 {
		if recent > 0 {
			t.Direction, t.ChangePct = TrendUp, 100
		}
		return t
	}
	t.ChangePct = math.Round(float64(recent-earlier)/float64(earlier)*10000) / 100
	switch {
	case t.ChangePct > trendThreshold:
		t.Direction = TrendUp
	case t.ChangePct < -trendThreshold:
		t.Direction = TrendDown
	}
	return t
}

func bestValue(values map[string]*AgentValue) []AgentValue {
	out := make([]AgentValue, 0, len(values))
	for _, v := range values {
		v.Hires = v.Released + v.Refunded
		if v.Hires > 0 {
			v.SuccessRate = float64(v.Released) / float64(v.Hires)
		}
		if v.Spent > 0 {
			v.Efficiency = float64(v.Released) / v.Spent.Float()
		}
		out = append(out, *v)
	}
	slices.SortFunc(out, func(a, b AgentValue) int {
		return cmp.Or(
			cmp.Compare(b.Efficiency, a.Efficiency),
			cmp.Compare(b.SuccessRate, a.SuccessRate),
			cmp.Compare(a.AgentID, b.AgentID),
		)
	})
	return out
}
