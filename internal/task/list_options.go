package task

import (
	"strings"
	"time"

	"github.com/opspawn/agentos/internal/money"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListOptions 描述任务列表的查询条件。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
	// From 与 To 是 UpdatedAt 的闭区间（Unix 秒），0 表示不限。
	From int64
	To   int64
	// Settled 非空时只返回已终结（true）或仍在处理中（false）的任务。
	Settled     *bool
	MinBudget   money.Amount
	OldestFirst bool
	Query       string
}

func (o *ListOptions) normalize() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultPageSize
	case o.Limit > maxPageSize:
		o.Limit = maxPageSize
	}
	o.Offset = max(o.Offset, 0)
	o.Statuses = dedupeStatuses(o.Statuses)
	if o.MinBudget < 0 {
		o.MinBudget = 0
	}
	o.Query = strings.TrimSpace(o.Query)
}

// matches 在内存中判断任务是否满足条件，MySQL 实现使用等价的 SQL。
func (o ListOptions) matches(t *Task) bool {
	if len(o.Statuses) > 0 && !containsStatus(o.Statuses, t.Status) {
		return false
	}
	if o.From > 0 && t.UpdatedAt < o.From {
		return false
	}
	if o.To > 0 && t.UpdatedAt > o.To {
		return false
	}
	if o.Settled != nil && t.Status.Terminal() != *o.Settled {
		return false
	}
	if t.Budget < o.MinBudget {
		return false
	}
	if o.Query == "" {
		return true
	}
	fields := []string{t.ID, t.Description, t.LastError}
	if t.Result != nil {
		fields = append(fields, t.Result.Output)
	}
	return strings.Contains(strings.ToLower(strings.Join(fields, "\n")), strings.ToLower(o.Query))
}

// ListOption 修改查询条件。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量，上限为 100。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 offset 条结果。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只返回指定状态的任务。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = append([]Status(nil), statuses...) }
}

// Between 按更新时间过滤，零值表示该端不限。
func Between(from, to time.Time) ListOption {
	return func(o *ListOptions) {
		o.From, o.To = unixOrZero(from), unixOrZero(to)
	}
}

// OnlySettled 只返回已终结或仍在处理中的任务。
func OnlySettled(settled bool) ListOption {
	return func(o *ListOptions) { o.Settled = &settled }
}

// WithMinBudget 只返回预算不低于 amount 的任务。
func WithMinBudget(amount money.Amount) ListOption {
	return func(o *ListOptions) { o.MinBudget = amount }
}

// OldestFirst 按更新时间升序返回。
func OldestFirst() ListOption {
	return func(o *ListOptions) { o.OldestFirst = true }
}

// WithQuery 在 ID、描述、错误信息与产出中做不区分大小写的匹配。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.normalize()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func containsStatus(statuses []Status, status Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func dedupeStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !containsStatus(out, status) {
			out = append(out, status)
		}
	}
	return out
}
