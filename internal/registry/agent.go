package registry

import (
	"net/http"
	"sort"
	"strings"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
)

// Agent 是注册表中的智能体记录。
type Agent struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Description  string       `json:"description,omitempty" yaml:"description"`
	Capabilities []string     `json:"capabilities" yaml:"capabilities"`
	Internal     bool         `json:"internal" yaml:"internal"`
	Price        money.Amount `json:"price" yaml:"price"`
	Endpoint     string       `json:"endpoint,omitempty" yaml:"endpoint"`
	Reputation   float64      `json:"reputation" yaml:"reputation"`
	Active       bool         `json:"active" yaml:"-"`
	RegisteredAt int64        `json:"registered_at" yaml:"-"`
	UpdatedAt    int64        `json:"updated_at" yaml:"-"`
}

// HasCapability 判断能力集合是否包含 tag。
func (a Agent) HasCapability(tag string) bool {
	tag = normalizeTag(tag)
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

func (a Agent) clone() Agent {
	a.Capabilities = append([]string(nil), a.Capabilities...)
	return a
}

// Less 实现注册表排序：信誉降序、价格升序、ID 升序。
func Less(a, b Agent) bool {
	if a.Reputation != b.Reputation {
		return a.Reputation > b.Reputation
	}
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.ID < b.ID
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func normalizeCapabilities(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = normalizeTag(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func validate(a Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	if len(a.Capabilities) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体至少需要一个能力标签")
	}
	if a.Price < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "价格不能为负数")
	}
	if a.Internal && a.Price != 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "内部智能体价格必须为 0")
	}
	if a.Reputation < 0 || a.Reputation > 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, "信誉分必须位于 [0,1]")
	}
	return nil
}

const (
	CodeDuplicateAgent xerrors.Code = "DUPLICATE_AGENT"
	CodeAgentNotFound  xerrors.Code = "AGENT_NOT_FOUND"
)

var (
	// ErrDuplicateAgent 表示 ID 已被注册。
	ErrDuplicateAgent = xerrors.New(CodeDuplicateAgent, "agent already registered")
	// ErrAgentNotFound 表示智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
)

func init() {
	xerrors.Register(CodeDuplicateAgent, xerrors.Attributes{Message: "agent already registered", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusConflict})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{Message: "agent not found", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusNotFound})
}
