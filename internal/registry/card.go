package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
)

// CardPath 是 A2A 智能体名片的固定路径。
const CardPath = "/.well-known/agent.json"

const maxCardBytes = 256 << 10

// Card 是远程智能体发布的 A2A 名片。
type Card struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	URL         string            `json:"url"`
	Version     string            `json:"version"`
	Skills      []CardSkill       `json:"skills"`
	Pricing     CardPricing       `json:"pricing"`
	Endpoints   map[string]string `json:"endpoints"`
}

// CardSkill 描述名片中的一项技能。
type CardSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// CardPricing 是名片中的计价信息，Price 为每次任务的 USDC 十进制字符串。
type CardPricing struct {
	Model    string `json:"model"`
	Currency string `json:"currency"`
	Price    string `json:"price"`
}

// Agent 将名片转换为注册表记录。base 为名片来源地址，名片未声明 url 时作为调用地址。
func (c Card) Agent(base string) (Agent, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return Agent{}, xerrors.New(xerrors.CodeInvalidArgument, "智能体名片缺少 name")
	}
	if cur := strings.TrimSpace(c.Pricing.Currency); cur != "" && !strings.EqualFold(cur, "USDC") {
		return Agent{}, xerrors.Errorf(xerrors.CodeInvalidArgument, "不支持的计价币种: %s", cur)
	}
	var price money.Amount
	if raw := strings.TrimSpace(c.Pricing.Price); raw != "" {
		parsed, err := money.Parse(raw)
		if err != nil {
			return Agent{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "智能体名片价格格式错误")
		}
		price = parsed
	}
	var caps []string
	for _, skill := range c.Skills {
		caps = append(caps, cmp.Or(skill.ID, skill.Name))
		caps = append(caps, skill.Tags...)
	}
	return Agent{
		ID:           cardID(name),
		Name:         name,
		Description:  strings.TrimSpace(c.Description),
		Capabilities: caps,
		Price:        price,
		Endpoint:     strings.TrimSpace(cmp.Or(c.Endpoints["invoke"], c.URL, base)),
	}, nil
}

// cardID 把名片名称转为小写连字符形式。
func cardID(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Importer 拉取远程智能体名片并登记到注册表。
type Importer struct {
	client   *http.Client
	registry *Registry
}

// NewImporter 创建名片导入器。
func NewImporter(registry *Registry, timeout time.Duration) *Importer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Importer{client: &http.Client{Timeout: timeout}, registry: registry}
}

// Fetch 读取 base 下的智能体名片。
func (i *Importer) Fetch(ctx context.Context, base string) (Card, error) {
	cardURL, err := cardLocation(base)
	if err != nil {
		return Card{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL, nil)
	if err != nil {
		return Card{}, fmt.Errorf("创建名片请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return Card{}, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "拉取智能体名片失败")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCardBytes))
	if err != nil {
		return Card{}, fmt.Errorf("读取智能体名片失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Card{}, xerrors.Errorf(xerrors.CodeExecutorFailure, "%s 返回状态码 %d", cardURL, resp.StatusCode)
	}
	var card Card
	if err := json.Unmarshal(data, &card); err != nil {
		return Card{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析智能体名片失败")
	}
	return card, nil
}

// Import 拉取名片并注册对应的外部智能体。
func (i *Importer) Import(ctx context.Context, base string) (Agent, error) {
	card, err := i.Fetch(ctx, base)
	if err != nil {
		return Agent{}, err
	}
	agent, err := card.Agent(strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(base), "/"), CardPath))
	if err != nil {
		return Agent{}, err
	}
	return i.registry.Register(ctx, agent)
}

func cardLocation(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", xerrors.Errorf(xerrors.CodeInvalidArgument, "无效的智能体地址: %q", base)
	}
	if strings.HasSuffix(u.Path, CardPath) {
		return u.String(), nil
	}
	u.Path = strings.TrimRight(u.Path, "/") + CardPath
	return u.String(), nil
}
