package payment

import (
	"github.com/opspawn/agentos/internal/money"
)

// X402Version 为 402 响应体协议版本。
const X402Version = 1

// Requirements 对应 402 响应中的一条 accepts 项。
type Requirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// PaymentRequired 是 HTTP 402 响应体。
type PaymentRequired struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error"`
	Accepts     []Requirements `json:"accepts"`
}

// Gate 根据配置为付费资源生成支付要求。
type Gate struct {
	cfg Config
}

// NewGate 创建 Gate。
func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg.WithDefaults()}
}

// Required 返回访问 resource 所需的支付描述。payTo 为空时使用配置的收款地址。
func (g *Gate) Required(resource, description, payTo string, price money.Amount) PaymentRequired {
	if payTo == "" {
		payTo = g.cfg.PayTo
	}
	return PaymentRequired{
		X402Version: X402Version,
		Error:       "X-PAYMENT header is required",
		Accepts: []Requirements{{
			Scheme:            "exact",
			Network:           g.cfg.Network,
			MaxAmountRequired: price.BaseUnits(g.cfg.Decimals).String(),
			Resource:          resource,
			Description:       description,
			MimeType:          "application/json",
			PayTo:             payTo,
			MaxTimeoutSeconds: int(g.cfg.Deadline.Seconds()),
			Asset:             g.cfg.Asset,
			Extra:             map[string]string{"name": "USD Coin", "version": "2"},
		}},
	}
}
