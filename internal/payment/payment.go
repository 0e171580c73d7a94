// Package payment 定义结算服务（facilitator）的交互协议：生成签名支付凭证、
// 校验并确认链上转账，以及 x402 风格的 402 支付要求描述。
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/money"
)

const (
	// DefaultNetwork 为 Base 主网的 CAIP-2 标识。
	DefaultNetwork = "eip155:8453"
	// DefaultAsset 为 Base 上 USDC 合约地址。
	DefaultAsset    = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	DefaultDeadline = 300 * time.Second
)

// Config 描述结算网络参数。
type Config struct {
	Network  string        `yaml:"network"`
	Asset    string        `yaml:"asset"`
	Decimals int           `yaml:"decimals"`
	PayTo    string        `yaml:"pay_to"`
	Deadline time.Duration `yaml:"deadline"`
}

// WithDefaults 补全缺省值。
func (c Config) WithDefaults() Config {
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.Asset == "" {
		c.Asset = DefaultAsset
	}
	if c.Decimals <= 0 {
		c.Decimals = money.Decimals
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	return c
}

// Request 是一次放款请求。
type Request struct {
	TaskID string
	HoldID string
	Payer  string
	Payee  string
	Amount money.Amount
}

// SignedProof 是付款方签署的支付授权。
type SignedProof struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id"`
	HoldID    string       `json:"hold_id"`
	Payer     string       `json:"payer"`
	Payee     string       `json:"payee"`
	Amount    money.Amount `json:"amount"`
	Network   string       `json:"network"`
	Asset     string       `json:"asset"`
	Nonce     string       `json:"nonce"`
	Deadline  int64        `json:"deadline"`
	Signer    string       `json:"signer,omitempty"`
	Signature string       `json:"signature"`
	TxHash    string       `json:"tx_hash,omitempty"`
}

// Message 返回签名覆盖的规范化字段序列。
func (p SignedProof) Message() []byte {
	return []byte(strings.Join([]string{
		"agentos-payment", "v1",
		p.Network, p.Asset,
		p.Payer, p.Payee,
		strconv.FormatInt(p.Amount.Micro(), 10),
		p.Nonce,
		strconv.FormatInt(p.Deadline, 10),
		p.TaskID, p.HoldID,
	}, "|"))
}

// Expired 判断凭证是否超过有效期。
func (p SignedProof) Expired(at time.Time) bool {
	return p.Deadline > 0 && at.Unix() > p.Deadline
}

// Encode 将凭证序列化，写入账本 memo 以便对账。
func (p SignedProof) Encode() string {
	encoded, _ := json.Marshal(p)
	return string(encoded)
}

// DecodeProof 解析账本 memo 中的凭证。
func DecodeProof(raw string) (SignedProof, error) {
	var p SignedProof
	if strings.TrimSpace(raw) == "" {
		return p, fmt.Errorf("empty payment proof")
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("decode payment proof: %w", err)
	}
	return p, nil
}

// Confirmation 是结算服务的确认结果。
type Confirmation struct {
	Confirmed   bool   `json:"confirmed"`
	ExternalRef string `json:"external_ref,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Facilitator 校验签名支付凭证并确认链上转账。
type Facilitator interface {
	ProposePayment(ctx context.Context, req Request) (SignedProof, error)
	Confirm(ctx context.Context, proof SignedProof) (Confirmation, error)
}

const (
	CodePaymentNotConfirmed xerrors.Code = "PAYMENT_NOT_CONFIRMED"
	CodeFacilitatorFailure  xerrors.Code = "FACILITATOR_FAILURE"
)

var (
	// ErrPaymentNotConfirmed 表示结算服务拒绝了支付凭证。
	ErrPaymentNotConfirmed = xerrors.New(CodePaymentNotConfirmed, "payment not confirmed")
)

func init() {
	xerrors.Register(CodePaymentNotConfirmed, xerrors.Attributes{
		Message:    "payment not confirmed",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusPaymentRequired,
	})
	xerrors.Register(CodeFacilitatorFailure, xerrors.Attributes{
		Message:    "facilitator unavailable",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
}
