package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulated 是进程内结算服务，使用 HMAC 签名，适合本地开发与测试。
type Simulated struct {
	cfg    Config
	secret []byte
	now    func() time.Time

	mu       sync.Mutex
	rejected map[string]bool
	seen     map[string]bool
}

// NewSimulated 创建模拟结算服务。
func NewSimulated(cfg Config, secret string) *Simulated {
	if secret == "" {
		secret = "agentos-simulated"
	}
	return &Simulated{
		cfg:      cfg.WithDefaults(),
		secret:   []byte(secret),
		now:      time.Now,
		rejected: make(map[string]bool),
		seen:     make(map[string]bool),
	}
}

// Reject 让发往 payee 的支付在确认阶段失败。
func (s *Simulated) Reject(payee string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[payee] = true
}

// ProposePayment 实现 Facilitator。
func (s *Simulated) ProposePayment(_ context.Context, req Request) (SignedProof, error) {
	proof := SignedProof{
		ID:       uuid.NewString(),
		TaskID:   req.TaskID,
		HoldID:   req.HoldID,
		Payer:    req.Payer,
		Payee:    req.Payee,
		Amount:   req.Amount,
		Network:  s.cfg.Network,
		Asset:    s.cfg.Asset,
		Nonce:    uuid.NewString(),
		Deadline: s.now().Add(s.cfg.Deadline).Unix(),
	}
	proof.Signature = s.sign(proof)
	return proof, nil
}

// Confirm 实现 Facilitator。同一凭证只能确认一次。
func (s *Simulated) Confirm(_ context.Context, proof SignedProof) (Confirmation, error) {
	if !hmac.Equal([]byte(proof.Signature), []byte(s.sign(proof))) {
		return Confirmation{Reason: "invalid signature"}, nil
	}
	if proof.Expired(s.now()) {
		return Confirmation{Reason: "proof expired"}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejected[proof.Payee] {
		return Confirmation{Reason: "payee rejected"}, nil
	}
	if s.seen[proof.Nonce] {
		return Confirmation{Reason: "nonce already used"}, nil
	}
	s.seen[proof.Nonce] = true
	return Confirmation{Confirmed: true, ExternalRef: "sim:" + proof.ID}, nil
}

func (s *Simulated) sign(proof SignedProof) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(proof.Message())
	return hex.EncodeToString(mac.Sum(nil))
}
