// Package ethereum implements the payment facilitator on top of go-ethereum:
// proofs are EIP-191 signed with a secp256k1 key and, when a settlement
// transaction hash is attached, confirmed against chain receipts.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"

	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/payment"
)

// Config describes how to construct the on-chain facilitator.
type Config struct {
	RPCURL           string
	PrivateKeyHex    string
	ChainID          int64
	MinConfirmations uint64
	Payment          payment.Config
}

// ChainReader is the subset of ethclient used for settlement checks.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Facilitator signs payment authorizations and verifies them on confirm.
type Facilitator struct {
	cfg     payment.Config
	key     *ecdsa.PrivateKey
	signer  common.Address
	chain   ChainReader
	chainID *big.Int
	minConf uint64
	now     func() time.Time
	closer  func()

	mu   sync.Mutex
	used map[string]bool
}

// New parses the signing key and, if an RPC URL is configured, dials the node.
func New(ctx context.Context, cfg Config) (*Facilitator, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	if keyHex == "" {
		return nil, errors.New("未配置结算私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("解析结算私钥失败: %w", err)
	}

	var (
		chain  ChainReader
		closer func()
	)
	if rpcURL := strings.TrimSpace(cfg.RPCURL); rpcURL != "" {
		rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
		}
		eth := ethclient.NewClient(rpcClient)
		if cfg.ChainID == 0 {
			id, err := eth.ChainID(ctx)
			if err != nil {
				eth.Close()
				return nil, fmt.Errorf("获取链 ID 失败: %w", err)
			}
			cfg.ChainID = id.Int64()
		}
		chain, closer = eth, eth.Close
	}

	if cfg.ChainID != 0 && cfg.Payment.Network == "" {
		cfg.Payment.Network = fmt.Sprintf("eip155:%d", cfg.ChainID)
	}
	f := NewWithKey(key, cfg.Payment, chain, cfg.MinConfirmations)
	if cfg.ChainID != 0 {
		f.chainID = big.NewInt(cfg.ChainID)
	}
	f.closer = closer
	return f, nil
}

// NewWithKey builds a facilitator from an already loaded key. chain may be nil,
// in which case proofs are confirmed by signature checks alone.
func NewWithKey(key *ecdsa.PrivateKey, cfg payment.Config, chain ChainReader, minConfirmations uint64) *Facilitator {
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	return &Facilitator{
		cfg:     cfg.WithDefaults(),
		key:     key,
		signer:  crypto.PubkeyToAddress(key.PublicKey),
		chain:   chain,
		minConf: minConfirmations,
		now:     time.Now,
		used:    make(map[string]bool),
	}
}

// ChainID returns the chain the facilitator settles on, or nil when offline.
func (f *Facilitator) ChainID() *big.Int { return f.chainID }

// Address returns the wallet address that signs payment proofs.
func (f *Facilitator) Address() common.Address { return f.signer }

// Close releases the RPC connection, if any.
func (f *Facilitator) Close() {
	if f.closer != nil {
		f.closer()
	}
}

// ProposePayment implements payment.Facilitator.
func (f *Facilitator) ProposePayment(_ context.Context, req payment.Request) (payment.SignedProof, error) {
	proof := payment.SignedProof{
		ID:       uuid.NewString(),
		TaskID:   req.TaskID,
		HoldID:   req.HoldID,
		Payer:    req.Payer,
		Payee:    req.Payee,
		Amount:   req.Amount,
		Network:  f.cfg.Network,
		Asset:    f.cfg.Asset,
		Nonce:    hexutil.Encode(crypto.Keccak256([]byte(uuid.NewString()))),
		Deadline: f.now().Add(f.cfg.Deadline).Unix(),
		Signer:   f.signer.Hex(),
	}
	sig, err := crypto.Sign(accounts.TextHash(proof.Message()), f.key)
	if err != nil {
		return payment.SignedProof{}, xerrors.Wrap(payment.CodeFacilitatorFailure, err, "签署支付凭证失败")
	}
	proof.Signature = hexutil.Encode(sig)
	return proof, nil
}

// Confirm implements payment.Facilitator. A rejected proof is reported through
// Confirmation.Reason; errors are reserved for transport failures.
func (f *Facilitator) Confirm(ctx context.Context, proof payment.SignedProof) (payment.Confirmation, error) {
	signer, err := recoverSigner(proof)
	if err != nil {
		return payment.Confirmation{Reason: err.Error()}, nil
	}
	if signer != f.signer {
		return payment.Confirmation{Reason: "unexpected signer " + signer.Hex()}, nil
	}
	if proof.Network != f.cfg.Network {
		return payment.Confirmation{Reason: "network mismatch"}, nil
	}
	if !proof.Amount.IsPositive() {
		return payment.Confirmation{Reason: "non-positive amount"}, nil
	}
	if proof.Expired(f.now()) {
		return payment.Confirmation{Reason: "proof expired"}, nil
	}

	ref := crypto.Keccak256Hash(common.FromHex(proof.Signature)).Hex()
	if proof.TxHash != "" {
		if f.chain == nil {
			return payment.Confirmation{}, xerrors.New(payment.CodeFacilitatorFailure, "未配置链节点，无法校验结算交易")
		}
		ok, reason, err := f.checkReceipt(ctx, common.HexToHash(proof.TxHash))
		if err != nil {
			return payment.Confirmation{}, xerrors.Wrap(payment.CodeFacilitatorFailure, err, "查询结算交易失败")
		}
		if !ok {
			return payment.Confirmation{Reason: reason}, nil
		}
		ref = common.HexToHash(proof.TxHash).Hex()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used[proof.Nonce] {
		return payment.Confirmation{Reason: "nonce already used"}, nil
	}
	f.used[proof.Nonce] = true
	return payment.Confirmation{Confirmed: true, ExternalRef: ref}, nil
}

func (f *Facilitator) checkReceipt(ctx context.Context, hash common.Hash) (bool, string, error) {
	receipt, err := f.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		return false, "", err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return false, "settlement transaction reverted", nil
	}
	if receipt.BlockNumber == nil {
		return false, "settlement transaction pending", nil
	}
	head, err := f.chain.BlockNumber(ctx)
	if err != nil {
		return false, "", err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < f.minConf {
		return false, fmt.Sprintf("awaiting %d confirmations", f.minConf), nil
	}
	return true, "", nil
}

func recoverSigner(proof payment.SignedProof) (common.Address, error) {
	sig, err := hexutil.Decode(proof.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("malformed signature")
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	pub, err := crypto.SigToPub(accounts.TextHash(proof.Message()), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %v", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
