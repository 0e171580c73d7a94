package hiring

import (
	"net/http"

	"github.com/opspawn/agentos/internal/budget"
	xerrors "github.com/opspawn/agentos/internal/errors"
	"github.com/opspawn/agentos/internal/escrow"
	"github.com/opspawn/agentos/internal/money"
	"github.com/opspawn/agentos/internal/payment"
)

// State 是雇佣请求的状态。
type State string

const (
	StateDiscovering       State = "DISCOVERING"
	StateCandidateSelected State = "CANDIDATE_SELECTED"
	StateNegotiating       State = "NEGOTIATING"
	StateEscrowed          State = "ESCROWED"
	StateAssigned          State = "ASSIGNED"
	StateVerifying         State = "VERIFYING"
	StateReleased          State = "RELEASED"
	StateRefunded          State = "REFUNDED"
	StateFailed            State = "FAILED"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	return s == StateReleased || s == StateRefunded || s == StateFailed
}

// Reason 是失败或退款的原因码。
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNoCandidate         Reason = "NoCandidate"
	ReasonPriceExceeded       Reason = "PriceExceeded"
	ReasonEscrowConflict      Reason = "EscrowConflict"
	ReasonBudgetExceeded      Reason = "BudgetExceeded"
	ReasonBudgetUnavailable   Reason = "BudgetUnavailable"
	ReasonAgentTimeout        Reason = "AgentTimeout"
	ReasonAgentFailed         Reason = "AgentFailed"
	ReasonVerificationFailed  Reason = "VerificationFailed"
	ReasonPaymentNotConfirmed Reason = "PaymentNotConfirmed"
	ReasonSettlementFailed    Reason = "SettlementFailed"
	ReasonInterrupted         Reason = "Interrupted"
)

// Spec 描述一次雇佣。
type Spec struct {
	TaskID      string       `json:"task_id"`
	Subtask     string       `json:"subtask"`
	Capability  string       `json:"capability"`
	Ceiling     money.Amount `json:"ceiling"`
	Goal        string       `json:"goal,omitempty"`
	Input       string       `json:"input,omitempty"`
	Exclude     []string     `json:"exclude,omitempty"`
	Attempt     int          `json:"attempt"`
	Description string       `json:"description,omitempty"`
}

// Request 是一次雇佣尝试，终态后不再变化；重试会创建新的 Request。
type Request struct {
	ID         string       `json:"id"`
	TaskID     string       `json:"task_id"`
	Subtask    string       `json:"subtask"`
	Capability string       `json:"capability"`
	Ceiling    money.Amount `json:"ceiling"`
	Attempt    int          `json:"attempt"`
	State      State        `json:"state"`
	Reason     Reason       `json:"reason,omitempty"`
	AgentID    string       `json:"agent_id,omitempty"`
	Price      money.Amount `json:"price"`
	HoldID     string       `json:"hold_id,omitempty"`
	Rounds     int          `json:"rounds,omitempty"`
	Output     string       `json:"output,omitempty"`
	Quality    float64      `json:"quality,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  int64        `json:"created_at"`
	UpdatedAt  int64        `json:"updated_at"`
}

// Err 将失败原因映射为统一错误，成功时返回 nil。
func (r Request) Err() error {
	switch r.Reason {
	case ReasonNone:
		return nil
	case ReasonNoCandidate:
		return ErrNoCandidate
	case ReasonPriceExceeded:
		return ErrPriceExceeded
	case ReasonEscrowConflict:
		return escrow.ErrEscrowConflict
	case ReasonBudgetExceeded:
		return budget.ErrBudgetExceeded
	case ReasonBudgetUnavailable:
		return budget.ErrAllocationNotFound
	case ReasonAgentTimeout:
		return ErrAgentTimeout
	case ReasonAgentFailed:
		return ErrAgentFailed
	case ReasonVerificationFailed:
		return ErrVerificationFailed
	case ReasonPaymentNotConfirmed:
		return payment.ErrPaymentNotConfirmed
	default:
		return xerrors.New(xerrors.CodeExecutorFailure, string(r.Reason))
	}
}

// Retryable 判断编排器是否应以新请求重试。
func (r Request) Retryable() bool {
	switch r.Reason {
	case ReasonAgentTimeout, ReasonAgentFailed, ReasonVerificationFailed:
		return true
	default:
		return false
	}
}

// 雇佣流程的错误码。
const (
	CodeNoCandidate        xerrors.Code = "NO_CANDIDATE"
	CodePriceExceeded      xerrors.Code = "PRICE_EXCEEDED"
	CodeAgentTimeout       xerrors.Code = "AGENT_TIMEOUT"
	CodeAgentFailed        xerrors.Code = "AGENT_FAILED"
	CodeVerificationFailed xerrors.Code = "VERIFICATION_FAILED"
	CodeHireInFlight       xerrors.Code = "HIRE_IN_FLIGHT"
	CodeRequestNotFound    xerrors.Code = "HIRING_REQUEST_NOT_FOUND"
)

var (
	ErrNoCandidate        = xerrors.New(CodeNoCandidate, "没有可用的候选智能体")
	ErrPriceExceeded      = xerrors.New(CodePriceExceeded, "报价超过价格上限")
	ErrAgentTimeout       = xerrors.New(CodeAgentTimeout, "智能体执行超时")
	ErrAgentFailed        = xerrors.New(CodeAgentFailed, "智能体返回错误")
	ErrVerificationFailed = xerrors.New(CodeVerificationFailed, "结果未通过校验")
	ErrHireInFlight       = xerrors.New(CodeHireInFlight, "该子任务已有进行中的雇佣")
	ErrRequestNotFound    = xerrors.New(CodeRequestNotFound, "雇佣请求不存在")
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeNoCandidate:        {Message: "没有可用的候选智能体", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodePriceExceeded:      {Message: "报价超过价格上限", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusPaymentRequired},
		CodeAgentTimeout:       {Message: "智能体执行超时", Severity: xerrors.SeverityWarning, Retryable: true, HTTPStatus: http.StatusGatewayTimeout},
		CodeAgentFailed:        {Message: "智能体返回错误", Severity: xerrors.SeverityWarning, Retryable: true, HTTPStatus: http.StatusBadGateway},
		CodeVerificationFailed: {Message: "结果未通过校验", Severity: xerrors.SeverityWarning, Retryable: true, HTTPStatus: http.StatusUnprocessableEntity},
		CodeHireInFlight:       {Message: "该子任务已有进行中的雇佣", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeRequestNotFound:    {Message: "雇佣请求不存在", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusNotFound},
	} {
		xerrors.Register(code, attr)
	}
}
