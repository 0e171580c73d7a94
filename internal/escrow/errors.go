package escrow

import (
	"net/http"

	xerrors "github.com/opspawn/agentos/internal/errors"
)

const (
	CodeEscrowConflict  xerrors.Code = "ESCROW_CONFLICT"
	CodeInvalidState    xerrors.Code = "INVALID_STATE"
	CodeAlreadyResolved xerrors.Code = "ALREADY_RESOLVED"
	CodeHoldNotFound    xerrors.Code = "HOLD_NOT_FOUND"
)

var (
	// ErrEscrowConflict 表示同一 (task, payee) 已存在未结算的冻结。
	ErrEscrowConflict = xerrors.New(CodeEscrowConflict, "escrow hold already active for task and payee")
	// ErrInvalidState 表示冻结当前状态不允许该操作。
	ErrInvalidState = xerrors.New(CodeInvalidState, "escrow hold not in HELD state")
	// ErrAlreadyResolved 表示冻结已经放款或退款。
	ErrAlreadyResolved = xerrors.New(CodeAlreadyResolved, "escrow hold already resolved")
	// ErrHoldNotFound 表示冻结不存在。
	ErrHoldNotFound = xerrors.New(CodeHoldNotFound, "escrow hold not found")
)

func init() {
	xerrors.Register(CodeEscrowConflict, xerrors.Attributes{Message: "escrow conflict", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusConflict})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{Message: "invalid escrow state", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusConflict})
	xerrors.Register(CodeAlreadyResolved, xerrors.Attributes{Message: "escrow already resolved", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusConflict})
	xerrors.Register(CodeHoldNotFound, xerrors.Attributes{Message: "escrow hold not found", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusNotFound})
}
