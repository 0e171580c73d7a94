package budget

import (
	"net/http"

	xerrors "github.com/opspawn/agentos/internal/errors"
)

const (
	CodeInvalidAmount       xerrors.Code = "INVALID_AMOUNT"
	CodeDuplicateAllocation xerrors.Code = "DUPLICATE_ALLOCATION"
	CodeBudgetExceeded      xerrors.Code = "BUDGET_EXCEEDED"
	CodeAllocationNotFound  xerrors.Code = "ALLOCATION_NOT_FOUND"
	CodeBudgetClosed        xerrors.Code = "BUDGET_CLOSED"
	CodeReservationNotFound xerrors.Code = "RESERVATION_NOT_FOUND"
	CodeReservationSettled  xerrors.Code = "RESERVATION_SETTLED"
	CodeBudgetInvalidState  xerrors.Code = "BUDGET_INVALID_STATE"
)

var (
	ErrInvalidAmount       = xerrors.New(CodeInvalidAmount, "amount must be positive")
	ErrDuplicateAllocation = xerrors.New(CodeDuplicateAllocation, "budget already allocated for task")
	ErrBudgetExceeded      = xerrors.New(CodeBudgetExceeded, "budget exceeded")
	ErrAllocationNotFound  = xerrors.New(CodeAllocationNotFound, "budget allocation not found")
	ErrBudgetClosed        = xerrors.New(CodeBudgetClosed, "budget closed")
	ErrReservationNotFound = xerrors.New(CodeReservationNotFound, "reservation not found")
	ErrReservationSettled  = xerrors.New(CodeReservationSettled, "reservation already settled")
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeInvalidAmount:       {Message: "amount must be positive", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeDuplicateAllocation: {Message: "budget already allocated for task", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusConflict},
		CodeBudgetExceeded:      {Message: "budget exceeded", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusPaymentRequired},
		CodeAllocationNotFound:  {Message: "budget allocation not found", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeBudgetClosed:        {Message: "budget closed", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeReservationNotFound: {Message: "reservation not found", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusNotFound},
		CodeReservationSettled:  {Message: "reservation already settled", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeBudgetInvalidState:  {Message: "budget in invalid state", Severity: xerrors.SeverityCritical, Alert: true, HTTPStatus: http.StatusConflict},
	} {
		xerrors.Register(code, attr)
	}
}
