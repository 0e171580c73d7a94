package escrow

import (
	"context"
	"log/slog"

	"github.com/opspawn/agentos/internal/budget"
	"github.com/opspawn/agentos/internal/ledger"
	"github.com/opspawn/agentos/internal/payment"
)

// ReplayReport 汇总一次账本重放的结果。
type ReplayReport struct {
	Allocations int `json:"allocations"`
	Holds       int `json:"holds"`
	Open        int `json:"open"`
	Pending     int `json:"pending"`
}

// Replay 从账本重建预算与冻结状态，必须在接受新请求之前调用。
// 未确认的 RELEASE 交易会让对应冻结保持结算中，直到 Reconcile 处理。
func (e *Escrow) Replay(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport
	txs, err := e.journal.List(ctx, ledger.Filter{})
	if err != nil {
		return report, err
	}

	for _, tx := range txs {
		switch tx.Kind {
		case ledger.KindAllocate:
			if err := e.tracker.Restore(budget.Allocation{TaskID: tx.TaskID, Allocated: tx.Amount, CreatedAt: tx.CreatedAt}); err != nil {
				return report, err
			}
			report.Allocations++
		case ledger.KindHold:
			if _, err := e.tracker.Reserve(ctx, tx.TaskID, tx.Amount, budget.WithReservationID(tx.ReservationID)); err != nil {
				return report, err
			}
			h := Hold{
				ID:            tx.HoldID,
				TaskID:        tx.TaskID,
				Payer:         tx.From,
				Payee:         tx.To,
				Amount:        tx.Amount,
				State:         StateHeld,
				ReservationID: tx.ReservationID,
				CreatedAt:     tx.CreatedAt,
			}
			e.holds.Store(h.ID, &entry{hold: h})
			e.slot(h.TaskID, h.Payee).active = h.ID
			report.Holds++
		case ledger.KindRelease:
			ent, err := e.entry(tx.HoldID)
			if err != nil {
				return report, err
			}
			switch tx.Status {
			case ledger.StatusConfirmed:
				if err := e.tracker.Commit(ctx, ent.hold.ReservationID); err != nil {
					return report, err
				}
				ent.hold.State = StateReleased
				ent.hold.SettlementTx = tx.ID
				ent.hold.ExternalRef = tx.ExternalRef
				ent.hold.ResolvedAt = tx.UpdatedAt
				e.slot(ent.hold.TaskID, ent.hold.Payee).active = ""
			case ledger.StatusPending:
				ent.settling = true
				ent.pending = tx
			}
		case ledger.KindRefund:
			ent, err := e.entry(tx.HoldID)
			if err != nil {
				return report, err
			}
			if err := e.tracker.Cancel(ctx, ent.hold.ReservationID); err != nil {
				return report, err
			}
			// 放款结算失败后的退款会留下一条 PENDING 放款，退款为最终结果。
			ent.pending = nil
			ent.settling = false
			ent.hold.State = StateRefunded
			ent.hold.ResolvedAt = tx.CreatedAt
			e.slot(ent.hold.TaskID, ent.hold.Payee).active = ""
		}
	}

	e.holds.Range(func(_, value any) bool {
		ent := value.(*entry)
		if ent.hold.State == StateHeld {
			report.Open++
			if ent.pending != nil {
				report.Pending++
			}
		}
		return true
	})
	e.log.Info("账本重放完成",
		slog.Int("allocations", report.Allocations),
		slog.Int("holds", report.Holds),
		slog.Int("open", report.Open),
		slog.Int("pending", report.Pending),
	)
	return report, nil
}

// Reconcile 处理重放后仍待确认的放款：重新向结算服务确认，失败则退款。
func (e *Escrow) Reconcile(ctx context.Context) ([]Hold, error) {
	var pending []*entry
	e.holds.Range(func(_, value any) bool {
		ent := value.(*entry)
		ent.mu.Lock()
		if ent.pending != nil {
			pending = append(pending, ent)
		}
		ent.mu.Unlock()
		return true
	})

	resolved := make([]Hold, 0, len(pending))
	for _, ent := range pending {
		ent.mu.Lock()
		tx := ent.pending
		ent.mu.Unlock()

		var (
			conf payment.Confirmation
			cerr error
		)
		proof, err := payment.DecodeProof(tx.Memo)
		if err != nil {
			conf = payment.Confirmation{Reason: err.Error()}
		} else {
			conf, cerr = e.facilitator.Confirm(ctx, proof)
		}
		h, err := e.finishRelease(context.WithoutCancel(ctx), ent, tx, conf, cerr)
		if err != nil {
			e.log.Warn("对账未能放款", slog.String("hold_id", h.ID), slog.Any("error", err))
		}
		resolved = append(resolved, h)
	}
	return resolved, nil
}
