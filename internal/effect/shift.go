package effect

import (
	"context"

	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/repository"
)

// applyShiftClose closes the shift with the frozen closing figures, or
// reopens it when the variance is rejected.
func applyShiftClose(ctx context.Context, tx repository.Tx, req *repository.ApprovalRequest, d Decision) error {
	shifts := tx.Shifts()

	if d.Outcome != OutcomeApproved {
		if err := shifts.Reopen(ctx, req.EntityID); err != nil {
			return err
		}
		return writeAudit(ctx, tx, req, d, "shift", req.EntityID, outcomeAction("shift", d.Outcome), nil)
	}

	sc := req.Meta.ShiftClose
	if sc == nil {
		return errors.InvalidInput("meta.shiftClose", "missing closing figures")
	}

	readings := make([]*repository.ShiftMeterReading, 0, len(sc.MeterReadings))
	for _, m := range sc.MeterReadings {
		readings = append(readings, &repository.ShiftMeterReading{
			ShiftID:        req.EntityID,
			PumpID:         m.PumpID,
			NozzleID:       m.NozzleID,
			OpeningReading: m.OpeningReading,
			ClosingReading: m.ClosingReading,
		})
	}
	if err := shifts.AddMeterReadings(ctx, readings); err != nil {
		return err
	}

	collections := make([]*repository.ShiftCashCollection, 0, len(sc.CashCollections))
	for _, c := range sc.CashCollections {
		collections = append(collections, &repository.ShiftCashCollection{
			ShiftID:   req.EntityID,
			Method:    c.Method,
			Amount:    c.Amount,
			Reference: c.Reference,
		})
	}
	if err := shifts.AddCashCollections(ctx, collections); err != nil {
		return err
	}

	err := shifts.Close(ctx, req.EntityID, repository.ShiftClosing{
		EndTime:        sc.EndTime,
		TotalSales:     sc.TotalSales,
		CashCollected:  sc.CashCollected,
		Variance:       sc.Variance,
		VarianceReason: sc.VarianceReason,
		ClosedBy:       req.RequestedBy,
	})
	if err != nil {
		return err
	}

	return writeAudit(ctx, tx, req, d, "shift", req.EntityID, outcomeAction("shift", d.Outcome), map[string]any{
		"variance":      sc.Variance,
		"totalSales":    sc.TotalSales,
		"cashCollected": sc.CashCollected,
	})
}
