package effect

import (
	"context"

	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/repository"
)

// applyStockAdjustment posts the frozen adjustment to the tank. The tank row
// is locked before the boundary check.
func applyStockAdjustment(ctx context.Context, tx repository.Tx, req *repository.ApprovalRequest, d Decision) error {
	adj := req.Meta.StockAdjustment
	if adj == nil {
		return errors.InvalidInput("meta.stockAdjustment", "missing adjustment payload")
	}

	if d.Outcome != OutcomeApproved {
		return writeAudit(ctx, tx, req, d, "tank", adj.TankID, outcomeAction("stock_adjustment", d.Outcome), map[string]any{
			"volumeDelta": adj.VolumeDelta,
		})
	}

	tanks := tx.Tanks()
	tank, err := tanks.GetForUpdate(ctx, adj.TankID)
	if err != nil {
		return err
	}

	newLevel := tank.CurrentLevel + adj.VolumeDelta
	if newLevel < 0 || newLevel > tank.Capacity {
		return errors.Conflict("adjustment would breach tank stock boundaries")
	}

	adjustmentType := adj.AdjustmentType
	if adjustmentType == "" {
		adjustmentType = "manual"
	}
	reqID := req.ID
	record := &repository.StockAdjustment{
		CompanyID:         req.CompanyID,
		BranchID:          req.BranchID,
		TankID:            tank.ID,
		AdjustmentType:    adjustmentType,
		VolumeDelta:       adj.VolumeDelta,
		PreviousLevel:     tank.CurrentLevel,
		NewLevel:          newLevel,
		Notes:             adj.Notes,
		ApprovalRequestID: &reqID,
		CreatedBy:         req.RequestedBy,
	}
	if err := tanks.CreateAdjustment(ctx, record); err != nil {
		return err
	}
	if err := tanks.UpdateLevel(ctx, tank.ID, newLevel); err != nil {
		return err
	}
	if err := tanks.AppendLedger(ctx, &repository.StockLedgerEntry{
		CompanyID:     req.CompanyID,
		BranchID:      req.BranchID,
		TankID:        tank.ID,
		MovementType:  repository.StockMovementAdjustment,
		Quantity:      adj.VolumeDelta,
		BalanceAfter:  newLevel,
		ReferenceType: repository.EntityStockAdjustment,
		ReferenceID:   record.ID,
		CreatedBy:     d.DecidedBy,
	}); err != nil {
		return err
	}

	return writeAudit(ctx, tx, req, d, "tank", tank.ID, outcomeAction("stock_adjustment", d.Outcome), map[string]any{
		"adjustmentId":  record.ID,
		"volumeDelta":   adj.VolumeDelta,
		"previousLevel": tank.CurrentLevel,
		"newLevel":      newLevel,
	})
}
