package effect

import (
	"context"

	"github.com/pesio-ai/be-governance/internal/repository"
)

// applySaleVoid voids the sale on approval. A rejected void leaves the sale
// completed.
func applySaleVoid(ctx context.Context, tx repository.Tx, req *repository.ApprovalRequest, d Decision) error {
	sales := tx.Sales()

	if d.Outcome == OutcomeApproved {
		var reason *string
		if v := req.Meta.SaleVoid; v != nil && v.VoidReason != "" {
			reason = &v.VoidReason
		} else if req.Reason != nil {
			reason = req.Reason
		}
		if err := sales.Void(ctx, req.EntityID, d.DecidedBy, d.DecidedAt, reason); err != nil {
			return err
		}
	} else if err := sales.UpdateStatus(ctx, req.EntityID, repository.SaleCompleted); err != nil {
		return err
	}

	return writeAudit(ctx, tx, req, d, "sale", req.EntityID, outcomeAction("sale", d.Outcome), nil)
}
