package effect

import (
	"context"

	"github.com/pesio-ai/be-governance/internal/repository"
)

const defaultExpenseRejection = "Rejected by approval workflow"

func applyExpense(ctx context.Context, tx repository.Tx, req *repository.ApprovalRequest, d Decision) error {
	expenses := tx.Expenses()

	switch d.Outcome {
	case OutcomeApproved:
		if err := expenses.Approve(ctx, req.EntityID, d.DecidedBy, d.DecidedAt); err != nil {
			return err
		}
	default:
		reason := defaultExpenseRejection
		if d.Reason != nil && *d.Reason != "" {
			reason = *d.Reason
		}
		if err := expenses.Reject(ctx, req.EntityID, reason); err != nil {
			return err
		}
	}

	details := map[string]any{}
	if req.Meta.Amount != nil {
		details["amount"] = *req.Meta.Amount
	}
	return writeAudit(ctx, tx, req, d, "expense", req.EntityID, outcomeAction("expense", d.Outcome), details)
}
