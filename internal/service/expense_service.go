package service

import (
	"context"

	"github.com/pesio-ai/be-governance/internal/auth"
	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/logger"
	"github.com/pesio-ai/be-governance/internal/repository"
)

// ExpenseService is the expense module's entry into governance.
type ExpenseService struct {
	store     repository.Store
	approvals *ApprovalService
	log       *logger.Logger
}

// NewExpenseService creates a new expense service
func NewExpenseService(store repository.Store, approvals *ApprovalService, log *logger.Logger) *ExpenseService {
	return &ExpenseService{
		store:     store,
		approvals: approvals,
		log:       log.Component("expenses"),
	}
}

// ExpenseSubmission is the outcome of submitting an expense. Approval is nil
// when the expense was approved directly.
type ExpenseSubmission struct {
	Expense  *repository.ExpenseEntry `json:"expense"`
	Approval *RequestView             `json:"approval,omitempty"`
}

// Submit moves a draft expense to pending approval and gates it. When no
// policy applies the expense is approved on the spot.
func (s *ExpenseService) Submit(ctx context.Context, expenseID string, actor auth.Actor) (*ExpenseSubmission, error) {
	var exp *repository.ExpenseEntry
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		e, err := tx.Expenses().GetForUpdate(ctx, expenseID)
		if err != nil {
			return err
		}
		if e.CompanyID != actor.CompanyID {
			return errors.NotFound("expense", expenseID)
		}
		if e.Status != repository.ExpenseDraft {
			return errors.Conflict("only draft expenses can be submitted")
		}
		if err := tx.Expenses().UpdateStatus(ctx, e.ID, repository.ExpensePendingApproval); err != nil {
			return err
		}
		exp = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	amount := exp.Amount
	view, err := s.approvals.Initiate(ctx, &InitiateRequest{
		CompanyID:  exp.CompanyID,
		BranchID:   exp.BranchID,
		EntityType: repository.EntityExpenseEntry,
		EntityID:   exp.ID,
		ActionType: repository.ActionApprove,
		Amount:     &amount,
		Meta: repository.RequestMeta{
			Expense: &repository.ExpenseMeta{Category: exp.Category, Description: exp.Description},
		},
	}, actor)
	if err != nil {
		if rerr := s.store.Expenses().UpdateStatus(ctx, exp.ID, repository.ExpenseDraft); rerr != nil {
			s.log.Error().Err(rerr).Str("expense_id", exp.ID).Msg("failed to return expense to draft")
		}
		return nil, err
	}

	if view == nil {
		if err := s.autoApprove(ctx, exp, actor); err != nil {
			return nil, err
		}
	}

	current, err := s.store.Expenses().GetByID(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	return &ExpenseSubmission{Expense: current, Approval: view}, nil
}

func (s *ExpenseService) autoApprove(ctx context.Context, exp *repository.ExpenseEntry, actor auth.Actor) error {
	info := auth.RequestInfoFromContext(ctx)
	branch := exp.BranchID

	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Expenses().Approve(ctx, exp.ID, actor.UserID, s.approvals.now()); err != nil {
			return err
		}
		return tx.SystemAudit().Append(ctx, &repository.SystemAuditEntry{
			CompanyID:  exp.CompanyID,
			BranchID:   &branch,
			UserID:     actor.UserID,
			Action:     "expense.auto_approved",
			EntityType: "expense",
			EntityID:   exp.ID,
			Details:    map[string]any{"amount": exp.Amount},
			RequestID:  optional(info.RequestID),
			IPAddress:  optional(info.IPAddress),
			UserAgent:  optional(info.UserAgent),
		})
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("expense_id", exp.ID).Float64("amount", exp.Amount).Msg("Expense approved without governance")
	return nil
}
