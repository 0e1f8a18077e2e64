package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-governance/internal/database"
	"github.com/pesio-ai/be-governance/internal/errors"
)

// ExpensePGRepository handles expense_entries.
type ExpensePGRepository struct {
	db database.Querier
}

func NewExpensePGRepository(db database.Querier) *ExpensePGRepository {
	return &ExpensePGRepository{db: db}
}

const expenseColumns = `
	id, company_id, branch_id, amount, category, description, status,
	approved_by, approved_at, rejection_reason, created_by, created_at, updated_at`

func (r *ExpensePGRepository) Create(ctx context.Context, e *ExpenseEntry) error {
	query := `
		INSERT INTO expense_entries
		    (company_id, branch_id, amount, category, description, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		e.CompanyID, e.BranchID, e.Amount, e.Category, e.Description, e.Status, e.CreatedBy,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create expense")
	}
	return nil
}

func (r *ExpensePGRepository) GetByID(ctx context.Context, id string) (*ExpenseEntry, error) {
	return r.get(ctx, `SELECT `+expenseColumns+` FROM expense_entries WHERE id = $1`, id)
}

func (r *ExpensePGRepository) GetForUpdate(ctx context.Context, id string) (*ExpenseEntry, error) {
	return r.get(ctx, `SELECT `+expenseColumns+` FROM expense_entries WHERE id = $1 FOR UPDATE`, id)
}

func (r *ExpensePGRepository) get(ctx context.Context, query, id string) (*ExpenseEntry, error) {
	e := &ExpenseEntry{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.CompanyID, &e.BranchID, &e.Amount, &e.Category, &e.Description, &e.Status,
		&e.ApprovedBy, &e.ApprovedAt, &e.RejectionReason, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound("expense", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get expense")
	}
	return e, nil
}

func (r *ExpensePGRepository) UpdateStatus(ctx context.Context, id, status string) error {
	return execOne(ctx, r.db, "expense", id,
		`UPDATE expense_entries SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
}

// Approve marks the expense approved and clears any earlier rejection.
func (r *ExpensePGRepository) Approve(ctx context.Context, id, approvedBy string, at time.Time) error {
	query := `
		UPDATE expense_entries
		SET status           = 'approved',
		    approved_by      = $2,
		    approved_at      = $3,
		    rejection_reason = NULL,
		    updated_at       = NOW()
		WHERE id = $1
	`
	return execOne(ctx, r.db, "expense", id, query, id, approvedBy, at)
}

func (r *ExpensePGRepository) Reject(ctx context.Context, id, reason string) error {
	query := `
		UPDATE expense_entries
		SET status           = 'rejected',
		    rejection_reason = $2,
		    updated_at       = NOW()
		WHERE id = $1
	`
	return execOne(ctx, r.db, "expense", id, query, id, reason)
}

// execOne runs an update that must touch exactly the identified row.
func execOne(ctx context.Context, db database.Querier, resource, id, query string, args ...any) error {
	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update "+resource)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(resource, id)
	}
	return nil
}
