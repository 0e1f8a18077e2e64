package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-governance/internal/database"
	"github.com/pesio-ai/be-governance/internal/errors"
)

// SalePGRepository handles sales_transactions.
type SalePGRepository struct {
	db database.Querier
}

func NewSalePGRepository(db database.Querier) *SalePGRepository {
	return &SalePGRepository{db: db}
}

func (r *SalePGRepository) Create(ctx context.Context, s *SaleTransaction) error {
	query := `
		INSERT INTO sales_transactions (company_id, branch_id, total, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, s.CompanyID, s.BranchID, s.Total, s.Status).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create sale")
	}
	return nil
}

func (r *SalePGRepository) GetByID(ctx context.Context, id string) (*SaleTransaction, error) {
	query := `
		SELECT id, company_id, branch_id, total, status,
		       voided_by, voided_at, void_reason, created_at, updated_at
		FROM sales_transactions
		WHERE id = $1
	`
	s := &SaleTransaction{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.CompanyID, &s.BranchID, &s.Total, &s.Status,
		&s.VoidedBy, &s.VoidedAt, &s.VoidReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound("sale", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get sale")
	}
	return s, nil
}

func (r *SalePGRepository) Void(ctx context.Context, id, voidedBy string, at time.Time, reason *string) error {
	query := `
		UPDATE sales_transactions
		SET status      = 'voided',
		    voided_by   = $2,
		    voided_at   = $3,
		    void_reason = $4,
		    updated_at  = NOW()
		WHERE id = $1
	`
	return execOne(ctx, r.db, "sale", id, query, id, voidedBy, at, reason)
}

func (r *SalePGRepository) UpdateStatus(ctx context.Context, id, status string) error {
	return execOne(ctx, r.db, "sale", id,
		`UPDATE sales_transactions SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
}
