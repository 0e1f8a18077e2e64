package repository

import (
	"context"

	"github.com/pesio-ai/be-governance/internal/database"
	"github.com/pesio-ai/be-governance/internal/errors"
)

// TankPGRepository handles tanks, stock_adjustments and stock_ledger.
type TankPGRepository struct {
	db database.Querier
}

func NewTankPGRepository(db database.Querier) *TankPGRepository {
	return &TankPGRepository{db: db}
}

const tankColumns = `id, company_id, branch_id, name, fuel_type, capacity, current_level, updated_at`

func (r *TankPGRepository) Create(ctx context.Context, t *Tank) error {
	query := `
		INSERT INTO tanks (company_id, branch_id, name, fuel_type, capacity, current_level)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, updated_at
	`
	err := r.db.QueryRow(ctx, query, t.CompanyID, t.BranchID, t.Name, t.FuelType, t.Capacity, t.CurrentLevel).
		Scan(&t.ID, &t.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create tank")
	}
	return nil
}

func (r *TankPGRepository) GetByID(ctx context.Context, id string) (*Tank, error) {
	return r.get(ctx, `SELECT `+tankColumns+` FROM tanks WHERE id = $1`, id)
}

// GetForUpdate locks the tank row so concurrent adjustments serialize.
func (r *TankPGRepository) GetForUpdate(ctx context.Context, id string) (*Tank, error) {
	return r.get(ctx, `SELECT `+tankColumns+` FROM tanks WHERE id = $1 FOR UPDATE`, id)
}

func (r *TankPGRepository) get(ctx context.Context, query, id string) (*Tank, error) {
	t := &Tank{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.CompanyID, &t.BranchID, &t.Name, &t.FuelType, &t.Capacity, &t.CurrentLevel, &t.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound("tank", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get tank")
	}
	return t, nil
}

func (r *TankPGRepository) UpdateLevel(ctx context.Context, id string, level float64) error {
	return execOne(ctx, r.db, "tank", id,
		`UPDATE tanks SET current_level = $2, updated_at = NOW() WHERE id = $1`,
		id, level)
}

func (r *TankPGRepository) CreateAdjustment(ctx context.Context, a *StockAdjustment) error {
	query := `
		INSERT INTO stock_adjustments
		    (company_id, branch_id, tank_id, adjustment_type, volume_delta,
		     previous_level, new_level, notes, approval_request_id, created_by)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		a.CompanyID,
		a.BranchID,
		a.TankID,
		a.AdjustmentType,
		a.VolumeDelta,
		a.PreviousLevel,
		a.NewLevel,
		a.Notes,
		a.ApprovalRequestID,
		a.CreatedBy,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create stock adjustment")
	}
	return nil
}

func (r *TankPGRepository) AppendLedger(ctx context.Context, e *StockLedgerEntry) error {
	query := `
		INSERT INTO stock_ledger
		    (company_id, branch_id, tank_id, movement_type, quantity,
		     balance_after, reference_type, reference_id, created_by)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		e.CompanyID,
		e.BranchID,
		e.TankID,
		e.MovementType,
		e.Quantity,
		e.BalanceAfter,
		e.ReferenceType,
		e.ReferenceID,
		e.CreatedBy,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append stock ledger movement")
	}
	return nil
}

func (r *TankPGRepository) ListLedger(ctx context.Context, tankID string) ([]*StockLedgerEntry, error) {
	query := `
		SELECT id, company_id, branch_id, tank_id, movement_type, quantity,
		       balance_after, reference_type, reference_id, created_by, created_at
		FROM stock_ledger
		WHERE tank_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, tankID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stock ledger")
	}
	defer rows.Close()

	var out []*StockLedgerEntry
	for rows.Next() {
		e := &StockLedgerEntry{}
		err := rows.Scan(
			&e.ID, &e.CompanyID, &e.BranchID, &e.TankID, &e.MovementType, &e.Quantity,
			&e.BalanceAfter, &e.ReferenceType, &e.ReferenceID, &e.CreatedBy, &e.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stock ledger movement")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
