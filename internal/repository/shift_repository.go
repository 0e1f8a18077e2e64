package repository

import (
	"context"

	"github.com/pesio-ai/be-governance/internal/database"
	"github.com/pesio-ai/be-governance/internal/errors"
)

// ShiftPGRepository handles shifts and their closing records.
type ShiftPGRepository struct {
	db database.Querier
}

func NewShiftPGRepository(db database.Querier) *ShiftPGRepository {
	return &ShiftPGRepository{db: db}
}

const shiftColumns = `
	id, company_id, branch_id, status, opened_by, start_time, end_time,
	total_sales, cash_collected, variance, variance_reason,
	submitted_for_approval_at, closed_by, updated_at`

func (r *ShiftPGRepository) Create(ctx context.Context, s *Shift) error {
	query := `
		INSERT INTO shifts (company_id, branch_id, status, opened_by, start_time, submitted_for_approval_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, updated_at
	`
	err := r.db.QueryRow(ctx, query, s.CompanyID, s.BranchID, s.Status, s.OpenedBy, s.StartTime, s.SubmittedForApprovalAt).
		Scan(&s.ID, &s.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create shift")
	}
	return nil
}

func (r *ShiftPGRepository) GetByID(ctx context.Context, id string) (*Shift, error) {
	return r.get(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1`, id)
}

func (r *ShiftPGRepository) GetForUpdate(ctx context.Context, id string) (*Shift, error) {
	return r.get(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1 FOR UPDATE`, id)
}

func (r *ShiftPGRepository) get(ctx context.Context, query, id string) (*Shift, error) {
	s := &Shift{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.CompanyID, &s.BranchID, &s.Status, &s.OpenedBy, &s.StartTime, &s.EndTime,
		&s.TotalSales, &s.CashCollected, &s.Variance, &s.VarianceReason,
		&s.SubmittedForApprovalAt, &s.ClosedBy, &s.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound("shift", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get shift")
	}
	return s, nil
}

// Close writes the closing figures and clears the approval marker.
func (r *ShiftPGRepository) Close(ctx context.Context, id string, c ShiftClosing) error {
	query := `
		UPDATE shifts
		SET status                    = 'closed',
		    end_time                  = $2,
		    total_sales               = $3,
		    cash_collected            = $4,
		    variance                  = $5,
		    variance_reason           = $6,
		    closed_by                 = $7,
		    submitted_for_approval_at = NULL,
		    updated_at                = NOW()
		WHERE id = $1
	`
	return execOne(ctx, r.db, "shift", id, query,
		id, c.EndTime, c.TotalSales, c.CashCollected, c.Variance, c.VarianceReason, c.ClosedBy)
}

// Reopen returns a shift awaiting approval to open.
func (r *ShiftPGRepository) Reopen(ctx context.Context, id string) error {
	query := `
		UPDATE shifts
		SET status = 'open', submitted_for_approval_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	return execOne(ctx, r.db, "shift", id, query, id)
}

func (r *ShiftPGRepository) AddMeterReadings(ctx context.Context, readings []*ShiftMeterReading) error {
	query := `
		INSERT INTO shift_meter_readings (shift_id, pump_id, nozzle_id, opening_reading, closing_reading)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	for _, m := range readings {
		err := r.db.QueryRow(ctx, query, m.ShiftID, m.PumpID, m.NozzleID, m.OpeningReading, m.ClosingReading).
			Scan(&m.ID, &m.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert meter reading")
		}
	}
	return nil
}

func (r *ShiftPGRepository) AddCashCollections(ctx context.Context, collections []*ShiftCashCollection) error {
	query := `
		INSERT INTO shift_cash_collections (shift_id, method, amount, reference)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	for _, c := range collections {
		err := r.db.QueryRow(ctx, query, c.ShiftID, c.Method, c.Amount, c.Reference).
			Scan(&c.ID, &c.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert cash collection")
		}
	}
	return nil
}

func (r *ShiftPGRepository) ListMeterReadings(ctx context.Context, shiftID string) ([]*ShiftMeterReading, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, shift_id, pump_id, nozzle_id, opening_reading, closing_reading, created_at
		FROM shift_meter_readings
		WHERE shift_id = $1
		ORDER BY created_at ASC, id ASC
	`, shiftID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list meter readings")
	}
	defer rows.Close()

	var out []*ShiftMeterReading
	for rows.Next() {
		m := &ShiftMeterReading{}
		if err := rows.Scan(&m.ID, &m.ShiftID, &m.PumpID, &m.NozzleID, &m.OpeningReading, &m.ClosingReading, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan meter reading")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *ShiftPGRepository) ListCashCollections(ctx context.Context, shiftID string) ([]*ShiftCashCollection, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, shift_id, method, amount, reference, created_at
		FROM shift_cash_collections
		WHERE shift_id = $1
		ORDER BY created_at ASC, id ASC
	`, shiftID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list cash collections")
	}
	defer rows.Close()

	var out []*ShiftCashCollection
	for rows.Next() {
		c := &ShiftCashCollection{}
		if err := rows.Scan(&c.ID, &c.ShiftID, &c.Method, &c.Amount, &c.Reference, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan cash collection")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
