package memory

import (
	"context"
	"maps"
	"time"

	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/repository"
)

// ── System audit ─────────────────────────────────────────────────────────────

type systemAuditRepo struct{ v *view }

func (r systemAuditRepo) Append(_ context.Context, e *repository.SystemAuditEntry) error {
	defer r.v.lock()()
	e.ID = r.v.s.newID()
	e.CreatedAt = r.v.s.now()
	c := *e
	c.Details = maps.Clone(e.Details)
	r.v.s.data.systemAudit = append(r.v.s.data.systemAudit, c)
	return nil
}

func (r systemAuditRepo) ListByEntity(_ context.Context, entityType, entityID string) ([]*repository.SystemAuditEntry, error) {
	defer r.v.lock()()
	var out []*repository.SystemAuditEntry
	for _, e := range r.v.s.data.systemAudit {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, &e)
		}
	}
	return out, nil
}

// ── Expenses ─────────────────────────────────────────────────────────────────

type expenseRepo struct{ v *view }

func (r expenseRepo) Create(_ context.Context, e *repository.ExpenseEntry) error {
	defer r.v.lock()()
	now := r.v.s.now()
	if e.ID == "" {
		e.ID = r.v.s.newID()
	}
	e.CreatedAt, e.UpdatedAt = now, now
	r.v.s.data.expenses[e.ID] = *e
	return nil
}

func (r expenseRepo) GetByID(_ context.Context, id string) (*repository.ExpenseEntry, error) {
	defer r.v.lock()()
	e, ok := r.v.s.data.expenses[id]
	if !ok {
		return nil, errors.NotFound("expense", id)
	}
	return &e, nil
}

func (r expenseRepo) GetForUpdate(ctx context.Context, id string) (*repository.ExpenseEntry, error) {
	return r.GetByID(ctx, id)
}

func (r expenseRepo) update(id string, fn func(*repository.ExpenseEntry)) error {
	defer r.v.lock()()
	e, ok := r.v.s.data.expenses[id]
	if !ok {
		return errors.NotFound("expense", id)
	}
	fn(&e)
	e.UpdatedAt = r.v.s.now()
	r.v.s.data.expenses[id] = e
	return nil
}

func (r expenseRepo) UpdateStatus(_ context.Context, id, status string) error {
	return r.update(id, func(e *repository.ExpenseEntry) { e.Status = status })
}

func (r expenseRepo) Approve(_ context.Context, id, approvedBy string, at time.Time) error {
	return r.update(id, func(e *repository.ExpenseEntry) {
		e.Status = repository.ExpenseApproved
		e.ApprovedBy = &approvedBy
		e.ApprovedAt = &at
		e.RejectionReason = nil
	})
}

func (r expenseRepo) Reject(_ context.Context, id, reason string) error {
	return r.update(id, func(e *repository.ExpenseEntry) {
		e.Status = repository.ExpenseRejected
		e.RejectionReason = &reason
	})
}

// ── Sales ────────────────────────────────────────────────────────────────────

type saleRepo struct{ v *view }

func (r saleRepo) Create(_ context.Context, s *repository.SaleTransaction) error {
	defer r.v.lock()()
	now := r.v.s.now()
	if s.ID == "" {
		s.ID = r.v.s.newID()
	}
	s.CreatedAt, s.UpdatedAt = now, now
	r.v.s.data.sales[s.ID] = *s
	return nil
}

func (r saleRepo) GetByID(_ context.Context, id string) (*repository.SaleTransaction, error) {
	defer r.v.lock()()
	s, ok := r.v.s.data.sales[id]
	if !ok {
		return nil, errors.NotFound("sale", id)
	}
	return &s, nil
}

func (r saleRepo) update(id string, fn func(*repository.SaleTransaction)) error {
	defer r.v.lock()()
	s, ok := r.v.s.data.sales[id]
	if !ok {
		return errors.NotFound("sale", id)
	}
	fn(&s)
	s.UpdatedAt = r.v.s.now()
	r.v.s.data.sales[id] = s
	return nil
}

func (r saleRepo) Void(_ context.Context, id, voidedBy string, at time.Time, reason *string) error {
	return r.update(id, func(s *repository.SaleTransaction) {
		s.Status = repository.SaleVoided
		s.VoidedBy = &voidedBy
		s.VoidedAt = &at
		s.VoidReason = reason
	})
}

func (r saleRepo) UpdateStatus(_ context.Context, id, status string) error {
	return r.update(id, func(s *repository.SaleTransaction) { s.Status = status })
}

// ── Tanks ────────────────────────────────────────────────────────────────────

type tankRepo struct{ v *view }

func (r tankRepo) Create(_ context.Context, t *repository.Tank) error {
	defer r.v.lock()()
	if t.ID == "" {
		t.ID = r.v.s.newID()
	}
	t.UpdatedAt = r.v.s.now()
	r.v.s.data.tanks[t.ID] = *t
	return nil
}

func (r tankRepo) GetByID(_ context.Context, id string) (*repository.Tank, error) {
	defer r.v.lock()()
	t, ok := r.v.s.data.tanks[id]
	if !ok {
		return nil, errors.NotFound("tank", id)
	}
	return &t, nil
}

func (r tankRepo) GetForUpdate(ctx context.Context, id string) (*repository.Tank, error) {
	return r.GetByID(ctx, id)
}

func (r tankRepo) UpdateLevel(_ context.Context, id string, level float64) error {
	defer r.v.lock()()
	t, ok := r.v.s.data.tanks[id]
	if !ok {
		return errors.NotFound("tank", id)
	}
	t.CurrentLevel = level
	t.UpdatedAt = r.v.s.now()
	r.v.s.data.tanks[id] = t
	return nil
}

func (r tankRepo) CreateAdjustment(_ context.Context, a *repository.StockAdjustment) error {
	defer r.v.lock()()
	a.ID = r.v.s.newID()
	a.CreatedAt = r.v.s.now()
	r.v.s.data.adjustments = append(r.v.s.data.adjustments, *a)
	return nil
}

func (r tankRepo) AppendLedger(_ context.Context, e *repository.StockLedgerEntry) error {
	defer r.v.lock()()
	e.ID = r.v.s.newID()
	e.CreatedAt = r.v.s.now()
	r.v.s.data.ledger = append(r.v.s.data.ledger, *e)
	return nil
}

func (r tankRepo) ListLedger(_ context.Context, tankID string) ([]*repository.StockLedgerEntry, error) {
	defer r.v.lock()()
	var out []*repository.StockLedgerEntry
	for _, e := range r.v.s.data.ledger {
		if e.TankID == tankID {
			out = append(out, &e)
		}
	}
	return out, nil
}

// ── Shifts ───────────────────────────────────────────────────────────────────

type shiftRepo struct{ v *view }

func (r shiftRepo) Create(_ context.Context, s *repository.Shift) error {
	defer r.v.lock()()
	if s.ID == "" {
		s.ID = r.v.s.newID()
	}
	s.UpdatedAt = r.v.s.now()
	r.v.s.data.shifts[s.ID] = *s
	return nil
}

func (r shiftRepo) GetByID(_ context.Context, id string) (*repository.Shift, error) {
	defer r.v.lock()()
	s, ok := r.v.s.data.shifts[id]
	if !ok {
		return nil, errors.NotFound("shift", id)
	}
	return &s, nil
}

func (r shiftRepo) GetForUpdate(ctx context.Context, id string) (*repository.Shift, error) {
	return r.GetByID(ctx, id)
}

func (r shiftRepo) update(id string, fn func(*repository.Shift)) error {
	defer r.v.lock()()
	s, ok := r.v.s.data.shifts[id]
	if !ok {
		return errors.NotFound("shift", id)
	}
	fn(&s)
	s.UpdatedAt = r.v.s.now()
	r.v.s.data.shifts[id] = s
	return nil
}

func (r shiftRepo) Close(_ context.Context, id string, c repository.ShiftClosing) error {
	return r.update(id, func(s *repository.Shift) {
		s.Status = repository.ShiftClosed
		s.EndTime = &c.EndTime
		s.TotalSales = &c.TotalSales
		s.CashCollected = &c.CashCollected
		s.Variance = &c.Variance
		s.VarianceReason = c.VarianceReason
		s.ClosedBy = &c.ClosedBy
		s.SubmittedForApprovalAt = nil
	})
}

func (r shiftRepo) Reopen(_ context.Context, id string) error {
	return r.update(id, func(s *repository.Shift) {
		s.Status = repository.ShiftOpen
		s.SubmittedForApprovalAt = nil
	})
}

func (r shiftRepo) AddMeterReadings(_ context.Context, readings []*repository.ShiftMeterReading) error {
	defer r.v.lock()()
	now := r.v.s.now()
	for _, m := range readings {
		m.ID = r.v.s.newID()
		m.CreatedAt = now
		r.v.s.data.meterReadings = append(r.v.s.data.meterReadings, *m)
	}
	return nil
}

func (r shiftRepo) AddCashCollections(_ context.Context, collections []*repository.ShiftCashCollection) error {
	defer r.v.lock()()
	now := r.v.s.now()
	for _, c := range collections {
		c.ID = r.v.s.newID()
		c.CreatedAt = now
		r.v.s.data.cashCollections = append(r.v.s.data.cashCollections, *c)
	}
	return nil
}

func (r shiftRepo) ListMeterReadings(_ context.Context, shiftID string) ([]*repository.ShiftMeterReading, error) {
	defer r.v.lock()()
	var out []*repository.ShiftMeterReading
	for _, m := range r.v.s.data.meterReadings {
		if m.ShiftID == shiftID {
			out = append(out, &m)
		}
	}
	return out, nil
}

func (r shiftRepo) ListCashCollections(_ context.Context, shiftID string) ([]*repository.ShiftCashCollection, error) {
	defer r.v.lock()()
	var out []*repository.ShiftCashCollection
	for _, c := range r.v.s.data.cashCollections {
		if c.ShiftID == shiftID {
			out = append(out, &c)
		}
	}
	return out, nil
}
