package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-governance/internal/database"
)

// pgRepos binds every repository to one Querier: the pool or an open tx.
type pgRepos struct {
	policies    *PolicyPGRepository
	requests    *RequestPGRepository
	steps       *StepPGRepository
	audit       *AuditPGRepository
	systemAudit *SystemAuditPGRepository
	expenses    *ExpensePGRepository
	sales       *SalePGRepository
	tanks       *TankPGRepository
	shifts      *ShiftPGRepository
}

func newPGRepos(q database.Querier) *pgRepos {
	return &pgRepos{
		policies:    NewPolicyPGRepository(q),
		requests:    NewRequestPGRepository(q),
		steps:       NewStepPGRepository(q),
		audit:       NewAuditPGRepository(q),
		systemAudit: NewSystemAuditPGRepository(q),
		expenses:    NewExpensePGRepository(q),
		sales:       NewSalePGRepository(q),
		tanks:       NewTankPGRepository(q),
		shifts:      NewShiftPGRepository(q),
	}
}

func (r *pgRepos) Policies() PolicyRepository { return r.policies }
func (r *pgRepos) Requests() RequestRepository { return r.requests }
func (r *pgRepos) Steps() StepRepository { return r.steps }
func (r *pgRepos) Audit() AuditRepository { return r.audit }
func (r *pgRepos) SystemAudit() SystemAuditRepository { return r.systemAudit }
func (r *pgRepos) Expenses() ExpenseRepository { return r.expenses }
func (r *pgRepos) Sales() SaleRepository { return r.sales }
func (r *pgRepos) Tanks() TankRepository { return r.tanks }
func (r *pgRepos) Shifts() ShiftRepository { return r.shifts }

var _ Store = (*PostgresStore)(nil)

// PostgresStore is the production Store backed by a pgx pool.
type PostgresStore struct {
	*pgRepos
	db *database.DB
}

// NewPostgresStore creates a store over an open pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{pgRepos: newPGRepos(db), db: db}
}

// InTransaction runs fn with repositories bound to a single transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(ctx, newPGRepos(tx))
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}
