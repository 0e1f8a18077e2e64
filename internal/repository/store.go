package repository

import (
	"context"
	"time"
)

// PolicyRepository persists approval policies.
type PolicyRepository interface {
	Create(ctx context.Context, p *ApprovalPolicy) error
	Update(ctx context.Context, p *ApprovalPolicy) error
	GetByID(ctx context.Context, id string) (*ApprovalPolicy, error)
	List(ctx context.Context, companyID string, filter PolicyFilter) ([]*ApprovalPolicy, error)
	// ListCandidates returns enabled policies for the company and action,
	// regardless of branch. Branch and threshold matching is the resolver's job.
	ListCandidates(ctx context.Context, companyID, entityType, actionType string) ([]*ApprovalPolicy, error)
}

// RequestRepository persists approval requests.
type RequestRepository interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*ApprovalRequest, error)
	// GetForUpdate reads the request and holds its row lock until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error)
	List(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, int64, error)
	MarkSubmitted(ctx context.Context, id string, meta RequestMeta) error
	UpdateStatus(ctx context.Context, id string, status RequestStatus) error
}

// StepRepository persists materialized approval steps.
type StepRepository interface {
	CreateBatch(ctx context.Context, steps []*ApprovalStep) error
	ListByRequest(ctx context.Context, requestID string) ([]*ApprovalStep, error)
	// CurrentPending returns the lowest-ordered pending step, or nil when none
	// remains.
	CurrentPending(ctx context.Context, requestID string) (*ApprovalStep, error)
	Decide(ctx context.Context, stepID string, status StepStatus, decidedBy string, decidedAt time.Time, reason *string) error
	CountPending(ctx context.Context, requestID string) (int, error)
	SkipPending(ctx context.Context, requestID string) (int64, error)
}

// AuditRepository is the append-only governance trail.
type AuditRepository interface {
	Append(ctx context.Context, ev *ApprovalAuditEvent) error
	ListByRequest(ctx context.Context, requestID string) ([]*ApprovalAuditEvent, error)
}

// SystemAuditRepository is the append-only platform audit log.
type SystemAuditRepository interface {
	Append(ctx context.Context, e *SystemAuditEntry) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*SystemAuditEntry, error)
}

type ExpenseRepository interface {
	Create(ctx context.Context, e *ExpenseEntry) error
	GetByID(ctx context.Context, id string) (*ExpenseEntry, error)
	GetForUpdate(ctx context.Context, id string) (*ExpenseEntry, error)
	UpdateStatus(ctx context.Context, id, status string) error
	Approve(ctx context.Context, id, approvedBy string, at time.Time) error
	Reject(ctx context.Context, id, reason string) error
}

type SaleRepository interface {
	Create(ctx context.Context, s *SaleTransaction) error
	GetByID(ctx context.Context, id string) (*SaleTransaction, error)
	Void(ctx context.Context, id, voidedBy string, at time.Time, reason *string) error
	UpdateStatus(ctx context.Context, id, status string) error
}

type TankRepository interface {
	Create(ctx context.Context, t *Tank) error
	GetByID(ctx context.Context, id string) (*Tank, error)
	GetForUpdate(ctx context.Context, id string) (*Tank, error)
	UpdateLevel(ctx context.Context, id string, level float64) error
	CreateAdjustment(ctx context.Context, a *StockAdjustment) error
	AppendLedger(ctx context.Context, e *StockLedgerEntry) error
	ListLedger(ctx context.Context, tankID string) ([]*StockLedgerEntry, error)
}

type ShiftRepository interface {
	Create(ctx context.Context, s *Shift) error
	GetByID(ctx context.Context, id string) (*Shift, error)
	GetForUpdate(ctx context.Context, id string) (*Shift, error)
	Close(ctx context.Context, id string, c ShiftClosing) error
	Reopen(ctx context.Context, id string) error
	AddMeterReadings(ctx context.Context, readings []*ShiftMeterReading) error
	AddCashCollections(ctx context.Context, collections []*ShiftCashCollection) error
	ListMeterReadings(ctx context.Context, shiftID string) ([]*ShiftMeterReading, error)
	ListCashCollections(ctx context.Context, shiftID string) ([]*ShiftCashCollection, error)
}

// Tx groups the repositories of one unit of work. Outside a transaction the
// same set runs against the connection pool.
type Tx interface {
	Policies() PolicyRepository
	Requests() RequestRepository
	Steps() StepRepository
	Audit() AuditRepository
	SystemAudit() SystemAuditRepository
	Expenses() ExpenseRepository
	Sales() SaleRepository
	Tanks() TankRepository
	Shifts() ShiftRepository
}

// Store is the storage entry point. InTransaction commits when fn returns nil
// and rolls every write back otherwise.
type Store interface {
	Tx
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}
