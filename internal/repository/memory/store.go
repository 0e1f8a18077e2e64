// Package memory implements repository.Store in process memory. It backs the
// service tests and DB_DRIVER=memory development runs.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-governance/internal/repository"
)

type data struct {
	policies        map[string]repository.ApprovalPolicy
	requests        map[string]repository.ApprovalRequest
	requestOrder    []string
	steps           map[string]repository.ApprovalStep
	audit           []repository.ApprovalAuditEvent
	systemAudit     []repository.SystemAuditEntry
	expenses        map[string]repository.ExpenseEntry
	sales           map[string]repository.SaleTransaction
	tanks           map[string]repository.Tank
	adjustments     []repository.StockAdjustment
	ledger          []repository.StockLedgerEntry
	shifts          map[string]repository.Shift
	meterReadings   []repository.ShiftMeterReading
	cashCollections []repository.ShiftCashCollection
}

func newData() *data {
	return &data{
		policies: make(map[string]repository.ApprovalPolicy),
		requests: make(map[string]repository.ApprovalRequest),
		steps:    make(map[string]repository.ApprovalStep),
		expenses: make(map[string]repository.ExpenseEntry),
		sales:    make(map[string]repository.SaleTransaction),
		tanks:    make(map[string]repository.Tank),
		shifts:   make(map[string]repository.Shift),
	}
}

// snapshot copies the containers. Records are stored by value and replaced
// whole on update, so a shallow copy of each container is enough to restore.
func (d *data) snapshot() *data {
	return &data{
		policies:        maps.Clone(d.policies),
		requests:        maps.Clone(d.requests),
		requestOrder:    slices.Clone(d.requestOrder),
		steps:           maps.Clone(d.steps),
		audit:           slices.Clone(d.audit),
		systemAudit:     slices.Clone(d.systemAudit),
		expenses:        maps.Clone(d.expenses),
		sales:           maps.Clone(d.sales),
		tanks:           maps.Clone(d.tanks),
		adjustments:     slices.Clone(d.adjustments),
		ledger:          slices.Clone(d.ledger),
		shifts:          maps.Clone(d.shifts),
		meterReadings:   slices.Clone(d.meterReadings),
		cashCollections: slices.Clone(d.cashCollections),
	}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is an in-memory repository.Store. Transactions are serialized on a
// single mutex and restored from a snapshot when fn fails.
type Store struct {
	*view
	mu   sync.Mutex
	data *data
	now  func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{data: newData(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.view = &view{s: s}
	return s
}

// InTransaction runs fn under the store lock. Any error, or a panic, restores
// the state from before fn ran.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.data.snapshot()
	defer func() {
		if p := recover(); p != nil {
			s.data = saved
			panic(p)
		}
		if err != nil {
			s.data = saved
		}
	}()

	return fn(ctx, &view{s: s, inTx: true})
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

func (s *Store) newID() string { return uuid.New().String() }

// view implements repository.Tx. Outside a transaction each call takes the
// store lock itself.
type view struct {
	s    *Store
	inTx bool
}

func (v *view) lock() func() {
	if v.inTx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

func (v *view) Policies() repository.PolicyRepository { return policyRepo{v} }
func (v *view) Requests() repository.RequestRepository { return requestRepo{v} }
func (v *view) Steps() repository.StepRepository { return stepRepo{v} }
func (v *view) Audit() repository.AuditRepository { return auditRepo{v} }
func (v *view) SystemAudit() repository.SystemAuditRepository { return systemAuditRepo{v} }
func (v *view) Expenses() repository.ExpenseRepository { return expenseRepo{v} }
func (v *view) Sales() repository.SaleRepository { return saleRepo{v} }
func (v *view) Tanks() repository.TankRepository { return tankRepo{v} }
func (v *view) Shifts() repository.ShiftRepository { return shiftRepo{v} }
