// Package effect applies the domain consequences of a finished approval. Each
// governed (entity type, action type) pair registers one Handler; the decision
// engine calls Registry.Apply exactly once per terminal transition, inside the
// same transaction that recorded the final decision.
package effect

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-governance/internal/auth"
	"github.com/pesio-ai/be-governance/internal/logger"
	"github.com/pesio-ai/be-governance/internal/repository"
)

// Key identifies a governed action.
type Key struct {
	EntityType string
	ActionType string
}

func (k Key) String() string { return k.EntityType + "/" + k.ActionType }

// Outcome is the terminal result of a request.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Decision carries the final step's decision into a handler.
type Decision struct {
	Outcome   Outcome
	DecidedBy string
	DecidedAt time.Time
	Reason    *string
}

// Handler applies the effect of one governed action.
type Handler interface {
	Apply(ctx context.Context, tx repository.Tx, req *repository.ApprovalRequest, d Decision) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx repository.Tx, req *repository.ApprovalRequest, d Decision) error

func (f HandlerFunc) Apply(ctx context.Context, tx repository.Tx, req *repository.ApprovalRequest, d Decision) error {
	return f(ctx, tx, req, d)
}

// Registry maps governed actions to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Key]Handler
	log      *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		handlers: make(map[Key]Handler),
		log:      log.Component("effects"),
	}
}

// Register installs h for key, replacing any previous handler.
func (r *Registry) Register(key Key, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Get returns the handler for key, or nil.
func (r *Registry) Get(key Key) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[key]
}

// Has reports whether key has a handler.
func (r *Registry) Has(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[key]
	return ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Apply runs the handler registered for the request's action. Unregistered
// actions are a no-op.
func (r *Registry) Apply(ctx context.Context, tx repository.Tx, req *repository.ApprovalRequest, d Decision) error {
	key := Key{EntityType: req.EntityType, ActionType: req.ActionType}
	h := r.Get(key)
	if h == nil {
		r.log.Warn().
			Str("request_id", req.ID).
			Str("effect", key.String()).
			Str("outcome", string(d.Outcome)).
			Msg("no effect handler registered, skipping")
		return nil
	}

	if err := h.Apply(ctx, tx, req, d); err != nil {
		return err
	}

	r.log.Info().
		Str("request_id", req.ID).
		Str("effect", key.String()).
		Str("outcome", string(d.Outcome)).
		Msg("effect applied")
	return nil
}

// RegisterDefaults installs the built-in handlers.
func RegisterDefaults(r *Registry) {
	r.Register(Key{repository.EntityExpenseEntry, repository.ActionApprove}, HandlerFunc(applyExpense))
	r.Register(Key{repository.EntitySaleTransaction, repository.ActionVoid}, HandlerFunc(applySaleVoid))
	r.Register(Key{repository.EntityStockAdjustment, repository.ActionApprove}, HandlerFunc(applyStockAdjustment))
	r.Register(Key{repository.EntityShift, repository.ActionCloseVariance}, HandlerFunc(applyShiftClose))
}

// writeAudit appends a system audit entry for the request's entity inside tx.
func writeAudit(ctx context.Context, tx repository.Tx, req *repository.ApprovalRequest, d Decision, entityType, entityID, action string, details map[string]any) error {
	info := auth.RequestInfoFromContext(ctx)
	branch := req.BranchID

	if details == nil {
		details = map[string]any{}
	}
	details["approvalRequestId"] = req.ID
	if d.Reason != nil {
		details["reason"] = *d.Reason
	}

	return tx.SystemAudit().Append(ctx, &repository.SystemAuditEntry{
		CompanyID:  req.CompanyID,
		BranchID:   &branch,
		UserID:     d.DecidedBy,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		RequestID:  nonEmpty(info.RequestID),
		IPAddress:  nonEmpty(info.IPAddress),
		UserAgent:  nonEmpty(info.UserAgent),
	})
}

func outcomeAction(prefix string, o Outcome) string {
	if o == OutcomeApproved {
		return prefix + ".governance_approved"
	}
	return prefix + ".governance_rejected"
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
