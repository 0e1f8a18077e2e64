package repository

import (
	"sort"
	"time"

	"github.com/pesio-ai/be-governance/internal/errors"
)

// ── Governed actions ─────────────────────────────────────────────────────────

const (
	EntityExpenseEntry    = "expense_entry"
	EntitySaleTransaction = "sale_transaction"
	EntityStockAdjustment = "stock_adjustment"
	EntityShift           = "shift"

	ActionApprove       = "approve"
	ActionVoid          = "void"
	ActionCloseVariance = "close_variance"
)

// ── Statuses ─────────────────────────────────────────────────────────────────

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	RequestDraft     RequestStatus = "draft"
	RequestSubmitted RequestStatus = "submitted"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further decisions are possible.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected || s == RequestCancelled
}

// StepStatus is the state of one materialized approval step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
)

// Audit event types written to the governance trail.
const (
	EventDraftCreated = "draft_created"
	EventSubmitted    = "submitted"
	EventStepApproved = "step_approved"
	EventStepRejected = "step_rejected"
	EventCancelled    = "cancelled"
)

// ── Policies ─────────────────────────────────────────────────────────────────

// PolicyStep is one entry in a policy's approval_steps JSONB array. The same
// shape is frozen into a request's meta on submission.
type PolicyStep struct {
	StepOrder          int     `json:"stepOrder"`
	RequiredRole       *string `json:"requiredRole,omitempty"`
	RequiredPermission *string `json:"requiredPermission,omitempty"`
	DueHours           *int    `json:"dueHours,omitempty"`
	AllowSelfApproval  bool    `json:"allowSelfApproval,omitempty"`
}

// NormalizeSteps returns a copy of steps sorted by StepOrder, rejecting
// duplicates and non-positive orders.
func NormalizeSteps(steps []PolicyStep) ([]PolicyStep, error) {
	out := make([]PolicyStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })

	for i, s := range out {
		if s.StepOrder < 1 {
			return nil, errors.InvalidInput("steps", "stepOrder must be positive")
		}
		if i > 0 && out[i-1].StepOrder == s.StepOrder {
			return nil, errors.InvalidInput("steps", "stepOrder values must be unique")
		}
		if s.DueHours != nil && *s.DueHours < 0 {
			return nil, errors.InvalidInput("steps", "dueHours cannot be negative")
		}
	}
	return out, nil
}

// ApprovalPolicy is a governance rule for one (company, branch|global,
// entity type, action type).
type ApprovalPolicy struct {
	ID              string       `json:"id"`
	CompanyID       string       `json:"companyId"`
	BranchID        *string      `json:"branchId,omitempty"` // nil = company-wide
	EntityType      string       `json:"entityType"`
	ActionType      string       `json:"actionType"`
	ThresholdAmount *float64     `json:"thresholdAmount,omitempty"`
	ThresholdPct    *float64     `json:"thresholdPct,omitempty"`
	ConditionExpr   *string      `json:"conditionExpr,omitempty"`
	Steps           []PolicyStep `json:"steps"`
	IsEnabled       bool         `json:"isEnabled"`
	CreatedBy       *string      `json:"createdBy,omitempty"`
	UpdatedBy       *string      `json:"updatedBy,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// PolicyFilter narrows a policy listing.
type PolicyFilter struct {
	EntityType  *string
	ActionType  *string
	EnabledOnly bool
}

// ── Requests ─────────────────────────────────────────────────────────────────

// ExpenseMeta carries expense context for display and audit.
type ExpenseMeta struct {
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

// SaleVoidMeta carries the reason recorded on the voided sale.
type SaleVoidMeta struct {
	VoidReason string `json:"voidReason,omitempty"`
}

// StockAdjustmentMeta is the adjustment posted when the request is approved.
type StockAdjustmentMeta struct {
	TankID         string  `json:"tankId"`
	VolumeDelta    float64 `json:"volumeDelta"`
	AdjustmentType string  `json:"adjustmentType,omitempty"`
	Notes          *string `json:"notes,omitempty"`
}

// MeterReadingInput is a closing meter reading captured at shift close.
type MeterReadingInput struct {
	PumpID         string  `json:"pumpId"`
	NozzleID       *string `json:"nozzleId,omitempty"`
	OpeningReading float64 `json:"openingReading"`
	ClosingReading float64 `json:"closingReading"`
}

// CashCollectionInput is one collected payment bucket captured at shift close.
type CashCollectionInput struct {
	Method    string  `json:"method"`
	Amount    float64 `json:"amount"`
	Reference *string `json:"reference,omitempty"`
}

// ShiftCloseMeta freezes the closing figures submitted with a variance.
type ShiftCloseMeta struct {
	EndTime         time.Time             `json:"endTime"`
	TotalSales      float64               `json:"totalSales"`
	CashCollected   float64               `json:"cashCollected"`
	Variance        float64               `json:"variance"`
	VarianceReason  *string               `json:"varianceReason,omitempty"`
	MeterReadings   []MeterReadingInput   `json:"meterReadings,omitempty"`
	CashCollections []CashCollectionInput `json:"cashCollections,omitempty"`
}

// RequestMeta is the request's meta JSONB column. The variant pointers form a
// tagged union keyed by the request's entity type; at most the one matching
// the entity type may be set.
type RequestMeta struct {
	Amount      *float64     `json:"amount,omitempty"`
	Percentage  *float64     `json:"percentage,omitempty"`
	PolicyID    *string      `json:"policyId,omitempty"`
	PolicySteps []PolicyStep `json:"policySteps,omitempty"`
	SubmittedAt *time.Time   `json:"submittedAt,omitempty"`

	Expense         *ExpenseMeta         `json:"expense,omitempty"`
	SaleVoid        *SaleVoidMeta        `json:"saleVoid,omitempty"`
	StockAdjustment *StockAdjustmentMeta `json:"stockAdjustment,omitempty"`
	ShiftClose      *ShiftCloseMeta      `json:"shiftClose,omitempty"`
}

// Validate checks the variant against the entity type.
func (m RequestMeta) Validate(entityType string) error {
	variants := map[string]bool{
		EntityExpenseEntry:    m.Expense != nil,
		EntitySaleTransaction: m.SaleVoid != nil,
		EntityStockAdjustment: m.StockAdjustment != nil,
		EntityShift:           m.ShiftClose != nil,
	}
	for variant, set := range variants {
		if set && variant != entityType {
			return errors.InvalidInput("meta", "payload for "+variant+" does not match entity type "+entityType)
		}
	}

	switch entityType {
	case EntityStockAdjustment:
		if m.StockAdjustment == nil || m.StockAdjustment.TankID == "" {
			return errors.InvalidInput("meta.stockAdjustment", "tankId is required")
		}
	case EntityShift:
		if m.ShiftClose == nil {
			return errors.InvalidInput("meta.shiftClose", "closing figures are required")
		}
	}

	if m.Amount != nil && *m.Amount < 0 {
		return errors.InvalidInput("amount", "cannot be negative")
	}
	return nil
}

// SnapshotStep returns the frozen policy step with the given order.
func (m RequestMeta) SnapshotStep(order int) (PolicyStep, bool) {
	for _, s := range m.PolicySteps {
		if s.StepOrder == order {
			return s, true
		}
	}
	return PolicyStep{}, false
}

// ApprovalRequest is one gated action awaiting approval.
type ApprovalRequest struct {
	ID          string        `json:"id"`
	CompanyID   string        `json:"companyId"`
	BranchID    string        `json:"branchId"`
	EntityType  string        `json:"entityType"`
	EntityID    string        `json:"entityId"`
	ActionType  string        `json:"actionType"`
	Status      RequestStatus `json:"status"`
	RequestedBy string        `json:"requestedBy"`
	RequestedAt time.Time     `json:"requestedAt"`
	Reason      *string       `json:"reason,omitempty"`
	Meta        RequestMeta   `json:"meta"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// RequestFilter narrows a request listing. CompanyID is always applied.
type RequestFilter struct {
	CompanyID   string
	BranchID    *string
	Status      *RequestStatus
	EntityType  *string
	ActionType  *string
	EntityID    *string
	RequestedBy *string
	Limit       int
	Offset      int
}

// ApprovalStep is one materialized step of a submitted request.
type ApprovalStep struct {
	ID                 string     `json:"id"`
	ApprovalRequestID  string     `json:"approvalRequestId"`
	StepOrder          int        `json:"stepOrder"`
	RequiredRole       *string    `json:"requiredRole,omitempty"`
	RequiredPermission *string    `json:"requiredPermission,omitempty"`
	Status             StepStatus `json:"status"`
	DecidedBy          *string    `json:"decidedBy,omitempty"`
	DecidedAt          *time.Time `json:"decidedAt,omitempty"`
	DecisionReason     *string    `json:"decisionReason,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// ApprovalAuditEvent is one immutable record of the governance trail.
type ApprovalAuditEvent struct {
	ID                string         `json:"id"`
	ApprovalRequestID string         `json:"approvalRequestId"`
	EventType         string         `json:"eventType"`
	ActorUserID       string         `json:"actorUserId"`
	Payload           map[string]any `json:"payload,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}
