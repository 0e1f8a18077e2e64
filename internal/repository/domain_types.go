package repository

import "time"

// Operational entities the governance effects write to.

const (
	ExpenseDraft           = "draft"
	ExpensePendingApproval = "pending_approval"
	ExpenseApproved        = "approved"
	ExpenseRejected        = "rejected"

	SaleCompleted = "completed"
	SaleVoided    = "voided"

	ShiftOpen            = "open"
	ShiftPendingApproval = "pending_approval"
	ShiftClosed          = "closed"

	StockMovementAdjustment = "adjustment"
)

// ExpenseEntry is a branch expense awaiting or past approval.
type ExpenseEntry struct {
	ID              string     `json:"id"`
	CompanyID       string     `json:"companyId"`
	BranchID        string     `json:"branchId"`
	Amount          float64    `json:"amount"`
	Category        string     `json:"category"`
	Description     string     `json:"description,omitempty"`
	Status          string     `json:"status"`
	ApprovedBy      *string    `json:"approvedBy,omitempty"`
	ApprovedAt      *time.Time `json:"approvedAt,omitempty"`
	RejectionReason *string    `json:"rejectionReason,omitempty"`
	CreatedBy       string     `json:"createdBy"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// SaleTransaction is a completed point-of-sale transaction.
type SaleTransaction struct {
	ID         string     `json:"id"`
	CompanyID  string     `json:"companyId"`
	BranchID   string     `json:"branchId"`
	Total      float64    `json:"total"`
	Status     string     `json:"status"`
	VoidedBy   *string    `json:"voidedBy,omitempty"`
	VoidedAt   *time.Time `json:"voidedAt,omitempty"`
	VoidReason *string    `json:"voidReason,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Tank is a fuel storage tank with a running level.
type Tank struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"companyId"`
	BranchID     string    `json:"branchId"`
	Name         string    `json:"name"`
	FuelType     string    `json:"fuelType"`
	Capacity     float64   `json:"capacity"`
	CurrentLevel float64   `json:"currentLevel"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// StockAdjustment records one approved level change on a tank.
type StockAdjustment struct {
	ID                string    `json:"id"`
	CompanyID         string    `json:"companyId"`
	BranchID          string    `json:"branchId"`
	TankID            string    `json:"tankId"`
	AdjustmentType    string    `json:"adjustmentType"`
	VolumeDelta       float64   `json:"volumeDelta"`
	PreviousLevel     float64   `json:"previousLevel"`
	NewLevel          float64   `json:"newLevel"`
	Notes             *string   `json:"notes,omitempty"`
	ApprovalRequestID *string   `json:"approvalRequestId,omitempty"`
	CreatedBy         string    `json:"createdBy"`
	CreatedAt         time.Time `json:"createdAt"`
}

// StockLedgerEntry is one movement in a tank's inventory ledger.
type StockLedgerEntry struct {
	ID            string    `json:"id"`
	CompanyID     string    `json:"companyId"`
	BranchID      string    `json:"branchId"`
	TankID        string    `json:"tankId"`
	MovementType  string    `json:"movementType"`
	Quantity      float64   `json:"quantity"`
	BalanceAfter  float64   `json:"balanceAfter"`
	ReferenceType string    `json:"referenceType"`
	ReferenceID   string    `json:"referenceId"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Shift is a cashier shift at a branch.
type Shift struct {
	ID                     string     `json:"id"`
	CompanyID              string     `json:"companyId"`
	BranchID               string     `json:"branchId"`
	Status                 string     `json:"status"`
	OpenedBy               string     `json:"openedBy"`
	StartTime              time.Time  `json:"startTime"`
	EndTime                *time.Time `json:"endTime,omitempty"`
	TotalSales             *float64   `json:"totalSales,omitempty"`
	CashCollected          *float64   `json:"cashCollected,omitempty"`
	Variance               *float64   `json:"variance,omitempty"`
	VarianceReason         *string    `json:"varianceReason,omitempty"`
	SubmittedForApprovalAt *time.Time `json:"submittedForApprovalAt,omitempty"`
	ClosedBy               *string    `json:"closedBy,omitempty"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// ShiftClosing is the set of figures written when a shift closes.
type ShiftClosing struct {
	EndTime        time.Time
	TotalSales     float64
	CashCollected  float64
	Variance       float64
	VarianceReason *string
	ClosedBy       string
}

// ShiftMeterReading is a pump meter reading recorded at close.
type ShiftMeterReading struct {
	ID             string    `json:"id"`
	ShiftID        string    `json:"shiftId"`
	PumpID         string    `json:"pumpId"`
	NozzleID       *string   `json:"nozzleId,omitempty"`
	OpeningReading float64   `json:"openingReading"`
	ClosingReading float64   `json:"closingReading"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ShiftCashCollection is a payment bucket recorded at close.
type ShiftCashCollection struct {
	ID        string    `json:"id"`
	ShiftID   string    `json:"shiftId"`
	Method    string    `json:"method"`
	Amount    float64   `json:"amount"`
	Reference *string   `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SystemAuditEntry is a row of the platform-wide audit log, written alongside
// governance decisions.
type SystemAuditEntry struct {
	ID         string         `json:"id"`
	CompanyID  string         `json:"companyId"`
	BranchID   *string        `json:"branchId,omitempty"`
	UserID     string         `json:"userId"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Details    map[string]any `json:"details,omitempty"`
	RequestID  *string        `json:"requestId,omitempty"`
	IPAddress  *string        `json:"ipAddress,omitempty"`
	UserAgent  *string        `json:"userAgent,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
