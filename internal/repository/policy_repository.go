package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-governance/internal/database"
	"github.com/pesio-ai/be-governance/internal/errors"
)

// PolicyPGRepository handles CRUD for approval_policies.
type PolicyPGRepository struct {
	db database.Querier
}

// NewPolicyPGRepository creates a new PolicyPGRepository.
func NewPolicyPGRepository(db database.Querier) *PolicyPGRepository {
	return &PolicyPGRepository{db: db}
}

const policyColumns = `
	id, company_id, branch_id, entity_type, action_type,
	threshold_amount, threshold_pct, condition_expr,
	approval_steps, is_enabled,
	created_by, updated_by, created_at, updated_at`

// Create inserts a new policy.
func (r *PolicyPGRepository) Create(ctx context.Context, p *ApprovalPolicy) error {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval steps")
	}

	query := `
		INSERT INTO approval_policies
		    (company_id, branch_id, entity_type, action_type,
		     threshold_amount, threshold_pct, condition_expr,
		     approval_steps, is_enabled, created_by, updated_by)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10, $10)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		p.CompanyID,
		p.BranchID,
		p.EntityType,
		p.ActionType,
		p.ThresholdAmount,
		p.ThresholdPct,
		p.ConditionExpr,
		stepsJSON,
		p.IsEnabled,
		p.CreatedBy,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval policy")
	}
	p.UpdatedBy = p.CreatedBy
	return nil
}

// Update persists changes to an existing policy. Company and the governed
// action are immutable.
func (r *PolicyPGRepository) Update(ctx context.Context, p *ApprovalPolicy) error {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval steps")
	}

	query := `
		UPDATE approval_policies
		SET branch_id        = $2,
		    threshold_amount = $3,
		    threshold_pct    = $4,
		    condition_expr   = $5,
		    approval_steps   = $6,
		    is_enabled       = $7,
		    updated_by       = $8,
		    updated_at       = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		p.ID,
		p.BranchID,
		p.ThresholdAmount,
		p.ThresholdPct,
		p.ConditionExpr,
		stepsJSON,
		p.IsEnabled,
		p.UpdatedBy,
	).Scan(&p.UpdatedAt)
	if isNoRows(err) {
		return errors.NotFound("approval_policy", p.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval policy")
	}
	return nil
}

// GetByID retrieves a policy by primary key.
func (r *PolicyPGRepository) GetByID(ctx context.Context, id string) (*ApprovalPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM approval_policies WHERE id = $1`

	p, err := scanPolicy(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("approval_policy", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval policy")
	}
	return p, nil
}

// List returns the company's policies, newest first.
func (r *PolicyPGRepository) List(ctx context.Context, companyID string, filter PolicyFilter) ([]*ApprovalPolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM approval_policies
		WHERE company_id = $1
		  AND ($2::text IS NULL OR entity_type = $2)
		  AND ($3::text IS NULL OR action_type = $3)
	`
	if filter.EnabledOnly {
		query += " AND is_enabled = TRUE"
	}
	query += " ORDER BY updated_at DESC"

	return r.queryPolicies(ctx, query, companyID, filter.EntityType, filter.ActionType)
}

// ListCandidates returns enabled policies for an action across all branches.
func (r *PolicyPGRepository) ListCandidates(ctx context.Context, companyID, entityType, actionType string) ([]*ApprovalPolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM approval_policies
		WHERE company_id = $1
		  AND entity_type = $2
		  AND action_type = $3
		  AND is_enabled = TRUE
		ORDER BY updated_at DESC
	`
	return r.queryPolicies(ctx, query, companyID, entityType, actionType)
}

func (r *PolicyPGRepository) queryPolicies(ctx context.Context, query string, args ...any) ([]*ApprovalPolicy, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval policies")
	}
	defer rows.Close()

	var policies []*ApprovalPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval policy")
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanPolicy(row rowScanner) (*ApprovalPolicy, error) {
	p := &ApprovalPolicy{}
	var stepsJSON []byte

	err := row.Scan(
		&p.ID,
		&p.CompanyID,
		&p.BranchID,
		&p.EntityType,
		&p.ActionType,
		&p.ThresholdAmount,
		&p.ThresholdPct,
		&p.ConditionExpr,
		&stepsJSON,
		&p.IsEnabled,
		&p.CreatedBy,
		&p.UpdatedBy,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &p.Steps); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval steps")
		}
	}
	return p, nil
}
