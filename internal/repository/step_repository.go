package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-governance/internal/database"
	"github.com/pesio-ai/be-governance/internal/errors"
)

// StepPGRepository handles approval_steps. Steps are created together with
// the submit transition and decided one at a time afterwards.
type StepPGRepository struct {
	db database.Querier
}

// NewStepPGRepository creates a new StepPGRepository.
func NewStepPGRepository(db database.Querier) *StepPGRepository {
	return &StepPGRepository{db: db}
}

const stepColumns = `
	id, approval_request_id, step_order, required_role, required_permission,
	status, decided_by, decided_at, decision_reason, created_at`

// CreateBatch inserts the steps in order.
func (r *StepPGRepository) CreateBatch(ctx context.Context, steps []*ApprovalStep) error {
	query := `
		INSERT INTO approval_steps
		    (approval_request_id, step_order, required_role, required_permission, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	for _, s := range steps {
		err := r.db.QueryRow(ctx, query,
			s.ApprovalRequestID,
			s.StepOrder,
			s.RequiredRole,
			s.RequiredPermission,
			s.Status,
		).Scan(&s.ID, &s.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
		}
	}
	return nil
}

// ListByRequest returns all steps for a request ordered by step_order.
func (r *StepPGRepository) ListByRequest(ctx context.Context, requestID string) ([]*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE approval_request_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	var steps []*ApprovalStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// CurrentPending returns the lowest-ordered pending step, or nil.
func (r *StepPGRepository) CurrentPending(ctx context.Context, requestID string) (*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE approval_request_id = $1 AND status = 'pending'
		ORDER BY step_order ASC
		LIMIT 1
	`

	s, err := scanStep(r.db.QueryRow(ctx, query, requestID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get current approval step")
	}
	return s, nil
}

// Decide records a decision on a pending step.
func (r *StepPGRepository) Decide(ctx context.Context, stepID string, status StepStatus, decidedBy string, decidedAt time.Time, reason *string) error {
	query := `
		UPDATE approval_steps
		SET status          = $2,
		    decided_by      = $3,
		    decided_at      = $4,
		    decision_reason = $5
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, stepID, status, decidedBy, decidedAt, reason)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record step decision")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("approval step is no longer pending")
	}
	return nil
}

// CountPending returns the number of pending steps left on a request.
func (r *StepPGRepository) CountPending(ctx context.Context, requestID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM approval_steps WHERE approval_request_id = $1 AND status = 'pending'`,
		requestID,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count pending steps")
	}
	return n, nil
}

// SkipPending marks every pending step of a request skipped.
func (r *StepPGRepository) SkipPending(ctx context.Context, requestID string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE approval_steps SET status = 'skipped' WHERE approval_request_id = $1 AND status = 'pending'`,
		requestID,
	)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to skip pending steps")
	}
	return tag.RowsAffected(), nil
}

func scanStep(row rowScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.ApprovalRequestID,
		&s.StepOrder,
		&s.RequiredRole,
		&s.RequiredPermission,
		&s.Status,
		&s.DecidedBy,
		&s.DecidedAt,
		&s.DecisionReason,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
