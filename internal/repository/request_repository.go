package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-governance/internal/database"
	"github.com/pesio-ai/be-governance/internal/errors"
)

// RequestPGRepository manages approval_requests rows.
type RequestPGRepository struct {
	db database.Querier
}

// NewRequestPGRepository creates a new RequestPGRepository.
func NewRequestPGRepository(db database.Querier) *RequestPGRepository {
	return &RequestPGRepository{db: db}
}

const requestColumns = `
	id, company_id, branch_id, entity_type, entity_id, action_type,
	status, requested_by, requested_at, reason, meta, updated_at`

// Create inserts a request.
func (r *RequestPGRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	metaJSON, err := json.Marshal(req.Meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request meta")
	}

	query := `
		INSERT INTO approval_requests
		    (company_id, branch_id, entity_type, entity_id, action_type,
		     status, requested_by, reason, meta)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
		RETURNING id, requested_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		req.CompanyID,
		req.BranchID,
		req.EntityType,
		req.EntityID,
		req.ActionType,
		req.Status,
		req.RequestedBy,
		req.Reason,
		metaJSON,
	).Scan(&req.ID, &req.RequestedAt, &req.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request by primary key.
func (r *RequestPGRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`
	return r.get(ctx, query, id)
}

// GetForUpdate retrieves a request and locks its row.
func (r *RequestPGRepository) GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1 FOR UPDATE`
	return r.get(ctx, query, id)
}

func (r *RequestPGRepository) get(ctx context.Context, query, id string) (*ApprovalRequest, error) {
	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// List returns a page of requests, newest first, and the total match count.
func (r *RequestPGRepository) List(ctx context.Context, f RequestFilter) ([]*ApprovalRequest, int64, error) {
	where := `
		WHERE company_id = $1
		  AND ($2::text IS NULL OR branch_id = $2)
		  AND ($3::text IS NULL OR status = $3)
		  AND ($4::text IS NULL OR entity_type = $4)
		  AND ($5::text IS NULL OR action_type = $5)
		  AND ($6::text IS NULL OR entity_id = $6)
		  AND ($7::text IS NULL OR requested_by = $7)
	`

	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}
	args := []any{f.CompanyID, f.BranchID, status, f.EntityType, f.ActionType, f.EntityID, f.RequestedBy}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM approval_requests `+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approval requests")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + requestColumns + ` FROM approval_requests ` + where +
		` ORDER BY requested_at DESC LIMIT $8 OFFSET $9`

	rows, err := r.db.Query(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		out = append(out, req)
	}
	return out, total, rows.Err()
}

// MarkSubmitted moves a request to submitted and stores the frozen meta.
func (r *RequestPGRepository) MarkSubmitted(ctx context.Context, id string, meta RequestMeta) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request meta")
	}

	query := `
		UPDATE approval_requests
		SET status = $2, meta = $3, updated_at = NOW()
		WHERE id = $1
	`
	return r.exec(ctx, id, query, id, RequestSubmitted, metaJSON)
}

// UpdateStatus sets the request status.
func (r *RequestPGRepository) UpdateStatus(ctx context.Context, id string, status RequestStatus) error {
	query := `
		UPDATE approval_requests
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`
	return r.exec(ctx, id, query, id, status)
}

func (r *RequestPGRepository) exec(ctx context.Context, id, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_request", id)
	}
	return nil
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var metaJSON []byte

	err := row.Scan(
		&req.ID,
		&req.CompanyID,
		&req.BranchID,
		&req.EntityType,
		&req.EntityID,
		&req.ActionType,
		&req.Status,
		&req.RequestedBy,
		&req.RequestedAt,
		&req.Reason,
		&metaJSON,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &req.Meta); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal request meta")
		}
	}
	return req, nil
}
