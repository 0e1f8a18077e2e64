package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-governance/internal/database"
	"github.com/pesio-ai/be-governance/internal/errors"
)

// AuditPGRepository appends and reads approval_audit_events. The table has a
// trigger rejecting UPDATE and DELETE, so Append is the only mutation.
type AuditPGRepository struct {
	db database.Querier
}

// NewAuditPGRepository creates a new AuditPGRepository.
func NewAuditPGRepository(db database.Querier) *AuditPGRepository {
	return &AuditPGRepository{db: db}
}

// Append inserts one audit event.
func (r *AuditPGRepository) Append(ctx context.Context, ev *ApprovalAuditEvent) error {
	payloadJSON, err := marshalObject(ev.Payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit payload")
	}

	query := `
		INSERT INTO approval_audit_events
		    (approval_request_id, event_type, actor_user_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err = r.db.QueryRow(ctx, query,
		ev.ApprovalRequestID,
		ev.EventType,
		ev.ActorUserID,
		payloadJSON,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit event")
	}
	return nil
}

// ListByRequest returns the trail of a request in insertion order.
func (r *AuditPGRepository) ListByRequest(ctx context.Context, requestID string) ([]*ApprovalAuditEvent, error) {
	query := `
		SELECT id, approval_request_id, event_type, actor_user_id, payload, created_at
		FROM approval_audit_events
		WHERE approval_request_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit trail")
	}
	defer rows.Close()

	var events []*ApprovalAuditEvent
	for rows.Next() {
		ev := &ApprovalAuditEvent{}
		var payloadJSON []byte
		if err := rows.Scan(&ev.ID, &ev.ApprovalRequestID, &ev.EventType, &ev.ActorUserID, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit event")
		}
		if err := unmarshalObject(payloadJSON, &ev.Payload); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit payload")
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ── system audit log ─────────────────────────────────────────────────────────

// SystemAuditPGRepository appends platform-wide audit entries.
type SystemAuditPGRepository struct {
	db database.Querier
}

// NewSystemAuditPGRepository creates a new SystemAuditPGRepository.
func NewSystemAuditPGRepository(db database.Querier) *SystemAuditPGRepository {
	return &SystemAuditPGRepository{db: db}
}

// Append inserts one entry.
func (r *SystemAuditPGRepository) Append(ctx context.Context, e *SystemAuditEntry) error {
	detailsJSON, err := marshalObject(e.Details)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit details")
	}

	query := `
		INSERT INTO system_audit_log
		    (company_id, branch_id, user_id, action, entity_type, entity_id,
		     details, request_id, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10)
		RETURNING id, created_at
	`

	err = r.db.QueryRow(ctx, query,
		e.CompanyID,
		e.BranchID,
		e.UserID,
		e.Action,
		e.EntityType,
		e.EntityID,
		detailsJSON,
		e.RequestID,
		e.IPAddress,
		e.UserAgent,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append system audit entry")
	}
	return nil
}

// ListByEntity returns entries for one entity, oldest first.
func (r *SystemAuditPGRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]*SystemAuditEntry, error) {
	query := `
		SELECT id, company_id, branch_id, user_id, action, entity_type, entity_id,
		       details, request_id, ip_address, user_agent, created_at
		FROM system_audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list system audit entries")
	}
	defer rows.Close()

	return scanSystemAuditRows(rows)
}

func scanSystemAuditRows(rows pgx.Rows) ([]*SystemAuditEntry, error) {
	var entries []*SystemAuditEntry
	for rows.Next() {
		e := &SystemAuditEntry{}
		var detailsJSON []byte
		err := rows.Scan(
			&e.ID,
			&e.CompanyID,
			&e.BranchID,
			&e.UserID,
			&e.Action,
			&e.EntityType,
			&e.EntityID,
			&detailsJSON,
			&e.RequestID,
			&e.IPAddress,
			&e.UserAgent,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan system audit entry")
		}
		if err := unmarshalObject(detailsJSON, &e.Details); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit details")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// marshalObject renders a nil map as an empty JSON object.
func marshalObject(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalObject(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
