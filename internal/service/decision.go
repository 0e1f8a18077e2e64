package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-governance/internal/auth"
	"github.com/pesio-ai/be-governance/internal/effect"
	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/repository"
	"github.com/pesio-ai/be-governance/internal/tracing"
)

// DecisionAction is what an approver does with the current step.
type DecisionAction string

const (
	DecisionApprove DecisionAction = "approve"
	DecisionReject  DecisionAction = "reject"
)

// Approve approves the request's current step.
func (s *ApprovalService) Approve(ctx context.Context, requestID string, reason *string, actor auth.Actor) (*RequestView, error) {
	return s.Decide(ctx, requestID, DecisionApprove, reason, actor)
}

// Reject rejects the request's current step, which rejects the request.
func (s *ApprovalService) Reject(ctx context.Context, requestID string, reason *string, actor auth.Actor) (*RequestView, error) {
	return s.Decide(ctx, requestID, DecisionReject, reason, actor)
}

// Decide records a decision on the lowest-ordered pending step. A rejection
// ends the request at once; later steps stay pending and are never decided.
// When the request reaches a terminal status the registered effect runs in
// the same transaction, so a failing effect rolls the decision back.
func (s *ApprovalService) Decide(ctx context.Context, requestID string, action DecisionAction, reason *string, actor auth.Actor) (view *RequestView, err error) {
	ctx, span := tracing.StartSpan(ctx, "ApprovalService.Decide", map[string]string{
		"approval.request_id": requestID,
		"approval.action":     string(action),
	})
	defer func() { tracing.EndSpan(span, err) }()

	if action != DecisionApprove && action != DecisionReject {
		return nil, errors.InvalidInput("action", fmt.Sprintf("unknown decision %q", action))
	}
	if !s.settings.Enabled {
		return nil, errors.Forbidden("governance is disabled")
	}

	var (
		decided *repository.ApprovalRequest
		step    *repository.ApprovalStep
	)
	err = s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := s.lockRequest(ctx, tx, requestID, actor)
		if err != nil {
			return err
		}
		if req.Status != repository.RequestSubmitted {
			return errors.Conflict("approval request is not awaiting a decision")
		}

		step, err = tx.Steps().CurrentPending(ctx, req.ID)
		if err != nil {
			return err
		}
		if step == nil {
			return errors.Conflict("no pending step")
		}

		if err := checkGates(req, step, action, actor); err != nil {
			return err
		}

		now := s.now()
		stepStatus := repository.StepApproved
		if action == DecisionReject {
			stepStatus = repository.StepRejected
		}
		if err := tx.Steps().Decide(ctx, step.ID, stepStatus, actor.UserID, now, reason); err != nil {
			return err
		}

		remaining, err := tx.Steps().CountPending(ctx, req.ID)
		if err != nil {
			return err
		}
		status := repository.RequestApproved
		switch {
		case action == DecisionReject:
			status = repository.RequestRejected
		case remaining > 0:
			status = repository.RequestSubmitted
		}
		if err := tx.Requests().UpdateStatus(ctx, req.ID, status); err != nil {
			return err
		}

		eventType := repository.EventStepApproved
		if action == DecisionReject {
			eventType = repository.EventStepRejected
		}
		payload := map[string]any{
			"stepId":        step.ID,
			"stepOrder":     step.StepOrder,
			"requestStatus": string(status),
			"reason":        nil,
		}
		if reason != nil {
			payload["reason"] = *reason
		}
		if err := tx.Audit().Append(ctx, &repository.ApprovalAuditEvent{
			ApprovalRequestID: req.ID,
			EventType:         eventType,
			ActorUserID:       actor.UserID,
			Payload:           payload,
		}); err != nil {
			return err
		}

		if status.Terminal() {
			outcome := effect.OutcomeApproved
			if status == repository.RequestRejected {
				outcome = effect.OutcomeRejected
			}
			if err := s.registry.Apply(ctx, tx, req, effect.Decision{
				Outcome:   outcome,
				DecidedBy: actor.UserID,
				DecidedAt: now,
				Reason:    reason,
			}); err != nil {
				return err
			}
		}

		decided = req
		decided.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", decided.ID).
		Int("step_order", step.StepOrder).
		Str("action", string(action)).
		Str("status", string(decided.Status)).
		Str("decided_by", actor.UserID).
		Msg("Approval step decided")

	s.recordDecision(ctx, decided, step, action, reason, actor)

	eventType := repository.EventStepApproved
	if action == DecisionReject {
		eventType = repository.EventStepRejected
	}
	s.publish(ctx, eventType, decided, actor, step.StepOrder, reason)

	return s.Get(ctx, decided.ID, actor)
}

// checkGates applies maker-checker, then the permission gate, then the role
// gate. Rejections by the requester are always allowed past maker-checker.
func checkGates(req *repository.ApprovalRequest, step *repository.ApprovalStep, action DecisionAction, actor auth.Actor) error {
	if action == DecisionApprove && actor.UserID == req.RequestedBy {
		snap, _ := req.Meta.SnapshotStep(step.StepOrder)
		if !snap.AllowSelfApproval {
			return errors.Forbidden("requester cannot approve their own request")
		}
	}
	if step.RequiredPermission != nil && !actor.HasPermission(*step.RequiredPermission) {
		return errors.Forbidden(fmt.Sprintf("missing required permission: %s", *step.RequiredPermission))
	}
	if step.RequiredRole != nil && !actor.HasRole(*step.RequiredRole) {
		return errors.Forbidden(fmt.Sprintf("step requires role: %s", *step.RequiredRole))
	}
	return nil
}

// recordDecision writes the platform audit entry for a committed decision.
// Failures are logged only.
func (s *ApprovalService) recordDecision(ctx context.Context, req *repository.ApprovalRequest, step *repository.ApprovalStep, action DecisionAction, reason *string, actor auth.Actor) {
	info := auth.RequestInfoFromContext(ctx)
	branch := req.BranchID

	actionName := "approval.step_approved"
	if action == DecisionReject {
		actionName = "approval.step_rejected"
	}
	details := map[string]any{
		"stepId":        step.ID,
		"stepOrder":     step.StepOrder,
		"requestStatus": string(req.Status),
		"entityType":    req.EntityType,
		"entityId":      req.EntityID,
		"actionType":    req.ActionType,
	}
	if reason != nil {
		details["reason"] = *reason
	}

	err := s.store.SystemAudit().Append(ctx, &repository.SystemAuditEntry{
		CompanyID:  req.CompanyID,
		BranchID:   &branch,
		UserID:     actor.UserID,
		Action:     actionName,
		EntityType: "approval_request",
		EntityID:   req.ID,
		Details:    details,
		RequestID:  optional(info.RequestID),
		IPAddress:  optional(info.IPAddress),
		UserAgent:  optional(info.UserAgent),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", req.ID).Msg("failed to write system audit entry (non-fatal)")
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
