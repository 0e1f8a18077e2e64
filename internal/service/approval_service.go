package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-governance/internal/auth"
	"github.com/pesio-ai/be-governance/internal/client"
	"github.com/pesio-ai/be-governance/internal/effect"
	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/logger"
	"github.com/pesio-ai/be-governance/internal/repository"
	"github.com/pesio-ai/be-governance/internal/tracing"
)

// EventPublisher receives governance events after their transaction commits.
type EventPublisher interface {
	PublishGovernanceEvent(ctx context.Context, ev *client.GovernanceEvent)
}

// Settings holds the process-level governance switches.
type Settings struct {
	Enabled       bool
	ElevatedRoles []string
}

// ApprovalService runs the approval request lifecycle and step decisions.
type ApprovalService struct {
	store    repository.Store
	registry *effect.Registry
	events   EventPublisher
	settings Settings
	now      func() time.Time
	log      *logger.Logger
}

// Option configures an ApprovalService.
type Option func(*ApprovalService)

// WithClock overrides the decision and overdue clock.
func WithClock(now func() time.Time) Option {
	return func(s *ApprovalService) { s.now = now }
}

// WithEventPublisher publishes committed transitions through p.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *ApprovalService) { s.events = p }
}

// NewApprovalService creates a new approval service
func NewApprovalService(
	store repository.Store,
	registry *effect.Registry,
	settings Settings,
	log *logger.Logger,
	opts ...Option,
) *ApprovalService {
	s := &ApprovalService{
		store:    store,
		registry: registry,
		settings: settings,
		now:      time.Now,
		log:      log.Component("approvals"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateRequest describes a governed action.
type InitiateRequest struct {
	CompanyID  string
	BranchID   string
	EntityType string
	EntityID   string
	ActionType string
	Amount     *float64
	Percentage *float64
	Reason     *string
	Meta       repository.RequestMeta
}

// StepView is a step with its read-time deadline. IsOverdue only looks at the
// step: a step left pending behind a rejection still turns overdue once its
// deadline passes, whatever the request status.
type StepView struct {
	*repository.ApprovalStep
	DueAt     *time.Time `json:"dueAt"`
	IsOverdue bool       `json:"isOverdue"`
}

// RequestView is a request with its materialized steps.
type RequestView struct {
	*repository.ApprovalRequest
	Steps []StepView `json:"steps"`
}

// ── Draft & submit ───────────────────────────────────────────────────────────

// CreateDraft stores a draft request. No policy is resolved.
func (s *ApprovalService) CreateDraft(ctx context.Context, in *InitiateRequest, actor auth.Actor) (*repository.ApprovalRequest, error) {
	req, err := s.newDraft(in, actor)
	if err != nil {
		return nil, err
	}

	err = s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Requests().Create(ctx, req); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, &repository.ApprovalAuditEvent{
			ApprovalRequestID: req.ID,
			EventType:         repository.EventDraftCreated,
			ActorUserID:       actor.UserID,
			Payload: map[string]any{
				"entityType": req.EntityType,
				"entityId":   req.EntityID,
				"actionType": req.ActionType,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("entity_type", req.EntityType).
		Str("entity_id", req.EntityID).
		Str("action_type", req.ActionType).
		Msg("Approval request drafted")
	return req, nil
}

func (s *ApprovalService) newDraft(in *InitiateRequest, actor auth.Actor) (*repository.ApprovalRequest, error) {
	companyID := in.CompanyID
	if companyID == "" {
		companyID = actor.CompanyID
	}
	if companyID != actor.CompanyID {
		return nil, errors.Forbidden("cannot raise approval requests for another company")
	}
	branchID := in.BranchID
	if branchID == "" {
		branchID = actor.BranchID
	}

	switch {
	case branchID == "":
		return nil, errors.InvalidInput("branchId", "is required")
	case in.EntityType == "":
		return nil, errors.InvalidInput("entityType", "is required")
	case in.EntityID == "":
		return nil, errors.InvalidInput("entityId", "is required")
	case in.ActionType == "":
		return nil, errors.InvalidInput("actionType", "is required")
	}

	meta := in.Meta
	meta.Amount = in.Amount
	meta.Percentage = in.Percentage
	meta.PolicyID, meta.PolicySteps, meta.SubmittedAt = nil, nil, nil
	if err := meta.Validate(in.EntityType); err != nil {
		return nil, err
	}

	return &repository.ApprovalRequest{
		CompanyID:   companyID,
		BranchID:    branchID,
		EntityType:  in.EntityType,
		EntityID:    in.EntityID,
		ActionType:  in.ActionType,
		Status:      repository.RequestDraft,
		RequestedBy: actor.UserID,
		Reason:      in.Reason,
		Meta:        meta,
	}, nil
}

// Submit resolves the governing policy, freezes its steps into the request
// and materializes one pending step per policy step.
func (s *ApprovalService) Submit(ctx context.Context, requestID string, actor auth.Actor) (view *RequestView, err error) {
	ctx, span := tracing.StartSpan(ctx, "ApprovalService.Submit", map[string]string{"approval.request_id": requestID})
	defer func() { tracing.EndSpan(span, err) }()

	if !s.settings.Enabled {
		return nil, errors.Forbidden("governance is disabled")
	}

	var submitted *repository.ApprovalRequest
	err = s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := s.lockRequest(ctx, tx, requestID, actor)
		if err != nil {
			return err
		}
		if req.Status != repository.RequestDraft {
			return errors.Conflict("approval request is not a draft")
		}
		if req.RequestedBy != actor.UserID {
			return errors.Forbidden("only the requester can submit this request")
		}

		policy, err := s.resolve(ctx, tx, req)
		if err != nil {
			return err
		}
		if policy == nil {
			return errors.Conflict("no approval policy applies to this request")
		}
		steps, err := repository.NormalizeSteps(policy.Steps)
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			return errors.Conflict("approval policy has no steps")
		}

		now := s.now()
		meta := req.Meta
		meta.PolicyID = &policy.ID
		meta.PolicySteps = steps
		meta.SubmittedAt = &now
		if err := tx.Requests().MarkSubmitted(ctx, req.ID, meta); err != nil {
			return err
		}

		rows := make([]*repository.ApprovalStep, 0, len(steps))
		for _, st := range steps {
			rows = append(rows, &repository.ApprovalStep{
				ApprovalRequestID:  req.ID,
				StepOrder:          st.StepOrder,
				RequiredRole:       st.RequiredRole,
				RequiredPermission: st.RequiredPermission,
				Status:             repository.StepPending,
			})
		}
		if err := tx.Steps().CreateBatch(ctx, rows); err != nil {
			return err
		}

		if err := tx.Audit().Append(ctx, &repository.ApprovalAuditEvent{
			ApprovalRequestID: req.ID,
			EventType:         repository.EventSubmitted,
			ActorUserID:       actor.UserID,
			Payload: map[string]any{
				"policyId":  policy.ID,
				"stepCount": len(steps),
			},
		}); err != nil {
			return err
		}

		req.Status = repository.RequestSubmitted
		req.Meta = meta
		submitted = req
		span.SetAttribute("approval.policy_id", policy.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", submitted.ID).
		Str("policy_id", *submitted.Meta.PolicyID).
		Int("steps", len(submitted.Meta.PolicySteps)).
		Msg("Approval request submitted")
	s.publish(ctx, repository.EventSubmitted, submitted, actor, 0, nil)

	return s.Get(ctx, submitted.ID, actor)
}

// Initiate gates an action. It returns nil when governance is disabled or no
// policy applies, in which case the caller performs the action directly.
func (s *ApprovalService) Initiate(ctx context.Context, in *InitiateRequest, actor auth.Actor) (view *RequestView, err error) {
	ctx, span := tracing.StartSpan(ctx, "ApprovalService.Initiate", map[string]string{
		"approval.entity_type": in.EntityType,
		"approval.action_type": in.ActionType,
	})
	defer func() { tracing.EndSpan(span, err) }()

	if !s.settings.Enabled {
		return nil, nil
	}

	draft, err := s.newDraft(in, actor)
	if err != nil {
		return nil, err
	}
	policy, err := s.resolve(ctx, s.store, draft)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		s.log.Debug().
			Str("entity_type", in.EntityType).
			Str("action_type", in.ActionType).
			Msg("no approval policy applies, action not gated")
		return nil, nil
	}
	if len(policy.Steps) == 0 {
		return nil, errors.Conflict("approval policy has no steps")
	}

	req, err := s.CreateDraft(ctx, in, actor)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, req.ID, actor)
}

func (s *ApprovalService) resolve(ctx context.Context, tx repository.Tx, req *repository.ApprovalRequest) (*repository.ApprovalPolicy, error) {
	candidates, err := tx.Policies().ListCandidates(ctx, req.CompanyID, req.EntityType, req.ActionType)
	if err != nil {
		return nil, err
	}
	in := ResolveInput{
		CompanyID:   req.CompanyID,
		BranchID:    req.BranchID,
		EntityType:  req.EntityType,
		ActionType:  req.ActionType,
		Amount:      req.Meta.Amount,
		Percentage:  req.Meta.Percentage,
		RequestedBy: req.RequestedBy,
	}
	return resolvePolicy(candidates, in, func(p *repository.ApprovalPolicy, err error) {
		s.log.Warn().Err(err).Str("policy_id", p.ID).Msg("policy condition failed to evaluate, policy skipped")
	}), nil
}

// ── Reads ────────────────────────────────────────────────────────────────────

// Get returns the request with its steps, deadlines and overdue flags.
func (s *ApprovalService) Get(ctx context.Context, requestID string, actor auth.Actor) (*RequestView, error) {
	req, err := s.store.Requests().GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.CompanyID != actor.CompanyID {
		return nil, errors.NotFound("approval_request", requestID)
	}

	steps, err := s.store.Steps().ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	due := dueTimes(req)
	now := s.now()
	views := make([]StepView, 0, len(steps))
	for _, st := range steps {
		v := StepView{ApprovalStep: st, DueAt: due[st.StepOrder]}
		v.IsOverdue = st.Status == repository.StepPending && v.DueAt != nil && v.DueAt.Before(now)
		views = append(views, v)
	}
	return &RequestView{ApprovalRequest: req, Steps: views}, nil
}

// dueTimes maps step order to requestedAt plus the cumulative dueHours of
// the frozen steps up to it. Once a step lacks positive dueHours, no later
// step has a deadline.
func dueTimes(req *repository.ApprovalRequest) map[int]*time.Time {
	out := make(map[int]*time.Time, len(req.Meta.PolicySteps))
	hours := 0
	for _, st := range req.Meta.PolicySteps {
		if st.DueHours == nil || *st.DueHours <= 0 {
			break
		}
		hours += *st.DueHours
		at := req.RequestedAt.Add(time.Duration(hours) * time.Hour)
		out[st.StepOrder] = &at
	}
	return out
}

// List returns requests of the actor's company. Actors without an elevated
// role only see their own requests.
func (s *ApprovalService) List(ctx context.Context, filter repository.RequestFilter, actor auth.Actor) ([]*repository.ApprovalRequest, int64, error) {
	filter.CompanyID = actor.CompanyID
	if !actor.HasAnyRole(s.settings.ElevatedRoles...) {
		own := actor.UserID
		filter.RequestedBy = &own
	}
	return s.store.Requests().List(ctx, filter)
}

// Events returns the request's audit trail in insertion order.
func (s *ApprovalService) Events(ctx context.Context, requestID string, actor auth.Actor) ([]*repository.ApprovalAuditEvent, error) {
	req, err := s.store.Requests().GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.CompanyID != actor.CompanyID {
		return nil, errors.NotFound("approval_request", requestID)
	}
	return s.store.Audit().ListByRequest(ctx, requestID)
}

// ── Cancel ───────────────────────────────────────────────────────────────────

// Cancel withdraws a draft or submitted request. Pending steps are skipped;
// decided steps keep their decision.
func (s *ApprovalService) Cancel(ctx context.Context, requestID string, reason *string, actor auth.Actor) (view *RequestView, err error) {
	ctx, span := tracing.StartSpan(ctx, "ApprovalService.Cancel", map[string]string{"approval.request_id": requestID})
	defer func() { tracing.EndSpan(span, err) }()

	var cancelled *repository.ApprovalRequest
	err = s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		req, err := s.lockRequest(ctx, tx, requestID, actor)
		if err != nil {
			return err
		}
		if req.RequestedBy != actor.UserID {
			return errors.Forbidden("only the requester can cancel this request")
		}
		if req.Status != repository.RequestDraft && req.Status != repository.RequestSubmitted {
			return errors.Conflict("only draft or submitted requests can be cancelled")
		}

		if err := tx.Requests().UpdateStatus(ctx, req.ID, repository.RequestCancelled); err != nil {
			return err
		}
		skipped, err := tx.Steps().SkipPending(ctx, req.ID)
		if err != nil {
			return err
		}

		payload := map[string]any{"skippedSteps": skipped}
		if reason != nil {
			payload["reason"] = *reason
		}
		if err := tx.Audit().Append(ctx, &repository.ApprovalAuditEvent{
			ApprovalRequestID: req.ID,
			EventType:         repository.EventCancelled,
			ActorUserID:       actor.UserID,
			Payload:           payload,
		}); err != nil {
			return err
		}

		req.Status = repository.RequestCancelled
		cancelled = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("request_id", cancelled.ID).Msg("Approval request cancelled")
	s.publish(ctx, repository.EventCancelled, cancelled, actor, 0, reason)

	return s.Get(ctx, cancelled.ID, actor)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// lockRequest loads the request under a row lock. Requests of other companies
// are reported as missing.
func (s *ApprovalService) lockRequest(ctx context.Context, tx repository.Tx, requestID string, actor auth.Actor) (*repository.ApprovalRequest, error) {
	req, err := tx.Requests().GetForUpdate(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.CompanyID != actor.CompanyID {
		return nil, errors.NotFound("approval_request", requestID)
	}
	return req, nil
}

func (s *ApprovalService) publish(ctx context.Context, eventType string, req *repository.ApprovalRequest, actor auth.Actor, stepOrder int, reason *string) {
	if s.events == nil {
		return
	}
	s.events.PublishGovernanceEvent(ctx, &client.GovernanceEvent{
		EventType:  eventType,
		RequestID:  req.ID,
		CompanyID:  req.CompanyID,
		BranchID:   req.BranchID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ActionType: req.ActionType,
		Status:     string(req.Status),
		ActorID:    actor.UserID,
		StepOrder:  stepOrder,
		Reason:     reason,
		OccurredAt: s.now(),
	})
}
