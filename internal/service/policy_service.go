package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-governance/internal/auth"
	"github.com/pesio-ai/be-governance/internal/effect"
	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/logger"
	"github.com/pesio-ai/be-governance/internal/repository"
)

// PolicyService manages approval policies.
type PolicyService struct {
	store    repository.Store
	registry *effect.Registry
	log      *logger.Logger
}

// NewPolicyService creates a new policy service
func NewPolicyService(store repository.Store, registry *effect.Registry, log *logger.Logger) *PolicyService {
	return &PolicyService{
		store:    store,
		registry: registry,
		log:      log.Component("policies"),
	}
}

// PolicyInput is the writable part of a policy.
type PolicyInput struct {
	BranchID        *string
	EntityType      string
	ActionType      string
	ThresholdAmount *float64
	ThresholdPct    *float64
	ConditionExpr   *string
	Steps           []repository.PolicyStep
	IsEnabled       bool
}

// List returns the company's policies.
func (s *PolicyService) List(ctx context.Context, companyID string, filter repository.PolicyFilter) ([]*repository.ApprovalPolicy, error) {
	return s.store.Policies().List(ctx, companyID, filter)
}

// Get returns one policy of the actor's company.
func (s *PolicyService) Get(ctx context.Context, id string, actor auth.Actor) (*repository.ApprovalPolicy, error) {
	p, err := s.store.Policies().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.CompanyID != actor.CompanyID {
		return nil, errors.NotFound("approval_policy", id)
	}
	return p, nil
}

// Create validates and stores a new policy for the actor's company.
func (s *PolicyService) Create(ctx context.Context, in PolicyInput, actor auth.Actor) (*repository.ApprovalPolicy, error) {
	if in.EntityType == "" {
		return nil, errors.InvalidInput("entityType", "is required")
	}
	if in.ActionType == "" {
		return nil, errors.InvalidInput("actionType", "is required")
	}

	p := &repository.ApprovalPolicy{
		CompanyID:  actor.CompanyID,
		EntityType: in.EntityType,
		ActionType: in.ActionType,
		CreatedBy:  &actor.UserID,
	}
	if err := applyPolicyInput(p, in); err != nil {
		return nil, err
	}

	if err := s.store.Policies().Create(ctx, p); err != nil {
		return nil, err
	}

	s.warnUnhandled(p)
	s.log.Info().
		Str("policy_id", p.ID).
		Str("entity_type", p.EntityType).
		Str("action_type", p.ActionType).
		Int("steps", len(p.Steps)).
		Msg("Approval policy created")
	return p, nil
}

// Update replaces the writable fields of a policy. The governed action and
// company never change. In-flight requests keep their frozen steps.
func (s *PolicyService) Update(ctx context.Context, id string, in PolicyInput, actor auth.Actor) (*repository.ApprovalPolicy, error) {
	p, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if err := applyPolicyInput(p, in); err != nil {
		return nil, err
	}
	p.UpdatedBy = &actor.UserID

	if err := s.store.Policies().Update(ctx, p); err != nil {
		return nil, err
	}

	s.warnUnhandled(p)
	s.log.Info().Str("policy_id", p.ID).Bool("enabled", p.IsEnabled).Msg("Approval policy updated")
	return p, nil
}

func applyPolicyInput(p *repository.ApprovalPolicy, in PolicyInput) error {
	steps, err := repository.NormalizeSteps(in.Steps)
	if err != nil {
		return err
	}
	if in.ThresholdAmount != nil && *in.ThresholdAmount < 0 {
		return errors.InvalidInput("thresholdAmount", "cannot be negative")
	}
	if in.ThresholdPct != nil && *in.ThresholdPct < 0 {
		return errors.InvalidInput("thresholdPct", "cannot be negative")
	}

	cond := in.ConditionExpr
	if cond != nil && strings.TrimSpace(*cond) == "" {
		cond = nil
	}
	if cond != nil {
		if err := CompileCondition(*cond); err != nil {
			return err
		}
	}

	p.BranchID = in.BranchID
	p.ThresholdAmount = in.ThresholdAmount
	p.ThresholdPct = in.ThresholdPct
	p.ConditionExpr = cond
	p.Steps = steps
	p.IsEnabled = in.IsEnabled
	return nil
}

func (s *PolicyService) warnUnhandled(p *repository.ApprovalPolicy) {
	key := effect.Key{EntityType: p.EntityType, ActionType: p.ActionType}
	if s.registry != nil && !s.registry.Has(key) {
		s.log.Warn().
			Str("policy_id", p.ID).
			Str("effect", key.String()).
			Msg("policy governs an action with no registered effect handler; approvals will not change domain state")
	}
}
