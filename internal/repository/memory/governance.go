package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/repository"
)

// ── Policies ─────────────────────────────────────────────────────────────────

type policyRepo struct{ v *view }

func clonePolicy(p repository.ApprovalPolicy) *repository.ApprovalPolicy {
	p.Steps = slices.Clone(p.Steps)
	return &p
}

func (r policyRepo) Create(_ context.Context, p *repository.ApprovalPolicy) error {
	defer r.v.lock()()
	now := r.v.s.now()
	p.ID = r.v.s.newID()
	p.CreatedAt, p.UpdatedAt = now, now
	p.UpdatedBy = p.CreatedBy
	r.v.s.data.policies[p.ID] = *clonePolicy(*p)
	return nil
}

func (r policyRepo) Update(_ context.Context, p *repository.ApprovalPolicy) error {
	defer r.v.lock()()
	cur, ok := r.v.s.data.policies[p.ID]
	if !ok {
		return errors.NotFound("approval_policy", p.ID)
	}
	p.CompanyID, p.EntityType, p.ActionType = cur.CompanyID, cur.EntityType, cur.ActionType
	p.CreatedBy, p.CreatedAt = cur.CreatedBy, cur.CreatedAt
	p.UpdatedAt = r.v.s.now()
	r.v.s.data.policies[p.ID] = *clonePolicy(*p)
	return nil
}

func (r policyRepo) GetByID(_ context.Context, id string) (*repository.ApprovalPolicy, error) {
	defer r.v.lock()()
	p, ok := r.v.s.data.policies[id]
	if !ok {
		return nil, errors.NotFound("approval_policy", id)
	}
	return clonePolicy(p), nil
}

func (r policyRepo) List(_ context.Context, companyID string, f repository.PolicyFilter) ([]*repository.ApprovalPolicy, error) {
	defer r.v.lock()()
	return r.collect(func(p repository.ApprovalPolicy) bool {
		return p.CompanyID == companyID &&
			(f.EntityType == nil || p.EntityType == *f.EntityType) &&
			(f.ActionType == nil || p.ActionType == *f.ActionType) &&
			(!f.EnabledOnly || p.IsEnabled)
	}), nil
}

func (r policyRepo) ListCandidates(_ context.Context, companyID, entityType, actionType string) ([]*repository.ApprovalPolicy, error) {
	defer r.v.lock()()
	return r.collect(func(p repository.ApprovalPolicy) bool {
		return p.CompanyID == companyID && p.EntityType == entityType && p.ActionType == actionType && p.IsEnabled
	}), nil
}

func (r policyRepo) collect(match func(repository.ApprovalPolicy) bool) []*repository.ApprovalPolicy {
	var out []*repository.ApprovalPolicy
	for _, p := range r.v.s.data.policies {
		if match(p) {
			out = append(out, clonePolicy(p))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// ── Requests ─────────────────────────────────────────────────────────────────

type requestRepo struct{ v *view }

func cloneRequest(req repository.ApprovalRequest) *repository.ApprovalRequest {
	req.Meta.PolicySteps = slices.Clone(req.Meta.PolicySteps)
	if sc := req.Meta.ShiftClose; sc != nil {
		c := *sc
		c.MeterReadings = slices.Clone(sc.MeterReadings)
		c.CashCollections = slices.Clone(sc.CashCollections)
		req.Meta.ShiftClose = &c
	}
	return &req
}

func (r requestRepo) Create(_ context.Context, req *repository.ApprovalRequest) error {
	defer r.v.lock()()
	now := r.v.s.now()
	req.ID = r.v.s.newID()
	req.RequestedAt, req.UpdatedAt = now, now
	r.v.s.data.requests[req.ID] = *cloneRequest(*req)
	r.v.s.data.requestOrder = append(r.v.s.data.requestOrder, req.ID)
	return nil
}

func (r requestRepo) GetByID(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	defer r.v.lock()()
	req, ok := r.v.s.data.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return cloneRequest(req), nil
}

func (r requestRepo) GetForUpdate(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return r.GetByID(ctx, id)
}

func (r requestRepo) List(_ context.Context, f repository.RequestFilter) ([]*repository.ApprovalRequest, int64, error) {
	defer r.v.lock()()

	var matched []*repository.ApprovalRequest
	order := r.v.s.data.requestOrder
	for i := len(order) - 1; i >= 0; i-- {
		req := r.v.s.data.requests[order[i]]
		if req.CompanyID != f.CompanyID ||
			(f.BranchID != nil && req.BranchID != *f.BranchID) ||
			(f.Status != nil && req.Status != *f.Status) ||
			(f.EntityType != nil && req.EntityType != *f.EntityType) ||
			(f.ActionType != nil && req.ActionType != *f.ActionType) ||
			(f.EntityID != nil && req.EntityID != *f.EntityID) ||
			(f.RequestedBy != nil && req.RequestedBy != *f.RequestedBy) {
			continue
		}
		matched = append(matched, cloneRequest(req))
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].RequestedAt.After(matched[j].RequestedAt)
	})

	total := int64(len(matched))
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(matched) {
		return nil, total, nil
	}
	end := min(f.Offset+limit, len(matched))
	return matched[f.Offset:end], total, nil
}

func (r requestRepo) MarkSubmitted(_ context.Context, id string, meta repository.RequestMeta) error {
	defer r.v.lock()()
	req, ok := r.v.s.data.requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	req.Status = repository.RequestSubmitted
	req.Meta = meta
	req.UpdatedAt = r.v.s.now()
	r.v.s.data.requests[id] = *cloneRequest(req)
	return nil
}

func (r requestRepo) UpdateStatus(_ context.Context, id string, status repository.RequestStatus) error {
	defer r.v.lock()()
	req, ok := r.v.s.data.requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	req.Status = status
	req.UpdatedAt = r.v.s.now()
	r.v.s.data.requests[id] = req
	return nil
}

// ── Steps ────────────────────────────────────────────────────────────────────

type stepRepo struct{ v *view }

func (r stepRepo) CreateBatch(_ context.Context, steps []*repository.ApprovalStep) error {
	defer r.v.lock()()
	now := r.v.s.now()
	for _, s := range steps {
		s.ID = r.v.s.newID()
		s.CreatedAt = now
		r.v.s.data.steps[s.ID] = *s
	}
	return nil
}

func (r stepRepo) byRequest(requestID string) []*repository.ApprovalStep {
	var out []*repository.ApprovalStep
	for _, s := range r.v.s.data.steps {
		if s.ApprovalRequestID == requestID {
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

func (r stepRepo) ListByRequest(_ context.Context, requestID string) ([]*repository.ApprovalStep, error) {
	defer r.v.lock()()
	return r.byRequest(requestID), nil
}

func (r stepRepo) CurrentPending(_ context.Context, requestID string) (*repository.ApprovalStep, error) {
	defer r.v.lock()()
	for _, s := range r.byRequest(requestID) {
		if s.Status == repository.StepPending {
			return s, nil
		}
	}
	return nil, nil
}

func (r stepRepo) Decide(_ context.Context, stepID string, status repository.StepStatus, decidedBy string, decidedAt time.Time, reason *string) error {
	defer r.v.lock()()
	s, ok := r.v.s.data.steps[stepID]
	if !ok || s.Status != repository.StepPending {
		return errors.Conflict("approval step is no longer pending")
	}
	s.Status = status
	s.DecidedBy = &decidedBy
	s.DecidedAt = &decidedAt
	s.DecisionReason = reason
	r.v.s.data.steps[stepID] = s
	return nil
}

func (r stepRepo) CountPending(_ context.Context, requestID string) (int, error) {
	defer r.v.lock()()
	n := 0
	for _, s := range r.v.s.data.steps {
		if s.ApprovalRequestID == requestID && s.Status == repository.StepPending {
			n++
		}
	}
	return n, nil
}

func (r stepRepo) SkipPending(_ context.Context, requestID string) (int64, error) {
	defer r.v.lock()()
	var n int64
	for id, s := range r.v.s.data.steps {
		if s.ApprovalRequestID == requestID && s.Status == repository.StepPending {
			s.Status = repository.StepSkipped
			r.v.s.data.steps[id] = s
			n++
		}
	}
	return n, nil
}

// ── Audit ────────────────────────────────────────────────────────────────────

type auditRepo struct{ v *view }

func (r auditRepo) Append(_ context.Context, ev *repository.ApprovalAuditEvent) error {
	defer r.v.lock()()
	ev.ID = r.v.s.newID()
	ev.CreatedAt = r.v.s.now()
	r.v.s.data.audit = append(r.v.s.data.audit, *ev)
	return nil
}

func (r auditRepo) ListByRequest(_ context.Context, requestID string) ([]*repository.ApprovalAuditEvent, error) {
	defer r.v.lock()()
	var out []*repository.ApprovalAuditEvent
	for _, ev := range r.v.s.data.audit {
		if ev.ApprovalRequestID == requestID {
			out = append(out, &ev)
		}
	}
	return out, nil
}
