package handler

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-governance/internal/auth"
	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/logger"
	"github.com/pesio-ai/be-governance/internal/repository"
	"github.com/pesio-ai/be-governance/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	policies  *service.PolicyService
	approvals *service.ApprovalService
	expenses  *service.ExpenseService
	validate  *validator.Validate
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	policies *service.PolicyService,
	approvals *service.ApprovalService,
	expenses *service.ExpenseService,
	log *logger.Logger,
) *HTTPHandler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &HTTPHandler{
		policies:  policies,
		approvals: approvals,
		expenses:  expenses,
		validate:  v,
		log:       log.Component("http"),
	}
}

// RegisterRoutes mounts the governance API on mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/governance/policies", h.ListPolicies)
	mux.HandleFunc("POST /api/v1/governance/policies", h.CreatePolicy)
	mux.HandleFunc("GET /api/v1/governance/policies/{id}", h.GetPolicy)
	mux.HandleFunc("PUT /api/v1/governance/policies/{id}", h.UpdatePolicy)

	mux.HandleFunc("GET /api/v1/governance/approvals", h.ListApprovals)
	mux.HandleFunc("POST /api/v1/governance/approvals", h.CreateApproval)
	mux.HandleFunc("GET /api/v1/governance/approvals/{id}", h.GetApproval)
	mux.HandleFunc("GET /api/v1/governance/approvals/{id}/events", h.ListApprovalEvents)
	mux.HandleFunc("POST /api/v1/governance/approvals/{id}/submit", h.SubmitApproval)
	mux.HandleFunc("POST /api/v1/governance/approvals/{id}/approve", h.ApproveStep)
	mux.HandleFunc("POST /api/v1/governance/approvals/{id}/reject", h.RejectStep)
	mux.HandleFunc("POST /api/v1/governance/approvals/{id}/cancel", h.CancelApproval)

	mux.HandleFunc("POST /api/v1/expenses/{id}/submit", h.SubmitExpense)
}

// ── Request bodies ───────────────────────────────────────────────────────────

type policyStepRequest struct {
	StepOrder          int     `json:"stepOrder" validate:"required,min=1"`
	RequiredRole       *string `json:"requiredRole" validate:"omitempty,min=1,max=64"`
	RequiredPermission *string `json:"requiredPermission" validate:"omitempty,min=1,max=128"`
	DueHours           *int    `json:"dueHours" validate:"omitempty,min=0"`
	AllowSelfApproval  bool    `json:"allowSelfApproval"`
}

type policyRequest struct {
	BranchID        *string             `json:"branchId" validate:"omitempty,min=1"`
	EntityType      string              `json:"entityType" validate:"required,max=64"`
	ActionType      string              `json:"actionType" validate:"required,max=64"`
	ThresholdAmount *float64            `json:"thresholdAmount" validate:"omitempty,gte=0"`
	ThresholdPct    *float64            `json:"thresholdPct" validate:"omitempty,gte=0"`
	ConditionExpr   *string             `json:"conditionExpr" validate:"omitempty,max=2000"`
	Steps           []policyStepRequest `json:"steps" validate:"dive"`
	IsEnabled       *bool               `json:"isEnabled"`
}

func (p *policyRequest) input() service.PolicyInput {
	steps := make([]repository.PolicyStep, 0, len(p.Steps))
	for _, s := range p.Steps {
		steps = append(steps, repository.PolicyStep{
			StepOrder:          s.StepOrder,
			RequiredRole:       s.RequiredRole,
			RequiredPermission: s.RequiredPermission,
			DueHours:           s.DueHours,
			AllowSelfApproval:  s.AllowSelfApproval,
		})
	}
	enabled := true
	if p.IsEnabled != nil {
		enabled = *p.IsEnabled
	}
	return service.PolicyInput{
		BranchID:        p.BranchID,
		EntityType:      p.EntityType,
		ActionType:      p.ActionType,
		ThresholdAmount: p.ThresholdAmount,
		ThresholdPct:    p.ThresholdPct,
		ConditionExpr:   p.ConditionExpr,
		Steps:           steps,
		IsEnabled:       enabled,
	}
}

type approvalRequest struct {
	BranchID   string                 `json:"branchId"`
	EntityType string                 `json:"entityType" validate:"required,max=64"`
	EntityID   string                 `json:"entityId" validate:"required,max=128"`
	ActionType string                 `json:"actionType" validate:"required,max=64"`
	Amount     *float64               `json:"amount" validate:"omitempty,gte=0"`
	Percentage *float64               `json:"percentage"`
	Reason     *string                `json:"reason" validate:"omitempty,max=2000"`
	Meta       repository.RequestMeta `json:"meta"`
}

type decisionRequest struct {
	Reason *string `json:"reason" validate:"omitempty,max=2000"`
}

// ── Policies ─────────────────────────────────────────────────────────────────

// ListPolicies handles list policies HTTP requests
func (h *HTTPHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := repository.PolicyFilter{
		EntityType:  optionalQuery(q.Get("entity_type")),
		ActionType:  optionalQuery(q.Get("action_type")),
		EnabledOnly: q.Get("enabled_only") == "true",
	}

	policies, err := h.policies.List(r.Context(), actor.CompanyID, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

// CreatePolicy handles create policy HTTP requests
func (h *HTTPHandler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req policyRequest
	if !h.decode(w, r, &req) {
		return
	}

	policy, err := h.policies.Create(r.Context(), req.input(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, policy)
}

// GetPolicy handles get policy HTTP requests
func (h *HTTPHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	policy, err := h.policies.Get(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// UpdatePolicy handles update policy HTTP requests
func (h *HTTPHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req policyRequest
	if !h.decode(w, r, &req) {
		return
	}

	policy, err := h.policies.Update(r.Context(), r.PathValue("id"), req.input(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// ── Approvals ────────────────────────────────────────────────────────────────

// ListApprovals handles list approval requests HTTP requests
func (h *HTTPHandler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := repository.RequestFilter{
		BranchID:    optionalQuery(q.Get("branch_id")),
		EntityType:  optionalQuery(q.Get("entity_type")),
		ActionType:  optionalQuery(q.Get("action_type")),
		EntityID:    optionalQuery(q.Get("entity_id")),
		RequestedBy: optionalQuery(q.Get("requested_by")),
	}
	if status := q.Get("status"); status != "" {
		st := repository.RequestStatus(status)
		filter.Status = &st
	}

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	requests, total, err := h.approvals.List(r.Context(), filter, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if requests == nil {
		requests = []*repository.ApprovalRequest{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// CreateApproval handles create draft approval request HTTP requests
func (h *HTTPHandler) CreateApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req approvalRequest
	if !h.decode(w, r, &req) {
		return
	}

	draft, err := h.approvals.CreateDraft(r.Context(), &service.InitiateRequest{
		CompanyID:  actor.CompanyID,
		BranchID:   req.BranchID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ActionType: req.ActionType,
		Amount:     req.Amount,
		Percentage: req.Percentage,
		Reason:     req.Reason,
		Meta:       req.Meta,
	}, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, draft)
}

// GetApproval handles get approval request HTTP requests
func (h *HTTPHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	view, err := h.approvals.Get(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListApprovalEvents handles audit trail HTTP requests
func (h *HTTPHandler) ListApprovalEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	events, err := h.approvals.Events(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if events == nil {
		events = []*repository.ApprovalAuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// SubmitApproval handles submit approval request HTTP requests
func (h *HTTPHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	view, err := h.approvals.Submit(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ApproveStep handles approve current step HTTP requests
func (h *HTTPHandler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, service.DecisionApprove)
}

// RejectStep handles reject current step HTTP requests
func (h *HTTPHandler) RejectStep(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, service.DecisionReject)
}

func (h *HTTPHandler) decide(w http.ResponseWriter, r *http.Request, action service.DecisionAction) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req decisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	view, err := h.approvals.Decide(r.Context(), r.PathValue("id"), action, req.Reason, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelApproval handles cancel approval request HTTP requests
func (h *HTTPHandler) CancelApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req decisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	view, err := h.approvals.Cancel(r.Context(), r.PathValue("id"), req.Reason, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ── Expenses ─────────────────────────────────────────────────────────────────

// SubmitExpense handles submit expense HTTP requests
func (h *HTTPHandler) SubmitExpense(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	sub, err := h.expenses.Submit(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusOK
	if sub.Approval != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, sub)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: string(errors.ErrCodeUnauthorized), Message: "authentication required"})
		return auth.Actor{}, false
	}
	return actor, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return h.check(w, dst)
}

// decodeOptional accepts an empty body.
func (h *HTTPHandler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, dst)
}

func (h *HTTPHandler) check(w http.ResponseWriter, dst any) bool {
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		h.writeError(w, errors.InvalidInput(field, fmt.Sprintf("failed on %s", fe.Tag())))
		return false
	}
	h.writeError(w, errors.InvalidInput("body", err.Error()))
	return false
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	code := errors.CodeOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}

	body := errorBody{Code: string(code), Message: errors.PublicMessage(err)}
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		body.Field = appErr.Field
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func optionalQuery(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
