package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-governance/internal/auth"
	"github.com/pesio-ai/be-governance/internal/effect"
	"github.com/pesio-ai/be-governance/internal/logger"
	"github.com/pesio-ai/be-governance/internal/repository"
	"github.com/pesio-ai/be-governance/internal/repository/memory"
	"github.com/pesio-ai/be-governance/internal/service"
)

var (
	cashier = auth.Actor{UserID: "u-cashier", CompanyID: "c1", BranchID: "b1", Roles: []string{"cashier"}}
	manager = auth.Actor{UserID: "u-manager", CompanyID: "c1", BranchID: "b1", Roles: []string{"manager"}}
)

type fixture struct {
	store *memory.Store
	mux   *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Nop()
	store := memory.New()
	registry := effect.NewRegistry(log)
	effect.RegisterDefaults(registry)

	approvals := service.NewApprovalService(store, registry, service.Settings{Enabled: true, ElevatedRoles: []string{"manager"}}, log)
	h := NewHTTPHandler(
		service.NewPolicyService(store, registry, log),
		approvals,
		service.NewExpenseService(store, approvals, log),
		log,
	)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &fixture{store: store, mux: mux}
}

func (f *fixture) do(t *testing.T, actor *auth.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestExpenseApprovalFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, &manager, http.MethodPost, "/api/v1/governance/policies", map[string]any{
		"entityType":      repository.EntityExpenseEntry,
		"actionType":      repository.ActionApprove,
		"thresholdAmount": 1000,
		"steps":           []map[string]any{{"stepOrder": 1, "requiredRole": "manager", "dueHours": 24}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	exp := &repository.ExpenseEntry{CompanyID: "c1", BranchID: "b1", Amount: 1500, Status: repository.ExpenseDraft}
	require.NoError(t, f.store.Expenses().Create(context.Background(), exp))

	rec = f.do(t, &cashier, http.MethodPost, "/api/v1/expenses/"+exp.ID+"/submit", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var sub struct {
		Expense  repository.ExpenseEntry `json:"expense"`
		Approval struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Steps  []struct {
				StepOrder int     `json:"stepOrder"`
				DueAt     *string `json:"dueAt"`
				IsOverdue bool    `json:"isOverdue"`
			} `json:"steps"`
		} `json:"approval"`
	}
	decodeBody(t, rec, &sub)
	assert.Equal(t, repository.ExpensePendingApproval, sub.Expense.Status)
	assert.Equal(t, "submitted", sub.Approval.Status)
	require.Len(t, sub.Approval.Steps, 1)
	assert.NotNil(t, sub.Approval.Steps[0].DueAt)

	rec = f.do(t, &cashier, http.MethodPost, "/api/v1/governance/approvals/"+sub.Approval.ID+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, &manager, http.MethodPost, "/api/v1/governance/approvals/"+sub.Approval.ID+"/approve", map[string]string{"reason": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, &manager, http.MethodGet, "/api/v1/governance/approvals/"+sub.Approval.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Events []repository.ApprovalAuditEvent `json:"events"`
	}
	decodeBody(t, rec, &events)
	assert.Len(t, events.Events, 3)

	got, err := f.store.Expenses().GetByID(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ExpenseApproved, got.Status)
}

func TestDraftSubmitAndList(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, &manager, http.MethodPost, "/api/v1/governance/policies", map[string]any{
		"entityType": repository.EntitySaleTransaction,
		"actionType": repository.ActionVoid,
		"steps":      []map[string]any{{"stepOrder": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, &cashier, http.MethodPost, "/api/v1/governance/approvals", map[string]any{
		"entityType": repository.EntitySaleTransaction,
		"entityId":   "sale-1",
		"actionType": repository.ActionVoid,
		"meta":       map[string]any{"saleVoid": map[string]string{"voidReason": "duplicate"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var draft repository.ApprovalRequest
	decodeBody(t, rec, &draft)
	assert.Equal(t, repository.RequestDraft, draft.Status)

	rec = f.do(t, &cashier, http.MethodPost, "/api/v1/governance/approvals/"+draft.ID+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, &cashier, http.MethodPost, "/api/v1/governance/approvals/"+draft.ID+"/submit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, &manager, http.MethodGet, "/api/v1/governance/approvals?status=submitted", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Requests []repository.ApprovalRequest `json:"requests"`
		Total    int64                        `json:"total"`
	}
	decodeBody(t, rec, &list)
	assert.EqualValues(t, 1, list.Total)

	rec = f.do(t, &cashier, http.MethodPost, "/api/v1/governance/approvals/"+draft.ID+"/cancel", map[string]string{"reason": "mistake"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestValidationAndErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, &manager, http.MethodPost, "/api/v1/governance/policies", map[string]any{
		"actionType": repository.ActionApprove,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "INVALID_INPUT", body.Code)
	assert.Contains(t, body.Field, "entityType")

	rec = f.do(t, &manager, http.MethodPost, "/api/v1/governance/policies", map[string]any{
		"entityType": "x", "actionType": "y",
		"steps": []map[string]any{{"stepOrder": 0}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, &manager, http.MethodGet, "/api/v1/governance/approvals/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, nil, http.MethodGet, "/api/v1/governance/approvals", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, &manager, http.MethodDelete, "/api/v1/governance/policies", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
