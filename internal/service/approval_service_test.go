package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/pesio-ai/be-governance/internal/auth"
	"github.com/pesio-ai/be-governance/internal/client"
	"github.com/pesio-ai/be-governance/internal/effect"
	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/logger"
	"github.com/pesio-ai/be-governance/internal/repository"
	"github.com/pesio-ai/be-governance/internal/repository/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*client.GovernanceEvent
}

func (p *recordingPublisher) PublishGovernanceEvent(_ context.Context, ev *client.GovernanceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.EventType)
	}
	return out
}

var (
	cashier    = auth.Actor{UserID: "u-cashier", CompanyID: "c1", BranchID: "b1", Roles: []string{"cashier"}}
	supervisor = auth.Actor{UserID: "u-super", CompanyID: "c1", BranchID: "b1", Roles: []string{"supervisor"}}
	manager    = auth.Actor{UserID: "u-manager", CompanyID: "c1", BranchID: "b1", Roles: []string{"manager"}, Permissions: []string{"governance.approve"}}
	outsider   = auth.Actor{UserID: "u-out", CompanyID: "c2", BranchID: "b9", Roles: []string{"manager"}}
)

type ApprovalServiceSuite struct {
	suite.Suite

	ctx       context.Context
	clock     *testClock
	store     *memory.Store
	registry  *effect.Registry
	events    *recordingPublisher
	policies  *PolicyService
	approvals *ApprovalService
	expenses  *ExpenseService
}

func TestApprovalServiceSuite(t *testing.T) {
	suite.Run(t, new(ApprovalServiceSuite))
}

func (s *ApprovalServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &testClock{t: base}
	s.store = memory.New(memory.WithClock(s.clock.now))
	s.registry = effect.NewRegistry(logger.Nop())
	effect.RegisterDefaults(s.registry)
	s.events = &recordingPublisher{}
	s.newServices(Settings{Enabled: true, ElevatedRoles: []string{"manager", "auditor"}})
}

func (s *ApprovalServiceSuite) newServices(settings Settings) {
	log := logger.Nop()
	s.policies = NewPolicyService(s.store, s.registry, log)
	s.approvals = NewApprovalService(s.store, s.registry, settings, log,
		WithClock(s.clock.now),
		WithEventPublisher(s.events),
	)
	s.expenses = NewExpenseService(s.store, s.approvals, log)
}

func (s *ApprovalServiceSuite) createPolicy(in PolicyInput) *repository.ApprovalPolicy {
	in.IsEnabled = true
	p, err := s.policies.Create(s.ctx, in, manager)
	s.Require().NoError(err)
	s.clock.advance(time.Second)
	return p
}

func (s *ApprovalServiceSuite) expensePolicy(steps ...repository.PolicyStep) *repository.ApprovalPolicy {
	return s.createPolicy(PolicyInput{
		EntityType:      repository.EntityExpenseEntry,
		ActionType:      repository.ActionApprove,
		ThresholdAmount: ptr(1000.0),
		Steps:           steps,
	})
}

func (s *ApprovalServiceSuite) createExpense(amount float64) *repository.ExpenseEntry {
	e := &repository.ExpenseEntry{
		CompanyID: "c1", BranchID: "b1", Amount: amount, Category: "maintenance",
		Status: repository.ExpenseDraft, CreatedBy: cashier.UserID,
	}
	s.Require().NoError(s.store.Expenses().Create(s.ctx, e))
	return e
}

func (s *ApprovalServiceSuite) initiateExpense(expenseID string, amount float64) *RequestView {
	view, err := s.approvals.Initiate(s.ctx, &InitiateRequest{
		BranchID:   "b1",
		EntityType: repository.EntityExpenseEntry,
		EntityID:   expenseID,
		ActionType: repository.ActionApprove,
		Amount:     ptr(amount),
		Meta:       repository.RequestMeta{Expense: &repository.ExpenseMeta{Category: "maintenance"}},
	}, cashier)
	s.Require().NoError(err)
	s.Require().NotNil(view)
	return view
}

func (s *ApprovalServiceSuite) eventTypes(requestID string) []string {
	events, err := s.approvals.Events(s.ctx, requestID, manager)
	s.Require().NoError(err)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func (s *ApprovalServiceSuite) requireCode(err error, code errors.Code) {
	s.Require().Error(err)
	s.Equal(code, errors.CodeOf(err), err.Error())
}

// ── Scenarios ────────────────────────────────────────────────────────────────

func (s *ApprovalServiceSuite) TestExpenseAboveThresholdApprovedByManager() {
	s.expensePolicy(repository.PolicyStep{StepOrder: 1, RequiredRole: ptr("manager")})
	exp := s.createExpense(1500)

	sub, err := s.expenses.Submit(s.ctx, exp.ID, cashier)
	s.Require().NoError(err)
	s.Require().NotNil(sub.Approval)
	s.Equal(repository.ExpensePendingApproval, sub.Expense.Status)
	s.Equal(repository.RequestSubmitted, sub.Approval.Status)
	s.Require().Len(sub.Approval.Steps, 1)
	s.Equal(repository.StepPending, sub.Approval.Steps[0].Status)

	view, err := s.approvals.Approve(s.ctx, sub.Approval.ID, ptr("ok"), manager)
	s.Require().NoError(err)
	s.Equal(repository.RequestApproved, view.Status)
	s.Equal(repository.StepApproved, view.Steps[0].Status)
	s.Equal(manager.UserID, *view.Steps[0].DecidedBy)

	got, err := s.store.Expenses().GetByID(s.ctx, exp.ID)
	s.Require().NoError(err)
	s.Equal(repository.ExpenseApproved, got.Status)
	s.Equal(manager.UserID, *got.ApprovedBy)

	s.Equal([]string{
		repository.EventDraftCreated,
		repository.EventSubmitted,
		repository.EventStepApproved,
	}, s.eventTypes(view.ID))
	s.Equal([]string{repository.EventSubmitted, repository.EventStepApproved}, s.events.types())

	entityAudit, err := s.store.SystemAudit().ListByEntity(s.ctx, "expense", exp.ID)
	s.Require().NoError(err)
	s.Require().Len(entityAudit, 1)
	s.Equal("expense.governance_approved", entityAudit[0].Action)

	decisionAudit, err := s.store.SystemAudit().ListByEntity(s.ctx, "approval_request", view.ID)
	s.Require().NoError(err)
	s.Require().Len(decisionAudit, 1)
	s.Equal("approval.step_approved", decisionAudit[0].Action)
}

func (s *ApprovalServiceSuite) TestExpenseBelowThresholdApprovedDirectly() {
	s.expensePolicy(repository.PolicyStep{StepOrder: 1, RequiredRole: ptr("manager")})
	exp := s.createExpense(500)

	sub, err := s.expenses.Submit(s.ctx, exp.ID, cashier)
	s.Require().NoError(err)
	s.Nil(sub.Approval)
	s.Equal(repository.ExpenseApproved, sub.Expense.Status)
	s.Equal(cashier.UserID, *sub.Expense.ApprovedBy)

	requests, total, err := s.approvals.List(s.ctx, repository.RequestFilter{}, manager)
	s.Require().NoError(err)
	s.Zero(total)
	s.Empty(requests)

	audit, err := s.store.SystemAudit().ListByEntity(s.ctx, "expense", exp.ID)
	s.Require().NoError(err)
	s.Require().Len(audit, 1)
	s.Equal("expense.auto_approved", audit[0].Action)

	_, err = s.expenses.Submit(s.ctx, exp.ID, cashier)
	s.requireCode(err, errors.ErrCodeConflict)
}

func (s *ApprovalServiceSuite) TestRejectAtFirstStepVetoesChain() {
	s.expensePolicy(
		repository.PolicyStep{StepOrder: 1, RequiredRole: ptr("supervisor")},
		repository.PolicyStep{StepOrder: 2, RequiredRole: ptr("manager")},
	)
	exp := s.createExpense(2000)
	sub, err := s.expenses.Submit(s.ctx, exp.ID, cashier)
	s.Require().NoError(err)

	_, err = s.approvals.Reject(s.ctx, sub.Approval.ID, nil, manager)
	s.requireCode(err, errors.ErrCodeForbidden)

	view, err := s.approvals.Reject(s.ctx, sub.Approval.ID, ptr("receipt missing"), supervisor)
	s.Require().NoError(err)
	s.Equal(repository.RequestRejected, view.Status)
	s.Equal(repository.StepRejected, view.Steps[0].Status)
	s.Equal(repository.StepPending, view.Steps[1].Status)
	s.Nil(view.Steps[1].DecidedBy)

	_, err = s.approvals.Approve(s.ctx, view.ID, nil, manager)
	s.requireCode(err, errors.ErrCodeConflict)

	got, _ := s.store.Expenses().GetByID(s.ctx, exp.ID)
	s.Equal(repository.ExpenseRejected, got.Status)
	s.Equal("receipt missing", *got.RejectionReason)
}

func (s *ApprovalServiceSuite) TestRejectAtSecondStep() {
	s.expensePolicy(
		repository.PolicyStep{StepOrder: 1, RequiredRole: ptr("supervisor")},
		repository.PolicyStep{StepOrder: 2, RequiredRole: ptr("manager")},
	)
	exp := s.createExpense(2000)
	sub, err := s.expenses.Submit(s.ctx, exp.ID, cashier)
	s.Require().NoError(err)

	view, err := s.approvals.Approve(s.ctx, sub.Approval.ID, nil, supervisor)
	s.Require().NoError(err)
	s.Equal(repository.RequestSubmitted, view.Status)

	got, _ := s.store.Expenses().GetByID(s.ctx, exp.ID)
	s.Equal(repository.ExpensePendingApproval, got.Status)

	view, err = s.approvals.Reject(s.ctx, view.ID, nil, manager)
	s.Require().NoError(err)
	s.Equal(repository.RequestRejected, view.Status)
	s.Equal(repository.StepApproved, view.Steps[0].Status)
	s.Equal(repository.StepRejected, view.Steps[1].Status)

	got, _ = s.store.Expenses().GetByID(s.ctx, exp.ID)
	s.Equal(repository.ExpenseRejected, got.Status)
	s.Equal("Rejected by approval workflow", *got.RejectionReason)
}

func (s *ApprovalServiceSuite) TestStockAdjustmentBreachRollsBack() {
	tank := &repository.Tank{CompanyID: "c1", BranchID: "b1", Name: "T1", Capacity: 10000, CurrentLevel: 300}
	s.Require().NoError(s.store.Tanks().Create(s.ctx, tank))
	s.createPolicy(PolicyInput{
		EntityType: repository.EntityStockAdjustment,
		ActionType: repository.ActionApprove,
		Steps:      []repository.PolicyStep{{StepOrder: 1, RequiredRole: ptr("manager")}},
	})

	view, err := s.approvals.Initiate(s.ctx, &InitiateRequest{
		EntityType: repository.EntityStockAdjustment,
		EntityID:   "adj-1",
		ActionType: repository.ActionApprove,
		Meta: repository.RequestMeta{StockAdjustment: &repository.StockAdjustmentMeta{
			TankID: tank.ID, VolumeDelta: -500,
		}},
	}, cashier)
	s.Require().NoError(err)
	s.Require().NotNil(view)

	_, err = s.approvals.Approve(s.ctx, view.ID, nil, manager)
	s.requireCode(err, errors.ErrCodeConflict)
	s.Contains(err.Error(), "adjustment would breach tank stock boundaries")

	after, err := s.approvals.Get(s.ctx, view.ID, manager)
	s.Require().NoError(err)
	s.Equal(repository.RequestSubmitted, after.Status)
	s.Equal(repository.StepPending, after.Steps[0].Status)
	s.Nil(after.Steps[0].DecidedBy)

	got, _ := s.store.Tanks().GetByID(s.ctx, tank.ID)
	s.Equal(300.0, got.CurrentLevel)
	ledger, _ := s.store.Tanks().ListLedger(s.ctx, tank.ID)
	s.Empty(ledger)

	s.Equal([]string{repository.EventDraftCreated, repository.EventSubmitted}, s.eventTypes(view.ID))
	s.Equal([]string{repository.EventSubmitted}, s.events.types())
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (s *ApprovalServiceSuite) TestSubmitTwiceConflicts() {
	s.expensePolicy(repository.PolicyStep{StepOrder: 1})
	draft, err := s.approvals.CreateDraft(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, EntityID: "e1", ActionType: repository.ActionApprove,
		Amount: ptr(5000.0),
	}, cashier)
	s.Require().NoError(err)
	s.Equal(repository.RequestDraft, draft.Status)
	s.Equal("b1", draft.BranchID)

	view, err := s.approvals.Submit(s.ctx, draft.ID, cashier)
	s.Require().NoError(err)
	s.Require().NotNil(view.Meta.PolicyID)
	s.Require().NotNil(view.Meta.SubmittedAt)
	s.Len(view.Meta.PolicySteps, 1)

	_, err = s.approvals.Submit(s.ctx, draft.ID, cashier)
	s.requireCode(err, errors.ErrCodeConflict)
}

func (s *ApprovalServiceSuite) TestSubmitPreconditions() {
	draft, err := s.approvals.CreateDraft(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, EntityID: "e1", ActionType: repository.ActionApprove,
		Amount: ptr(5000.0),
	}, cashier)
	s.Require().NoError(err)

	_, err = s.approvals.Submit(s.ctx, "missing", cashier)
	s.requireCode(err, errors.ErrCodeNotFound)

	_, err = s.approvals.Submit(s.ctx, draft.ID, outsider)
	s.requireCode(err, errors.ErrCodeNotFound)

	_, err = s.approvals.Submit(s.ctx, draft.ID, manager)
	s.requireCode(err, errors.ErrCodeForbidden)

	_, err = s.approvals.Submit(s.ctx, draft.ID, cashier)
	s.requireCode(err, errors.ErrCodeConflict)
	s.Contains(err.Error(), "no approval policy")

	got, err := s.approvals.Get(s.ctx, draft.ID, cashier)
	s.Require().NoError(err)
	s.Equal(repository.RequestDraft, got.Status)
	s.Empty(got.Steps)
}

func (s *ApprovalServiceSuite) TestPolicyWithoutStepsConflicts() {
	s.expensePolicy()
	draft, err := s.approvals.CreateDraft(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, EntityID: "e1", ActionType: repository.ActionApprove,
		Amount: ptr(5000.0),
	}, cashier)
	s.Require().NoError(err)

	_, err = s.approvals.Submit(s.ctx, draft.ID, cashier)
	s.requireCode(err, errors.ErrCodeConflict)
	s.Contains(err.Error(), "no steps")
}

func (s *ApprovalServiceSuite) TestInitiateWithStepLessPolicyLeavesNoDraft() {
	s.expensePolicy()

	_, err := s.approvals.Initiate(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, EntityID: "e1", ActionType: repository.ActionApprove,
		Amount: ptr(5000.0),
	}, cashier)
	s.requireCode(err, errors.ErrCodeConflict)
	s.Contains(err.Error(), "no steps")

	requests, total, err := s.approvals.List(s.ctx, repository.RequestFilter{}, manager)
	s.Require().NoError(err)
	s.Zero(total)
	s.Empty(requests)
	s.Empty(s.events.types())
}

func (s *ApprovalServiceSuite) TestCreateDraftValidation() {
	_, err := s.approvals.CreateDraft(s.ctx, &InitiateRequest{
		CompanyID: "c2", EntityType: repository.EntityExpenseEntry, EntityID: "e1", ActionType: repository.ActionApprove,
	}, cashier)
	s.requireCode(err, errors.ErrCodeForbidden)

	_, err = s.approvals.CreateDraft(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, ActionType: repository.ActionApprove,
	}, cashier)
	s.requireCode(err, errors.ErrCodeInvalidInput)

	_, err = s.approvals.CreateDraft(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, EntityID: "e1", ActionType: repository.ActionApprove,
		Meta: repository.RequestMeta{SaleVoid: &repository.SaleVoidMeta{VoidReason: "x"}},
	}, cashier)
	s.requireCode(err, errors.ErrCodeInvalidInput)
}

func (s *ApprovalServiceSuite) TestCancelSkipsPendingSteps() {
	s.expensePolicy(
		repository.PolicyStep{StepOrder: 1, RequiredRole: ptr("supervisor")},
		repository.PolicyStep{StepOrder: 2, RequiredRole: ptr("manager")},
	)
	view := s.initiateExpense("e1", 3000)

	_, err := s.approvals.Approve(s.ctx, view.ID, nil, supervisor)
	s.Require().NoError(err)

	_, err = s.approvals.Cancel(s.ctx, view.ID, nil, manager)
	s.requireCode(err, errors.ErrCodeForbidden)

	view, err = s.approvals.Cancel(s.ctx, view.ID, ptr("duplicate"), cashier)
	s.Require().NoError(err)
	s.Equal(repository.RequestCancelled, view.Status)
	s.Equal(repository.StepApproved, view.Steps[0].Status)
	s.Equal(supervisor.UserID, *view.Steps[0].DecidedBy)
	s.Equal(repository.StepSkipped, view.Steps[1].Status)

	_, err = s.approvals.Cancel(s.ctx, view.ID, nil, cashier)
	s.requireCode(err, errors.ErrCodeConflict)

	events, err := s.approvals.Events(s.ctx, view.ID, cashier)
	s.Require().NoError(err)
	last := events[len(events)-1]
	s.Equal(repository.EventCancelled, last.EventType)
	s.Equal("duplicate", last.Payload["reason"])
}

func (s *ApprovalServiceSuite) TestCancelDraft() {
	draft, err := s.approvals.CreateDraft(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, EntityID: "e1", ActionType: repository.ActionApprove,
	}, cashier)
	s.Require().NoError(err)

	view, err := s.approvals.Cancel(s.ctx, draft.ID, nil, cashier)
	s.Require().NoError(err)
	s.Equal(repository.RequestCancelled, view.Status)
}

// ── Decisions ────────────────────────────────────────────────────────────────

func (s *ApprovalServiceSuite) TestMakerChecker() {
	s.expensePolicy(repository.PolicyStep{StepOrder: 1, RequiredRole: ptr("manager")})
	requester := auth.Actor{UserID: "u-mgr2", CompanyID: "c1", BranchID: "b1", Roles: []string{"manager"}}

	view, err := s.approvals.Initiate(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, EntityID: "e1", ActionType: repository.ActionApprove,
		Amount: ptr(4000.0),
	}, requester)
	s.Require().NoError(err)

	_, err = s.approvals.Approve(s.ctx, view.ID, nil, requester)
	s.requireCode(err, errors.ErrCodeForbidden)
	s.Contains(err.Error(), "own request")

	rejected, err := s.approvals.Reject(s.ctx, view.ID, ptr("withdrawn"), requester)
	s.Require().NoError(err)
	s.Equal(repository.RequestRejected, rejected.Status)
}

func (s *ApprovalServiceSuite) TestSelfApprovalAllowedBySnapshot() {
	s.expensePolicy(repository.PolicyStep{StepOrder: 1, RequiredRole: ptr("manager"), AllowSelfApproval: true})
	requester := auth.Actor{UserID: "u-mgr2", CompanyID: "c1", BranchID: "b1", Roles: []string{"manager"}}

	view, err := s.approvals.Initiate(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, EntityID: "e1", ActionType: repository.ActionApprove,
		Amount: ptr(4000.0),
	}, requester)
	s.Require().NoError(err)

	approved, err := s.approvals.Approve(s.ctx, view.ID, nil, requester)
	s.Require().NoError(err)
	s.Equal(repository.RequestApproved, approved.Status)
}

func (s *ApprovalServiceSuite) TestPermissionGateBeforeRoleGate() {
	s.expensePolicy(repository.PolicyStep{
		StepOrder: 1, RequiredRole: ptr("manager"), RequiredPermission: ptr("governance.approve"),
	})
	view := s.initiateExpense("e1", 3000)

	_, err := s.approvals.Approve(s.ctx, view.ID, nil, supervisor)
	s.requireCode(err, errors.ErrCodeForbidden)
	s.Contains(err.Error(), "permission")

	withPermission := supervisor
	withPermission.Permissions = []string{"governance.approve"}
	_, err = s.approvals.Approve(s.ctx, view.ID, nil, withPermission)
	s.requireCode(err, errors.ErrCodeForbidden)
	s.Contains(err.Error(), "role")

	approved, err := s.approvals.Approve(s.ctx, view.ID, nil, manager)
	s.Require().NoError(err)
	s.Equal(repository.RequestApproved, approved.Status)
}

func (s *ApprovalServiceSuite) TestEffectRunsOncePerTerminalTransition() {
	calls := 0
	s.registry.Register(effect.Key{EntityType: "purchase_order", ActionType: "approve"},
		effect.HandlerFunc(func(_ context.Context, _ repository.Tx, req *repository.ApprovalRequest, d effect.Decision) error {
			calls++
			s.Equal(effect.OutcomeApproved, d.Outcome)
			s.Equal(manager.UserID, d.DecidedBy)
			return nil
		}))
	s.createPolicy(PolicyInput{
		EntityType: "purchase_order",
		ActionType: "approve",
		Steps: []repository.PolicyStep{
			{StepOrder: 2, RequiredRole: ptr("manager")},
			{StepOrder: 1, RequiredRole: ptr("supervisor")},
		},
	})

	view, err := s.approvals.Initiate(s.ctx, &InitiateRequest{
		EntityType: "purchase_order", EntityID: "po-1", ActionType: "approve",
	}, cashier)
	s.Require().NoError(err)
	s.Equal(1, view.Steps[0].StepOrder)

	_, err = s.approvals.Approve(s.ctx, view.ID, nil, supervisor)
	s.Require().NoError(err)
	s.Zero(calls)

	view, err = s.approvals.Approve(s.ctx, view.ID, nil, manager)
	s.Require().NoError(err)
	s.Equal(repository.RequestApproved, view.Status)
	s.Equal(1, calls)

	_, err = s.approvals.Approve(s.ctx, view.ID, nil, manager)
	s.requireCode(err, errors.ErrCodeConflict)
	s.Equal(1, calls)
}

func (s *ApprovalServiceSuite) TestUnregisteredEffectIsNoop() {
	s.createPolicy(PolicyInput{
		EntityType: "invoice", ActionType: "approve",
		Steps: []repository.PolicyStep{{StepOrder: 1}},
	})
	view, err := s.approvals.Initiate(s.ctx, &InitiateRequest{
		EntityType: "invoice", EntityID: "inv-1", ActionType: "approve",
	}, cashier)
	s.Require().NoError(err)

	view, err = s.approvals.Approve(s.ctx, view.ID, nil, manager)
	s.Require().NoError(err)
	s.Equal(repository.RequestApproved, view.Status)
}

func (s *ApprovalServiceSuite) TestFrozenSnapshotSurvivesPolicyEdit() {
	p := s.expensePolicy(repository.PolicyStep{StepOrder: 1, RequiredRole: ptr("supervisor")})
	view := s.initiateExpense("e1", 3000)

	_, err := s.policies.Update(s.ctx, p.ID, PolicyInput{
		ThresholdAmount: ptr(1000.0),
		Steps: []repository.PolicyStep{
			{StepOrder: 1, RequiredRole: ptr("manager")},
			{StepOrder: 2, RequiredRole: ptr("manager")},
		},
		IsEnabled: true,
	}, manager)
	s.Require().NoError(err)

	view, err = s.approvals.Approve(s.ctx, view.ID, nil, supervisor)
	s.Require().NoError(err)
	s.Equal(repository.RequestApproved, view.Status)
	s.Len(view.Steps, 1)
}

func (s *ApprovalServiceSuite) TestConcurrentApprovalsHaveOneWinner() {
	s.expensePolicy(repository.PolicyStep{StepOrder: 1, RequiredRole: ptr("manager")})
	exp := s.createExpense(2500)
	sub, err := s.expenses.Submit(s.ctx, exp.ID, cashier)
	s.Require().NoError(err)
	s.Require().NotNil(sub.Approval)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.approvals.Approve(s.ctx, sub.Approval.ID, nil, manager)
		}()
	}
	wg.Wait()

	won, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, errors.ErrCodeConflict):
			conflicts++
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, won)
	s.Equal(callers-1, conflicts)

	view, err := s.approvals.Get(s.ctx, sub.Approval.ID, manager)
	s.Require().NoError(err)
	s.Equal(repository.RequestApproved, view.Status)

	audit, err := s.store.SystemAudit().ListByEntity(s.ctx, "expense", exp.ID)
	s.Require().NoError(err)
	s.Require().Len(audit, 1)
	s.Equal("expense.governance_approved", audit[0].Action)

	s.Equal([]string{
		repository.EventDraftCreated,
		repository.EventSubmitted,
		repository.EventStepApproved,
	}, s.eventTypes(view.ID))
}

// ── Reads ────────────────────────────────────────────────────────────────────

func (s *ApprovalServiceSuite) TestDueAtAndOverdue() {
	s.expensePolicy(
		repository.PolicyStep{StepOrder: 1, DueHours: ptr(2)},
		repository.PolicyStep{StepOrder: 2, DueHours: ptr(3)},
		repository.PolicyStep{StepOrder: 3},
		repository.PolicyStep{StepOrder: 4, DueHours: ptr(1)},
	)
	view := s.initiateExpense("e1", 3000)
	requested := view.RequestedAt

	s.Require().Len(view.Steps, 4)
	s.Equal(requested.Add(2*time.Hour), *view.Steps[0].DueAt)
	s.Equal(requested.Add(5*time.Hour), *view.Steps[1].DueAt)
	s.Nil(view.Steps[2].DueAt)
	s.Nil(view.Steps[3].DueAt)
	s.False(view.Steps[0].IsOverdue)

	s.clock.advance(3 * time.Hour)
	view, err := s.approvals.Get(s.ctx, view.ID, cashier)
	s.Require().NoError(err)
	s.True(view.Steps[0].IsOverdue)
	s.False(view.Steps[1].IsOverdue)

	view, err = s.approvals.Approve(s.ctx, view.ID, nil, manager)
	s.Require().NoError(err)
	s.False(view.Steps[0].IsOverdue)
}

func (s *ApprovalServiceSuite) TestPendingStepBehindRejectionKeepsDeadline() {
	s.expensePolicy(
		repository.PolicyStep{StepOrder: 1, DueHours: ptr(1)},
		repository.PolicyStep{StepOrder: 2, DueHours: ptr(1)},
	)
	exp := s.createExpense(3000)
	sub, err := s.expenses.Submit(s.ctx, exp.ID, cashier)
	s.Require().NoError(err)
	s.Require().NotNil(sub.Approval)

	view, err := s.approvals.Reject(s.ctx, sub.Approval.ID, ptr("no receipt"), manager)
	s.Require().NoError(err)
	s.Equal(repository.RequestRejected, view.Status)
	s.Equal(repository.StepPending, view.Steps[1].Status)
	s.False(view.Steps[1].IsOverdue)

	s.clock.advance(3 * time.Hour)
	view, err = s.approvals.Get(s.ctx, view.ID, cashier)
	s.Require().NoError(err)
	s.False(view.Steps[0].IsOverdue)
	s.Equal(repository.StepPending, view.Steps[1].Status)
	s.True(view.Steps[1].IsOverdue)
}

func (s *ApprovalServiceSuite) TestListVisibility() {
	s.expensePolicy(repository.PolicyStep{StepOrder: 1})
	s.initiateExpense("e1", 3000)
	s.clock.advance(time.Minute)

	_, err := s.approvals.CreateDraft(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, EntityID: "e2", ActionType: repository.ActionApprove,
	}, supervisor)
	s.Require().NoError(err)

	own, total, err := s.approvals.List(s.ctx, repository.RequestFilter{}, cashier)
	s.Require().NoError(err)
	s.EqualValues(1, total)
	s.Equal("e1", own[0].EntityID)

	all, total, err := s.approvals.List(s.ctx, repository.RequestFilter{}, manager)
	s.Require().NoError(err)
	s.EqualValues(2, total)
	s.Equal("e2", all[0].EntityID)

	status := repository.RequestSubmitted
	submitted, _, err := s.approvals.List(s.ctx, repository.RequestFilter{Status: &status}, manager)
	s.Require().NoError(err)
	s.Len(submitted, 1)

	foreign, total, err := s.approvals.List(s.ctx, repository.RequestFilter{}, outsider)
	s.Require().NoError(err)
	s.Zero(total)
	s.Empty(foreign)
}

func (s *ApprovalServiceSuite) TestCompanyScoping() {
	s.expensePolicy(repository.PolicyStep{StepOrder: 1})
	view := s.initiateExpense("e1", 3000)

	_, err := s.approvals.Get(s.ctx, view.ID, outsider)
	s.requireCode(err, errors.ErrCodeNotFound)
	_, err = s.approvals.Events(s.ctx, view.ID, outsider)
	s.requireCode(err, errors.ErrCodeNotFound)
	_, err = s.approvals.Approve(s.ctx, view.ID, nil, outsider)
	s.requireCode(err, errors.ErrCodeNotFound)
}

// ── Governance switch ────────────────────────────────────────────────────────

func (s *ApprovalServiceSuite) TestGovernanceDisabled() {
	s.expensePolicy(repository.PolicyStep{StepOrder: 1})
	view := s.initiateExpense("e1", 3000)

	s.newServices(Settings{Enabled: false})

	initiated, err := s.approvals.Initiate(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, EntityID: "e2", ActionType: repository.ActionApprove,
		Amount: ptr(9000.0),
	}, cashier)
	s.Require().NoError(err)
	s.Nil(initiated)

	_, err = s.approvals.Approve(s.ctx, view.ID, nil, manager)
	s.requireCode(err, errors.ErrCodeForbidden)

	draft, err := s.approvals.CreateDraft(s.ctx, &InitiateRequest{
		EntityType: repository.EntityExpenseEntry, EntityID: "e3", ActionType: repository.ActionApprove,
	}, cashier)
	s.Require().NoError(err)
	_, err = s.approvals.Submit(s.ctx, draft.ID, cashier)
	s.requireCode(err, errors.ErrCodeForbidden)

	cancelled, err := s.approvals.Cancel(s.ctx, view.ID, nil, cashier)
	s.Require().NoError(err)
	s.Equal(repository.RequestCancelled, cancelled.Status)

	exp := s.createExpense(9000)
	sub, err := s.expenses.Submit(s.ctx, exp.ID, cashier)
	s.Require().NoError(err)
	s.Nil(sub.Approval)
	s.Equal(repository.ExpenseApproved, sub.Expense.Status)
}

// ── Policies ─────────────────────────────────────────────────────────────────

func (s *ApprovalServiceSuite) TestPolicyValidation() {
	_, err := s.policies.Create(s.ctx, PolicyInput{
		EntityType: repository.EntityExpenseEntry, ActionType: repository.ActionApprove,
		Steps: []repository.PolicyStep{{StepOrder: 1}, {StepOrder: 1}},
	}, manager)
	s.requireCode(err, errors.ErrCodeInvalidInput)

	_, err = s.policies.Create(s.ctx, PolicyInput{
		EntityType: repository.EntityExpenseEntry, ActionType: repository.ActionApprove,
		ConditionExpr: ptr("amount >"),
	}, manager)
	s.requireCode(err, errors.ErrCodeInvalidInput)

	_, err = s.policies.Create(s.ctx, PolicyInput{
		EntityType: repository.EntityExpenseEntry, ActionType: repository.ActionApprove,
		ThresholdPct: ptr(-1.0),
	}, manager)
	s.requireCode(err, errors.ErrCodeInvalidInput)
	s.Contains(err.Error(), "thresholdPct")

	p, err := s.policies.Create(s.ctx, PolicyInput{
		EntityType: repository.EntityExpenseEntry, ActionType: repository.ActionApprove,
		ConditionExpr: ptr("  "),
		Steps:         []repository.PolicyStep{{StepOrder: 3}, {StepOrder: 1}},
	}, manager)
	s.Require().NoError(err)
	s.Nil(p.ConditionExpr)
	s.Equal(1, p.Steps[0].StepOrder)
	s.Equal(manager.UserID, *p.CreatedBy)

	_, err = s.policies.Get(s.ctx, p.ID, outsider)
	s.requireCode(err, errors.ErrCodeNotFound)

	listed, err := s.policies.List(s.ctx, "c1", repository.PolicyFilter{})
	s.Require().NoError(err)
	s.Len(listed, 1)
}
