package memory

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/repository"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedClock()))

	tank := &repository.Tank{CompanyID: "c1", BranchID: "b1", Capacity: 1000, CurrentLevel: 300}
	require.NoError(t, s.Tanks().Create(ctx, tank))

	boom := stderrors.New("boom")
	err := s.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		require.NoError(t, tx.Tanks().UpdateLevel(ctx, tank.ID, 50))
		require.NoError(t, tx.Audit().Append(ctx, &repository.ApprovalAuditEvent{ApprovalRequestID: "r1", EventType: "x"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Tanks().GetByID(ctx, tank.ID)
	require.NoError(t, err)
	assert.Equal(t, 300.0, got.CurrentLevel)

	events, err := s.Audit().ListByRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTransactionCommit(t *testing.T) {
	ctx := context.Background()
	s := New()

	var id string
	err := s.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		req := &repository.ApprovalRequest{CompanyID: "c1", BranchID: "b1", Status: repository.RequestDraft}
		if err := tx.Requests().Create(ctx, req); err != nil {
			return err
		}
		id = req.ID
		return nil
	})
	require.NoError(t, err)

	got, err := s.Requests().GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestDraft, got.Status)
}

func TestStepsCurrentPendingAndSkip(t *testing.T) {
	ctx := context.Background()
	s := New()

	steps := []*repository.ApprovalStep{
		{ApprovalRequestID: "r1", StepOrder: 2, Status: repository.StepPending},
		{ApprovalRequestID: "r1", StepOrder: 1, Status: repository.StepPending},
		{ApprovalRequestID: "r2", StepOrder: 1, Status: repository.StepPending},
	}
	require.NoError(t, s.Steps().CreateBatch(ctx, steps))

	cur, err := s.Steps().CurrentPending(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, 1, cur.StepOrder)

	require.NoError(t, s.Steps().Decide(ctx, cur.ID, repository.StepApproved, "u2", time.Now(), nil))
	err = s.Steps().Decide(ctx, cur.ID, repository.StepApproved, "u2", time.Now(), nil)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))

	n, err := s.Steps().CountPending(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	skipped, err := s.Steps().SkipPending(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, skipped)

	cur, err = s.Steps().CurrentPending(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, cur)

	list, err := s.Steps().ListByRequest(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, repository.StepApproved, list[0].Status)
	assert.Equal(t, repository.StepSkipped, list[1].Status)
}

func TestRequestListFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedClock()))

	for _, by := range []string{"u1", "u2", "u1"} {
		require.NoError(t, s.Requests().Create(ctx, &repository.ApprovalRequest{
			CompanyID: "c1", BranchID: "b1", RequestedBy: by, Status: repository.RequestDraft,
		}))
	}
	require.NoError(t, s.Requests().Create(ctx, &repository.ApprovalRequest{CompanyID: "c2", RequestedBy: "u1"}))

	by := "u1"
	list, total, err := s.Requests().List(ctx, repository.RequestFilter{CompanyID: "c1", RequestedBy: &by})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, list, 2)

	list, total, err = s.Requests().List(ctx, repository.RequestFilter{CompanyID: "c1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, list, 1)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	p := &repository.ApprovalPolicy{CompanyID: "c1", Steps: []repository.PolicyStep{{StepOrder: 1}}}
	require.NoError(t, s.Policies().Create(ctx, p))
	p.Steps[0].StepOrder = 9

	got, err := s.Policies().GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Steps[0].StepOrder)
}
