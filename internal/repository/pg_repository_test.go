package repository

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-governance/internal/errors"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

var requestColumnNames = []string{
	"id", "company_id", "branch_id", "entity_type", "entity_id", "action_type",
	"status", "requested_by", "requested_at", "reason", "meta", "updated_at",
}

func TestRequestListFiltersAndPages(t *testing.T) {
	mock := newMockPool(t)
	repo := NewRequestPGRepository(mock)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var noFilter *string
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM approval_requests`)).
		WithArgs("c1", noFilter, ptr("submitted"), ptr(EntityExpenseEntry), noFilter, noFilter, ptr("u-cashier")).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

	meta := []byte(`{"amount":1500,"policyId":"p1","expense":{"category":"fuel"}}`)
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY requested_at DESC LIMIT $8 OFFSET $9`)).
		WithArgs("c1", noFilter, ptr("submitted"), ptr(EntityExpenseEntry), noFilter, noFilter, ptr("u-cashier"), 50, 2).
		WillReturnRows(pgxmock.NewRows(requestColumnNames).AddRow(
			"r1", "c1", "b1", EntityExpenseEntry, "e1", ActionApprove,
			RequestSubmitted, "u-cashier", at, ptr("fuel top-up"), meta, at,
		))

	status := RequestSubmitted
	got, total, err := repo.List(ctx, RequestFilter{
		CompanyID:   "c1",
		Status:      &status,
		EntityType:  ptr(EntityExpenseEntry),
		RequestedBy: ptr("u-cashier"),
		Offset:      2,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, got, 1)
	assert.Equal(t, RequestSubmitted, got[0].Status)
	assert.Equal(t, "fuel top-up", *got[0].Reason)
	require.NotNil(t, got[0].Meta.Amount)
	assert.Equal(t, 1500.0, *got[0].Meta.Amount)
	assert.Equal(t, "p1", *got[0].Meta.PolicyID)
	require.NotNil(t, got[0].Meta.Expense)
	assert.Equal(t, "fuel", got[0].Meta.Expense.Category)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestGetForUpdateLocksRow(t *testing.T) {
	mock := newMockPool(t)
	repo := NewRequestPGRepository(mock)

	mock.ExpectQuery(`FROM approval_requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetForUpdate(context.Background(), "missing")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestMarkSubmittedStoresFrozenMeta(t *testing.T) {
	mock := newMockPool(t)
	repo := NewRequestPGRepository(mock)
	ctx := context.Background()

	submittedAt := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	meta := RequestMeta{
		Amount:      ptr(2500.0),
		PolicyID:    ptr("p1"),
		PolicySteps: []PolicyStep{{StepOrder: 1, RequiredRole: ptr("manager"), DueHours: ptr(24)}},
		SubmittedAt: &submittedAt,
	}
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE approval_requests\s+SET status = \$2, meta = \$3`).
		WithArgs("r1", RequestSubmitted, metaJSON).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE approval_requests`).
		WithArgs("gone", RequestSubmitted, metaJSON).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.MarkSubmitted(ctx, "r1", meta))

	err = repo.MarkSubmitted(ctx, "gone", meta)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStepDecideOnlyTouchesPending(t *testing.T) {
	mock := newMockPool(t)
	repo := NewStepPGRepository(mock)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	reason := ptr("receipts attached")

	mock.ExpectExec(`UPDATE approval_steps[\s\S]+WHERE id = \$1 AND status = 'pending'`).
		WithArgs("s1", StepApproved, "u-manager", at, reason).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE approval_steps`).
		WithArgs("s1", StepRejected, "u-other", at, reason).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.Decide(ctx, "s1", StepApproved, "u-manager", at, reason))

	err := repo.Decide(ctx, "s1", StepRejected, "u-other", at, reason)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict), err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
