package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/photo-archiver/internal/crawler"
	"github.com/JakeFAU/photo-archiver/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var errTimeout = fmt.Errorf("%w: fetch listing: timeout", crawler.ErrNetwork)

func TestTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      crawler.Page
		outcome Outcome
		want    crawler.Page
	}{
		{
			name:    "first success",
			in:      crawler.Page{ID: 1},
			outcome: Success,
			want:    crawler.Page{ID: 1, Status: crawler.PageStatusFetched},
		},
		{
			name:    "first failure",
			in:      crawler.Page{ID: 1},
			outcome: Failure,
			want:    crawler.Page{ID: 1, Status: crawler.PageStatusFailed, AttemptCount: 1},
		},
		{
			name:    "failure reaching the bound exhausts",
			in:      crawler.Page{ID: 1, Status: crawler.PageStatusFailed, AttemptCount: 2},
			outcome: Failure,
			want:    crawler.Page{ID: 1, Status: crawler.PageStatusExhausted, AttemptCount: 3},
		},
		{
			name:    "permanent exhausts immediately",
			in:      crawler.Page{ID: 1},
			outcome: Permanent,
			want:    crawler.Page{ID: 1, Status: crawler.PageStatusExhausted, AttemptCount: 1},
		},
		{
			name:    "exhausted absorbs failures",
			in:      crawler.Page{ID: 1, Status: crawler.PageStatusExhausted, AttemptCount: 3},
			outcome: Failure,
			want:    crawler.Page{ID: 1, Status: crawler.PageStatusExhausted, AttemptCount: 3},
		},
		{
			name:    "success after failures keeps the count",
			in:      crawler.Page{ID: 1, Status: crawler.PageStatusFailed, AttemptCount: 2, LastError: "x"},
			outcome: Success,
			want:    crawler.Page{ID: 1, Status: crawler.PageStatusFetched, AttemptCount: 2},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Transition(tc.in, tc.outcome, 3))
		})
	}
}

func TestTransitionNeverExceedsBound(t *testing.T) {
	t.Parallel()

	for maxAttempts := 1; maxAttempts <= 5; maxAttempts++ {
		page := crawler.Page{ID: 1}
		for range 10 {
			page = Transition(page, Failure, maxAttempts)
			require.LessOrEqual(t, page.AttemptCount, maxAttempts)
		}
		assert.Equal(t, crawler.PageStatusExhausted, page.Status)
		assert.Equal(t, maxAttempts, page.AttemptCount)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Success, Classify(nil))
	assert.Equal(t, Failure, Classify(errTimeout))
	assert.Equal(t, Failure, Classify(&crawler.ParseError{Field: "title"}))
	assert.Equal(t, Permanent, Classify(fmt.Errorf("fetch listing: %w", &crawler.StatusError{StatusCode: http.StatusNotFound})))
	assert.Equal(t, Failure, Classify(&crawler.StatusError{StatusCode: http.StatusBadGateway}))
}

func TestRecordFailureLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := New(3, fixedClock{first}, zap.NewNop())

	var statuses []crawler.PageStatus
	for range 4 {
		require.NoError(t, store.InTx(ctx, func(tx crawler.Tx) error {
			page, err := tr.RecordFailure(ctx, tx, 7, errTimeout)
			statuses = append(statuses, page.Status)
			return err
		}))
	}
	assert.Equal(t, []crawler.PageStatus{
		crawler.PageStatusFailed,
		crawler.PageStatusFailed,
		crawler.PageStatusExhausted,
		crawler.PageStatusExhausted,
	}, statuses)

	require.NoError(t, store.InTx(ctx, func(tx crawler.Tx) error {
		page, ok, err := tx.GetPage(ctx, 7)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 3, page.AttemptCount)
		assert.Contains(t, page.LastError, "timeout")

		rec, ok, err := tx.GetFailedPage(ctx, 7)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 3, rec.Attempts)
		assert.True(t, rec.Exhausted)
		assert.Equal(t, first, rec.FirstFailedAt)
		return nil
	}))
}

func TestRecordSuccessRetainsAuditRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	tr := New(3, nil, nil)

	require.NoError(t, store.InTx(ctx, func(tx crawler.Tx) error {
		_, err := tr.RecordFailure(ctx, tx, 4, errors.New("connection reset"))
		return err
	}))
	require.NoError(t, store.InTx(ctx, func(tx crawler.Tx) error {
		page, err := tr.RecordSuccess(ctx, tx, 4)
		require.NoError(t, err)
		assert.Equal(t, crawler.PageStatusFetched, page.Status)
		assert.Equal(t, 1, page.AttemptCount)

		_, ok, err := tx.GetFailedPage(ctx, 4)
		require.NoError(t, err)
		assert.True(t, ok, "audit row survives success")

		retry, err := tx.ListRetryablePages(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, retry)
		return nil
	}))
}

func TestRecordPermanentFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	tr := New(3, nil, nil)

	require.NoError(t, store.InTx(ctx, func(tx crawler.Tx) error {
		page, err := tr.RecordFailure(ctx, tx, 12, &crawler.StatusError{URL: "u", StatusCode: http.StatusNotFound})
		require.NoError(t, err)
		assert.Equal(t, crawler.PageStatusExhausted, page.Status)
		assert.Equal(t, 1, page.AttemptCount)
		return nil
	}))
}
