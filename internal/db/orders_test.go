package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

func TestCreateOrder_SingleActiveOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := createOrder(t, s, models.OrderScheduled, ptr(now.Add(time.Hour)), now.Add(2*time.Hour))

	second := models.Order{Title: "second", Deadline: now.Add(3 * time.Hour), Status: models.OrderOpen}
	assert.ErrorIs(t, s.CreateOrder(ctx, &second), ErrActiveOrderExists)

	past := models.Order{Title: "archived", Deadline: now.Add(-time.Hour), Status: models.OrderClosed, ClosedAt: ptr(now)}
	require.NoError(t, s.CreateOrder(ctx, &past))

	got, err := s.GetOrder(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderScheduled, got.Status)
	assert.Empty(t, got.Notified)

	_, err = s.GetOrder(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCandidateQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := createOrder(t, s, models.OrderScheduled, ptr(now.Add(-time.Minute)), now.Add(time.Hour))

	orders, err := s.DueScheduledOrders(ctx, now)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, due.ID, orders[0].ID)

	orders, err = s.DueScheduledOrders(ctx, now.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, orders)

	ok, err := s.TransitionOrder(ctx, due.ID, models.OrderScheduled, models.OrderOpen, now)
	require.NoError(t, err)
	require.True(t, ok)

	orders, err = s.ExpiredOpenOrders(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, orders)

	orders, err = s.ExpiredOpenOrders(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, orders, 1)

	orders, err = s.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.NotNil(t, orders[0].OpenedAt)
}

func TestTransitionOrder_ConditionedOnStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	o := createOrder(t, s, models.OrderOpen, nil, now.Add(-time.Minute))

	ok, err := s.TransitionOrder(ctx, o.ID, models.OrderScheduled, models.OrderOpen, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TransitionOrder(ctx, o.ID, models.OrderOpen, models.OrderClosed, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionOrder(ctx, o.ID, models.OrderOpen, models.OrderClosed, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.TransitionOrder(ctx, o.ID, models.OrderClosed, models.OrderOpen, now)
	assert.Error(t, err)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderClosed, got.Status)
	require.NotNil(t, got.ClosedAt)
}

func TestClaimNotification_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	o := createOrder(t, s, models.OrderOpen, nil, now.Add(time.Hour))

	const claimants = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.ClaimNotification(ctx, o.ID, models.KindClosure, now,
				models.SystemDraft(models.CommandOrderClosed, o.ID, "", "closed"),
				models.SystemDraft(models.CommandOrderSummary, o.ID, models.ReasonDeadline, "summary"),
			)
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)

	entries, err := s.EntriesForOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.ClosureEmailSent())
}

func TestClaimNotification_FailedEnqueueReleasesClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	o := createOrder(t, s, models.OrderOpen, nil, now.Add(time.Hour))

	bad := models.QueueEntryDraft{Recipient: ""}
	won, err := s.ClaimNotification(ctx, o.ID, models.KindOpening, now,
		models.SystemDraft(models.CommandOrderOpened, o.ID, "", "opened"), bad)
	require.ErrorIs(t, err, ErrInvalidDraft)
	assert.False(t, won)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, got.OpeningEmailSent())

	entries, err := s.EntriesForOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	won, err = s.ClaimNotification(ctx, o.ID, models.KindOpening, now,
		models.SystemDraft(models.CommandOrderOpened, o.ID, "", "opened"))
	require.NoError(t, err)
	assert.True(t, won)
}

func TestClosedMissingNotification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	o := createOrder(t, s, models.OrderOpen, nil, now.Add(-time.Minute))
	ok, err := s.TransitionOrder(ctx, o.ID, models.OrderOpen, models.OrderClosed, now)
	require.NoError(t, err)
	require.True(t, ok)

	orders, err := s.ClosedMissingNotification(ctx, models.KindClosure, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, orders, 1)

	orders, err = s.ClosedMissingNotification(ctx, models.KindClosure, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, orders, "outside the recovery window")

	_, err = s.ClaimNotification(ctx, o.ID, models.KindClosure, now)
	require.NoError(t, err)

	orders, err = s.ClosedMissingNotification(ctx, models.KindClosure, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, orders)
}
