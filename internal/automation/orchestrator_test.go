package automation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/socsahar/Vapes-Shop-sub001/internal/db"
	"github.com/socsahar/Vapes-Shop-sub001/internal/email"
	"github.com/socsahar/Vapes-Shop-sub001/internal/lifecycle"
	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
	"github.com/socsahar/Vapes-Shop-sub001/internal/notify"
	"github.com/socsahar/Vapes-Shop-sub001/internal/shop"
	"github.com/socsahar/Vapes-Shop-sub001/internal/worker"
)

type countingTransport struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (c *countingTransport) Send(_ context.Context, msg email.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *countingTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store     *db.Store
	transport *countingTransport
	clock     *clock
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "automation.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))

	renderer, err := notify.NewRenderer(notify.RenderOptions{Language: "en", Currency: "ILS"})
	require.NoError(t, err)

	log := zap.NewNop()
	tr := &countingTransport{}
	clk := &clock{now: time.Now().UTC()}

	for _, u := range []models.User{
		{Email: "buyer1@example.com", Role: models.RoleUser, IsActive: true},
		{Email: "buyer2@example.com", Role: models.RoleUser, IsActive: true},
		{Email: "admin@example.com", Role: models.RoleAdmin, IsActive: true},
	} {
		require.NoError(t, store.CreateUser(ctx, &u))
	}

	return &fixture{
		store:     store,
		transport: tr,
		clock:     clk,
		orch: &Orchestrator{
			Machine: &lifecycle.Machine{
				Store:          store,
				Shop:           &shop.Synchronizer{Store: store, Log: log},
				Log:            log,
				RecoveryWindow: 24 * time.Hour,
			},
			Dispatcher: &notify.Dispatcher{
				Queue:     store,
				Router:    &notify.Router{Dir: store, Renderer: renderer, Log: log},
				Renderer:  renderer,
				Transport: tr,
				Pool:      worker.Pool{Workers: 2},
				Log:       log,
				RetryBase: time.Minute,
				Now:       clk.Now,
			},
			Queue: store,
			Runs:  store,
			Log:   log,
		},
	}
}

func (f *fixture) entries(t *testing.T, orderID uuid.UUID) []models.QueueEntry {
	t.Helper()
	entries, err := f.store.EntriesForOrder(context.Background(), orderID)
	require.NoError(t, err)
	return entries
}

func TestRunOnce_OpensScheduledOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	opening := now.Add(-time.Minute)
	o := models.Order{Title: "Spring", OpeningTime: &opening, Deadline: now.Add(2 * time.Hour), Status: models.OrderScheduled}
	require.NoError(t, f.store.CreateOrder(ctx, &o))

	sum := f.orch.RunOnce(ctx, now)
	assert.Equal(t, 1, sum.Opened)
	assert.Empty(t, sum.Errors)
	require.Len(t, sum.Tasks, 3)
	for _, task := range sum.Tasks {
		assert.Equal(t, "success", task.Status, task.Name)
	}

	got, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, got.Status)

	st, err := f.store.GetShopStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.CurrentGeneralOrderID)
	assert.Equal(t, o.ID, *st.CurrentGeneralOrderID)

	entries := f.entries(t, o.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.StatusSent, entries[0].Status)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 3, f.transport.count(), "one opening email per active user")

	for _, job := range []string{TaskLifecycle, TaskDispatch, TaskRecovery} {
		run, err := f.store.GetRun(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, models.CronSuccess, run.Status, job)
		assert.Equal(t, 1, run.RunCount, job)
		assert.NotNil(t, run.FinishedAt, job)
	}
}

func seedExpiredOrder(t *testing.T, f *fixture) models.Order {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()

	o := models.Order{Title: "Autumn", Deadline: now.Add(-5 * time.Minute), Status: models.OrderOpen}
	require.NoError(t, f.store.CreateOrder(ctx, &o))
	_, err := f.store.ClaimNotification(ctx, o.ID, models.KindOpening, now.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.store.SetShopStatus(ctx, &o.ID, true, "open", now.Add(-time.Hour)))
	return o
}

func TestRunOnce_ClosesExpiredOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := seedExpiredOrder(t, f)

	sum := f.orch.RunOnce(ctx, f.clock.Now())
	assert.Equal(t, 1, sum.Closed)
	assert.Equal(t, 2, sum.Processed)

	got, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderClosed, got.Status)
	assert.True(t, got.ClosureEmailSent())

	entries := f.entries(t, o.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, models.CommandOrderClosed, entries[0].Command.Command)
	assert.Equal(t, models.CommandOrderSummary, entries[1].Command.Command)

	st, err := f.store.GetShopStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsOpen)
	assert.Nil(t, st.CurrentGeneralOrderID)
}

func TestRunOnce_OverlappingTicksCloseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := seedExpiredOrder(t, f)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum := f.orch.RunOnce(ctx, f.clock.Now())
			mu.Lock()
			closed += sum.Closed
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, closed)
	assert.Len(t, f.entries(t, o.ID), 2)
	// three closed emails plus one summary, each sent once
	assert.Equal(t, 4, f.transport.count())
}

func TestRunOnce_TransportFailuresExhaustAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.err = errors.New("connection refused")

	id, err := f.store.Enqueue(ctx, models.QueueEntryDraft{Recipient: "x@example.com", Body: "hello", MaxAttempts: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		sum := f.orch.RunOnce(ctx, f.clock.Now())
		assert.Equal(t, 1, sum.Failed, "tick %d", i+1)
		f.clock.Advance(2 * time.Hour)
	}

	e, err := f.store.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, e.Status)
	assert.Equal(t, 3, e.Attempts)

	pending, err := f.store.FetchPending(ctx, f.clock.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunOnce_RequeuesStaleSending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	id, err := f.store.Enqueue(ctx, models.QueueEntryDraft{Recipient: "x@example.com", Body: "hello"})
	require.NoError(t, err)
	ok, err := f.store.MarkSending(ctx, id, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	sum := f.orch.RunOnce(ctx, now)
	assert.Equal(t, int64(1), sum.Requeued)

	e, err := f.store.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, e.Status)
}

type failingScanner struct {
	err   error
	panic bool
}

func (s failingScanner) ScanAndTransition(context.Context, time.Time) (lifecycle.ScanResult, error) {
	if s.panic {
		panic("nil order")
	}
	return lifecycle.ScanResult{}, s.err
}

func TestRunOnce_TaskFailureIsIsolated(t *testing.T) {
	tests := []struct {
		name    string
		scanner failingScanner
		wantErr string
	}{
		{"error", failingScanner{err: errors.New("load due orders: connection reset")}, "connection reset"},
		{"panic", failingScanner{panic: true}, "task panicked: nil order"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.orch.Machine = tt.scanner

			_, err := f.store.Enqueue(ctx, models.QueueEntryDraft{Recipient: "x@example.com", Body: "hello"})
			require.NoError(t, err)

			sum := f.orch.RunOnce(ctx, f.clock.Now())
			require.Len(t, sum.Tasks, 3)
			assert.Equal(t, "failed", sum.Tasks[0].Status)
			assert.Equal(t, "success", sum.Tasks[1].Status)
			assert.Equal(t, 1, sum.Processed, "dispatch still ran")
			require.Len(t, sum.Errors, 1)
			assert.Contains(t, sum.Errors[0], tt.wantErr)

			run, err := f.store.GetRun(ctx, TaskLifecycle)
			require.NoError(t, err)
			assert.Equal(t, models.CronFailed, run.Status)
			assert.Equal(t, 1, run.ErrorCount)
			assert.Contains(t, run.LastError, tt.wantErr)
		})
	}
}

type fakeLease struct {
	held map[string]bool
	err  error
}

func (l fakeLease) Acquire(_ context.Context, name string) (func(), bool, error) {
	if l.err != nil {
		return func() {}, false, l.err
	}
	return func() {}, !l.held[name], nil
}

func TestRunOnce_Lease(t *testing.T) {
	t.Run("held task is skipped", func(t *testing.T) {
		f := newFixture(t)
		f.orch.Lease = fakeLease{held: map[string]bool{TaskDispatch: true}}

		sum := f.orch.RunOnce(context.Background(), f.clock.Now())
		require.Len(t, sum.Tasks, 3)
		assert.Equal(t, "skipped", sum.Tasks[1].Status)

		_, err := f.store.GetRun(context.Background(), TaskDispatch)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("lease errors do not block work", func(t *testing.T) {
		f := newFixture(t)
		f.orch.Lease = fakeLease{err: errors.New("redis: connection refused")}

		sum := f.orch.RunOnce(context.Background(), f.clock.Now())
		for _, task := range sum.Tasks {
			assert.Equal(t, "success", task.Status, task.Name)
		}
	})
}

func TestRunOnce_SpentBudgetStillRecordsRuns(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	opening := now.Add(-time.Minute)
	o := models.Order{Title: "Late", OpeningTime: &opening, Deadline: now.Add(time.Hour), Status: models.OrderScheduled}
	require.NoError(t, f.store.CreateOrder(context.Background(), &o))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum := f.orch.RunOnce(ctx, now)
	assert.Zero(t, sum.Opened)
	require.Len(t, sum.Tasks, 3)

	run, err := f.store.GetRun(context.Background(), TaskLifecycle)
	require.NoError(t, err)
	assert.Equal(t, models.CronSuccess, run.Status)
}
