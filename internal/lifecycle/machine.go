// Package lifecycle moves general orders through scheduled, open and closed
// as a function of wall-clock time and queues the side effects of each move.
//
// Every transition is a conditioned update and every side effect is claimed
// through a per-order notification kind, so any number of overlapping scans
// produce each effect once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/socsahar/Vapes-Shop-sub001/internal/metrics"
	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

const (
	reminder1hWindow  = time.Hour
	reminder10mWindow = 10 * time.Minute
)

var ErrInvalidTransition = errors.New("invalid order transition")

// Store is the order side of the relational store.
type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error)
	DueScheduledOrders(ctx context.Context, now time.Time) ([]models.Order, error)
	ExpiredOpenOrders(ctx context.Context, now time.Time) ([]models.Order, error)
	OpenOrders(ctx context.Context) ([]models.Order, error)
	ClosedMissingNotification(ctx context.Context, kind models.NotificationKind, since time.Time) ([]models.Order, error)
	TransitionOrder(ctx context.Context, id uuid.UUID, from, to models.OrderStatus, at time.Time) (bool, error)
	ClaimNotification(ctx context.Context, orderID uuid.UUID, kind models.NotificationKind, at time.Time, drafts ...models.QueueEntryDraft) (bool, error)
}

// Shop keeps storefront visibility in line with order transitions.
type Shop interface {
	OpenFor(ctx context.Context, order models.Order) error
	CloseFor(ctx context.Context, orderID uuid.UUID) error
	Reconcile(ctx context.Context) error
}

type Machine struct {
	Store Store
	Shop  Shop
	Log   *zap.Logger

	// MaxAttempts overrides the attempt budget of queued system entries.
	MaxAttempts int
	// RecoveryWindow is how far back closed orders are checked for a
	// closure that was never queued.
	RecoveryWindow time.Duration
}

type ScanResult struct {
	Opened    []uuid.UUID `json:"opened"`
	Closed    []uuid.UUID `json:"closed"`
	Reminders int         `json:"reminders"`
	Recovered int         `json:"recovered"`
	Errors    []string    `json:"errors,omitempty"`
}

func (r *ScanResult) fail(log *zap.Logger, msg string, o models.Order, err error) {
	log.Error(msg, zap.String("order_id", o.ID.String()), zap.Error(err))
	r.Errors = append(r.Errors, fmt.Sprintf("%s: order %s: %v", msg, o.ID, err))
}

// ScanAndTransition runs one pass over all orders. Failures inside one order
// are recorded on the result and do not stop the pass; failing to load a
// candidate set aborts it. Once ctx is done no further order is started,
// while the order in progress completes.
func (m *Machine) ScanAndTransition(ctx context.Context, now time.Time) (ScanResult, error) {
	var res ScanResult
	log := m.Log

	// ----------------------------
	// scheduled -> open
	// ----------------------------
	if m.stopped(ctx) {
		return res, nil
	}
	due, err := m.Store.DueScheduledOrders(ctx, now)
	if err != nil {
		return res, fmt.Errorf("load due orders: %w", err)
	}
	openedNow := make(map[uuid.UUID]bool)
	for _, o := range due {
		if m.stopped(ctx) {
			return res, nil
		}
		octx := context.WithoutCancel(ctx)

		won, err := m.Store.TransitionOrder(octx, o.ID, models.OrderScheduled, models.OrderOpen, now)
		if err != nil {
			res.fail(log, "open order", o, err)
			continue
		}
		if !won {
			continue
		}
		metrics.OrderTransitions.WithLabelValues(string(models.OrderOpen)).Inc()
		log.Info("order opened", zap.String("order_id", o.ID.String()), zap.String("title", o.Title))
		res.Opened = append(res.Opened, o.ID)
		openedNow[o.ID] = true

		if err := m.opening(octx, o, now); err != nil {
			res.fail(log, "queue opening notification", o, err)
		}
	}

	// ----------------------------
	// open -> closed
	// ----------------------------
	if m.stopped(ctx) {
		return res, nil
	}
	expired, err := m.Store.ExpiredOpenOrders(ctx, now)
	if err != nil {
		return res, fmt.Errorf("load expired orders: %w", err)
	}
	for _, o := range expired {
		// an order opened by this pass closes on the next one
		if openedNow[o.ID] {
			continue
		}
		if m.stopped(ctx) {
			return res, nil
		}
		octx := context.WithoutCancel(ctx)

		if !o.OpeningEmailSent() {
			if err := m.opening(octx, o, now); err != nil {
				res.fail(log, "queue late opening notification", o, err)
				continue
			}
		}

		won, err := m.Store.TransitionOrder(octx, o.ID, models.OrderOpen, models.OrderClosed, now)
		if err != nil {
			res.fail(log, "close order", o, err)
			continue
		}
		if won {
			metrics.OrderTransitions.WithLabelValues(string(models.OrderClosed)).Inc()
			log.Info("order closed", zap.String("order_id", o.ID.String()), zap.String("title", o.Title))
			res.Closed = append(res.Closed, o.ID)
		}

		if _, err := m.closure(octx, o, now, models.ReasonDeadline, false); err != nil {
			res.fail(log, "queue closure notifications", o, err)
		}
	}

	// ----------------------------
	// closures lost between status update and enqueue
	// ----------------------------
	if m.RecoveryWindow > 0 {
		if m.stopped(ctx) {
			return res, nil
		}
		missing, err := m.Store.ClosedMissingNotification(ctx, models.KindClosure, now.Add(-m.RecoveryWindow))
		if err != nil {
			return res, fmt.Errorf("load closed orders without closure: %w", err)
		}
		for _, o := range missing {
			if m.stopped(ctx) {
				return res, nil
			}
			won, err := m.closure(context.WithoutCancel(ctx), o, now, models.ReasonDeadline, false)
			if err != nil {
				res.fail(log, "recover closure notifications", o, err)
				continue
			}
			if won {
				log.Warn("recovered missing closure notifications", zap.String("order_id", o.ID.String()))
				res.Recovered++
			}
		}
	}

	// ----------------------------
	// reminders
	// ----------------------------
	if m.stopped(ctx) {
		return res, nil
	}
	open, err := m.Store.OpenOrders(ctx)
	if err != nil {
		return res, fmt.Errorf("load open orders: %w", err)
	}
	for _, o := range open {
		if m.stopped(ctx) {
			return res, nil
		}
		octx := context.WithoutCancel(ctx)

		if !o.OpeningEmailSent() && !openedNow[o.ID] {
			if err := m.opening(octx, o, now); err != nil {
				res.fail(log, "queue missing opening notification", o, err)
			}
		}

		n, err := m.reminders(octx, o, now)
		if err != nil {
			res.fail(log, "queue reminder", o, err)
		}
		res.Reminders += n
	}

	if err := m.Shop.Reconcile(context.WithoutCancel(ctx)); err != nil {
		log.Warn("shop status reconcile failed", zap.Error(err))
	}
	return res, nil
}

// ForceClose closes an open order ahead of its deadline. With silent set the
// closure is recorded without notifying anyone.
func (m *Machine) ForceClose(ctx context.Context, id uuid.UUID, now time.Time, silent bool) error {
	o, err := m.Store.GetOrder(ctx, id)
	if err != nil {
		return err
	}

	switch o.Status {
	case models.OrderScheduled:
		return fmt.Errorf("%w: order %s has not opened yet", ErrInvalidTransition, id)
	case models.OrderOpen:
		won, err := m.Store.TransitionOrder(ctx, id, models.OrderOpen, models.OrderClosed, now)
		if err != nil {
			return err
		}
		if won {
			metrics.OrderTransitions.WithLabelValues(string(models.OrderClosed)).Inc()
			m.Log.Info("order closed manually",
				zap.String("order_id", id.String()),
				zap.Bool("silent", silent),
			)
		}
	}

	_, err = m.closure(ctx, o, now, models.ReasonManual, silent)
	return err
}

func (m *Machine) stopped(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	m.Log.Warn("scan budget exhausted, remaining orders wait for the next run")
	return true
}

func (m *Machine) draft(cmd models.Command, o models.Order, reason string) models.QueueEntryDraft {
	d := models.SystemDraft(cmd, o.ID, reason, o.Title)
	if m.MaxAttempts > 0 {
		d.MaxAttempts = m.MaxAttempts
	}
	return d
}

func (m *Machine) claim(ctx context.Context, o models.Order, kind models.NotificationKind, at time.Time, drafts ...models.QueueEntryDraft) (bool, error) {
	won, err := m.Store.ClaimNotification(ctx, o.ID, kind, at, drafts...)
	if err != nil {
		return false, err
	}
	if won {
		metrics.NotificationsClaimed.WithLabelValues(string(kind)).Inc()
		m.Log.Debug("notification claimed",
			zap.String("order_id", o.ID.String()),
			zap.String("kind", string(kind)),
			zap.Int("entries", len(drafts)),
		)
	}
	return won, nil
}

// opening queues the opening fan-out, then opens the shop. A failed claim
// leaves the shop untouched; a shop failure is only logged.
func (m *Machine) opening(ctx context.Context, o models.Order, now time.Time) error {
	if _, err := m.claim(ctx, o, models.KindOpening, now, m.draft(models.CommandOrderOpened, o, "")); err != nil {
		return err
	}
	if err := m.Shop.OpenFor(ctx, o); err != nil {
		m.Log.Warn("open shop failed", zap.String("order_id", o.ID.String()), zap.Error(err))
	}
	return nil
}

// closure queues the closed fan-out and the admin summary, then closes the
// shop if it still points at the order.
func (m *Machine) closure(ctx context.Context, o models.Order, now time.Time, reason string, silent bool) (bool, error) {
	var drafts []models.QueueEntryDraft
	if !silent {
		drafts = []models.QueueEntryDraft{
			m.draft(models.CommandOrderClosed, o, ""),
			m.draft(models.CommandOrderSummary, o, reason),
		}
	}

	won, err := m.claim(ctx, o, models.KindClosure, now, drafts...)
	if err != nil {
		return false, err
	}
	if err := m.Shop.CloseFor(ctx, o.ID); err != nil {
		m.Log.Warn("close shop failed", zap.String("order_id", o.ID.String()), zap.Error(err))
	}
	return won, nil
}

// reminders queues at most one reminder. Inside the last ten minutes the
// one-hour kind is claimed without a message so it never goes out late.
func (m *Machine) reminders(ctx context.Context, o models.Order, now time.Time) (int, error) {
	remaining := o.Deadline.Sub(now)
	if remaining <= 0 {
		return 0, nil
	}

	switch {
	case remaining <= reminder10mWindow:
		sent := 0
		if !o.Reminder10mSent() {
			won, err := m.claim(ctx, o, models.KindReminder10m, now, m.draft(models.CommandReminder10m, o, ""))
			if err != nil {
				return 0, err
			}
			if won {
				sent++
			}
		}
		if !o.Reminder1hSent() {
			if _, err := m.claim(ctx, o, models.KindReminder1h, now); err != nil {
				return sent, err
			}
		}
		return sent, nil

	case remaining <= reminder1hWindow:
		if o.Reminder1hSent() {
			return 0, nil
		}
		won, err := m.claim(ctx, o, models.KindReminder1h, now, m.draft(models.CommandReminder1h, o, ""))
		if err != nil || !won {
			return 0, err
		}
		return 1, nil
	}
	return 0, nil
}
