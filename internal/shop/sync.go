package shop

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

const defaultClosedMessage = "No general order is open right now"

type Store interface {
	GetShopStatus(ctx context.Context) (models.ShopStatus, error)
	SetShopStatus(ctx context.Context, orderID *uuid.UUID, open bool, message string, at time.Time) error
	OpenShopFor(ctx context.Context, orderID uuid.UUID, message string, at time.Time) (bool, error)
	CloseShopFor(ctx context.Context, orderID uuid.UUID, message string, at time.Time) (bool, error)
	OpenOrders(ctx context.Context) ([]models.Order, error)
}

// Synchronizer keeps the storefront singleton in line with order statuses.
// Its writes never undo an order transition: callers log its errors.
type Synchronizer struct {
	Store Store
	Log   *zap.Logger

	ClosedMessage string
	Now           func() time.Time
}

// SetShopOrder overwrites the storefront status.
func (s *Synchronizer) SetShopOrder(ctx context.Context, orderID *uuid.UUID, open bool, message string) error {
	if err := s.Store.SetShopStatus(ctx, orderID, open, message, s.now()); err != nil {
		return err
	}
	s.Log.Info("shop status set", zap.Bool("open", open), zap.Stringp("order_id", idString(orderID)))
	return nil
}

// OpenFor opens the shop for an order unless another open order owns it.
func (s *Synchronizer) OpenFor(ctx context.Context, o models.Order) error {
	ok, err := s.Store.OpenShopFor(ctx, o.ID, openMessage(o), s.now())
	if err != nil {
		return err
	}
	if !ok {
		s.Log.Warn("shop is held by another open order", zap.String("order_id", o.ID.String()))
		return nil
	}
	s.Log.Info("shop opened", zap.String("order_id", o.ID.String()))
	return nil
}

// CloseFor closes the shop only if it points at the order.
func (s *Synchronizer) CloseFor(ctx context.Context, orderID uuid.UUID) error {
	ok, err := s.Store.CloseShopFor(ctx, orderID, s.closedMessage(), s.now())
	if err != nil {
		return err
	}
	if ok {
		s.Log.Info("shop closed", zap.String("order_id", orderID.String()))
	}
	return nil
}

// Reconcile derives the storefront status from the orders that are open now
// and rewrites it when it disagrees.
func (s *Synchronizer) Reconcile(ctx context.Context) error {
	st, err := s.Store.GetShopStatus(ctx)
	if err != nil {
		return fmt.Errorf("read shop status: %w", err)
	}
	open, err := s.Store.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("read open orders: %w", err)
	}

	if len(open) == 0 {
		if !st.IsOpen && st.CurrentGeneralOrderID == nil {
			return nil
		}
		s.Log.Warn("shop open without an open order, closing")
		return s.SetShopOrder(ctx, nil, false, s.closedMessage())
	}

	if len(open) > 1 {
		s.Log.Warn("more than one open order", zap.Int("open_orders", len(open)))
	}
	if st.IsOpen && st.CurrentGeneralOrderID != nil {
		for _, o := range open {
			if o.ID == *st.CurrentGeneralOrderID {
				return nil
			}
		}
	}

	target := open[0]
	s.Log.Warn("shop status out of date, pointing it at the open order",
		zap.String("order_id", target.ID.String()))
	return s.SetShopOrder(ctx, &target.ID, true, openMessage(target))
}

func (s *Synchronizer) closedMessage() string {
	if s.ClosedMessage != "" {
		return s.ClosedMessage
	}
	return defaultClosedMessage
}

func (s *Synchronizer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func openMessage(o models.Order) string {
	return fmt.Sprintf("General order %q is open until %s", o.Title, o.Deadline.UTC().Format("2006-01-02 15:04 MST"))
}

func idString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
