package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderScheduled OrderStatus = "scheduled"
	OrderOpen      OrderStatus = "open"
	OrderClosed    OrderStatus = "closed"
)

// NotificationKind names a one-time side effect of an order's lifecycle.
// A kind recorded for an order is never removed.
type NotificationKind string

const (
	KindOpening     NotificationKind = "opening"
	KindReminder1h  NotificationKind = "reminder_1h"
	KindReminder10m NotificationKind = "reminder_10m"
	KindClosure     NotificationKind = "closure"
)

// Order is one general order (group-buy window).
type Order struct {
	ID          uuid.UUID   `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	OpeningTime *time.Time  `json:"opening_time,omitempty"`
	Deadline    time.Time   `json:"deadline"`
	Status      OrderStatus `json:"status"`

	OpenedAt *time.Time `json:"opened_at,omitempty"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	// Notified holds the kinds already claimed for this order.
	Notified map[NotificationKind]bool `json:"notified,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (o Order) Sent(kind NotificationKind) bool {
	return o.Notified[kind]
}

func (o Order) OpeningEmailSent() bool { return o.Sent(KindOpening) }
func (o Order) Reminder1hSent() bool   { return o.Sent(KindReminder1h) }
func (o Order) Reminder10mSent() bool  { return o.Sent(KindReminder10m) }
func (o Order) ClosureEmailSent() bool { return o.Sent(KindClosure) }

// OrderStats aggregates the participant line items of one order.
type OrderStats struct {
	Participants int             `json:"participants"`
	Products     int             `json:"products"`
	Items        int             `json:"items"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
}

// OrderItem is one participant line item of an order.
type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     uuid.UUID       `json:"order_id"`
	UserID      uuid.UUID       `json:"user_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (i OrderItem) Total() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
