package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

const orderColumns = `id, title, description, opening_time, deadline, status,
	opened_at, closed_at, created_at, updated_at`

// CreateOrder inserts an order. Orders created as scheduled or open are
// refused while another order is scheduled or open.
func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	guard := ""
	if o.Status != models.OrderClosed {
		guard = ` WHERE NOT EXISTS (SELECT 1 FROM orders WHERE status IN ('scheduled', 'open'))`
	}

	res, err := s.DB.ExecContext(ctx, s.q(
		`INSERT INTO orders (`+orderColumns+`)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`+guard),
		o.ID,
		o.Title,
		o.Description,
		nullTime(o.OpeningTime),
		o.Deadline.UTC(),
		o.Status,
		nullTime(o.OpenedAt),
		nullTime(o.ClosedAt),
		o.CreatedAt.UTC(),
		o.UpdatedAt,
	)
	ok, err := affectedOne(res, err)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if !ok {
		return ErrActiveOrderExists
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	orders, err := s.listOrders(ctx, `WHERE id = ?`, id)
	if err != nil {
		return models.Order{}, err
	}
	if len(orders) == 0 {
		return models.Order{}, ErrNotFound
	}
	return orders[0], nil
}

// DueScheduledOrders lists scheduled orders whose opening time has come.
func (s *Store) DueScheduledOrders(ctx context.Context, now time.Time) ([]models.Order, error) {
	return s.listOrders(ctx,
		`WHERE status = ? AND opening_time IS NOT NULL AND opening_time <= ? ORDER BY opening_time ASC`,
		models.OrderScheduled, now.UTC())
}

// ExpiredOpenOrders lists open orders whose deadline has passed.
func (s *Store) ExpiredOpenOrders(ctx context.Context, now time.Time) ([]models.Order, error) {
	return s.listOrders(ctx,
		`WHERE status = ? AND deadline < ? ORDER BY deadline ASC`,
		models.OrderOpen, now.UTC())
}

func (s *Store) OpenOrders(ctx context.Context) ([]models.Order, error) {
	return s.listOrders(ctx, `WHERE status = ? ORDER BY deadline ASC`, models.OrderOpen)
}

// ClosedMissingNotification lists orders closed since the given time that
// have not recorded the given notification kind.
func (s *Store) ClosedMissingNotification(ctx context.Context, kind models.NotificationKind, since time.Time) ([]models.Order, error) {
	return s.listOrders(ctx,
		`WHERE status = ? AND closed_at >= ?
		   AND NOT EXISTS (SELECT 1 FROM order_notifications n WHERE n.order_id = orders.id AND n.kind = ?)
		 ORDER BY closed_at ASC`,
		models.OrderClosed, since.UTC(), kind)
}

func (s *Store) listOrders(ctx context.Context, where string, args ...any) ([]models.Order, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT `+orderColumns+` FROM orders `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}

	// rows are closed before the follow-up query; SQLite runs on one connection.
	for i := range orders {
		notified, err := s.notified(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Notified = notified
	}
	return orders, nil
}

func scanOrders(rows *sql.Rows) ([]models.Order, error) {
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var (
			o           models.Order
			status      string
			openingTime sql.NullTime
			openedAt    sql.NullTime
			closedAt    sql.NullTime
		)
		if err := rows.Scan(
			&o.ID, &o.Title, &o.Description, &openingTime, &o.Deadline, &status,
			&openedAt, &closedAt, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = models.OrderStatus(status)
		o.OpeningTime = timePtr(openingTime)
		o.OpenedAt = timePtr(openedAt)
		o.ClosedAt = timePtr(closedAt)
		o.Deadline = o.Deadline.UTC()
		o.CreatedAt = o.CreatedAt.UTC()
		o.UpdatedAt = o.UpdatedAt.UTC()
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *Store) notified(ctx context.Context, orderID uuid.UUID) (map[models.NotificationKind]bool, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(
		`SELECT kind FROM order_notifications WHERE order_id = ?`), orderID)
	if err != nil {
		return nil, fmt.Errorf("query order notifications: %w", err)
	}
	defer rows.Close()

	kinds := make(map[models.NotificationKind]bool)
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, err
		}
		kinds[models.NotificationKind(kind)] = true
	}
	return kinds, rows.Err()
}

// TransitionOrder moves an order from one status to the next. Only the caller
// whose conditioned update matched the expected status gets true.
func (s *Store) TransitionOrder(ctx context.Context, id uuid.UUID, from, to models.OrderStatus, at time.Time) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var stampColumn string
	switch {
	case from == models.OrderScheduled && to == models.OrderOpen:
		stampColumn = "opened_at"
	case from == models.OrderOpen && to == models.OrderClosed:
		stampColumn = "closed_at"
	default:
		return false, fmt.Errorf("invalid order transition %s -> %s", from, to)
	}

	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE orders
		 SET status = ?, `+stampColumn+` = ?, updated_at = ?
		 WHERE id = ? AND status = ?`),
		to,
		at.UTC(),
		at.UTC(),
		id,
		from,
	)
	ok, err := affectedOne(res, err)
	if err != nil {
		return false, fmt.Errorf("transition order %s: %w", id, err)
	}
	return ok, nil
}

// ClaimNotification records kind for the order and queues the drafts in one
// local transaction. It returns false, queueing nothing, when the kind was
// already recorded. A failed insert leaves the kind unclaimed.
func (s *Store) ClaimNotification(
	ctx context.Context,
	orderID uuid.UUID,
	kind models.NotificationKind,
	at time.Time,
	drafts ...models.QueueEntryDraft,
) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO order_notifications (order_id, kind, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT DO NOTHING`),
		orderID,
		kind,
		at.UTC(),
	)
	won, err := affectedOne(res, err)
	if err != nil {
		return false, fmt.Errorf("claim %s for order %s: %w", kind, orderID, err)
	}
	if !won {
		return false, nil
	}

	for _, draft := range drafts {
		if _, err := s.insertEntry(ctx, tx, draft, at); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim: %w", err)
	}
	return true, nil
}
