package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

func (s *Store) GetShopStatus(ctx context.Context) (models.ShopStatus, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var (
		st      models.ShopStatus
		current uuid.NullUUID
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT is_open, current_general_order_id, message, updated_at FROM shop_status WHERE id = 1`,
	).Scan(&st.IsOpen, &current, &st.Message, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ShopStatus{}, nil
	}
	if err != nil {
		return models.ShopStatus{}, fmt.Errorf("get shop status: %w", err)
	}
	if current.Valid {
		id := current.UUID
		st.CurrentGeneralOrderID = &id
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

// SetShopStatus overwrites the singleton row.
func (s *Store) SetShopStatus(ctx context.Context, orderID *uuid.UUID, open bool, message string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.DB.ExecContext(ctx, s.q(
		`INSERT INTO shop_status (id, is_open, current_general_order_id, message, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   is_open = excluded.is_open,
		   current_general_order_id = excluded.current_general_order_id,
		   message = excluded.message,
		   updated_at = excluded.updated_at`),
		open,
		nullUUID(orderID),
		message,
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("set shop status: %w", err)
	}
	return nil
}

// OpenShopFor opens the shop on behalf of an order unless a different open
// order already owns it.
func (s *Store) OpenShopFor(ctx context.Context, orderID uuid.UUID, message string, at time.Time) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE shop_status
		 SET is_open = ?, current_general_order_id = ?, message = ?, updated_at = ?
		 WHERE id = 1
		   AND NOT (is_open AND EXISTS (
		     SELECT 1 FROM orders o
		     WHERE o.id = shop_status.current_general_order_id
		       AND o.id <> ?
		       AND o.status = 'open'))`),
		true,
		orderID,
		message,
		at.UTC(),
		orderID,
	)
	ok, err := affectedOne(res, err)
	if err != nil {
		return false, fmt.Errorf("open shop for order %s: %w", orderID, err)
	}
	return ok, nil
}

// CloseShopFor closes the shop only when it references the given order.
func (s *Store) CloseShopFor(ctx context.Context, orderID uuid.UUID, message string, at time.Time) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE shop_status
		 SET is_open = ?, current_general_order_id = NULL, message = ?, updated_at = ?
		 WHERE id = 1 AND current_general_order_id = ?`),
		false,
		message,
		at.UTC(),
		orderID,
	)
	ok, err := affectedOne(res, err)
	if err != nil {
		return false, fmt.Errorf("close shop for order %s: %w", orderID, err)
	}
	return ok, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
