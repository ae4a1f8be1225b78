package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

// The users and order_items tables are owned by the shop's CRUD surface.
// The engine reads them for fan-out and summaries; the write helpers below
// exist for seeding and tests.

const userColumns = `id, email, phone, full_name, role, is_active`

// ActiveUsers lists active accounts that have an email address.
func (s *Store) ActiveUsers(ctx context.Context) ([]models.User, error) {
	return s.listUsers(ctx, `WHERE is_active = ? AND email IS NOT NULL AND email <> '' ORDER BY email`, true)
}

// AllUsers lists every account that has an email address, active or not.
func (s *Store) AllUsers(ctx context.Context) ([]models.User, error) {
	return s.listUsers(ctx, `WHERE email IS NOT NULL AND email <> '' ORDER BY email`)
}

func (s *Store) Admins(ctx context.Context) ([]models.User, error) {
	return s.listUsers(ctx, `WHERE role = ? AND email IS NOT NULL AND email <> '' ORDER BY email`, models.RoleAdmin)
}

func (s *Store) listUsers(ctx context.Context, where string, args ...any) ([]models.User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT `+userColumns+` FROM users `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var (
			u     models.User
			email sql.NullString
			phone sql.NullString
			role  string
		)
		if err := rows.Scan(&u.ID, &email, &phone, &u.FullName, &role, &u.IsActive); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Email = email.String
		u.Phone = phone.String
		u.Role = models.UserRole(role)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}

	_, err := s.DB.ExecContext(ctx, s.q(
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		u.ID,
		nullString(u.Email),
		nullString(u.Phone),
		u.FullName,
		u.Role,
		u.IsActive,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) OrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.DB.QueryContext(ctx, s.q(
		`SELECT id, order_id, user_id, product_id, product_name, quantity, unit_price
		 FROM order_items
		 WHERE order_id = ?
		 ORDER BY id ASC`), orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(
			&it.ID, &it.OrderID, &it.UserID, &it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) AddOrderItem(ctx context.Context, it *models.OrderItem) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := s.DB.QueryRowContext(ctx, s.q(
		`INSERT INTO order_items (order_id, user_id, product_id, product_name, quantity, unit_price)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		it.OrderID,
		it.UserID,
		it.ProductID,
		it.ProductName,
		it.Quantity,
		it.UnitPrice.StringFixed(2),
	).Scan(&it.ID)
	if err != nil {
		return fmt.Errorf("insert order item: %w", err)
	}
	return nil
}

// OrderStats aggregates the items of an order. Amounts are summed as
// decimals so no precision is lost on either driver.
func (s *Store) OrderStats(ctx context.Context, orderID uuid.UUID) (models.OrderStats, error) {
	items, err := s.OrderItems(ctx, orderID)
	if err != nil {
		return models.OrderStats{}, err
	}
	return Summarize(items), nil
}

// Summarize computes participant, product and amount totals.
func Summarize(items []models.OrderItem) models.OrderStats {
	users := make(map[uuid.UUID]struct{})
	products := make(map[string]struct{})
	stats := models.OrderStats{TotalAmount: decimal.Zero}

	for _, it := range items {
		users[it.UserID] = struct{}{}
		products[it.ProductID] = struct{}{}
		stats.Items += it.Quantity
		stats.TotalAmount = stats.TotalAmount.Add(it.Total())
	}
	stats.Participants = len(users)
	stats.Products = len(products)
	return stats
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
