package models

import (
	"time"

	"github.com/google/uuid"
)

// ShopStatus is the singleton storefront visibility record.
type ShopStatus struct {
	IsOpen                bool       `json:"is_open"`
	CurrentGeneralOrderID *uuid.UUID `json:"current_general_order_id,omitempty"`
	Message               string     `json:"message"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// User is a read-only view of a shop account used for fan-out.
type User struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	Phone    string    `json:"phone"`
	FullName string    `json:"full_name"`
	Role     UserRole  `json:"role"`
	IsActive bool      `json:"is_active"`
}
