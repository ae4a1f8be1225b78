package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func createOrder(t *testing.T, s *Store, status models.OrderStatus, opening *time.Time, deadline time.Time) models.Order {
	t.Helper()

	o := models.Order{
		Title:       "General order",
		OpeningTime: opening,
		Deadline:    deadline,
		Status:      status,
	}
	require.NoError(t, s.CreateOrder(context.Background(), &o))
	return o
}

func ptr[T any](v T) *T { return &v }
