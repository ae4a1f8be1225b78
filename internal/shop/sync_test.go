package shop

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/socsahar/Vapes-Shop-sub001/internal/db"
	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

func newTestSync(t *testing.T) (*Synchronizer, *db.Store) {
	t.Helper()

	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "shop.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(context.Background()))

	return &Synchronizer{Store: store, Log: zap.NewNop()}, store
}

func openOrder(t *testing.T, store *db.Store) models.Order {
	t.Helper()
	o := models.Order{Title: "Winter", Deadline: time.Now().Add(time.Hour), Status: models.OrderOpen}
	require.NoError(t, store.CreateOrder(context.Background(), &o))
	return o
}

func TestOpenForAndCloseFor(t *testing.T) {
	s, store := newTestSync(t)
	ctx := context.Background()
	o := openOrder(t, store)

	require.NoError(t, s.OpenFor(ctx, o))
	st, err := store.GetShopStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsOpen)
	assert.Contains(t, st.Message, `"Winter"`)

	// a stale close for another order leaves the shop open
	require.NoError(t, s.CloseFor(ctx, uuid.New()))
	st, err = store.GetShopStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsOpen)

	require.NoError(t, s.CloseFor(ctx, o.ID))
	st, err = store.GetShopStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsOpen)
	assert.Equal(t, defaultClosedMessage, st.Message)
}

func TestReconcile(t *testing.T) {
	s, store := newTestSync(t)
	ctx := context.Background()

	// nothing open, nothing to do
	require.NoError(t, s.Reconcile(ctx))

	// shop left open for an order that no longer exists
	ghost := uuid.New()
	require.NoError(t, s.SetShopOrder(ctx, &ghost, true, "stale"))
	require.NoError(t, s.Reconcile(ctx))
	st, err := store.GetShopStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsOpen)
	assert.Nil(t, st.CurrentGeneralOrderID)

	// an open order the shop does not know about
	o := openOrder(t, store)
	require.NoError(t, s.Reconcile(ctx))
	st, err = store.GetShopStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsOpen)
	require.NotNil(t, st.CurrentGeneralOrderID)
	assert.Equal(t, o.ID, *st.CurrentGeneralOrderID)

	before := st.UpdatedAt
	require.NoError(t, s.Reconcile(ctx))
	st, err = store.GetShopStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, st.UpdatedAt, "consistent status is not rewritten")
}

type failingStore struct {
	*db.Store
}

func (failingStore) OpenOrders(context.Context) ([]models.Order, error) {
	return nil, errors.New("database is locked")
}

func TestReconcile_StoreError(t *testing.T) {
	_, store := newTestSync(t)
	s := &Synchronizer{Store: failingStore{store}, Log: zap.NewNop()}

	err := s.Reconcile(context.Background())
	assert.ErrorContains(t, err, "read open orders")
}
