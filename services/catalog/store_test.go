package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dropship-controlplane/services/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := testutil.NewTestDB(t, &Product{})
	return NewStore(db)
}

func TestStore_UpsertCreatesThenUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Upsert(ctx, &Product{
		ProductCode:   "src-a:sku-1",
		SourceID:      "src-a",
		Name:          "usb cable",
		Price:         1500,
		StockQuantity: 10,
		Category:      "electronics",
	})
	require.NoError(t, err)
	require.True(t, created)

	first, err := store.Get(ctx, "src-a:sku-1")
	require.NoError(t, err)
	firstSeen := first.CollectedAt

	time.Sleep(10 * time.Millisecond)

	created, err = store.Upsert(ctx, &Product{
		ProductCode:   "src-a:sku-1",
		SourceID:      "src-a",
		Name:          "usb cable v2",
		Price:         1800,
		StockQuantity: 5,
		Category:      "electronics",
	})
	require.NoError(t, err)
	require.False(t, created)

	got, err := store.Get(ctx, "src-a:sku-1")
	require.NoError(t, err)
	require.Equal(t, "usb cable v2", got.Name)
	require.Equal(t, float64(1800), got.Price)
	require.Equal(t, 5, got.StockQuantity)
	// First-sight timestamp survives re-collection.
	require.WithinDuration(t, firstSeen, got.CollectedAt, time.Millisecond)
	require.True(t, got.UpdatedAt.After(got.CollectedAt))
}

func TestStore_Exists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.Upsert(ctx, &Product{ProductCode: "p1", SourceID: "src-a", Name: "x"})
	require.NoError(t, err)

	ok, err = store.Exists(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
}
