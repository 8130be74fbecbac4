package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"dropship-controlplane/pkg/config"
	"dropship-controlplane/pkg/errutil"
	"dropship-controlplane/services/catalog"
	"dropship-controlplane/services/source"
	"dropship-controlplane/services/testutil"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Collector.WorkerPoolSize = 2
	cfg.Collector.RatePerSecond = 1000
	cfg.Collector.RateBurst = 1000
	return cfg
}

func newTestEngine(t *testing.T, adapters ...source.Adapter) (*Engine, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &catalog.Product{}, &BatchRecord{})

	registry := source.NewRegistry()
	for _, a := range adapters {
		registry.Register(a)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	engine := NewEngine(EngineParams{
		DB:       db,
		Store:    catalog.NewStore(db),
		Adapters: registry,
		Limiter:  source.NewLimiterSet(testConfig()),
		Node:     node,
		Logger:   zap.NewNop(),
		Config:   testConfig(),
	})

	return engine, db
}

func sampleCandidates() []source.Candidate {
	return []source.Candidate{
		{ProductCode: "sku-1", Name: "usb cable", Price: 1500, StockQuantity: 10, Category: "electronics"},
		{ProductCode: "sku-2", Name: "charger", Price: 3000, StockQuantity: 0, Category: "electronics"},
		{ProductCode: "sku-3", Name: "keyboard", Price: 15000, StockQuantity: 4, Category: "electronics"},
		{ProductCode: "sku-4", Name: "mouse", Price: 8000, StockQuantity: 7, Category: "electronics"},
		{ProductCode: "sku-5", Name: "hub", Price: 5000, StockQuantity: 0, Category: "electronics"},
	}
}

func TestEngine_RunAppliesFilter(t *testing.T) {
	engine, _ := newTestEngine(t, source.NewStaticAdapter("src-a", sampleCandidates()))

	max := float64(10000)
	batch, err := engine.Run(context.Background(), "src-a", source.Filter{StockOnly: true, PriceMax: &max})
	require.NoError(t, err)

	// Two items are out of stock and one is over the price cap.
	require.Equal(t, BatchSuccess, batch.Status)
	require.Equal(t, 2, batch.TotalCollected)
	require.Equal(t, 0, batch.TotalUpdated)
	require.NotNil(t, batch.CompletedAt)
}

func TestEngine_SecondRunReportsUpdates(t *testing.T) {
	engine, _ := newTestEngine(t, source.NewStaticAdapter("src-a", sampleCandidates()))
	ctx := context.Background()

	first, err := engine.Run(ctx, "src-a", source.Filter{})
	require.NoError(t, err)
	require.Equal(t, 5, first.TotalCollected)
	require.Equal(t, 0, first.TotalUpdated)

	second, err := engine.Run(ctx, "src-a", source.Filter{})
	require.NoError(t, err)
	require.Equal(t, 0, second.TotalCollected)
	require.Equal(t, 5, second.TotalUpdated)
}

func TestEngine_AdapterErrorKeepsPartialResults(t *testing.T) {
	adapter := source.NewStaticAdapter("src-a", sampleCandidates()).
		FailAt(2, errors.New("connection reset"))
	engine, db := newTestEngine(t, adapter)

	batch, err := engine.Run(context.Background(), "src-a", source.Filter{})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusSourceFailure))

	require.Equal(t, BatchFailed, batch.Status)
	require.Equal(t, 2, batch.TotalCollected)
	require.Contains(t, batch.ErrorMessage, "connection reset")

	// Upserts applied before the failure stay applied.
	var count int64
	require.NoError(t, db.Model(&catalog.Product{}).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestEngine_ReExecuteRecountsFromScratch(t *testing.T) {
	adapter := source.NewStaticAdapter("src-a", sampleCandidates()).
		FailAt(2, errors.New("connection reset"))
	engine, db := newTestEngine(t, adapter)
	ctx := context.Background()

	batch, err := engine.Run(ctx, "src-a", source.Filter{})
	require.Error(t, err)
	require.Equal(t, BatchFailed, batch.Status)
	require.Equal(t, 2, batch.TotalCollected)

	// The source recovers and the queue redelivers the task against the
	// same record. The second pass re-reads everything: the two pre-failure
	// upserts now count as updates, not a second time as collected.
	adapter.FailAt(-1, nil)

	var reloaded BatchRecord
	require.NoError(t, db.Where("id = ?", batch.ID).First(&reloaded).Error)
	require.NoError(t, engine.Execute(ctx, &reloaded, source.Filter{}))

	require.Equal(t, BatchSuccess, reloaded.Status)
	require.Equal(t, 3, reloaded.TotalCollected)
	require.Equal(t, 2, reloaded.TotalUpdated)
	require.Empty(t, reloaded.ErrorMessage)
}

func TestEngine_UnknownSource(t *testing.T) {
	engine, _ := newTestEngine(t)

	batch, err := engine.Run(context.Background(), "nope", source.Filter{})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
	require.Equal(t, BatchFailed, batch.Status)
}

func TestEngine_SameSourceRunsAreMutuallyExclusive(t *testing.T) {
	engine, _ := newTestEngine(t, source.NewStaticAdapter("src-a", sampleCandidates()))

	require.True(t, engine.tryAcquire("src-a"))
	defer engine.release("src-a")

	batch, err := engine.Run(context.Background(), "src-a", source.Filter{})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))
	require.Equal(t, BatchFailed, batch.Status)
}

func TestEngine_RunAllCoversEverySource(t *testing.T) {
	engine, _ := newTestEngine(t,
		source.NewStaticAdapter("src-a", sampleCandidates()[:2]),
		source.NewStaticAdapter("src-b", sampleCandidates()[2:]),
	)

	batches, err := engine.RunAll(context.Background(), source.Filter{})
	require.NoError(t, err)
	require.Len(t, batches, 2)

	total := 0
	for _, b := range batches {
		require.Equal(t, BatchSuccess, b.Status)
		total += b.TotalCollected
	}
	require.Equal(t, 5, total)
}
