package collector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"dropship-controlplane/pkg/config"
	"dropship-controlplane/pkg/errutil"
	"dropship-controlplane/services/catalog"
	"dropship-controlplane/services/source"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Engine performs one bounded collection pass per source. Runs for different
// sources may overlap; two runs for the same source are mutually exclusive.
//
// The contract is at-least-once: upserts applied before a failure stay
// applied, and a failed pass is retried from scratch at the job layer because
// source streams are not restartable.
type Engine struct {
	db       *gorm.DB
	store    *catalog.Store
	adapters *source.Registry
	limiter  *source.LimiterSet
	node     *snowflake.Node
	log      *zap.Logger
	poolSize int

	mu       sync.Mutex
	inflight map[string]struct{}
}

type EngineParams struct {
	fx.In
	DB       *gorm.DB
	Store    *catalog.Store
	Adapters *source.Registry
	Limiter  *source.LimiterSet
	Node     *snowflake.Node
	Logger   *zap.Logger
	Config   *config.Config
}

func NewEngine(p EngineParams) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       p.DB,
		store:    p.Store,
		adapters: p.Adapters,
		limiter:  p.Limiter,
		node:     p.Node,
		log:      logger,
		poolSize: p.Config.Collector.WorkerPoolSize,
		inflight: make(map[string]struct{}),
	}
}

// Run opens a new batch record and executes one pass for the source.
func (e *Engine) Run(ctx context.Context, sourceID string, filter source.Filter) (*BatchRecord, error) {
	batch := &BatchRecord{
		ID:        e.node.Generate().String(),
		SourceID:  sourceID,
		Status:    BatchRunning,
		StartedAt: time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(batch).Error; err != nil {
		return nil, errutil.StoreFailure("failed to create batch record", errutil.WithErr(err))
	}

	return batch, e.Execute(ctx, batch, filter)
}

// Execute consumes the source stream into the catalog store against an
// already-persisted batch record.
func (e *Engine) Execute(ctx context.Context, batch *BatchRecord, filter source.Filter) error {
	if !e.tryAcquire(batch.SourceID) {
		err := errutil.Conflict("collection already running for source " + batch.SourceID)
		e.complete(ctx, batch, err)
		return err
	}
	defer e.release(batch.SourceID)

	// A redelivered queue task resumes an already-finalized record. Every
	// pass recounts from scratch; stale counters must not accumulate.
	batch.Status = BatchRunning
	batch.TotalCollected = 0
	batch.TotalUpdated = 0
	batch.ErrorMessage = ""
	batch.CompletedAt = nil

	e.log.Info("collection started",
		zap.String("batch_id", batch.ID),
		zap.String("source_id", batch.SourceID),
	)

	err := e.consume(ctx, batch, filter)
	e.complete(ctx, batch, err)

	if err != nil {
		e.log.Error("collection failed",
			zap.String("batch_id", batch.ID),
			zap.String("source_id", batch.SourceID),
			zap.Int("collected", batch.TotalCollected),
			zap.Int("updated", batch.TotalUpdated),
			zap.Error(err),
		)
		return err
	}

	e.log.Info("collection finished",
		zap.String("batch_id", batch.ID),
		zap.String("source_id", batch.SourceID),
		zap.Int("collected", batch.TotalCollected),
		zap.Int("updated", batch.TotalUpdated),
	)
	return nil
}

func (e *Engine) consume(ctx context.Context, batch *BatchRecord, filter source.Filter) error {
	adapter, err := e.adapters.Get(batch.SourceID)
	if err != nil {
		return err
	}

	if err := e.limiter.Acquire(batch.SourceID); err != nil {
		return err
	}

	stream, err := adapter.Fetch(ctx, filter)
	if err != nil {
		return errutil.SourceFailure("fetch failed for source "+batch.SourceID, errutil.WithErr(err))
	}

	for {
		cand, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return errutil.Timeout("collection cancelled for source "+batch.SourceID, errutil.WithErr(err))
			}
			return errutil.SourceFailure("stream failed for source "+batch.SourceID, errutil.WithErr(err))
		}

		if !filter.Match(*cand) {
			continue
		}

		var raw []byte
		if len(cand.Attributes) > 0 {
			raw, _ = json.Marshal(cand.Attributes)
		}

		created, err := e.store.Upsert(ctx, &catalog.Product{
			ProductCode:   cand.ProductCode,
			SourceID:      batch.SourceID,
			Name:          cand.Name,
			Price:         cand.Price,
			StockQuantity: cand.StockQuantity,
			Category:      cand.Category,
			RawAttributes: raw,
		})
		if err != nil {
			return err
		}

		if created {
			batch.TotalCollected++
		} else {
			batch.TotalUpdated++
		}
	}
}

// complete finalizes the batch record. The write is detached from ctx so a
// timed-out pass still records its outcome and partial counts.
func (e *Engine) complete(ctx context.Context, batch *BatchRecord, runErr error) {
	now := time.Now()
	batch.CompletedAt = &now
	if runErr != nil {
		batch.Status = BatchFailed
		batch.ErrorMessage = runErr.Error()
	} else {
		batch.Status = BatchSuccess
	}

	err := e.db.WithContext(context.WithoutCancel(ctx)).Model(&BatchRecord{}).
		Where("id = ?", batch.ID).
		Updates(map[string]any{
			"status":          batch.Status,
			"completed_at":    batch.CompletedAt,
			"total_collected": batch.TotalCollected,
			"total_updated":   batch.TotalUpdated,
			"error_message":   batch.ErrorMessage,
		}).Error
	if err != nil {
		e.log.Error("failed to finalize batch record", zap.String("batch_id", batch.ID), zap.Error(err))
	}
}

// RunAll executes one pass per registered source, bounded by the worker pool
// size. Failures do not cancel sibling sources; the first error is returned
// after all passes finish.
func (e *Engine) RunAll(ctx context.Context, filter source.Filter) ([]*BatchRecord, error) {
	sources := e.adapters.Known()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		batches []*BatchRecord
	)
	g.SetLimit(e.poolSize)

	for _, sourceID := range sources {
		g.Go(func() error {
			batch, err := e.Run(ctx, sourceID, filter)
			if batch != nil {
				mu.Lock()
				batches = append(batches, batch)
				mu.Unlock()
			}
			return err
		})
	}

	err := g.Wait()
	return batches, err
}

func (e *Engine) tryAcquire(sourceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[sourceID]; busy {
		return false
	}
	e.inflight[sourceID] = struct{}{}
	return true
}

func (e *Engine) release(sourceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, sourceID)
}
