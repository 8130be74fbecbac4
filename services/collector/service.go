package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	asynqtype "dropship-controlplane/pkg/asynq"
	"dropship-controlplane/pkg/errutil"
	"dropship-controlplane/services/source"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service owns the manual collection path: it persists a batch record, hands
// the work to the asynq queue and lets the worker resume that record.
type Service struct {
	db     *gorm.DB
	engine *Engine
	client *asynq.Client
	node   *snowflake.Node
	log    *zap.Logger
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Engine *Engine
	Node   *snowflake.Node
	Logger *zap.Logger
	Client *asynq.Client `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     p.DB,
		engine: p.Engine,
		client: p.Client,
		node:   p.Node,
		log:    logger,
	}
}

type collectionPayload struct {
	BatchID  string        `json:"batch_id"`
	SourceID string        `json:"source_id"`
	Filter   source.Filter `json:"filter"`
}

// TriggerFull enqueues a one-off sync pass outside the schedule and returns
// the batch record the worker will resume.
func (s *Service) TriggerFull(ctx context.Context, sourceID string, filter source.Filter) (*BatchRecord, error) {
	if _, err := s.engine.adapters.Get(sourceID); err != nil {
		return nil, err
	}
	if s.client == nil {
		return nil, errutil.Internal("collection queue is not configured")
	}

	batch := &BatchRecord{
		ID:        s.node.Generate().String(),
		SourceID:  sourceID,
		Status:    BatchRunning,
		StartedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(batch).Error; err != nil {
		return nil, errutil.StoreFailure("failed to create batch record", errutil.WithErr(err))
	}

	payload, _ := json.Marshal(collectionPayload{
		BatchID:  batch.ID,
		SourceID: sourceID,
		Filter:   filter,
	})
	task := asynq.NewTask(asynqtype.CollectionFullTask, payload)

	if _, err := s.client.Enqueue(task, asynq.Queue("collection")); err != nil {
		s.db.WithContext(ctx).Model(batch).Updates(map[string]any{
			"status":        BatchFailed,
			"completed_at":  time.Now(),
			"error_message": "failed to enqueue: " + err.Error(),
		})
		return nil, errutil.Internal("failed to enqueue collection task", errutil.WithErr(err))
	}

	s.log.Info("enqueued full collection",
		zap.String("batch_id", batch.ID),
		zap.String("source_id", sourceID),
	)
	return batch, nil
}

// HandleCollectionTask is the asynq worker entrypoint for queued passes.
func (s *Service) HandleCollectionTask(ctx context.Context, t *asynq.Task) error {
	var payload collectionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		s.log.Error("invalid collection payload", zap.Error(err))
		return err
	}

	batch, err := s.GetBatch(ctx, payload.BatchID)
	if err != nil {
		return err
	}

	return s.engine.Execute(ctx, batch, payload.Filter)
}

func (s *Service) GetBatch(ctx context.Context, id string) (*BatchRecord, error) {
	var batch BatchRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("batch not found: " + id)
	}
	if err != nil {
		return nil, errutil.StoreFailure("failed to load batch "+id, errutil.WithErr(err))
	}
	return &batch, nil
}

// ListBatches returns recent batch records, optionally scoped to one source.
func (s *Service) ListBatches(ctx context.Context, sourceID string, limit int) ([]BatchRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Model(&BatchRecord{})
	if sourceID != "" {
		q = q.Where("source_id = ?", sourceID)
	}

	var batches []BatchRecord
	if err := q.Order("started_at DESC, id DESC").Limit(limit).Find(&batches).Error; err != nil {
		return nil, errutil.StoreFailure("failed to list batches", errutil.WithErr(err))
	}
	return batches, nil
}

// PruneBatches deletes finished batch records older than the cutoff.
func (s *Service) PruneBatches(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status <> ? AND completed_at < ?", BatchRunning, olderThan).
		Delete(&BatchRecord{})
	if res.Error != nil {
		return 0, errutil.StoreFailure("failed to prune batches", errutil.WithErr(res.Error))
	}
	return res.RowsAffected, nil
}

func RegisterRoutes(r *gin.Engine, s *Service) {
	api := r.Group("/api/v1/collection")

	api.POST("/full/:sourceId", s.triggerFull)
	api.GET("/batches", s.listBatches)
}

func (s *Service) triggerFull(c *gin.Context) {
	sourceID := c.Param("sourceId")

	filter, err := parseFilterQuery(c)
	if err != nil {
		c.Error(err)
		return
	}

	batch, err := s.TriggerFull(c.Request.Context(), sourceID, filter)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batch_id":  batch.ID,
		"source_id": batch.SourceID,
		"status":    batch.Status,
	})
}

func (s *Service) listBatches(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	batches, err := s.ListBatches(c.Request.Context(), c.Query("source_id"), limit)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

// parseFilterQuery maps the query string onto a filter value. Lists are
// comma-separated; dates are RFC 3339.
func parseFilterQuery(c *gin.Context) (source.Filter, error) {
	var f source.Filter

	f.Categories = splitList(c.Query("categories"))
	f.KeywordsInclude = splitList(c.Query("keywords_include"))
	f.KeywordsExclude = splitList(c.Query("keywords_exclude"))
	f.StockOnly = c.Query("stock_only") == "true"

	if v := c.Query("price_min"); v != "" {
		min, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, errutil.ValidationFailed("invalid price_min: " + v)
		}
		f.PriceMin = &min
	}
	if v := c.Query("price_max"); v != "" {
		max, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, errutil.ValidationFailed("invalid price_max: " + v)
		}
		f.PriceMax = &max
	}
	if v := c.Query("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errutil.ValidationFailed("invalid date_from: " + v)
		}
		f.DateFrom = &t
	}
	if v := c.Query("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errutil.ValidationFailed("invalid date_to: " + v)
		}
		f.DateTo = &t
	}

	return f, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
