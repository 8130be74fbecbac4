package scheduler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service is the thin request/response mapping between the presentation layer
// and the registry/loop. Errors carry their CoreStatus; the error middleware
// renders them.
type Service struct {
	registry *Registry
	loop     *Loop
	log      *zap.Logger
}

type ServiceParams struct {
	fx.In
	Registry *Registry
	Loop     *Loop
	Logger   *zap.Logger
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: p.Registry,
		loop:     p.Loop,
		log:      logger,
	}
}

func RegisterRoutes(r *gin.Engine, s *Service) {
	api := r.Group("/api/v1/scheduler")

	api.GET("/status", s.status)
	api.POST("/start", s.start)
	api.POST("/stop", s.stop)

	api.GET("/jobs", s.listJobs)
	api.POST("/jobs", s.createJob)
	api.POST("/jobs/presets", s.bootstrapPresets)
	api.GET("/jobs/:id", s.getJob)
	api.PATCH("/jobs/:id", s.updateJob)
	api.DELETE("/jobs/:id", s.deleteJob)
}

func (s *Service) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.loop.Status())
}

func (s *Service) start(c *gin.Context) {
	if err := s.loop.Start(); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s.loop.Status())
}

func (s *Service) stop(c *gin.Context) {
	if err := s.loop.Stop(); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s.loop.Status())
}

func (s *Service) listJobs(c *gin.Context) {
	jobs, err := s.registry.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Service) createJob(c *gin.Context) {
	var def JobDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	job, err := s.registry.Create(c.Request.Context(), def)
	if err != nil {
		c.Error(err)
		return
	}

	s.log.Info("job created", zap.String("job_id", job.ID), zap.String("name", job.Name))
	c.JSON(http.StatusCreated, job)
}

// getJob returns the job plus its recent execution history, most recent
// first. completed_at stays null for in-flight executions.
func (s *Service) getJob(c *gin.Context) {
	id := c.Param("id")

	job, err := s.registry.Get(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	execs, err := s.registry.ListExecutions(c.Request.Context(), id, limit)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job, "executions": execs})
}

func (s *Service) updateJob(c *gin.Context) {
	id := c.Param("id")

	var patch JobPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	job, err := s.registry.Update(c.Request.Context(), id, patch)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (s *Service) deleteJob(c *gin.Context) {
	id := c.Param("id")

	if err := s.registry.Delete(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}

	s.log.Info("job deleted", zap.String("job_id", id))
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Service) bootstrapPresets(c *gin.Context) {
	created, err := s.registry.BootstrapPresets(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	s.log.Info("preset jobs bootstrapped", zap.Int("created", created))
	c.JSON(http.StatusOK, gin.H{"created": created})
}
