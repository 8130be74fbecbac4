package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"dropship-controlplane/pkg/config"
	"dropship-controlplane/pkg/middleware"
)

func newTestRouter(t *testing.T, sourceIDs ...string) (*gin.Engine, *Registry) {
	t.Helper()

	registry, _ := newTestRegistry(t, sourceIDs...)

	cfg := &config.Config{}
	cfg.Scheduler.TickInterval = time.Hour

	loop := NewLoop(LoopParams{
		Registry: registry,
		Handlers: registry.handlers,
		Config:   cfg,
	})
	t.Cleanup(func() { loop.Stop() })

	svc := NewService(ServiceParams{Registry: registry, Loop: loop})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.Error())
	RegisterRoutes(router, svc)
	return router, registry
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestService_StatusAndLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/scheduler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status SchedulerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.False(t, status.IsRunning)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/scheduler/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.True(t, status.IsRunning)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/scheduler/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.False(t, status.IsRunning)
}

func TestService_CreateJob(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/scheduler/jobs", validDefinition("nightly"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var job Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.NotEmpty(t, job.ID)
	require.Equal(t, "nightly", job.Name)
	require.NotNil(t, job.NextRunAt)
}

func TestService_CreateJobValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	def := validDefinition("broken")
	def.Schedule = "not-a-cron"

	rec := doJSON(t, router, http.MethodPost, "/api/v1/scheduler/jobs", def)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid cron schedule")
}

func TestService_CreateJobDuplicate(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/scheduler/jobs", validDefinition("nightly"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/scheduler/jobs", validDefinition("nightly"))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestService_GetJobWithHistory(t *testing.T) {
	router, registry := newTestRouter(t)
	ctx := context.Background()

	job, err := registry.Create(ctx, validDefinition("nightly"))
	require.NoError(t, err)

	exec, err := registry.StartExecution(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, registry.CompleteExecution(ctx, exec, nil))

	rec := doJSON(t, router, http.MethodGet, "/api/v1/scheduler/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Job        Job            `json:"job"`
		Executions []JobExecution `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, job.ID, payload.Job.ID)
	require.Len(t, payload.Executions, 1)
	require.Equal(t, ExecutionSuccess, payload.Executions[0].Status)
}

func TestService_GetJobNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/scheduler/jobs/404", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestService_UpdateJob(t *testing.T) {
	router, registry := newTestRouter(t)

	job, err := registry.Create(context.Background(), validDefinition("nightly"))
	require.NoError(t, err)

	inactive := false
	rec := doJSON(t, router, http.MethodPatch, "/api/v1/scheduler/jobs/"+job.ID, JobPatch{IsActive: &inactive})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.False(t, updated.IsActive)
}

func TestService_DeleteRunningJobConflicts(t *testing.T) {
	router, registry := newTestRouter(t)
	ctx := context.Background()

	job, err := registry.Create(ctx, validDefinition("nightly"))
	require.NoError(t, err)

	_, err = registry.StartExecution(ctx, job.ID)
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodDelete, "/api/v1/scheduler/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestService_BootstrapPresets(t *testing.T) {
	router, _ := newTestRouter(t, "src-a")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/scheduler/jobs/presets", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Created int `json:"created"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, 2, payload.Created)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/scheduler/jobs/presets", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Zero(t, payload.Created)
}
