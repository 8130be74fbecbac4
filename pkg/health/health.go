package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("health",
	fx.Provide(ProvideHealth),
	fx.Invoke(RegisterRoutes),
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status string       `json:"status"`
	Deps   []Dependency `json:"deps,omitempty"`
}

type Service struct {
	db    *gorm.DB
	redis *redis.Client
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) *Service {
	return &Service{
		db:    p.DB,
		redis: p.Redis,
	}
}

func RegisterRoutes(r *gin.Engine, s *Service) {
	r.GET("/healthz", s.Liveness)
	r.GET("/readyz", s.Readiness)
}

func (s *Service) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{Status: "ok"})
}

// Readiness pings every attached dependency. A failing dependency flips the
// payload but the endpoint still answers 200; orchestration reads the body.
func (s *Service) Readiness(c *gin.Context) {
	out := &Health{Status: "ok"}

	if s.db != nil {
		dep := Dependency{Name: "database", Status: "ok"}

		sql, err := s.db.DB()
		if err == nil {
			err = sql.PingContext(c.Request.Context())
		}
		if err != nil {
			dep.Status = "unavailable"
			dep.Message = err.Error()
			out.Status = "degraded"
		}
		out.Deps = append(out.Deps, dep)
	}

	if s.redis != nil {
		dep := Dependency{Name: "redis", Status: "ok"}

		if err := s.redis.Ping(c.Request.Context()).Err(); err != nil {
			dep.Status = "unavailable"
			dep.Message = err.Error()
			out.Status = "degraded"
		}
		out.Deps = append(out.Deps, dep)
	}

	c.JSON(http.StatusOK, out)
}
