package httpapi

import (
	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/health"
	"licensing-controlplane/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine),
)

// Routes is implemented by every service handler mounted under /v1.
type Routes interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// AsPublicRoutes tags a constructor so its Routes are mounted under /v1.
func AsPublicRoutes(f any) any {
	return fx.Annotate(f, fx.ResultTags(`group:"public_routes"`))
}

// AsAdminRoutes tags a constructor so its Routes are mounted under /v1/admin
// behind the admin key.
func AsAdminRoutes(f any) any {
	return fx.Annotate(f, fx.ResultTags(`group:"admin_routes"`))
}

type EngineParams struct {
	fx.In
	Config *config.Config
	Health health.HealthService
	Public []Routes `group:"public_routes"`
	Admin  []Routes `group:"admin_routes"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestID(), middleware.Error())

	engine.GET("/healthz", p.Health.Liveness)
	engine.GET("/readyz", p.Health.Readiness)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	for _, r := range p.Public {
		r.RegisterRoutes(v1)
	}

	admin := v1.Group("/admin", middleware.AdminKey(p.Config.Admin.SecretKey))
	for _, r := range p.Admin {
		r.RegisterRoutes(admin)
	}

	return engine
}
