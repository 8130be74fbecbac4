package scheduler

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler.module",
	fx.Provide(
		NewHandlerRegistry,
		NewRegistry,
		NewLoop,
		NewService,
	),
	fx.Invoke(
		RegisterRoutes,
		Run,
	),
)

// Run reconciles state left by a previous process and starts the loop.
func Run(lc fx.Lifecycle, registry *Registry, loop *Loop) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := registry.ReconcileStale(ctx); err != nil {
				zap.L().Error("[Scheduler] startup reconcile failed", zap.Error(err))
				return err
			}
			return loop.Start()
		},
		OnStop: func(ctx context.Context) error {
			return loop.Stop()
		},
	})
}
