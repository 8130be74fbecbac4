package collector

import (
	"context"
	"encoding/json"
	"time"

	asynqtype "dropship-controlplane/pkg/asynq"
	"dropship-controlplane/pkg/config"
	"dropship-controlplane/services/scheduler"
	"dropship-controlplane/services/source"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("collector.module",
	fx.Provide(
		NewEngine,
		NewService,
	),
	fx.Invoke(
		RegisterRoutes,
		RegisterTaskHandlers,
		RegisterJobHandlers,
	),
)

// RegisterTaskHandlers binds the asynq worker mux.
func RegisterTaskHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(asynqtype.CollectionFullTask, svc.HandleCollectionTask)
}

type jobHandlerParams struct {
	fx.In
	Handlers *scheduler.HandlerRegistry
	Registry *scheduler.Registry
	Engine   *Engine
	Service  *Service
	Config   *config.Config
}

// RegisterJobHandlers wires the collection capabilities the scheduler
// dispatches by handler ref.
func RegisterJobHandlers(p jobHandlerParams) {
	p.Handlers.Register(scheduler.HandlerCollectionRun, scheduler.HandlerFunc(
		func(ctx context.Context, params json.RawMessage) error {
			var payload struct {
				SourceID string        `json:"source_id"`
				Filter   source.Filter `json:"filter"`
			}
			if err := json.Unmarshal(params, &payload); err != nil {
				return err
			}
			_, err := p.Engine.Run(ctx, payload.SourceID, payload.Filter)
			return err
		},
	))

	p.Handlers.Register(scheduler.HandlerCollectionAll, scheduler.HandlerFunc(
		func(ctx context.Context, params json.RawMessage) error {
			var payload struct {
				Filter source.Filter `json:"filter"`
			}
			if len(params) > 0 {
				if err := json.Unmarshal(params, &payload); err != nil {
					return err
				}
			}
			_, err := p.Engine.RunAll(ctx, payload.Filter)
			return err
		},
	))

	retention := time.Duration(p.Config.Scheduler.RetentionDays) * 24 * time.Hour
	p.Handlers.Register(scheduler.HandlerCleanup, scheduler.HandlerFunc(
		func(ctx context.Context, params json.RawMessage) error {
			cutoff := time.Now().Add(-retention)
			if _, err := p.Registry.PruneExecutions(ctx, cutoff); err != nil {
				return err
			}
			_, err := p.Service.PruneBatches(ctx, cutoff)
			return err
		},
	))
}
