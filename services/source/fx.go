package source

import (
	"go.uber.org/fx"
)

var Module = fx.Module("source.module",
	fx.Provide(
		NewRegistry,
		NewLimiterSet,
	),
)
