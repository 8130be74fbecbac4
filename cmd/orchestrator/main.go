package main

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	asynqfx "dropship-controlplane/pkg/asynq"
	"dropship-controlplane/pkg/config"
	"dropship-controlplane/pkg/db"
	"dropship-controlplane/pkg/gen"
	"dropship-controlplane/pkg/health"
	"dropship-controlplane/pkg/logger"
	"dropship-controlplane/pkg/redis"
	"dropship-controlplane/pkg/server"
	"dropship-controlplane/services/catalog"
	"dropship-controlplane/services/collector"
	"dropship-controlplane/services/scheduler"
	"dropship-controlplane/services/source"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		gen.Module,
		db.Module,
		redis.Module,
		asynqfx.Client,
		asynqfx.Server,
		server.Module,
		health.Module,

		source.Module,
		catalog.Module,
		scheduler.Module,
		collector.Module,

		fx.Invoke(autoMigrate),
	)

	app.Run()
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&scheduler.Job{},
		&scheduler.JobExecution{},
		&catalog.Product{},
		&collector.BatchRecord{},
	)
}
