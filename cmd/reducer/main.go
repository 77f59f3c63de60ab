package main

import (
	"context"
	"dmagma/config"
	"dmagma/internal/chord"
	"dmagma/internal/reduce"
	"dmagma/internal/shell"
	"dmagma/internal/toolkit"
	"dmagma/internal/worker"
	"dmagma/pkg/database"
	"dmagma/pkg/logger"
	"dmagma/pkg/mq"
	"dmagma/pkg/storage"
	"dmagma/pkg/telemetry"
	"dmagma/repository"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func NewAppContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

func main() {
	app := fx.New(
		fx.Provide(
			NewAppContext,              // inject app context
			config.LoadConfig,          // inject config
			logger.NewLogger,           // inject logger
			telemetry.NewTelemetry,     // inject telemetry
			telemetry.NewTracerFactory, // inject telemetry tracer factory
			database.NewRedisClient,    // inject redis client
			database.NewDBConnection,   // inject db connection
			mq.NewRabbitMQ,             // inject rabbitmq service
			storage.NewBuckets,         // inject results and reports stores
			shell.NewRunner,            // inject subprocess runner
			fx.Annotate(toolkit.NewMagma, fx.As(new(toolkit.Toolkit))),
			fx.Annotate(chord.NewRedis, fx.As(new(chord.Barrier))),
			reduce.NewReducer,
			worker.NewHandler,
		),
		repository.Module,
		fx.Invoke(
			worker.StartReduceConsumer,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
	app.Run()
}
