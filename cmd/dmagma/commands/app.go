package commands

import (
	"context"
	"dmagma/config"
	"dmagma/internal/catalog"
	"dmagma/internal/chord"
	"dmagma/internal/dispatch"
	"dmagma/internal/scheduler"
	"dmagma/pkg/database"
	"dmagma/pkg/logger"
	"dmagma/pkg/mq"
	"dmagma/pkg/telemetry"
	"dmagma/repository"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newCLILogger() *zap.Logger {
	return logger.New(logLevel)
}

// newRemoteApp wires the broker, barrier and ledger clients a command talks
// to. Only what populate asks for is constructed.
func newRemoteApp(populate ...any) *fx.App {
	return fx.New(
		fx.Provide(
			config.LoadConfig,
			newCLILogger,
			telemetry.NewTelemetry,
			telemetry.NewTracerFactory,
			database.NewRedisClient,
			database.NewDBConnection,
			mq.NewRabbitMQ,
			fx.Annotate(chord.NewRedis, fx.As(new(chord.Barrier))),
			fx.Annotate(dispatch.NewAMQP, fx.As(new(dispatch.Dispatcher))),
			catalog.NewValidatorFromConfig,
			scheduler.NewScheduler,
		),
		repository.Module,
		fx.Populate(populate...),
		fx.NopLogger,
	)
}

// startRemoteApp builds and starts newRemoteApp. The returned func stops it.
func startRemoteApp(ctx context.Context, populate ...any) (func(), error) {
	app := newRemoteApp(populate...)
	if err := app.Err(); err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	return func() { app.Stop(context.Background()) }, nil
}
