package dispatch

import (
	"context"
	"dmagma/config"
	"dmagma/internal/types"
	"dmagma/pkg/mq"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// AMQP publishes tasks as persistent JSON messages on the direct exchange and
// waits for the broker to confirm each one.
type AMQP struct {
	rabbitMQ mq.RabbitMQ
	queues   config.QueueConfig
	logger   *zap.Logger
}

type AMQPParams struct {
	fx.In

	RabbitMQ mq.RabbitMQ
	Config   *config.AppConfig
	Logger   *zap.Logger
}

func NewAMQP(p AMQPParams) *AMQP {
	return &AMQP{
		rabbitMQ: p.RabbitMQ,
		queues:   p.Config.Queues,
		logger:   p.Logger.Named("dispatch"),
	}
}

func (a *AMQP) DispatchPipeline(ctx context.Context, task types.PipelineTask) error {
	return a.publish(ctx, a.queues.FuzzingQueue, task.PipelineID, task)
}

func (a *AMQP) DispatchReduce(ctx context.Context, task types.ReduceTask) error {
	return a.publish(ctx, a.queues.ReduceQueue, task.Handle, task)
}

func (a *AMQP) publish(ctx context.Context, queue, messageID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	channel, err := a.rabbitMQ.GetChannel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if err := channel.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirmation, err := channel.PublishWithDeferredConfirmWithContext(ctx,
		mq.DirectExchange,
		queue, // routing key
		true,  // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm publish to %s: %w", queue, err)
	}
	if !acked {
		return errors.New("broker rejected task for " + queue)
	}

	a.logger.Debug("Published task", zap.String("queue", queue), zap.String("message_id", messageID))
	return nil
}
