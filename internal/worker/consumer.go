package worker

import (
	"context"
	"dmagma/config"
	"dmagma/internal/types"
	"dmagma/pkg/mq"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const retryLimit = 3

// ErrMalformed marks a payload that can never be processed
var ErrMalformed = errors.New("malformed task")

// MessageFunc processes one message body
type MessageFunc func(ctx context.Context, body []byte) error

// Consumer feeds one queue to a MessageFunc, one message at a time. Messages
// are acked whatever the task outcome; only a shutdown or an outcome the
// barrier never recorded sends a task back to the queue.
type Consumer struct {
	queue      string
	rabbitMQ   mq.RabbitMQ
	handle     MessageFunc
	shutdowner fx.Shutdowner
	logger     *zap.Logger
}

type ConsumerParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	RabbitMQ   mq.RabbitMQ
	Config     *config.AppConfig
	Handler    *Handler
	Shutdowner fx.Shutdowner
	Logger     *zap.Logger
}

// StartPipelineConsumer consumes the fuzzing queue once the app has started
func StartPipelineConsumer(p ConsumerParams, ctx context.Context /* app context */) *Consumer {
	c := NewConsumer(p.Config.Queues.FuzzingQueue, p.RabbitMQ, PipelineMessages(p.Handler), p.Shutdowner, p.Logger)
	c.startWith(p.Lifecycle, ctx)
	return c
}

// StartReduceConsumer consumes the reduce queue once the app has started
func StartReduceConsumer(p ConsumerParams, ctx context.Context /* app context */) *Consumer {
	c := NewConsumer(p.Config.Queues.ReduceQueue, p.RabbitMQ, ReduceMessages(p.Handler), p.Shutdowner, p.Logger)
	c.startWith(p.Lifecycle, ctx)
	return c
}

func NewConsumer(queue string, rabbitMQ mq.RabbitMQ, handle MessageFunc, shutdowner fx.Shutdowner, logger *zap.Logger) *Consumer {
	return &Consumer{
		queue:      queue,
		rabbitMQ:   rabbitMQ,
		handle:     handle,
		shutdowner: shutdowner,
		logger:     logger.Named("consumer").With(zap.String("queue", queue)),
	}
}

// startWith runs the consumer after the broker topology is declared
func (c *Consumer) startWith(lc fx.Lifecycle, ctx context.Context) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go c.start(ctx)
			return nil
		},
	})
}

func (c *Consumer) start(ctx context.Context) {
	failCnt := 0

	for {
		errChan := make(chan error, 1)

		// start listening in a separate goroutine
		go func() {
			errChan <- c.listen(ctx)
		}()

		select {
		case <-ctx.Done():
			return
		case err := <-errChan:
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				c.logger.Warn("Consumer failed to listen for messages", zap.Error(err))
				failCnt++

				if failCnt >= retryLimit {
					c.logger.Warn("Retry limit reached, shutting down...", zap.Error(err))
					c.shutdowner.Shutdown()
					return
				}
			}
			c.logger.Warn("retrying...")
		}
	}
}

func (c *Consumer) listen(ctx context.Context) error {
	c.logger.Info("Starting consumer")

	channel, err := c.rabbitMQ.GetChannel()
	if err != nil {
		return err
	}
	defer channel.Close()

	// one fuzzing campaign per host at a time
	if err := channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := channel.Consume(
		c.queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Waiting for messages")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context done, stopping consumer")
			return nil
		case message, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := c.onMessage(ctx, message); err != nil {
				return err
			}
		}
	}
}

// onMessage only fails when the delivery cannot be settled
func (c *Consumer) onMessage(ctx context.Context, message amqp.Delivery) error {
	logger := c.logger.With(zap.String("message_id", message.MessageId))
	logger.Debug("Received message", zap.ByteString("body", message.Body))

	err := c.handle(ctx, message.Body)
	switch {
	case errors.Is(err, ErrMalformed):
		logger.Error("Dropping malformed message", zap.Error(err))
		if err := message.Nack(false, false); err != nil {
			return fmt.Errorf("failed to nack message: %w", err)
		}
		return nil
	case ctx.Err() != nil:
		// interrupted by shutdown, hand the task to another worker
		logger.Warn("Task interrupted, requeueing", zap.Error(err))
		if err := message.Nack(false, true); err != nil {
			logger.Warn("Failed to requeue message", zap.Error(err))
		}
		return nil
	case errors.Is(err, ErrUnsettled):
		logger.Error("Task outcome not recorded, requeueing", zap.Error(err))
		if err := message.Nack(false, true); err != nil {
			return fmt.Errorf("failed to requeue message: %w", err)
		}
		return nil
	case err != nil:
		logger.Warn("Task failed", zap.Error(err))
	}

	if err := message.Ack(false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// PipelineMessages decodes pipeline tasks for h
func PipelineMessages(h *Handler) MessageFunc {
	return func(ctx context.Context, body []byte) error {
		var task types.PipelineTask
		if err := decode(body, &task); err != nil {
			return err
		}
		if task.Handle == "" || task.PipelineID == "" {
			return fmt.Errorf("%w: pipeline task without handle or pipeline id", ErrMalformed)
		}
		return h.HandlePipeline(ctx, task)
	}
}

// ReduceMessages decodes reduce tasks for h
func ReduceMessages(h *Handler) MessageFunc {
	return func(ctx context.Context, body []byte) error {
		var task types.ReduceTask
		if err := decode(body, &task); err != nil {
			return err
		}
		if task.Handle == "" || task.CampaignID == "" {
			return fmt.Errorf("%w: reduce task without handle or campaign id", ErrMalformed)
		}
		return h.HandleReduce(ctx, task)
	}
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
