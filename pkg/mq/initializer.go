package mq

import (
	"dmagma/config"
	"fmt"

	"go.uber.org/zap"
)

// DirectExchange routes tasks to queues by queue name
const DirectExchange = "dmagma_direct_exchange"

type initializer struct {
	rabbitMQ RabbitMQ
	logger   *zap.Logger
}

// InitializeMQ declares the exchange, the task queues and their bindings. It is
// idempotent and runs in every process that touches the broker.
func InitializeMQ(rabbitMQ RabbitMQ, queues config.QueueConfig, logger *zap.Logger) error {
	m := &initializer{
		rabbitMQ: rabbitMQ,
		logger:   logger,
	}

	if err := m.declareExchange(DirectExchange, "direct"); err != nil {
		m.logger.Error("failed to declare direct exchange", zap.Error(err))
		return err
	}

	for _, queueName := range []string{queues.FuzzingQueue, queues.ReduceQueue} {
		if err := m.declareQueue(queueName); err != nil {
			m.logger.Error("failed to declare queue", zap.String("queue", queueName), zap.Error(err))
			return err
		}
	}

	m.logger.Info("initialized RabbitMQ exchange and queues",
		zap.String("exchange", DirectExchange),
		zap.String("fuzzing_queue", queues.FuzzingQueue),
		zap.String("reduce_queue", queues.ReduceQueue))
	return nil
}

func (m *initializer) declareExchange(name, kind string) error {
	channel, err := m.rabbitMQ.GetChannel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(
		name,
		kind,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
}

// declareQueue declares a durable queue bound to the direct exchange under its own name
func (m *initializer) declareQueue(name string) error {
	channel, err := m.rabbitMQ.GetChannel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if _, err := channel.QueueDeclare(
		name,
		true,  // durable
		false, // auto-deleted
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	if err := channel.QueueBind(name, name, DirectExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", name, err)
	}
	return nil
}
