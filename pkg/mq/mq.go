package mq

import (
	"context"
	"dmagma/config"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultPoolSize = 4

var ErrNoConnection = errors.New("no active RabbitMQ connections")

type RabbitMQ interface {
	GetChannel() (*amqp.Channel, error)
}

type dialFunc func(url string) (*amqp.Connection, error)

// pool hands out channels on a fixed number of broker connections. A lost
// connection is dropped and redialed the next time a channel is requested.
type pool struct {
	url    string
	size   int
	dial   dialFunc
	ctx    context.Context
	logger *zap.Logger

	mu    sync.Mutex
	conns []*pooledConn
}

type pooledConn struct {
	conn   *amqp.Connection
	closed atomic.Bool
}

type RabbitMQParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewRabbitMQ opens the pool and declares the task topology when the fx app
// starts, and closes every connection when it stops.
func NewRabbitMQ(p RabbitMQParams) RabbitMQ {
	ctx, cancel := context.WithCancel(context.Background())
	r := newPool(ctx, p.Config.RabbitMQURL, p.Config.RabbitMQPoolSize, amqp.Dial, p.Logger.Named("mq"))

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := r.open(); err != nil {
				r.logger.Error("Failed to open RabbitMQ connections", zap.Error(err))
				return err
			}
			return InitializeMQ(r, p.Config.Queues, r.logger)
		},
		OnStop: func(context.Context) error {
			cancel()
			return r.close()
		},
	})
	return r
}

func newPool(ctx context.Context, url string, size int, dial dialFunc, logger *zap.Logger) *pool {
	if size < 1 {
		size = defaultPoolSize
	}
	return &pool{url: url, size: size, dial: dial, ctx: ctx, logger: logger}
}

// open dials the whole pool. Any failure is fatal at startup.
func (r *pool) open() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug("Opening RabbitMQ connections", zap.Int("pool_size", r.size))
	for len(r.conns) < r.size {
		c, err := r.connect()
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		r.conns = append(r.conns, c)
	}
	return nil
}

// live drops closed connections and redials the missing ones, stopping at the
// first dial failure. The caller holds mu.
func (r *pool) live() []*pooledConn {
	kept := r.conns[:0]
	for _, c := range r.conns {
		if !c.closed.Load() {
			kept = append(kept, c)
		}
	}
	r.conns = kept

	for missing := r.size - len(r.conns); missing > 0; missing-- {
		c, err := r.connect()
		if err != nil {
			r.logger.Warn("Failed to redial RabbitMQ", zap.Int("live", len(r.conns)), zap.Error(err))
			break
		}
		r.conns = append(r.conns, c)
	}
	return r.conns
}

func (r *pool) connect() (*pooledConn, error) {
	conn, err := r.dial(r.url)
	if err != nil {
		return nil, err
	}

	c := &pooledConn{conn: conn}
	lost := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case err, ok := <-lost:
			if ok {
				r.logger.Error("RabbitMQ connection lost", zap.Error(err))
			}
			c.closed.Store(true)
		case <-r.ctx.Done():
		}
	}()
	return c, nil
}

// GetChannel opens a channel on a random live connection. Callers close it.
func (r *pool) GetChannel() (*amqp.Channel, error) {
	r.mu.Lock()
	conns := r.live()
	if len(conns) == 0 {
		r.mu.Unlock()
		return nil, ErrNoConnection
	}
	c := conns[rand.Intn(len(conns))]
	r.mu.Unlock()

	ch, err := c.conn.Channel()
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			c.closed.Store(true)
		}
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	return ch, nil
}

func (r *pool) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, c := range r.conns {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	r.conns = nil
	return errors.Join(errs...)
}
