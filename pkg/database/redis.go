package database

import (
	"context"
	"dmagma/config"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const pingTimeout = 5 * time.Second

type RedisParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle `optional:"true"`
}

// NewRedisClient connects through REDIS_URL, or through sentinel when only the
// sentinel hosts are configured.
func NewRedisClient(p RedisParams) (*redis.Client, error) {
	var client *redis.Client
	var err error

	if p.Config.RedisUrl != "" {
		client, err = newRedisClient(p.Config.RedisUrl)
	} else {
		client, err = newRedisFailoverClient(p.Config.RedisSentinelHosts, p.Config.RedisMasterName)
	}
	if err != nil {
		p.Logger.Error("Failed to create Redis client", zap.Error(err))
		return nil, err
	}

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return client.Close()
			},
		})
	}

	p.Logger.Debug("Redis client created successfully")
	return client, nil
}

func newRedisFailoverClient(redisSentinelHostsString, redisMasterName string) (*redis.Client, error) {
	redisSentinelHosts := strings.Split(redisSentinelHostsString, ",")

	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    redisMasterName,
		SentinelAddrs: redisSentinelHosts,
		DB:            0,
	})
	if err := ping(client); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func newRedisClient(redisUrl string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)
	if err := ping(client); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func ping(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}
