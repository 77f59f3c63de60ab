package database

import (
	"context"
	"dmagma/config"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRedisClient_URL(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(RedisParams{
		Config: &config.AppConfig{RedisUrl: "redis://" + mr.Addr() + "/0"},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(RedisParams{
		Config: &config.AppConfig{RedisUrl: "redis://" + addr + "/0"},
		Logger: zap.NewNop(),
	})
	assert.Error(t, err)
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(RedisParams{
		Config: &config.AppConfig{RedisUrl: "not-a-url"},
		Logger: zap.NewNop(),
	})
	assert.Error(t, err)
}

func TestNewDBConnection_Disabled(t *testing.T) {
	assert.Nil(t, NewDBConnection(&config.AppConfig{}, zap.NewNop()))
}
