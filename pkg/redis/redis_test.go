package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestConfig() *Config {
	cfg := DefaultConfig()

	if host := os.Getenv("TEST_REDIS_HOST"); host != "" {
		cfg.Host = host
	}
	if password := os.Getenv("TEST_REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}

	return cfg
}

func skipIfNoIntegration(t *testing.T) {
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6379, cfg.Port)
	assert.Equal(t, 50, cfg.PoolSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "localhost:6379", cfg.Addr())
}

func TestConfig_AddrIPv6(t *testing.T) {
	cfg := &Config{Host: "::1", Port: 6380}
	assert.Equal(t, "[::1]:6380", cfg.Addr())
}

func TestNewClient_Unreachable(t *testing.T) {
	cfg := &Config{
		Host:          "invalid-host-that-does-not-exist",
		Port:          9999,
		MaxRetries:    1,
		RetryInterval: 100 * time.Millisecond,
		DialTimeout:   300 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewClient(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestClient_ScriptRegistry(t *testing.T) {
	c := &Client{}

	first := c.script("double", "return 1")
	again := c.script("double", "return 2")
	assert.Same(t, first, again, "a name keeps the script it was first registered with")

	// redis-cli SCRIPT LOAD "return 1"
	assert.Equal(t, "e0e1f9fabfc9d4800c877a703b823ac0578ff8db", first.Hash())
}

func TestClient_BasicOperations_Integration(t *testing.T) {
	skipIfNoIntegration(t)

	ctx := context.Background()
	client, err := NewClient(ctx, getTestConfig())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.HealthCheck(ctx))

	key := "test:key:" + time.Now().Format("20060102150405.000")
	defer client.Del(ctx, key)

	ok, err := client.SetNX(ctx, key, "first", time.Minute).Result()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, key, "second", time.Minute).Result()
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "first", val)

	require.NoError(t, client.Set(ctx, key, "third", time.Minute).Err())
	val, err = client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "third", val)

	deleted, err := client.Del(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestClient_EvalWithFallback_Integration(t *testing.T) {
	skipIfNoIntegration(t)

	ctx := context.Background()
	client, err := NewClient(ctx, getTestConfig())
	require.NoError(t, err)
	defer client.Close()

	script := `return tonumber(ARGV[1]) * 2`

	sha, err := client.LoadScript(ctx, "test_double", script)
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	result, err := client.EvalWithFallback(ctx, "test_double", script, nil, 7).Int()
	require.NoError(t, err)
	assert.Equal(t, 14, result)

	// server forgot the script: NOSCRIPT resends the source
	require.NoError(t, client.Client().ScriptFlush(ctx).Err())
	result, err = client.EvalWithFallback(ctx, "test_double", script, nil, 10).Int()
	require.NoError(t, err)
	assert.Equal(t, 20, result)
}
