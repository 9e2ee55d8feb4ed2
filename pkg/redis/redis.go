package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prohmpiriya/fwe-access/pkg/retry"
	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Connect retry: attempts after the first, at a fixed interval
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultConfig returns default Redis configuration
func DefaultConfig() *Config {
	return &Config{
		Host:          "localhost",
		Port:          6379,
		PoolSize:      50,
		MinIdleConns:  5,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		MaxRetries:    3,
		RetryInterval: time.Second,
	}
}

// Addr returns the Redis address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client wraps redis.Client with a registry of named Lua scripts
type Client struct {
	client  *redis.Client
	config  *Config
	scripts sync.Map // name -> *redis.Script
}

// NewClient connects to Redis, retrying the initial PING
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	result := retry.Do(ctx, &retry.Config{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.RetryInterval,
		MaxInterval:     cfg.RetryInterval,
		Multiplier:      1,
	}, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if result.Err != nil {
		_ = client.Close()
		cause := result.LastError
		if cause == nil {
			cause = result.Err
		}
		return nil, fmt.Errorf("failed to connect to redis at %s after %d attempts: %w", cfg.Addr(), result.Attempts, cause)
	}

	return &Client{client: client, config: cfg}, nil
}

// Client returns the underlying redis.Client
func (c *Client) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// HealthCheck pings Redis with a bounded timeout
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// script returns the registered script for name, registering src on first use
func (c *Client) script(name, src string) *redis.Script {
	if s, ok := c.scripts.Load(name); ok {
		return s.(*redis.Script)
	}
	s, _ := c.scripts.LoadOrStore(name, redis.NewScript(src))
	return s.(*redis.Script)
}

// LoadScript registers a Lua script under name and loads it into the server
// script cache. It returns the script SHA.
func (c *Client) LoadScript(ctx context.Context, name, src string) (string, error) {
	s := c.script(name, src)
	if err := s.Load(ctx, c.client).Err(); err != nil {
		return "", fmt.Errorf("failed to load script %s: %w", name, err)
	}
	return s.Hash(), nil
}

// EvalWithFallback runs the named script by SHA and resends the source when
// the server answers NOSCRIPT (restart or SCRIPT FLUSH)
func (c *Client) EvalWithFallback(ctx context.Context, name, src string, keys []string, args ...interface{}) *redis.Cmd {
	return c.script(name, src).Run(ctx, c.client, keys, args...)
}

// Get gets a value by key
func (c *Client) Get(ctx context.Context, key string) *redis.StringCmd {
	return c.client.Get(ctx, key)
}

// Set sets a value with optional expiration
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	return c.client.Set(ctx, key, value, expiration)
}

// SetNX sets a value only if key doesn't exist
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	return c.client.SetNX(ctx, key, value, expiration)
}

// Del deletes keys
func (c *Client) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return c.client.Del(ctx, keys...)
}
