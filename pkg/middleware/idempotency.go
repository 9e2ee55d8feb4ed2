package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/fwe-access/pkg/response"
	"github.com/redis/go-redis/v9"
)

const (
	// IdempotencyKeyHeader is the header name for idempotency key
	IdempotencyKeyHeader = "X-Idempotency-Key"
	// ContextKeyIdempotencyKey is the context key for idempotency key
	ContextKeyIdempotencyKey = "idempotency_key"
	// DefaultIdempotencyTTL keeps completed responses for a full event day
	DefaultIdempotencyTTL = 24 * time.Hour
	// DefaultProcessingTTL bounds how long an in-flight marker can block retries
	DefaultProcessingTTL = 30 * time.Second
	// IdempotencyKeyPrefix is the Redis key prefix
	IdempotencyKeyPrefix = "idempotency:"
)

// IdempotencyStatus represents the status of an idempotency record
type IdempotencyStatus string

const (
	StatusProcessing IdempotencyStatus = "processing"
	StatusCompleted  IdempotencyStatus = "completed"
)

// IdempotencyRecord stores the state of an idempotent request
type IdempotencyRecord struct {
	Key          string            `json:"key"`
	Status       IdempotencyStatus `json:"status"`
	RequestHash  string            `json:"request_hash"`
	ResponseCode int               `json:"response_code"`
	ResponseBody string            `json:"response_body"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// RedisClient interface for Redis operations
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ErrorWriter renders a rejection in the caller's error format
type ErrorWriter func(c *gin.Context, status int, code, message string)

// IdempotencyConfig holds configuration for idempotency middleware
type IdempotencyConfig struct {
	Redis RedisClient
	// TTL for completed records
	TTL time.Duration
	// ProcessingTTL for in-flight records
	ProcessingTTL time.Duration
	// KeyExtractor extracts idempotency key from request (default: from header)
	KeyExtractor func(*gin.Context) string
	// RequireKey rejects requests without a key; otherwise they pass through untouched
	RequireKey bool
	// RequiredMethods lists the methods the middleware applies to
	RequiredMethods []string
	// WriteError renders rejections (default: pkg/response envelope)
	WriteError ErrorWriter
}

// DefaultIdempotencyConfig returns default configuration
func DefaultIdempotencyConfig(redis RedisClient) *IdempotencyConfig {
	return &IdempotencyConfig{
		Redis:           redis,
		TTL:             DefaultIdempotencyTTL,
		ProcessingTTL:   DefaultProcessingTTL,
		KeyExtractor:    defaultKeyExtractor,
		RequiredMethods: []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		WriteError:      defaultErrorWriter,
	}
}

func defaultKeyExtractor(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
}

func defaultErrorWriter(c *gin.Context, status int, code, message string) {
	response.Error(c, status, code, message, "")
}

// IdempotencyMiddleware replays the stored response for a repeated idempotency key.
// Redis failures fail open: the request is processed as if no key was sent.
// Responses with status >= 500 are not stored so a retry is evaluated again.
func IdempotencyMiddleware(config *IdempotencyConfig) gin.HandlerFunc {
	if config.TTL <= 0 {
		config.TTL = DefaultIdempotencyTTL
	}
	if config.ProcessingTTL <= 0 {
		config.ProcessingTTL = DefaultProcessingTTL
	}
	if config.KeyExtractor == nil {
		config.KeyExtractor = defaultKeyExtractor
	}
	if config.WriteError == nil {
		config.WriteError = defaultErrorWriter
	}
	if len(config.RequiredMethods) == 0 {
		config.RequiredMethods = []string{http.MethodPost}
	}

	return func(c *gin.Context) {
		if !isMethodRequired(c.Request.Method, config.RequiredMethods) {
			c.Next()
			return
		}

		idempotencyKey := config.KeyExtractor(c)
		if idempotencyKey == "" {
			if config.RequireKey {
				abort(c, config, http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "X-Idempotency-Key header is required")
				return
			}
			c.Next()
			return
		}
		c.Set(ContextKeyIdempotencyKey, idempotencyKey)

		var bodyBytes []byte
		if c.Request.Body != nil {
			bodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		requestHash := generateRequestHash(c.Request.Method, c.Request.URL.Path, bodyBytes)

		redisKey := IdempotencyKeyPrefix + idempotencyKey
		ctx := c.Request.Context()

		existing, err := getIdempotencyRecord(ctx, config.Redis, redisKey)
		if err != nil && !errors.Is(err, redis.Nil) {
			c.Next()
			return
		}
		if existing != nil {
			replayOrReject(c, config, existing, requestHash)
			return
		}

		record := &IdempotencyRecord{
			Key:         idempotencyKey,
			Status:      StatusProcessing,
			RequestHash: requestHash,
			CreatedAt:   time.Now(),
		}

		acquired, err := trySetIdempotencyRecord(ctx, config.Redis, redisKey, record, config.ProcessingTTL)
		if err != nil {
			c.Next()
			return
		}
		if !acquired {
			// lost the race to a concurrent duplicate
			existing, _ = getIdempotencyRecord(ctx, config.Redis, redisKey)
			if existing != nil {
				replayOrReject(c, config, existing, requestHash)
				return
			}
			abort(c, config, http.StatusConflict, "REQUEST_IN_PROGRESS", "A request with this idempotency key is already being processed")
			return
		}

		rw := &idempotencyResponseWriter{
			ResponseWriter: c.Writer,
			body:           bytes.NewBuffer(nil),
			status:         http.StatusOK,
		}
		c.Writer = rw

		c.Next()

		// the request context may already be done; the marker still has to be resolved
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()

		if rw.status >= http.StatusInternalServerError {
			_ = config.Redis.Del(saveCtx, redisKey).Err()
			return
		}

		now := time.Now()
		record.Status = StatusCompleted
		record.ResponseCode = rw.status
		record.ResponseBody = rw.body.String()
		record.CompletedAt = &now
		_ = saveIdempotencyRecord(saveCtx, config.Redis, redisKey, record, config.TTL)
	}
}

func replayOrReject(c *gin.Context, config *IdempotencyConfig, existing *IdempotencyRecord, requestHash string) {
	if existing.RequestHash != requestHash {
		abort(c, config, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", "Idempotency key already used with different request")
		return
	}
	if existing.Status == StatusProcessing {
		abort(c, config, http.StatusConflict, "REQUEST_IN_PROGRESS", "A request with this idempotency key is already being processed")
		return
	}
	c.Header("X-Idempotent-Replay", "true")
	c.Data(existing.ResponseCode, "application/json; charset=utf-8", []byte(existing.ResponseBody))
	c.Abort()
}

func abort(c *gin.Context, config *IdempotencyConfig, status int, code, message string) {
	config.WriteError(c, status, code, message)
	c.Abort()
}

// GetIdempotencyKey extracts idempotency key from gin context
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	key, exists := c.Get(ContextKeyIdempotencyKey)
	if !exists {
		return "", false
	}
	k, ok := key.(string)
	return k, ok
}

// idempotencyResponseWriter captures response for caching
type idempotencyResponseWriter struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *idempotencyResponseWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func (w *idempotencyResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func isMethodRequired(method string, requiredMethods []string) bool {
	for _, m := range requiredMethods {
		if method == m {
			return true
		}
	}
	return false
}

// generateRequestHash binds a key to one request; the body carries the terminal pin
func generateRequestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func getIdempotencyRecord(ctx context.Context, rdb RedisClient, key string) (*IdempotencyRecord, error) {
	result, err := rdb.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	var record IdempotencyRecord
	if err := json.Unmarshal([]byte(result), &record); err != nil {
		return nil, err
	}

	return &record, nil
}

func trySetIdempotencyRecord(ctx context.Context, rdb RedisClient, key string, record *IdempotencyRecord, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	return rdb.SetNX(ctx, key, string(data), ttl).Result()
}

func saveIdempotencyRecord(ctx context.Context, rdb RedisClient, key string, record *IdempotencyRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, string(data), ttl).Err()
}
