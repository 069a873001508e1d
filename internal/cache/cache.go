// Package cache keeps recent chat answers in Redis so repeated questions
// against the same index skip retrieval and completion.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/docrag/pkg/models"
)

const keyPrefix = "docrag:answer:"

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis caches answers. A nil *Redis is a disabled cache.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// New returns a cache for cfg, or nil when no address is configured.
func New(cfg Config) *Redis {
	if cfg.Addr == "" {
		return nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: 2 * time.Second,
			ReadTimeout: time.Second,
		}),
		ttl: cfg.TTL,
	}
}

// Ping checks the connection.
func (c *Redis) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Redis) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// Key identifies an answer by the index build it came from, whether query
// expansion was used and the normalized question.
func Key(buildID string, expand bool, question string) string {
	q := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	h := sha1.Sum([]byte(fmt.Sprintf("%s\x00%t\x00%s", buildID, expand, q)))
	return keyPrefix + hex.EncodeToString(h[:])
}

// Get returns the cached answer for key. Errors count as a miss.
func (c *Redis) Get(ctx context.Context, key string) (models.AnswerResult, bool) {
	if c == nil {
		return models.AnswerResult{}, false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.AnswerResult{}, false
	}
	if err != nil {
		log.Warn().Err(err).Msg("answer cache read failed")
		return models.AnswerResult{}, false
	}
	var res models.AnswerResult
	if err := json.Unmarshal(data, &res); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("dropping undecodable cached answer")
		return models.AnswerResult{}, false
	}
	return res, true
}

// Set stores res under key. Errors are logged and ignored.
func (c *Redis) Set(ctx context.Context, key string, res models.AnswerResult) {
	if c == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode answer for cache")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("answer cache write failed")
	}
}
