package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisLogPrefix = "audit:redis"

// DefaultRedisKey is the list records are pushed to.
const DefaultRedisKey = "hostbridge:audit"

// RedisSink keeps the most recent records in a capped Redis list, newest
// first.
type RedisSink struct {
	client redis.UniversalClient
	key    string
	max    int64
}

// NewRedisSink creates a RedisSink. max <= 0 keeps 1000 records.
func NewRedisSink(client redis.UniversalClient, key string, max int64) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	if max <= 0 {
		max = 1000
	}
	return &RedisSink{client: client, key: key, max: max}
}

// NewRedisClient parses a redis:// URL or a plain host:port.
func NewRedisClient(addr string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}}), nil
	}
	return redis.NewClient(opts), nil
}

// Write pushes rec and trims the list.
func (s *RedisSink) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%s - failed to encode record: %w", redisLogPrefix, err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, s.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s - failed to push audit record %s: %w", redisLogPrefix, rec.ID, err)
	}
	return nil
}

// Recent returns up to n of the newest records. n <= 0 returns all of them.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]Record, error) {
	stop := n - 1
	if n <= 0 {
		stop = -1
	}
	raw, err := s.client.LRange(ctx, s.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read audit records: %w", redisLogPrefix, err)
	}
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
