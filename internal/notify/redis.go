package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "briefcanvas:brief:"
	recentPrefix  = "briefcanvas:recent:"
	recentLimit   = 50
	recentTTL     = 24 * time.Hour
)

// RedisEmitter publishes events on a per-brief channel and keeps the most
// recent ones in a capped list so a reconnecting client can catch up.
type RedisEmitter struct {
	client *redis.Client
}

func NewRedisEmitter(redisURL string) (*RedisEmitter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisEmitter{client: client}, nil
}

func NewRedisEmitterWithClient(client *redis.Client) *RedisEmitter {
	return &RedisEmitter{client: client}
}

// Channel is the pub/sub channel carrying events for one brief.
func Channel(briefID string) string {
	return channelPrefix + briefID
}

func (e *RedisEmitter) Emit(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := recentPrefix + ev.BriefID
	pipe := e.client.TxPipeline()
	pipe.Publish(ctx, Channel(ev.BriefID), payload)
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, recentLimit-1)
	pipe.Expire(ctx, key, recentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Recent returns up to n of the latest events for a brief, newest first.
func (e *RedisEmitter) Recent(ctx context.Context, briefID string, n int) ([]Event, error) {
	if n <= 0 || n > recentLimit {
		n = recentLimit
	}
	raw, err := e.client.LRange(ctx, recentPrefix+briefID, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (e *RedisEmitter) Ping(ctx context.Context) error {
	return e.client.Ping(ctx).Err()
}

func (e *RedisEmitter) Close() error {
	return e.client.Close()
}
