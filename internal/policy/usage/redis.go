package usage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	id "agentgate/pkg/domain"
)

const usageKeyPrefix = "usage:agent:"

// RedisTracker keeps usage history in a sorted set per agent, scored by
// event time, so windowed sums and counts are single range queries shared
// across gateway instances.
type RedisTracker struct {
	client *redis.Client
	clock  func() time.Time
}

// RedisOption configures a RedisTracker.
type RedisOption func(*RedisTracker)

// WithRedisClock sets the time source for window math.
func WithRedisClock(clock func() time.Time) RedisOption {
	return func(t *RedisTracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func NewRedisTracker(client *redis.Client, opts ...RedisOption) *RedisTracker {
	t := &RedisTracker{client: client, clock: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func usageKey(agentID id.AgentID) string {
	return usageKeyPrefix + string(agentID)
}

// Record adds one action with the given cost and prunes history past the
// retention horizon.
func (t *RedisTracker) Record(ctx context.Context, agentID id.AgentID, cost float64) error {
	now := t.clock()
	// Member encodes the cost; a random suffix keeps members unique when two
	// actions land on the same nanosecond.
	member := fmt.Sprintf("%s:%s", strconv.FormatFloat(cost, 'f', -1, 64), uuid.NewString())

	pipe := t.client.Pipeline()
	pipe.ZAdd(ctx, usageKey(agentID), redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})
	pipe.ZRemRangeByScore(ctx, usageKey(agentID), "0",
		strconv.FormatInt(now.Add(-retention).UnixNano(), 10))
	pipe.Expire(ctx, usageKey(agentID), retention)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (t *RedisTracker) SpendInWindow(ctx context.Context, agentID id.AgentID, window time.Duration) (float64, error) {
	cutoff := t.clock().Add(-window).UnixNano()
	members, err := t.client.ZRangeByScore(ctx, usageKey(agentID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("query spend window: %w", err)
	}

	var total float64
	for _, m := range members {
		costStr, _, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		cost, err := strconv.ParseFloat(costStr, 64)
		if err != nil {
			continue
		}
		total += cost
	}
	return total, nil
}

func (t *RedisTracker) ActionCount(ctx context.Context, agentID id.AgentID, window time.Duration) (int, error) {
	cutoff := t.clock().Add(-window).UnixNano()
	count, err := t.client.ZCount(ctx, usageKey(agentID),
		"("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("query action count: %w", err)
	}
	return int(count), nil
}
