// Package costs tracks per-cycle token and dollar spend in Redis. Counters
// are advisory inputs to the cycle cost-limit check; the store's event stream
// records the enforcement decisions.
package costs

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andyyyy64/opentiger/internal/domain"
)

// Tracker accumulates usage counters keyed by cycle id.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a Tracker from a redis URL.
func New(redisURL string) (*Tracker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=costs.new: %w", err)
	}
	return NewWithClient(redis.NewClient(opt)), nil
}

// NewWithClient wraps an existing client (used by tests with miniredis).
func NewWithClient(client *redis.Client) *Tracker {
	return &Tracker{client: client, ttl: 14 * 24 * time.Hour}
}

func tokensKey(cycleID string) string { return "opentiger:cycle:" + cycleID + ":tokens" }
func costKey(cycleID string) string   { return "opentiger:cycle:" + cycleID + ":cost_microusd" }

// AddUsage adds a worker run's spend to the cycle counters. Cost is stored in
// micro-dollars so the counter stays integral.
func (t *Tracker) AddUsage(ctx domain.Context, cycleID string, tokens int64, costUSD float64) error {
	pipe := t.client.TxPipeline()
	pipe.IncrBy(ctx, tokensKey(cycleID), tokens)
	pipe.IncrBy(ctx, costKey(cycleID), int64(costUSD*1e6))
	pipe.Expire(ctx, tokensKey(cycleID), t.ttl)
	pipe.Expire(ctx, costKey(cycleID), t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=costs.add: %w", err)
	}
	return nil
}

// Usage returns the cycle's accumulated spend. Absent keys read as zero.
func (t *Tracker) Usage(ctx domain.Context, cycleID string) (int64, float64, error) {
	vals, err := t.client.MGet(ctx, tokensKey(cycleID), costKey(cycleID)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("op=costs.usage: %w", err)
	}
	var tokens, micro int64
	if len(vals) > 0 && vals[0] != nil {
		if s, ok := vals[0].(string); ok {
			tokens, _ = strconv.ParseInt(s, 10, 64)
		}
	}
	if len(vals) > 1 && vals[1] != nil {
		if s, ok := vals[1].(string); ok {
			micro, _ = strconv.ParseInt(s, 10, 64)
		}
	}
	return tokens, float64(micro) / 1e6, nil
}

// Reset clears the counters when a cycle ends.
func (t *Tracker) Reset(ctx domain.Context, cycleID string) error {
	if err := t.client.Del(ctx, tokensKey(cycleID), costKey(cycleID)).Err(); err != nil {
		return fmt.Errorf("op=costs.reset: %w", err)
	}
	return nil
}
