package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"swapmarket/internal/utils"
)

// TrustScoreCache is a read-through cache for derived trust scores. Scores
// are recomputable at any time from the ratings collection; the cache only
// avoids re-aggregating on every profile or search render. A new rating for
// a user must invalidate their entry (delete-on-write), so the TTL is a
// backstop, not the consistency mechanism.
type TrustScoreCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewTrustScoreCache(rdb *redis.Client, ttl time.Duration) *TrustScoreCache {
	return &TrustScoreCache{rdb: rdb, ttl: ttl}
}

func trustKey(userID utils.SixID) string {
	return "trust:" + userID.String()
}

// Get returns the cached score for a user, or ok=false on a miss. Redis
// errors degrade to a miss; the caller recomputes from ratings.
func (c *TrustScoreCache) Get(ctx context.Context, userID utils.SixID) (float64, bool) {
	if c == nil || c.rdb == nil {
		return 0, false
	}
	val, err := c.rdb.Get(ctx, trustKey(userID)).Result()
	if err != nil {
		return 0, false
	}
	score, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return score, true
}

// Set stores a freshly computed score.
func (c *TrustScoreCache) Set(ctx context.Context, userID utils.SixID, score float64) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	err := c.rdb.Set(ctx, trustKey(userID), strconv.FormatFloat(score, 'f', -1, 64), c.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to cache trust score: %w", err)
	}
	return nil
}

// Invalidate drops the cached score for a user. Called whenever a rating
// for that user is created or overwritten.
func (c *TrustScoreCache) Invalidate(ctx context.Context, userID utils.SixID) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	err := c.rdb.Del(ctx, trustKey(userID)).Err()
	if err != nil {
		return fmt.Errorf("failed to invalidate trust score: %w", err)
	}
	return nil
}
