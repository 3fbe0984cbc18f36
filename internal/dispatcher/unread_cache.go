package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// UnreadCache keeps per-user unread counts in redis so snapshot
// requests do not hit postgres on every reconnect. It fails open: any
// redis error is treated as a miss.
type UnreadCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewUnreadCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *UnreadCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnreadCache{rdb: rdb, ttl: ttl, logger: logger}
}

func unreadKey(userID int) string {
	return fmt.Sprintf("unread:%d", userID)
}

func (c *UnreadCache) Get(ctx context.Context, userID int) (int, bool) {
	count, err := c.rdb.Get(ctx, unreadKey(userID)).Int()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("unread cache read failed", zap.Int("user_id", userID), zap.Error(err))
		}
		return 0, false
	}
	return count, true
}

func (c *UnreadCache) Set(ctx context.Context, userID, count int) {
	if err := c.rdb.Set(ctx, unreadKey(userID), count, c.ttl).Err(); err != nil {
		c.logger.Warn("unread cache write failed", zap.Int("user_id", userID), zap.Error(err))
	}
}

func (c *UnreadCache) Invalidate(ctx context.Context, userID int) {
	if err := c.rdb.Del(ctx, unreadKey(userID)).Err(); err != nil {
		c.logger.Warn("unread cache invalidation failed", zap.Int("user_id", userID), zap.Error(err))
	}
}
