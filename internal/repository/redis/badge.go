package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsefeed/notification-engine/internal/domain"
)

// BadgeCache caches per-user unread counts in front of the repository's
// COUNT query. Deliveries and read-acks invalidate; lookups repopulate on
// miss with a short TTL so a lost invalidation heals itself.
type BadgeCache struct {
	client *Client
	repo   domain.NotificationRepository
	ttl    time.Duration
}

func NewBadgeCache(client *Client, repo domain.NotificationRepository, ttl time.Duration) *BadgeCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &BadgeCache{client: client, repo: repo, ttl: ttl}
}

func badgeKey(userID string) string {
	return fmt.Sprintf("badge:unread:%s", userID)
}

// Unread returns the cached unread count, falling back to the repository.
func (c *BadgeCache) Unread(ctx context.Context, userID string) (int64, error) {
	count, err := c.client.GetClient().Get(ctx, badgeKey(userID)).Int64()
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, redis.Nil) {
		// Cache trouble falls through to the authoritative count.
		count, repoErr := c.repo.CountUnread(ctx, userID)
		if repoErr != nil {
			return 0, repoErr
		}
		return count, nil
	}

	count, err = c.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	c.client.GetClient().Set(ctx, badgeKey(userID), count, c.ttl)
	return count, nil
}

// Invalidate drops the cached count after a delivery or read-ack.
func (c *BadgeCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.GetClient().Del(ctx, badgeKey(userID)).Err()
}
