package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// SendLimiter caps how many codes can be sent to one identifier per window.
// A nil limiter or nil client allows everything.
type SendLimiter struct {
	redis  redis.UniversalClient
	max    int
	window time.Duration
}

func NewSendLimiter(client redis.UniversalClient, max int, window time.Duration) *SendLimiter {
	return &SendLimiter{redis: client, max: max, window: window}
}

// Allow records one send against identifier and returns ErrRateLimited once
// the window budget is spent.
func (l *SendLimiter) Allow(ctx context.Context, identifier string) error {
	if l == nil || l.redis == nil || l.max <= 0 {
		return nil
	}

	key := sendKey(identifier)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("send limiter: %w", err)
	}

	// Fixed window: the first hit starts the clock.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("send limiter: %w", err)
		}
	}

	if count > int64(l.max) {
		return ErrRateLimited
	}
	return nil
}

func (l *SendLimiter) Reset(ctx context.Context, identifier string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	return l.redis.Del(ctx, sendKey(identifier)).Err()
}

func sendKey(identifier string) string {
	return "hb:codesend:" + strings.ToLower(strings.TrimSpace(identifier))
}
