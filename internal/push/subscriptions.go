package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/redis/go-redis/v9"
)

const (
	maxSubs         = 10
	redisKey        = "mitalk:push:subs"
	subscriptionTTL = 30 * 24 * time.Hour
)

// SubscriptionStore keeps the browser subscriptions of this device.
type SubscriptionStore interface {
	Add(ctx context.Context, sub webpush.Subscription) error
	Remove(ctx context.Context, endpoint string) error
	List(ctx context.Context) ([]webpush.Subscription, error)
}

// MemoryStore keeps at most the newest maxSubs subscriptions in memory.
type MemoryStore struct {
	mu   sync.Mutex
	subs []webpush.Subscription
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Add(ctx context.Context, sub webpush.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(without(s.subs, sub.Endpoint), sub)
	if len(s.subs) > maxSubs {
		s.subs = s.subs[len(s.subs)-maxSubs:]
	}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = without(s.subs, endpoint)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]webpush.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webpush.Subscription(nil), s.subs...), nil
}

func without(subs []webpush.Subscription, endpoint string) []webpush.Subscription {
	out := make([]webpush.Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Endpoint != endpoint {
			out = append(out, s)
		}
	}
	return out
}

// RedisStore keeps subscriptions in a Redis list with a rolling TTL.
type RedisStore struct {
	cli *redis.Client
}

func NewRedisStore(cli *redis.Client) *RedisStore { return &RedisStore{cli: cli} }

func (s *RedisStore) Add(ctx context.Context, sub webpush.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := s.Remove(ctx, sub.Endpoint); err != nil {
		return err
	}
	pipe := s.cli.Pipeline()
	pipe.RPush(ctx, redisKey, string(raw))
	pipe.LTrim(ctx, redisKey, -maxSubs, -1)
	pipe.Expire(ctx, redisKey, subscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push.RedisStore.Add: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, endpoint string) error {
	list, err := s.cli.LRange(ctx, redisKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("push.RedisStore.Remove: %w", err)
	}
	for _, item := range list {
		var sub webpush.Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint == endpoint {
			if err := s.cli.LRem(ctx, redisKey, 0, item).Err(); err != nil {
				return fmt.Errorf("push.RedisStore.Remove: %w", err)
			}
		}
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]webpush.Subscription, error) {
	list, err := s.cli.LRange(ctx, redisKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("push.RedisStore.List: %w", err)
	}
	var out []webpush.Subscription
	for _, item := range list {
		var sub webpush.Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			out = append(out, sub)
		}
	}
	return out, nil
}
