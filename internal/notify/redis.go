package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/buyrs/BM-sub005/internal/config"
	"github.com/buyrs/BM-sub005/internal/domain"
)

const defaultOutboxList = "bm:notifications"

// RedisOutbox pushes notifications onto a Redis list for an external
// mailer or SMS gateway to drain.
type RedisOutbox struct {
	client *redis.Client
	list   string
}

func NewRedisOutbox(cfg config.Redis) *RedisOutbox {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	return NewRedisOutboxWithClient(client, cfg.List)
}

func NewRedisOutboxWithClient(client *redis.Client, list string) *RedisOutbox {
	if list == "" {
		list = defaultOutboxList
	}
	return &RedisOutbox{client: client, list: list}
}

func (o *RedisOutbox) Dispatch(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := o.client.RPush(ctx, o.list, data).Err(); err != nil {
		return fmt.Errorf("push notification %s: %w", n.ID, err)
	}
	return nil
}

// Len reports how many notifications are waiting in the outbox.
func (o *RedisOutbox) Len(ctx context.Context) (int64, error) {
	return o.client.LLen(ctx, o.list).Result()
}

func (o *RedisOutbox) Close() error {
	return o.client.Close()
}
