package redis

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"coin-monitor/internal/model"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lease taken over by another owner is never released by us.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a model.Locker backed by SET NX PX leases.
type Locker struct {
	client *goredis.Client
}

// NewLocker wraps a connected client.
func NewLocker(client *goredis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes key for ttl. It returns model.ErrLeaseHeld when another
// owner holds it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, model.ErrLeaseHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil && err != goredis.Nil {
				log.Printf("[redis-lease] release %s: %v", key, err)
			}
		})
	}, nil
}
