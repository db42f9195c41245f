package polling

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry shares busy indicators across processes through a Redis set,
// so every dashboard backend in a fleet can show the same "recalculating"
// badges. Best-effort: Redis trouble is logged and otherwise ignored; the
// indicator is cosmetic and must never disturb polling.
type RedisRegistry struct {
	client  redis.UniversalClient
	setKey  string
	timeout time.Duration
}

// DefaultRegistrySetKey is the Redis set holding busy work-unit keys.
const DefaultRegistrySetKey = "margin:recalculating"

// NewRedisRegistry creates a registry backed by client. An empty setKey
// selects DefaultRegistrySetKey.
func NewRedisRegistry(client redis.UniversalClient, setKey string) *RedisRegistry {
	if setKey == "" {
		setKey = DefaultRegistrySetKey
	}
	return &RedisRegistry{
		client:  client,
		setKey:  setKey,
		timeout: 2 * time.Second,
	}
}

func (r *RedisRegistry) SessionStarted(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.SAdd(ctx, r.setKey, key).Err(); err != nil {
		log.Printf("[Registry] failed to mark %s busy: %v", key, err)
	}
}

func (r *RedisRegistry) SessionEnded(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.SRem(ctx, r.setKey, key).Err(); err != nil {
		log.Printf("[Registry] failed to clear %s: %v", key, err)
	}
}

// Busy returns the fleet-wide snapshot of busy work units.
func (r *RedisRegistry) Busy(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, r.setKey).Result()
}
