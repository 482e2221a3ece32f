package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jogardn/fooddash/pkg/models"
)

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps presence in Redis so it can be inspected from outside the
// process. Entries expire after ttl unless refreshed by Set.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "fooddash:presence"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Dial connects and pings addr.
func Dial(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisStore) key(role models.Role, actorID string) string {
	return r.prefix + ":" + string(role) + ":" + actorID
}

func (r *RedisStore) Set(ctx context.Context, role models.Role, actorID, connID string) error {
	return r.client.Set(ctx, r.key(role, actorID), connID, r.ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, role models.Role, actorID string) (string, bool, error) {
	connID, err := r.client.Get(ctx, r.key(role, actorID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return connID, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, role models.Role, actorID, connID string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, r.client, []string{r.key(role, actorID)}, connID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
