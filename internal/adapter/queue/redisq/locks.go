package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// releaseScript deletes the lock only while the caller still owns it, so a
// holder whose TTL lapsed cannot release a lock reacquired by someone else.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Acquire takes the lock under a fresh owner token. ok is false while another
// holder owns it; the TTL bounds how long a crashed holder can block others.
func (b *Broker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := b.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("op=redisq.acquire: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lock if token still owns it; otherwise it is a no-op.
func (b *Broker) Release(ctx context.Context, key, token string) error {
	if err := b.release.Run(ctx, b.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("op=redisq.release: %w", err)
	}
	return nil
}
