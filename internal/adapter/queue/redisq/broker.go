// Package redisq implements the broker ports on Redis.
//
// Lists back the per-agent FIFO work queues, a sorted set backs the
// scheduling queue, plain keys with TTL back the group registry and agent
// locks, and pub/sub carries cancellation and status fan-out. Everything held
// here is transient routing data; after a broker flush the scheduler rebuilds
// it from PostgreSQL.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker exposes Redis-backed queues, keys, locks and pub/sub as one client.
type Broker struct {
	client  *redis.Client
	release *redis.Script
}

// New connects to Redis and verifies the connection before returning.
func New(addr, password string, db int) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=redisq.new: %w", err)
	}
	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client. Close closes it.
func NewWithClient(client *redis.Client) *Broker {
	return &Broker{client: client, release: redis.NewScript(releaseScript)}
}

// Close releases the underlying client.
func (b *Broker) Close() error { return b.client.Close() }

// Ping verifies the connection; used by readiness probes.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// PushWork appends the payload as JSON to the head of the list queue.
func (b *Broker) PushWork(ctx context.Context, queue string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=redisq.push_work: %w", err)
	}
	if err := b.client.LPush(ctx, queue, raw).Err(); err != nil {
		return fmt.Errorf("op=redisq.push_work: %w", err)
	}
	return nil
}

// PopWork takes the oldest entry off the list queue; ok is false on empty.
func (b *Broker) PopWork(ctx context.Context, queue string) ([]byte, bool, error) {
	raw, err := b.client.RPop(ctx, queue).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=redisq.pop_work: %w", err)
	}
	return raw, true, nil
}

// BlockingPopWork waits up to timeout for an entry; ok is false on timeout.
func (b *Broker) BlockingPopWork(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool, error) {
	res, err := b.client.BRPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=redisq.blocking_pop_work: %w", err)
	}
	if len(res) != 2 {
		return nil, false, nil
	}
	return []byte(res[1]), true, nil
}

// Add inserts or rescores a member in the sorted set.
func (b *Broker) Add(ctx context.Context, name, member string, score float64) error {
	if err := b.client.ZAdd(ctx, name, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("op=redisq.add: %w", err)
	}
	return nil
}

// PopMax removes and returns the highest-scored member; ok is false on empty.
func (b *Broker) PopMax(ctx context.Context, name string) (string, float64, bool, error) {
	res, err := b.client.ZPopMax(ctx, name, 1).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("op=redisq.pop_max: %w", err)
	}
	if len(res) == 0 {
		return "", 0, false, nil
	}
	member, _ := res[0].Member.(string)
	return member, res[0].Score, true, nil
}

// Length returns the sorted set cardinality.
func (b *Broker) Length(ctx context.Context, name string) (int64, error) {
	n, err := b.client.ZCard(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.length: %w", err)
	}
	return n, nil
}

// SetNX stores value under key with a TTL only if the key is absent.
func (b *Broker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisq.setnx: %w", err)
	}
	return ok, nil
}

// Get reads the key; ok is false when it does not exist.
func (b *Broker) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=redisq.get: %w", err)
	}
	return val, true, nil
}

// Delete removes the key; deleting an absent key is not an error.
func (b *Broker) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("op=redisq.delete: %w", err)
	}
	return nil
}
