package redisq

import (
	"context"
	"encoding/json"
	"fmt"

	backoff "github.com/cenkalti/backoff/v4"
)

// Publish sends the payload as JSON to the channel. Delivery is at-most-once;
// subscribers not listening at publish time miss the message.
func (b *Broker) Publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=redisq.publish: %w", err)
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("op=redisq.publish: %w", err)
	}
	return nil
}

// Subscribe consumes the channel until ctx is done, invoking handler per
// message. A dropped subscription is re-established with exponential backoff.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler func(context.Context, []byte)) error {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 0 // keep retrying for the life of the process

	op := func() error {
		sub := b.client.Subscribe(ctx, channel)
		defer func() { _ = sub.Close() }()
		if _, err := sub.Receive(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		expo.Reset()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case msg, ok := <-ch:
				if !ok {
					return fmt.Errorf("subscription %s closed", channel)
				}
				handler(ctx, []byte(msg.Payload))
			}
		}
	}
	err := backoff.Retry(op, backoff.WithContext(expo, ctx))
	if err != nil {
		return fmt.Errorf("op=redisq.subscribe: %w", err)
	}
	return nil
}
