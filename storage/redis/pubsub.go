// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/pickup/storage"
	"github.com/redis/go-redis/v9"
)

// subscriptionBuffer bounds undelivered payloads per local subscription.
const subscriptionBuffer = 64

var _ storage.Subscription = (*subscription)(nil)

type subscription struct {
	store   *Store
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe adds a local subscription. All local subscriptions share one
// Redis pub/sub connection; a channel is unsubscribed in Redis when its last
// local subscription closes.
func (s *Store) Subscribe(ctx context.Context, channel string) (storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	set, ok := s.subs[channel]
	if !ok {
		if s.pubsub == nil {
			s.pubsub = s.client.Subscribe(ctx, channel)
			go s.dispatch(s.pubsub.Channel())
		} else if err := s.pubsub.Subscribe(ctx, channel); err != nil {
			return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
		}
		set = make(map[*subscription]struct{})
		s.subs[channel] = set
	}

	sub := &subscription{
		store:   s,
		channel: channel,
		ch:      make(chan []byte, subscriptionBuffer),
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (s *Store) dispatch(msgs <-chan *redis.Message) {
	defer close(s.done)

	for msg := range msgs {
		s.mu.Lock()
		for sub := range s.subs[msg.Channel] {
			select {
			case sub.ch <- []byte(msg.Payload):
			default:
				s.logger.Warn("dropping pub/sub payload for slow subscriber",
					slog.String("channel", msg.Channel))
			}
		}
		s.mu.Unlock()
	}
}

func (sub *subscription) Channel() <-chan []byte {
	return sub.ch
}

func (sub *subscription) Close() error {
	var err error
	sub.once.Do(func() {
		s := sub.store
		s.mu.Lock()
		defer s.mu.Unlock()

		if set, ok := s.subs[sub.channel]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(s.subs, sub.channel)
				if s.pubsub != nil && !s.closed {
					err = s.pubsub.Unsubscribe(context.Background(), sub.channel)
				}
			}
		}
		close(sub.ch)
	})
	return err
}
