// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/pickup/storage"
)

var _ storage.Subscription = (*subscription)(nil)

type subscription struct {
	store   *FastStore
	channel string
	ch      chan []byte
	once    sync.Once
}

// Publish delivers payload to every local subscriber of channel.
// Delivery never blocks; a subscriber with a full buffer misses the payload.
func (s *FastStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	for sub := range s.subs[channel] {
		data := make([]byte, len(payload))
		copy(data, payload)
		select {
		case sub.ch <- data:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscription on channel.
func (s *FastStore) Subscribe(ctx context.Context, channel string) (storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	sub := &subscription{
		store:   s,
		channel: channel,
		ch:      make(chan []byte, subscriptionBuffer),
	}
	set, ok := s.subs[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		s.subs[channel] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (s *FastStore) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[channel])
}

func (sub *subscription) Channel() <-chan []byte {
	return sub.ch
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		s := sub.store
		s.mu.Lock()
		if set, ok := s.subs[sub.channel]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(s.subs, sub.channel)
			}
		}
		close(sub.ch)
		s.mu.Unlock()
	})
	return nil
}
