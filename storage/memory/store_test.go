// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/pickup/storage"
	"github.com/absmach/pickup/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFastStoreContract(t *testing.T) {
	testutil.RunFastStoreSuite(t, func(t *testing.T) storage.FastStore {
		s := NewFastStore(nil)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestDurableStoreContract(t *testing.T) {
	testutil.RunDurableStoreSuite(t, func(t *testing.T) storage.DurableStore {
		s := NewDurableStore()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestLockExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewFastStore(clock)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", "a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(5 * time.Second)
	ok, err = s.ExtendIfValue(ctx, "lock", "a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(9 * time.Second)
	v, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	clock.Advance(2 * time.Second)
	_, err = s.Get(ctx, "lock")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	ok, err = s.SetNX(ctx, "lock", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ExtendIfValue(ctx, "lock", "a", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	s := NewFastStore(nil)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "c1")
	require.NoError(t, err)

	for i := 0; i < subscriptionBuffer+10; i++ {
		require.NoError(t, s.Publish(ctx, "c1", []byte("x")))
	}
	assert.Len(t, sub.Channel(), subscriptionBuffer)
	assert.Equal(t, 1, s.Subscribers("c1"))

	require.NoError(t, sub.Close())
	assert.Zero(t, s.Subscribers("c1"))
}

func TestClosedStore(t *testing.T) {
	s := NewFastStore(nil)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, open := <-sub.Channel()
	assert.False(t, open)

	assert.ErrorIs(t, s.Append(ctx, "k", "v"), storage.ErrClosed)
	assert.ErrorIs(t, s.Ping(ctx), storage.ErrClosed)

	d := NewDurableStore()
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Insert(ctx, storage.Record{MessageID: "m"}), storage.ErrClosed)
}
