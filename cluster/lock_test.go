// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/pickup/storage/memory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLockExclusive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memory.NewFastStore(clock)
	ctx := context.Background()
	ttl := 10 * time.Second

	a := NewStoreLock(store, "", "node-a", ttl)
	b := NewStoreLock(store, "", "node-b", ttl)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire a live lock")

	// Reacquire by the current holder is a renew.
	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := b.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-a", holder)

	assert.ErrorIs(t, b.Release(ctx), ErrNotHeld)
	holder, err = b.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-a", holder)
}

func TestStoreLockTakeover(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memory.NewFastStore(clock)
	ctx := context.Background()
	ttl := 10 * time.Second

	a := NewStoreLock(store, "leader", "node-a", ttl)
	b := NewStoreLock(store, "leader", "node-b", ttl)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Holder stops renewing; the lock expires after one TTL.
	clock.Advance(ttl)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Renew(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "old holder must observe the loss")
}

func TestStoreLockRelease(t *testing.T) {
	store := memory.NewFastStore(nil)
	ctx := context.Background()

	a := NewStoreLock(store, "leader", "node-a", time.Minute)
	b := NewStoreLock(store, "leader", "node-b", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Release(ctx))

	holder, err := a.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNoopLock(t *testing.T) {
	l := NewNoopLock("solo", time.Second)
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Renew(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := l.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "solo", holder)
	assert.NoError(t, l.Release(ctx))
	assert.Equal(t, time.Second, l.TTL())
}
