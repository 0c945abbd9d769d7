// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/pickup/storage"
	"github.com/absmach/pickup/testutil"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(context.Background(), Config{URL: "redis://" + mr.Addr()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, mr
}

func TestStoreContract(t *testing.T) {
	testutil.RunFastStoreSuite(t, func(t *testing.T) storage.FastStore {
		s, _ := newTestStore(t)
		return s
	})
}

func TestLockTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, storage.DefaultLockKey, "a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)
	ok, err = s.ExtendIfValue(ctx, storage.DefaultLockKey, "a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)
	v, err := s.Get(ctx, storage.DefaultLockKey)
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	mr.FastForward(5 * time.Second)
	_, err = s.Get(ctx, storage.DefaultLockKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ok, err = s.SetNX(ctx, storage.DefaultLockKey, "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSharedSubscription(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Subscribe(ctx, "c1")
	require.NoError(t, err)
	second, err := s.Subscribe(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		if err := s.Publish(ctx, "c1", []byte("ping")); err != nil {
			return false
		}
		select {
		case got := <-second.Channel():
			return string(got) == "ping"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, testutil.DeliveryTimeout, 10*time.Millisecond)

	require.NoError(t, second.Close())
}

func TestNewErrors(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{URL: "://bad"}, nil)
	assert.Error(t, err)

	_, err = New(ctx, Config{Mode: ModeCluster}, nil)
	assert.Error(t, err)

	_, err = New(ctx, Config{Mode: "sentinel"}, nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = New(ctx, Config{URL: "redis://" + addr}, nil)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
