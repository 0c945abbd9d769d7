// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/absmach/pickup/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DeliveryTimeout bounds how long suites wait for a published payload.
const DeliveryTimeout = 2 * time.Second

// FastStoreFactory returns a fresh, empty fast store for one subtest.
type FastStoreFactory func(t *testing.T) storage.FastStore

// DurableStoreFactory returns a fresh, empty durable store for one subtest.
type DurableStoreFactory func(t *testing.T) storage.DurableStore

// RunFastStoreSuite checks the list, hash, pub/sub and lock contracts
// every fast store backend must satisfy.
func RunFastStoreSuite(t *testing.T, newStore FastStoreFactory) {
	t.Run("list order and range", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := storage.QueueKey("c1")

		for _, v := range []string{"a", "b", "c"} {
			require.NoError(t, s.Append(ctx, key, v))
		}

		all, err := s.Range(ctx, key, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, all)

		head, err := s.Range(ctx, key, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, head)

		n, err := s.Len(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		missing, err := s.Range(ctx, storage.QueueKey("none"), 0, -1)
		require.NoError(t, err)
		assert.Empty(t, missing)

		n, err = s.Len(ctx, storage.QueueKey("none"))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("remove value", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := storage.QueueKey("c1")

		for _, v := range []string{"x", "y", "x", "z"} {
			require.NoError(t, s.Append(ctx, key, v))
		}

		removed, err := s.RemoveValue(ctx, key, 1, "x")
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		all, err := s.Range(ctx, key, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"y", "x", "z"}, all)

		removed, err = s.RemoveValue(ctx, key, 1, "missing")
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("scan keys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, storage.QueueKey("c1"), "a"))
		require.NoError(t, s.Append(ctx, storage.QueueKey("c2"), "b"))
		require.NoError(t, s.SetFields(ctx, storage.SessionKey("c1"), map[string]string{"k": "v"}))

		keys, err := s.ScanKeys(ctx, storage.QueueKeyPattern)
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{storage.QueueKey("c1"), storage.QueueKey("c2")}, keys)
	})

	t.Run("hash fields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := storage.SessionKey("c1")

		fields, err := s.GetFields(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, fields)

		require.NoError(t, s.SetFields(ctx, key, map[string]string{"sessionId": "s1", "socketId": "k1"}))
		require.NoError(t, s.SetFields(ctx, key, map[string]string{"sessionId": "s2"}))

		fields, err = s.GetFields(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"sessionId": "s2", "socketId": "k1"}, fields)

		existed, err := s.Delete(ctx, key)
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = s.Delete(ctx, key)
		require.NoError(t, err)
		assert.False(t, existed)
	})

	t.Run("publish subscribe", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sub, err := s.Subscribe(ctx, "c1")
		require.NoError(t, err)
		other, err := s.Subscribe(ctx, "c2")
		require.NoError(t, err)
		defer other.Close()

		require.Eventually(t, func() bool {
			if err := s.Publish(ctx, "c1", []byte("hello")); err != nil {
				return false
			}
			select {
			case got := <-sub.Channel():
				return string(got) == "hello"
			case <-time.After(50 * time.Millisecond):
				return false
			}
		}, DeliveryTimeout, 10*time.Millisecond)

		select {
		case got := <-other.Channel():
			t.Fatalf("unexpected payload on other channel: %s", got)
		default:
		}

		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close())
		_, open := <-sub.Channel()
		assert.False(t, open)
	})

	t.Run("lock primitives", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := storage.DefaultLockKey

		ok, err := s.SetNX(ctx, key, "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetNX(ctx, key, "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		v, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "a", v)

		ok, err = s.ExtendIfValue(ctx, key, "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.ExtendIfValue(ctx, key, "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.DeleteIfValue(ctx, key, "b")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.DeleteIfValue(ctx, key, "a")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = s.Get(ctx, key)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

// Record builds a pending record created at base plus offset.
func Record(id, connectionID string, base time.Time, offset time.Duration, recipients ...string) storage.Record {
	return storage.Record{
		MessageID:        id,
		ConnectionID:     connectionID,
		RecipientKeys:    recipients,
		EncryptedMessage: fmt.Sprintf(`{"id":%q}`, id),
		ByteCount:        int64(len(id) + 8),
		State:            storage.StatePending,
		CreatedAt:        base.Add(offset),
	}
}

// Queued builds a pending fast-tier record received at base plus offset.
func Queued(id, connectionID string, base time.Time, offset time.Duration, recipients ...string) storage.QueuedRecord {
	return storage.QueuedRecord{
		MessageID:        id,
		ConnectionID:     connectionID,
		RecipientDIDs:    recipients,
		EncryptedMessage: []byte(fmt.Sprintf(`{"id":%q}`, id)),
		State:            storage.StatePending,
		ByteCount:        int64(len(id) + 8),
		ReceivedAt:       base.Add(offset),
	}
}

// AppendQueued appends records to their connection list and returns the
// raw values written.
func AppendQueued(t *testing.T, s storage.ListStore, recs ...storage.QueuedRecord) []string {
	t.Helper()

	raws := make([]string, 0, len(recs))
	for _, r := range recs {
		raw, err := r.Encode()
		require.NoError(t, err)
		require.NoError(t, s.Append(context.Background(), storage.QueueKey(r.ConnectionID), raw))
		raws = append(raws, raw)
	}
	return raws
}

// RunDurableStoreSuite checks the durable tier contract.
func RunDurableStoreSuite(t *testing.T, newStore DurableStoreFactory) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("insert and find ordered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, Record("m3", "c1", base, 3*time.Second, "did:a")))
		require.NoError(t, s.Insert(ctx, Record("m1", "c1", base, 1*time.Second, "did:a")))
		require.NoError(t, s.Insert(ctx, Record("m2", "c1", base, 2*time.Second, "did:b")))
		require.NoError(t, s.Insert(ctx, Record("x1", "c2", base, 0, "did:c")))

		recs, err := s.Find(ctx, storage.Query{Filter: storage.Filter{ConnectionID: "c1"}})
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(recs))
		assert.Equal(t, []string{"did:a"}, recs[0].RecipientKeys)
		assert.Equal(t, `{"id":"m1"}`, recs[0].EncryptedMessage)
		assert.True(t, recs[0].CreatedAt.Equal(base.Add(time.Second)))
		assert.Equal(t, storage.StatePending, recs[0].State)

		limited, err := s.Find(ctx, storage.Query{Filter: storage.Filter{ConnectionID: "c1"}, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2"}, ids(limited))

		bare, err := s.Find(ctx, storage.Query{Filter: storage.Filter{ConnectionID: "c1"}, WithoutPayload: true})
		require.NoError(t, err)
		require.Len(t, bare, 3)
		assert.Empty(t, bare[0].EncryptedMessage)
		assert.Equal(t, int64(10), bare[0].ByteCount)
	})

	t.Run("insert is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := Record("m1", "c1", base, 0, "did:a")
		require.NoError(t, s.Insert(ctx, rec))
		require.NoError(t, s.Insert(ctx, rec))

		n, err := s.Count(ctx, storage.Filter{ConnectionID: "c1"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("recipient filters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, Record("m1", "c1", base, 1*time.Second, "did:a")))
		require.NoError(t, s.Insert(ctx, Record("m2", "c1", base, 2*time.Second, "did:b")))
		require.NoError(t, s.Insert(ctx, Record("m3", "c2", base, 3*time.Second, "did:a")))

		both, err := s.Find(ctx, storage.Query{Filter: storage.Filter{ConnectionID: "c1", RecipientKey: "did:a"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids(both))

		either, err := s.Find(ctx, storage.Query{Filter: storage.Filter{ConnectionID: "c1", RecipientKey: "did:a", MatchEither: true}})
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(either))

		n, err := s.Count(ctx, storage.Filter{RecipientKey: "did:a"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("delete by ids", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 1; i <= 3; i++ {
			require.NoError(t, s.Insert(ctx, Record(fmt.Sprintf("m%d", i), "c1", base, time.Duration(i)*time.Second)))
		}

		n, err := s.Delete(ctx, storage.Filter{ConnectionID: "c1", MessageIDs: []string{"m1", "m3", "nope"}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		recs, err := s.Find(ctx, storage.Query{Filter: storage.Filter{ConnectionID: "c1"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"m2"}, ids(recs))

		n, err = s.Delete(ctx, storage.Filter{ConnectionID: "c1"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("update state", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r1 := Record("m1", "c1", base, time.Second)
		r1.State = storage.StateSending
		require.NoError(t, s.Insert(ctx, r1))
		require.NoError(t, s.Insert(ctx, Record("m2", "c1", base, 2*time.Second)))

		n, err := s.UpdateState(ctx, storage.Filter{State: storage.StateSending}, storage.StatePending)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.Count(ctx, storage.Filter{State: storage.StatePending})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func ids(recs []storage.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.MessageID
	}
	return out
}
