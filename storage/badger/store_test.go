// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/pickup/storage"
	"github.com/absmach/pickup/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, cfg Config) *Store {
	t.Helper()

	s, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	testutil.RunDurableStoreSuite(t, func(t *testing.T) storage.DurableStore {
		return setupStore(t, Config{InMemory: true})
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)

	s, err := New(Config{Dir: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, testutil.Record("m1", "c1", created, 0, "did:a")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s = setupStore(t, Config{Dir: dir})
	recs, err := s.Find(ctx, storage.Query{Filter: storage.Filter{ConnectionID: "c1"}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].CreatedAt.Equal(created))
	assert.Equal(t, []string{"did:a"}, recs[0].RecipientKeys)
}

func TestDeleteClearsIndex(t *testing.T) {
	s := setupStore(t, Config{InMemory: true})
	ctx := context.Background()
	rec := testutil.Record("m1", "c1", time.Now(), 0)

	require.NoError(t, s.Insert(ctx, rec))
	n, err := s.Delete(ctx, storage.Filter{MessageIDs: []string{"m1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A deleted ID can be inserted again.
	require.NoError(t, s.Insert(ctx, rec))
	n, err = s.Count(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRecordKeyOrder(t *testing.T) {
	base := time.Unix(1700000000, 0)
	early := recordKey(storage.Record{MessageID: "z", CreatedAt: base})
	late := recordKey(storage.Record{MessageID: "a", CreatedAt: base.Add(time.Nanosecond)})
	assert.Less(t, string(early), string(late))
}
