// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/pickup/storage"
	"github.com/absmach/pickup/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()

	s, err := New(context.Background(), Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	testutil.RunDurableStoreSuite(t, func(t *testing.T) storage.DurableStore {
		return newTestStore(t, filepath.Join(t.TempDir(), "pickup.db"))
	})
}

func TestInMemory(t *testing.T) {
	s := newTestStore(t, ":memory:")
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testutil.Record("m1", "c1", time.Now(), 0)))
	n, err := s.Count(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pickup.db")
	ctx := context.Background()
	created := time.Date(2024, 2, 3, 4, 5, 6, 7, time.UTC)

	s, err := New(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, testutil.Record("m1", "c1", created, 0, "did:a", "did:b")))
	require.NoError(t, s.Close())

	s = newTestStore(t, path)
	recs, err := s.Find(ctx, storage.Query{Filter: storage.Filter{RecipientKey: "did:b"}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].CreatedAt.Equal(created))
	assert.Equal(t, []string{"did:a", "did:b"}, recs[0].RecipientKeys)
}

func TestWhere(t *testing.T) {
	cond, args := where(storage.Filter{})
	assert.Empty(t, cond)
	assert.Empty(t, args)

	cond, args = where(storage.Filter{ConnectionID: "c", RecipientKey: "r", MatchEither: true, State: storage.StatePending})
	assert.Contains(t, cond, "OR")
	assert.Equal(t, []any{"c", "r", "pending"}, args)

	_, args = where(storage.Filter{MessageIDs: []string{"a", "b"}})
	assert.Equal(t, []any{"a", "b"}, args)
}

func TestEmptyPath(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
