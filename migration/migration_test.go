// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/pickup/cluster"
	"github.com/absmach/pickup/storage"
	"github.com/absmach/pickup/storage/memory"
	"github.com/absmach/pickup/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threshold = time.Minute

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	clock    *clockwork.FakeClock
	fast     *memory.FastStore
	durable  *memory.DurableStore
	migrator *Migrator
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		clock:   clockwork.NewFakeClockAt(base),
		durable: memory.NewDurableStore(),
	}
	e.fast = memory.NewFastStore(e.clock)
	t.Cleanup(func() { e.fast.Close() })

	m, err := NewMigrator(MigratorConfig{
		Fast:      e.fast,
		Durable:   e.durable,
		Threshold: threshold,
		Clock:     e.clock,
		Logger:    discard(),
	})
	require.NoError(t, err)
	e.migrator = m
	return e
}

func (e *env) scheduler(t *testing.T, owner string, ttl time.Duration) *Scheduler {
	t.Helper()

	s, err := NewScheduler(SchedulerConfig{
		Lock:     cluster.NewStoreLock(e.fast, "", owner, ttl),
		Migrator: e.migrator,
		Interval: 10 * time.Second,
		Clock:    e.clock,
		Logger:   discard(),
	})
	require.NoError(t, err)
	return s
}

func listIDs(t *testing.T, s storage.ListStore, connectionID string) []string {
	t.Helper()

	key := storage.QueueKey(connectionID)
	raws, err := s.Range(context.Background(), key, 0, -1)
	require.NoError(t, err)

	out := make([]string, 0, len(raws))
	for _, raw := range raws {
		r, err := storage.DecodeQueued(key, raw)
		if err != nil {
			out = append(out, "<malformed>")
			continue
		}
		out = append(out, r.MessageID)
	}
	return out
}

func durableIDs(t *testing.T, s storage.DurableStore, connectionID string) []string {
	t.Helper()

	recs, err := s.Find(context.Background(), storage.Query{Filter: storage.Filter{ConnectionID: connectionID}})
	require.NoError(t, err)

	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.MessageID)
	}
	return out
}

func TestNewMigratorValidation(t *testing.T) {
	_, err := NewMigrator(MigratorConfig{Durable: memory.NewDurableStore(), Threshold: time.Second})
	assert.Error(t, err)
	_, err = NewMigrator(MigratorConfig{Fast: memory.NewFastStore(nil), Threshold: time.Second})
	assert.Error(t, err)
	_, err = NewMigrator(MigratorConfig{Fast: memory.NewFastStore(nil), Durable: memory.NewDurableStore()})
	assert.Error(t, err)
}

func TestMigrateOnceThreshold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	testutil.AppendQueued(t, e.fast,
		testutil.Queued("old-1", "conn-1", base, -2*threshold, "did:key:a"),
		testutil.Queued("edge", "conn-1", base, -threshold),
		testutil.Queued("young", "conn-1", base, -threshold+time.Second),
		testutil.Queued("old-2", "conn-2", base, -3*threshold),
	)

	res, err := e.migrator.MigrateOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Keys: 2, Migrated: 3}, res)

	assert.Equal(t, []string{"young"}, listIDs(t, e.fast, "conn-1"))
	assert.Empty(t, listIDs(t, e.fast, "conn-2"))
	assert.Equal(t, []string{"old-1", "edge"}, durableIDs(t, e.durable, "conn-1"))
	assert.Equal(t, []string{"old-2"}, durableIDs(t, e.durable, "conn-2"))

	recs, err := e.durable.Find(ctx, storage.Query{Filter: storage.Filter{MessageIDs: []string{"old-1"}}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"did:key:a"}, recs[0].RecipientKeys)
	assert.Equal(t, storage.StatePending, recs[0].State)
	assert.True(t, base.Add(-2*threshold).Equal(recs[0].CreatedAt))

	e.clock.Advance(threshold)
	res, err = e.migrator.MigrateOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)
	assert.Empty(t, listIDs(t, e.fast, "conn-1"))
}

func TestMigrateOnceSkipsMalformed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.fast.Append(ctx, storage.QueueKey("conn-1"), "{garbage"))
	testutil.AppendQueued(t, e.fast, testutil.Queued("old", "conn-1", base, -2*threshold))

	res, err := e.migrator.MigrateOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"<malformed>"}, listIDs(t, e.fast, "conn-1"))
}

func TestMigrateOnceDuplicateWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// A previous pass inserted the record but crashed before removing it.
	q := testutil.Queued("m1", "conn-1", base, -2*threshold)
	testutil.AppendQueued(t, e.fast, q)
	require.NoError(t, e.durable.Insert(ctx, q.ToRecord()))

	res, err := e.migrator.MigrateOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)

	assert.Empty(t, listIDs(t, e.fast, "conn-1"))
	n, err := e.durable.Count(ctx, storage.Filter{ConnectionID: "conn-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

type failingInsert struct {
	storage.DurableStore
}

func (failingInsert) Insert(ctx context.Context, r storage.Record) error {
	return storage.ErrUnavailable
}

func TestMigrateOnceInsertFailureKeepsEntry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(base)
	fast := memory.NewFastStore(clock)
	defer fast.Close()

	m, err := NewMigrator(MigratorConfig{
		Fast:      fast,
		Durable:   failingInsert{memory.NewDurableStore()},
		Threshold: threshold,
		Clock:     clock,
		Logger:    discard(),
	})
	require.NoError(t, err)

	testutil.AppendQueued(t, fast,
		testutil.Queued("a", "conn-1", base, -2*threshold),
		testutil.Queued("b", "conn-1", base, -2*threshold),
	)

	res, err := m.MigrateOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Keys: 1, Failed: 2}, res)
	assert.Equal(t, []string{"a", "b"}, listIDs(t, fast, "conn-1"))
}

func TestMigrateOnceScanFailure(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.fast.Close())

	_, err := e.migrator.MigrateOnce(context.Background())
	assert.Error(t, err)
}

func TestSchedulerLeaderExclusivity(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ttl := 30 * time.Second

	s1 := e.scheduler(t, "node-1", ttl)
	s2 := e.scheduler(t, "node-2", ttl)

	s1.tryAcquire(ctx)
	s2.tryAcquire(ctx)
	assert.Equal(t, Leader, s1.State())
	assert.Equal(t, Follower, s2.State())

	// Renewal keeps node-1 in charge past the original TTL.
	e.clock.Advance(ttl / 2)
	s1.renew(ctx)
	e.clock.Advance(ttl / 2)
	s2.tryAcquire(ctx)
	assert.Equal(t, Leader, s1.State())
	assert.Equal(t, Follower, s2.State())
}

func TestMigrateStopsWhenHoldFails(t *testing.T) {
	e := newEnv(t)

	testutil.AppendQueued(t, e.fast,
		testutil.Queued("a", "conn-1", base, -2*threshold),
		testutil.Queued("b", "conn-1", base, -2*threshold),
		testutil.Queued("c", "conn-1", base, -2*threshold),
	)

	checks := 0
	hold := func() error {
		checks++
		if checks > 3 {
			return ErrLeaseExpired
		}
		return nil
	}

	// pass start, key conn-1, entry a, then entry b is refused.
	res, err := e.migrator.migrate(context.Background(), hold)
	assert.ErrorIs(t, err, ErrLeaseExpired)
	assert.Equal(t, 1, res.Migrated)
	assert.Equal(t, []string{"a"}, durableIDs(t, e.durable, "conn-1"))
	assert.Equal(t, []string{"b", "c"}, listIDs(t, e.fast, "conn-1"))
}

func TestMigrateCancelled(t *testing.T) {
	e := newEnv(t)
	testutil.AppendQueued(t, e.fast, testutil.Queued("a", "conn-1", base, -2*threshold))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.migrator.MigrateOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, listIDs(t, e.fast, "conn-1"))
}

func TestSchedulerLeaseLapse(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ttl := 30 * time.Second

	s := e.scheduler(t, "node-1", ttl)
	require.True(t, s.tryAcquire(ctx))
	assert.Equal(t, ttl, s.leaseRemaining())

	e.clock.Advance(ttl - time.Second)
	assert.True(t, s.IsLeader())
	assert.NoError(t, s.checkLease())

	e.clock.Advance(time.Second)
	assert.False(t, s.IsLeader(), "leadership ends with the lease")
	assert.Equal(t, "follower", s.Status().State)
	assert.ErrorIs(t, s.checkLease(), ErrLeaseExpired)
}

func TestSchedulerTakeover(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ttl := 30 * time.Second

	s1 := e.scheduler(t, "node-1", ttl)
	s2 := e.scheduler(t, "node-2", ttl)

	s1.tryAcquire(ctx)
	require.True(t, s1.IsLeader())

	// node-1 stops renewing; node-2 polls once per TTL.
	e.clock.Advance(ttl)
	s2.tryAcquire(ctx)
	assert.True(t, s2.IsLeader())

	s1.renew(ctx)
	assert.Equal(t, Follower, s1.State(), "a renewal that finds another holder demotes")
}

func TestSchedulerStepDownReleases(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s := e.scheduler(t, "node-1", 30*time.Second)
	s.tryAcquire(ctx)
	require.True(t, s.IsLeader())

	s.stepDown()
	assert.False(t, s.IsLeader())

	holder, err := cluster.NewStoreLock(e.fast, "", "observer", time.Second).Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestSchedulerRun(t *testing.T) {
	e := newEnv(t)
	ttl := 30 * time.Second
	s := e.scheduler(t, "node-1", ttl)

	testutil.AppendQueued(t, e.fast, testutil.Queued("old", "conn-1", base, -2*threshold))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	e.clock.BlockUntil(4)
	require.Eventually(t, s.IsLeader, testutil.DeliveryTimeout, 10*time.Millisecond)

	e.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		n, err := e.durable.Count(context.Background(), storage.Filter{ConnectionID: "conn-1"})
		return err == nil && n == 1
	}, testutil.DeliveryTimeout, 10*time.Millisecond)

	status := s.Status()
	assert.Equal(t, "node-1", status.Owner)
	assert.Equal(t, "leader", status.State)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testutil.DeliveryTimeout):
		t.Fatal("scheduler did not stop")
	}

	assert.False(t, s.IsLeader())
	holder, err := cluster.NewStoreLock(e.fast, "", "observer", time.Second).Holder(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holder, "lock released on shutdown")
}

// gatedInsert blocks every Insert until released and tracks how many run
// at once.
type gatedInsert struct {
	storage.DurableStore
	entered chan string
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func newGatedInsert() *gatedInsert {
	return &gatedInsert{
		DurableStore: memory.NewDurableStore(),
		entered:      make(chan string, 16),
		release:      make(chan struct{}),
	}
}

func (d *gatedInsert) Insert(ctx context.Context, r storage.Record) error {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}

	d.entered <- r.MessageID
	select {
	case <-d.release:
		return d.DurableStore.Insert(ctx, r)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flakyLock counts renewals and fails them on demand.
type flakyLock struct {
	cluster.Lock
	renews atomic.Int32
	fail   atomic.Bool
}

func (l *flakyLock) Renew(ctx context.Context) (bool, error) {
	defer l.renews.Add(1)
	if l.fail.Load() {
		return false, storage.ErrUnavailable
	}
	return l.Lock.Renew(ctx)
}

func role(s *Scheduler) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func awaitEntered(t *testing.T, d *gatedInsert) string {
	t.Helper()

	select {
	case id := <-d.entered:
		return id
	case <-time.After(testutil.DeliveryTimeout):
		t.Fatal("no insert started")
		return ""
	}
}

func TestSchedulerRunLongPass(t *testing.T) {
	clock := clockwork.NewFakeClockAt(base)
	fast := memory.NewFastStore(clock)
	defer fast.Close()
	durable := newGatedInsert()
	ttl := 30 * time.Second

	newNode := func(owner string) (*Scheduler, *flakyLock) {
		m, err := NewMigrator(MigratorConfig{
			Fast:      fast,
			Durable:   durable,
			Threshold: threshold,
			Clock:     clock,
			Logger:    discard(),
		})
		require.NoError(t, err)

		lock := &flakyLock{Lock: cluster.NewStoreLock(fast, "", owner, ttl)}
		s, err := NewScheduler(SchedulerConfig{
			Lock:     lock,
			Migrator: m,
			Interval: 10 * time.Second,
			Clock:    clock,
			Logger:   discard(),
		})
		require.NoError(t, err)
		return s, lock
	}

	start := func(s *Scheduler) (context.CancelFunc, chan error) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()
		return cancel, done
	}

	testutil.AppendQueued(t, fast, testutil.Queued("old", "conn-1", base, -2*threshold))

	s1, l1 := newNode("node-1")
	s2, _ := newNode("node-2")

	cancel1, done1 := start(s1)
	clock.BlockUntil(4)
	require.True(t, s1.IsLeader())

	cancel2, done2 := start(s2)
	clock.BlockUntil(6)
	require.False(t, s2.IsLeader())

	clock.Advance(10 * time.Second)
	assert.Equal(t, "old", awaitEntered(t, durable))

	// The pass outlives the TTL twice over; renewals keep node-1 in charge.
	for i := int32(1); i <= 4; i++ {
		clock.Advance(ttl / 2)
		require.Eventually(t, func() bool {
			return l1.renews.Load() >= i && s1.leaseRemaining() == ttl
		}, testutil.DeliveryTimeout, 10*time.Millisecond)
		assert.True(t, s1.IsLeader())
		assert.False(t, s2.IsLeader())
	}

	// A failed renewal keeps the current lease.
	l1.fail.Store(true)
	clock.Advance(ttl / 2)
	require.Eventually(t, func() bool { return l1.renews.Load() >= 5 },
		testutil.DeliveryTimeout, 10*time.Millisecond)
	assert.True(t, s1.IsLeader())
	assert.False(t, s2.IsLeader())

	// Once the lease lapses node-1 abandons its pass and node-2 takes over.
	clock.Advance(ttl)
	assert.False(t, s1.IsLeader())
	require.Eventually(t, func() bool { return role(s1) == Follower },
		testutil.DeliveryTimeout, 10*time.Millisecond)
	require.Eventually(t, s2.IsLeader, testutil.DeliveryTimeout, 10*time.Millisecond)
	assert.Equal(t, int32(0), durable.active.Load())
	assert.Equal(t, []string{"old"}, listIDs(t, fast, "conn-1"))

	clock.BlockUntil(6)
	clock.Advance(10 * time.Second)
	assert.Equal(t, "old", awaitEntered(t, durable))
	close(durable.release)

	require.Eventually(t, func() bool {
		n, err := durable.Count(context.Background(), storage.Filter{ConnectionID: "conn-1"})
		return err == nil && n == 1
	}, testutil.DeliveryTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(listIDs(t, fast, "conn-1")) == 0 },
		testutil.DeliveryTimeout, 10*time.Millisecond)
	assert.Equal(t, int32(1), durable.peak.Load(), "passes never overlap")

	cancel1()
	cancel2()
	for _, done := range []chan error{done1, done2} {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(testutil.DeliveryTimeout):
			t.Fatal("scheduler did not stop")
		}
	}
}

func TestSchedulerRunOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	testutil.AppendQueued(t, e.fast, testutil.Queued("old", "conn-1", base, -2*threshold))

	other := cluster.NewStoreLock(e.fast, "", "node-2", 30*time.Second)
	ok, err := other.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	s := e.scheduler(t, "node-1", 30*time.Second)
	_, err = s.RunOnce(ctx)
	assert.True(t, errors.Is(err, ErrNotLeader))

	require.NoError(t, other.Release(ctx))

	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)
	assert.False(t, s.IsLeader())
}

func TestSchedulerNoopLock(t *testing.T) {
	e := newEnv(t)

	s, err := NewScheduler(SchedulerConfig{
		Lock:     cluster.NewNoopLock("solo", 30*time.Second),
		Migrator: e.migrator,
		Clock:    e.clock,
		Logger:   discard(),
	})
	require.NoError(t, err)
	assert.Equal(t, threshold, s.interval, "interval defaults to the threshold")

	s.tryAcquire(context.Background())
	assert.True(t, s.IsLeader())
}

func TestNewSchedulerValidation(t *testing.T) {
	e := newEnv(t)

	_, err := NewScheduler(SchedulerConfig{Migrator: e.migrator})
	assert.Error(t, err)
	_, err = NewScheduler(SchedulerConfig{Lock: cluster.NewNoopLock("x", time.Second)})
	assert.Error(t, err)
	_, err = NewScheduler(SchedulerConfig{Lock: cluster.NewNoopLock("x", 0), Migrator: e.migrator})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "leader", Leader.String())
	assert.Equal(t, "follower", Follower.String())
}
