// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/pickup/cluster"
	"github.com/absmach/pickup/server/otel"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrNotLeader is returned by RunOnce when another instance holds the lock.
	ErrNotLeader = errors.New("migration lock held by another instance")

	// ErrLeaseExpired stops a pass whose leadership lease has lapsed.
	ErrLeaseExpired = errors.New("migration lease expired")
)

// releaseTimeout bounds the best-effort lock release on shutdown.
const releaseTimeout = 5 * time.Second

// State is the scheduler's role in the cluster.
type State int

const (
	Follower State = iota
	Leader
)

func (s State) String() string {
	switch s {
	case Leader:
		return "leader"
	default:
		return "follower"
	}
}

// SchedulerConfig holds the dependencies of a Scheduler.
type SchedulerConfig struct {
	Lock     cluster.Lock
	Migrator *Migrator

	// Interval between migration passes while leader.
	Interval time.Duration

	Clock   clockwork.Clock
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

// Scheduler runs the Migrator on exactly one instance at a time.
//
// A follower tries to take the lock every lock TTL. A leader renews the
// lock every TTL/2 from the scheduling loop while migration passes run on
// their own goroutine every Interval. Leadership is a lease: it lapses TTL
// after the last successful acquire or renew unless extended, and a lapsed
// lease cancels the running pass. Once a renewal shows the lock belongs to
// someone else, or the lease lapses, the scheduler steps back to follower.
type Scheduler struct {
	lock     cluster.Lock
	migrator *Migrator
	interval time.Duration
	clock    clockwork.Clock
	metrics  *otel.Metrics
	logger   *slog.Logger

	mu        sync.RWMutex
	state     State
	since     time.Time
	confirmed time.Time       // start of the last successful acquire or renew
	lease     clockwork.Timer // ends the current term when it fires
}

// Status is a snapshot of the scheduler.
type Status struct {
	Owner string    `json:"instance_id"`
	State string    `json:"state"`
	Since time.Time `json:"since"`
}

// NewScheduler creates a scheduler in the Follower state.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Lock == nil || cfg.Migrator == nil {
		return nil, fmt.Errorf("scheduler lock and migrator cannot be nil")
	}
	if cfg.Lock.TTL() <= 0 {
		return nil, fmt.Errorf("scheduler lock ttl must be positive")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Migrator.threshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		lock:     cfg.Lock,
		migrator: cfg.Migrator,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		state:    Follower,
		since:    cfg.Clock.Now(),
	}, nil
}

// State returns the current role. A leader whose lease has lapsed reports
// Follower even before the scheduling loop notices.
func (s *Scheduler) State() State {
	if s.holdsLease() {
		return Leader
	}
	return Follower
}

// IsLeader reports whether this instance currently runs migrations.
func (s *Scheduler) IsLeader() bool {
	return s.holdsLease()
}

// Status returns a snapshot for health reporting.
func (s *Scheduler) Status() Status {
	state := s.State()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Owner: s.lock.Owner(),
		State: state.String(),
		Since: s.since,
	}
}

// Run drives the state machine until ctx is cancelled, then releases the
// lock if held.
func (s *Scheduler) Run(ctx context.Context) error {
	ttl := s.lock.TTL()

	acquire := s.clock.NewTicker(ttl)
	defer acquire.Stop()
	renew := s.clock.NewTicker(ttl / 2)
	defer renew.Stop()

	s.logger.Info("migration scheduler started",
		slog.String("instance_id", s.lock.Owner()),
		slog.Duration("lock_ttl", ttl),
		slog.Duration("interval", s.interval))

	var t *term
	resign := func() {
		if t != nil {
			s.end(t)
			t = nil
		}
	}

	if s.tryAcquire(ctx) {
		t = s.lead(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			resign()
			s.stepDown()
			s.logger.Info("migration scheduler stopped")
			return nil
		case <-acquire.Chan():
			if t == nil && s.tryAcquire(ctx) {
				t = s.lead(ctx)
			}
		case <-renew.Chan():
			if t == nil {
				continue
			}
			if !s.holdsLease() {
				s.logger.Warn("migration lease lapsed before renewal")
				resign()
				s.setState(Follower)
				continue
			}
			if !s.renew(ctx) {
				resign()
				s.setState(Follower)
			}
		}
	}
}

// RunOnce takes the lock, runs a single pass and releases the lock. The
// lock is renewed while the pass runs.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	ok, err := s.acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !ok {
		holder, _ := s.lock.Holder(ctx)
		return Result{}, fmt.Errorf("%w: %s", ErrNotLeader, holder)
	}
	defer s.stepDown()

	kctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.keepAlive(kctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	return s.migrator.migrate(ctx, s.checkLease)
}

// keepAlive renews the lock every TTL/2 until ctx is done or the lease is
// lost.
func (s *Scheduler) keepAlive(ctx context.Context) {
	ticker := s.clock.NewTicker(s.lock.TTL() / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !s.holdsLease() || !s.renew(ctx) {
				return
			}
		}
	}
}

// term is one period of leadership. Its passes stop when the term ends or
// the lease timer fires.
type term struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Scheduler) lead(ctx context.Context) *term {
	lctx, cancel := context.WithCancel(ctx)
	t := &term{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	remaining := s.leaseRemaining()
	s.mu.Lock()
	s.lease = s.clock.AfterFunc(remaining, cancel)
	s.mu.Unlock()

	go func() {
		defer close(t.done)
		s.passes(lctx)
	}()
	return t
}

// end cancels the term and waits for an in-flight pass to return.
func (s *Scheduler) end(t *term) {
	s.mu.Lock()
	if s.lease != nil {
		s.lease.Stop()
		s.lease = nil
	}
	s.mu.Unlock()

	t.cancel()
	<-t.done
}

func (s *Scheduler) passes(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.migrate(ctx)
		}
	}
}

func (s *Scheduler) tryAcquire(ctx context.Context) bool {
	ok, err := s.acquire(ctx)
	if err != nil {
		s.logger.Warn("failed to acquire migration lock",
			slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (s *Scheduler) acquire(ctx context.Context) (bool, error) {
	start := s.clock.Now()
	ok, err := s.lock.TryAcquire(ctx)
	if err != nil || !ok {
		return false, err
	}

	s.mu.Lock()
	s.confirmed = start
	s.mu.Unlock()
	s.setState(Leader)
	return true, nil
}

// renew extends the lock and reports whether this instance still leads.
// A failed renewal keeps leadership until the current lease lapses.
func (s *Scheduler) renew(ctx context.Context) bool {
	start := s.clock.Now()
	ok, err := s.lock.Renew(ctx)
	if err != nil {
		held := s.holdsLease()
		s.logger.Warn("failed to renew migration lock",
			slog.Bool("expired", !held),
			slog.String("error", err.Error()))
		if !held {
			s.setState(Follower)
		}
		return held
	}
	if !ok {
		s.logger.Warn("migration lock lost to another instance")
		s.setState(Follower)
		return false
	}

	s.mu.Lock()
	s.confirmed = start
	if s.lease != nil {
		s.lease.Reset(s.lock.TTL() - s.clock.Since(start))
	}
	s.mu.Unlock()
	return true
}

// holdsLease reports whether this instance leads and its lease is current.
// The lease starts before the lock call that granted it, so it never
// outlives the lock itself.
func (s *Scheduler) holdsLease() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == Leader && s.clock.Now().Before(s.confirmed.Add(s.lock.TTL()))
}

func (s *Scheduler) leaseRemaining() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lock.TTL() - s.clock.Since(s.confirmed)
}

func (s *Scheduler) checkLease() error {
	if !s.holdsLease() {
		return ErrLeaseExpired
	}
	return nil
}

func (s *Scheduler) migrate(ctx context.Context) {
	_, err := s.migrator.migrate(ctx, s.checkLease)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, ErrLeaseExpired):
		s.logger.Warn("migration pass stopped, lease lapsed")
	default:
		s.logger.Error("migration pass failed",
			slog.String("error", err.Error()))
	}
}

// stepDown releases the lock if held and returns to Follower.
func (s *Scheduler) stepDown() {
	s.mu.RLock()
	leader := s.state == Leader
	s.mu.RUnlock()
	if !leader {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	err := s.lock.Release(ctx)
	switch {
	case errors.Is(err, cluster.ErrNotHeld):
		s.logger.Debug("migration lock already expired on release")
	case err != nil:
		s.logger.Warn("failed to release migration lock",
			slog.String("error", err.Error()))
	}
	s.setState(Follower)
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.since = s.clock.Now()
	s.mu.Unlock()

	s.metrics.RecordLeadership(state == Leader)
	s.logger.Info("migration scheduler state changed",
		slog.String("instance_id", s.lock.Owner()),
		slog.String("state", state.String()))
}
