// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/pickup/storage"
)

// ErrNotHeld is returned by Release when the lock belongs to another holder
// or has expired.
var ErrNotHeld = errors.New("lock not held")

// Lock is a TTL-bounded mutual exclusion token identified by a well-known key.
// At most one owner holds it at a time. Contention is reported as false,
// never as an error.
type Lock interface {
	// Owner returns this holder's identity.
	Owner() string

	// TTL returns the lease duration granted on acquire and renew.
	TTL() time.Duration

	// TryAcquire takes the lock if it is free.
	TryAcquire(ctx context.Context) (bool, error)

	// Renew extends the lock only while it is still held by Owner.
	// It returns false once ownership has been lost.
	Renew(ctx context.Context) (bool, error)

	// Release gives the lock up if still held by Owner.
	Release(ctx context.Context) error

	// Holder returns the current holder, or "" when the lock is free.
	Holder(ctx context.Context) (string, error)
}

var _ Lock = (*StoreLock)(nil)

// StoreLock implements Lock on the fast store lock primitives.
type StoreLock struct {
	store storage.LockStore
	key   string
	owner string
	ttl   time.Duration
}

// NewStoreLock creates a lock on key held under owner.
func NewStoreLock(store storage.LockStore, key, owner string, ttl time.Duration) *StoreLock {
	if key == "" {
		key = storage.DefaultLockKey
	}
	return &StoreLock{
		store: store,
		key:   key,
		owner: owner,
		ttl:   ttl,
	}
}

func (l *StoreLock) Owner() string      { return l.owner }
func (l *StoreLock) TTL() time.Duration { return l.ttl }

func (l *StoreLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.store.SetNX(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	// Still ours from an earlier acquire.
	return l.Renew(ctx)
}

func (l *StoreLock) Renew(ctx context.Context) (bool, error) {
	ok, err := l.store.ExtendIfValue(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *StoreLock) Release(ctx context.Context) error {
	ok, err := l.store.DeleteIfValue(ctx, l.key, l.owner)
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

func (l *StoreLock) Holder(ctx context.Context) (string, error) {
	v, err := l.store.Get(ctx, l.key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", l.key, err)
	}
	return v, nil
}
