// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"time"
)

var _ Lock = (*NoopLock)(nil)

// NoopLock is always held by its owner. It is meant for single-instance
// deployments where no other process can run the migrator.
type NoopLock struct {
	owner string
	ttl   time.Duration
}

// NewNoopLock creates a lock that is always granted.
func NewNoopLock(owner string, ttl time.Duration) *NoopLock {
	return &NoopLock{owner: owner, ttl: ttl}
}

func (n *NoopLock) Owner() string      { return n.owner }
func (n *NoopLock) TTL() time.Duration { return n.ttl }

func (n *NoopLock) TryAcquire(ctx context.Context) (bool, error) {
	return true, nil
}

func (n *NoopLock) Renew(ctx context.Context) (bool, error) {
	return true, nil
}

func (n *NoopLock) Release(ctx context.Context) error {
	return nil
}

func (n *NoopLock) Holder(ctx context.Context) (string, error) {
	return n.owner, nil
}
