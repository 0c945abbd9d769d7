// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

var _ Lock = (*EtcdLock)(nil)

// EtcdLock implements Lock on an etcd key bound to a lease.
// Acquire is a create-if-absent transaction; the key disappears with the
// lease when the holder stops renewing.
type EtcdLock struct {
	client *clientv3.Client
	key    string
	owner  string
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	lease clientv3.LeaseID
}

// NewEtcdLock creates a lock on key held under owner.
func NewEtcdLock(client *clientv3.Client, key, owner string, ttl time.Duration, logger *slog.Logger) *EtcdLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdLock{
		client: client,
		key:    key,
		owner:  owner,
		ttl:    ttl,
		logger: logger,
	}
}

func (l *EtcdLock) Owner() string      { return l.owner }
func (l *EtcdLock) TTL() time.Duration { return l.ttl }

func (l *EtcdLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lease != 0 {
		held, err := l.renewLocked(ctx)
		if held || err != nil {
			return held, err
		}
	}

	grant, err := l.client.Grant(ctx, ttlSeconds(l.ttl))
	if err != nil {
		return false, fmt.Errorf("etcd grant: %w", err)
	}

	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(l.key), "=", 0)).
		Then(clientv3.OpPut(l.key, l.owner, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		l.revoke(context.Background(), grant.ID)
		return false, fmt.Errorf("etcd acquire %s: %w", l.key, err)
	}
	if !resp.Succeeded {
		l.revoke(context.Background(), grant.ID)
		return false, nil
	}

	l.lease = grant.ID
	return true, nil
}

func (l *EtcdLock) Renew(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lease == 0 {
		return false, nil
	}
	return l.renewLocked(ctx)
}

func (l *EtcdLock) renewLocked(ctx context.Context) (bool, error) {
	resp, err := l.client.Get(ctx, l.key)
	if err != nil {
		return false, fmt.Errorf("etcd get %s: %w", l.key, err)
	}
	if len(resp.Kvs) == 0 {
		l.lease = 0
		return false, nil
	}
	kv := resp.Kvs[0]
	if string(kv.Value) != l.owner || clientv3.LeaseID(kv.Lease) != l.lease {
		l.lease = 0
		return false, nil
	}

	if _, err := l.client.KeepAliveOnce(ctx, l.lease); err != nil {
		l.lease = 0
		return false, fmt.Errorf("etcd keepalive %s: %w", l.key, err)
	}
	return true, nil
}

func (l *EtcdLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease := l.lease
	l.lease = 0

	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(l.key), "=", l.owner)).
		Then(clientv3.OpDelete(l.key)).
		Commit()
	if lease != 0 {
		l.revoke(ctx, lease)
	}
	if err != nil {
		return fmt.Errorf("etcd release %s: %w", l.key, err)
	}
	if !resp.Succeeded {
		return ErrNotHeld
	}
	return nil
}

func (l *EtcdLock) Holder(ctx context.Context) (string, error) {
	resp, err := l.client.Get(ctx, l.key)
	if err != nil {
		return "", fmt.Errorf("etcd get %s: %w", l.key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

// revoke drops a lease. A failed revoke leaves the lease to expire on its
// own TTL.
func (l *EtcdLock) revoke(ctx context.Context, id clientv3.LeaseID) {
	if _, err := l.client.Revoke(ctx, id); err != nil {
		l.logger.Warn("failed to revoke etcd lease",
			slog.String("key", l.key),
			slog.Int64("lease", int64(id)),
			slog.String("error", err.Error()))
	}
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(math.Ceil(ttl.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// EtcdConfig holds etcd client and embedded server configuration.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration

	// Embedded starts a private single-node etcd inside the process. It
	// coordinates nothing beyond this instance.
	Embedded   bool
	Name       string
	DataDir    string
	ClientAddr string
	PeerAddr   string
}

// EmbeddedEtcd is a single-node etcd server running in-process.
type EmbeddedEtcd struct {
	etcd      *embed.Etcd
	endpoints []string
}

// StartEmbeddedEtcd starts a single-node etcd and waits until it serves.
func StartEmbeddedEtcd(cfg EtcdConfig, logger *slog.Logger) (*EmbeddedEtcd, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "pickup"
	}

	eCfg := embed.NewConfig()
	eCfg.Name = cfg.Name
	eCfg.Dir = cfg.DataDir

	peerURL, err := url.Parse("http://" + cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address: %w", err)
	}
	eCfg.ListenPeerUrls = []url.URL{*peerURL}
	eCfg.AdvertisePeerUrls = []url.URL{*peerURL}

	clientURL, err := url.Parse("http://" + cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid client address: %w", err)
	}
	eCfg.ListenClientUrls = []url.URL{*clientURL}
	eCfg.AdvertiseClientUrls = []url.URL{*clientURL}

	eCfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peerURL.String())
	eCfg.ClusterState = embed.ClusterStateFlagNew

	// Keep etcd quiet; lock activity is logged by the caller.
	eCfg.Logger = "zap"
	eCfg.LogLevel = "error"

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
		logger.Info("embedded etcd ready",
			slog.String("name", cfg.Name),
			slog.String("client_addr", cfg.ClientAddr))
	case <-time.After(60 * time.Second):
		e.Server.Stop()
		e.Close()
		return nil, errors.New("etcd server took too long to start")
	}

	return &EmbeddedEtcd{
		etcd:      e,
		endpoints: []string{clientURL.String()},
	}, nil
}

// Endpoints returns the client URLs of the embedded server.
func (e *EmbeddedEtcd) Endpoints() []string {
	return e.endpoints
}

// Close stops the embedded server.
func (e *EmbeddedEtcd) Close() {
	e.etcd.Close()
}

// NewEtcdClient dials etcd.
func NewEtcdClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return client, nil
}
