// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import "strings"

const (
	queueKeyPrefix = "connectionId:"
	queueKeySuffix = ":queuemessages"
	sessionPrefix  = "liveSession:"

	// QueueKeyPattern matches every per-connection queue list.
	QueueKeyPattern = queueKeyPrefix + "*" + queueKeySuffix

	// DefaultLockKey is the well-known key of the migration leader lock.
	DefaultLockKey = "pickup:migration:leader"
)

// Live session record fields.
const (
	SessionFieldSessionID  = "sessionId"
	SessionFieldSocketID   = "socketId"
	SessionFieldInstanceID = "instanceId"
)

// QueueKey returns the list key holding queued messages for a connection.
func QueueKey(connectionID string) string {
	return queueKeyPrefix + connectionID + queueKeySuffix
}

// ConnectionFromQueueKey extracts the connection ID from a queue key.
func ConnectionFromQueueKey(key string) (string, bool) {
	if !strings.HasPrefix(key, queueKeyPrefix) || !strings.HasSuffix(key, queueKeySuffix) {
		return "", false
	}
	id := key[len(queueKeyPrefix) : len(key)-len(queueKeySuffix)]
	if id == "" {
		return "", false
	}
	return id, true
}

// SessionKey returns the hash key of a connection's live session record.
func SessionKey(connectionID string) string {
	return sessionPrefix + connectionID
}

// ChannelName returns the pub/sub channel for a connection.
func ChannelName(connectionID string) string {
	return connectionID
}
