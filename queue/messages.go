// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/absmach/pickup/storage"
)

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("invalid request")

// QueuedMessage is a message as returned to a client.
type QueuedMessage struct {
	ID               string          `json:"id"`
	ReceivedAt       time.Time       `json:"receivedAt"`
	EncryptedMessage json.RawMessage `json:"encryptedMessage"`
}

// Notification is published on a connection channel for every new message.
type Notification struct {
	ConnectionID string          `json:"connectionId"`
	Messages     []QueuedMessage `json:"messages"`
}

// AddRequest enqueues an opaque encrypted payload for a connection.
type AddRequest struct {
	ConnectionID  string
	RecipientDIDs []string
	Payload       json.RawMessage

	// Token is the push token used when no live session exists.
	Token string
}

// TakeRequest selects queued messages.
//
// When LimitBytes is positive the byte budget applies and Limit is ignored.
// Otherwise up to Limit messages are read from each tier; zero reads all.
type TakeRequest struct {
	ConnectionID   string
	RecipientDID   string
	Limit          int
	LimitBytes     int64
	DeleteMessages bool
}

func fromRecord(r storage.Record) QueuedMessage {
	return QueuedMessage{
		ID:               r.MessageID,
		ReceivedAt:       r.CreatedAt,
		EncryptedMessage: json.RawMessage(r.EncryptedMessage),
	}
}

func fromQueued(r storage.QueuedRecord) QueuedMessage {
	return QueuedMessage{
		ID:               r.MessageID,
		ReceivedAt:       r.ReceivedAt,
		EncryptedMessage: r.EncryptedMessage,
	}
}

// recordSize falls back to the payload length for records written
// without a byte count.
func recordSize(byteCount int64, payload []byte) int64 {
	if byteCount > 0 {
		return byteCount
	}
	return int64(len(payload))
}
