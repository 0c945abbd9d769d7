// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueuedRecord is the JSON shape of a message held in a fast store list.
type QueuedRecord struct {
	MessageID        string          `json:"messageId"`
	ConnectionID     string          `json:"connectionId"`
	RecipientDIDs    []string        `json:"recipientDids"`
	EncryptedMessage json.RawMessage `json:"encryptedMessage"`
	State            State           `json:"state"`
	ByteCount        int64           `json:"encryptedMessageByteCount"`
	ReceivedAt       time.Time       `json:"receivedAt"`
}

// Encode serializes the record for a list entry.
func (r QueuedRecord) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode queued message: %w", err)
	}
	return string(data), nil
}

// DecodeQueued parses a raw list entry read from key.
func DecodeQueued(key, raw string) (QueuedRecord, error) {
	var r QueuedRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return QueuedRecord{}, &DecodeError{Key: key, Err: err}
	}
	if r.MessageID == "" {
		return QueuedRecord{}, &DecodeError{Key: key, Err: fmt.Errorf("missing messageId")}
	}
	if r.ReceivedAt.IsZero() {
		return QueuedRecord{}, &DecodeError{Key: key, Err: fmt.Errorf("missing receivedAt for %s", r.MessageID)}
	}
	return r, nil
}

// HasRecipient reports whether did is one of the record's recipients.
func (r QueuedRecord) HasRecipient(did string) bool {
	for _, d := range r.RecipientDIDs {
		if d == did {
			return true
		}
	}
	return false
}

// ToRecord converts a fast-tier entry to its durable form.
func (r QueuedRecord) ToRecord() Record {
	state := r.State
	if state == "" {
		state = StatePending
	}
	return Record{
		MessageID:        r.MessageID,
		ConnectionID:     r.ConnectionID,
		RecipientKeys:    append([]string(nil), r.RecipientDIDs...),
		EncryptedMessage: string(r.EncryptedMessage),
		ByteCount:        r.ByteCount,
		State:            state,
		CreatedAt:        r.ReceivedAt,
	}
}
