// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package push wakes offline clients through an external push-notification
// service.
package push

import "context"

// Notifier sends a wake-up for a queued message to a device token.
type Notifier interface {
	// Notify reports whether the push service accepted the notification.
	Notify(ctx context.Context, token, messageID string) (bool, error)
}

var _ Notifier = Noop{}

// Noop is used when no push service is configured.
type Noop struct{}

func (Noop) Notify(context.Context, string, string) (bool, error) {
	return false, nil
}

// Enabled reports whether n can actually deliver notifications.
func Enabled(n Notifier) bool {
	if n == nil {
		return false
	}
	_, noop := n.(Noop)
	return !noop
}
