// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const (
	userAgent = "Absmach-Pickup/1.0"

	// maxResponseSize bounds the push service response we decode.
	maxResponseSize = 64 * 1024
)

// Config holds push service settings.
type Config struct {
	URL              string
	Timeout          time.Duration
	FailureThreshold uint32        // consecutive failures that open the breaker
	ResetTimeout     time.Duration // open state duration before a probe
}

type request struct {
	Token     string `json:"token"`
	MessageID string `json:"messageId"`
}

type response struct {
	Success bool `json:"success"`
}

var _ Notifier = (*HTTPNotifier)(nil)

// HTTPNotifier posts notifications to the push service behind a circuit breaker.
type HTTPNotifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New returns an HTTPNotifier, or Noop when no URL is configured.
func New(cfg Config, logger *slog.Logger) Notifier {
	if cfg.URL == "" {
		return Noop{}
	}
	return NewHTTPNotifier(cfg, logger)
}

// NewHTTPNotifier creates a notifier posting to cfg.URL.
func NewHTTPNotifier(cfg Config, logger *slog.Logger) *HTTPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "push",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("push circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &HTTPNotifier{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: breaker,
		logger:  logger,
	}
}

// Notify posts {token, messageId}. An empty token or message ID is not sent.
func (n *HTTPNotifier) Notify(ctx context.Context, token, messageID string) (bool, error) {
	if token == "" || messageID == "" {
		return false, nil
	}

	res, err := n.breaker.Execute(func() (interface{}, error) {
		return n.send(ctx, token, messageID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			n.logger.Debug("push notification skipped, breaker open",
				slog.String("message_id", messageID))
		}
		return false, err
	}
	return res.(bool), nil
}

func (n *HTTPNotifier) send(ctx context.Context, token, messageID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	body, err := json.Marshal(request{Token: token, MessageID: messageID})
	if err != nil {
		return false, fmt.Errorf("failed to encode push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("push service returned non-2xx status: %d", resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode push response: %w", err)
	}
	return out.Success, nil
}
