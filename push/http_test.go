// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package push

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPNotifier_Notify(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		delay       time.Duration
		timeout     time.Duration
		want        bool
		wantErr     bool
		errContains string
	}{
		{
			name:    "accepted",
			status:  http.StatusOK,
			body:    `{"success":true}`,
			timeout: 5 * time.Second,
			want:    true,
		},
		{
			name:    "rejected",
			status:  http.StatusOK,
			body:    `{"success":false}`,
			timeout: 5 * time.Second,
			want:    false,
		},
		{
			name:        "server error",
			status:      http.StatusInternalServerError,
			timeout:     5 * time.Second,
			wantErr:     true,
			errContains: "non-2xx status: 500",
		},
		{
			name:        "bad body",
			status:      http.StatusOK,
			body:        `nope`,
			timeout:     5 * time.Second,
			wantErr:     true,
			errContains: "decode",
		},
		{
			name:        "timeout exceeded",
			status:      http.StatusOK,
			body:        `{"success":true}`,
			delay:       time.Second,
			timeout:     50 * time.Millisecond,
			wantErr:     true,
			errContains: "context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, userAgent, r.Header.Get("User-Agent"))

				var req request
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "tok", req.Token)
				assert.Equal(t, "m1", req.MessageID)

				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			n := NewHTTPNotifier(Config{URL: server.URL, Timeout: tt.timeout}, discardLogger())
			got, err := n.Notify(context.Background(), "tok", "m1")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPNotifier_EmptyArguments(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	n := NewHTTPNotifier(Config{URL: server.URL}, discardLogger())

	ok, err := n.Notify(context.Background(), "", "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = n.Notify(context.Background(), "tok", "")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Zero(t, calls.Load())
}

func TestHTTPNotifier_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	n := NewHTTPNotifier(Config{
		URL:              server.URL,
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}, discardLogger())

	for i := 0; i < 2; i++ {
		_, err := n.Notify(context.Background(), "tok", "m1")
		require.Error(t, err)
	}

	_, err := n.Notify(context.Background(), "tok", "m1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewWithoutURL(t *testing.T) {
	n := New(Config{}, nil)
	_, ok := n.(Noop)
	require.True(t, ok)
	assert.False(t, Enabled(n))
	assert.False(t, Enabled(nil))
	assert.True(t, Enabled(New(Config{URL: "http://push.local"}, nil)))

	sent, err := n.Notify(context.Background(), "tok", "m1")
	require.NoError(t, err)
	assert.False(t, sent)
}
