// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxmail/broker/events"
	"github.com/absmach/fluxmail/config"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu          sync.Mutex
	sendCount   atomic.Int32
	sendFunc    func(ctx context.Context, url string) error
	lastURL     string
	lastPayload []byte
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(ctx context.Context, url string) error { return nil },
	}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	m.sendCount.Add(1)
	m.mu.Lock()
	m.lastURL = url
	m.lastPayload = payload
	m.mu.Unlock()
	return m.sendFunc(ctx, url)
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		QueueSize:  100,
		DropPolicy: "oldest",
		Workers:    2,
		Defaults: config.WebhookDefaults{
			Timeout: 5 * time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 20 * time.Millisecond,
				MaxInterval:     100 * time.Millisecond,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 10,
				ResetTimeout:     10 * time.Second,
			},
		},
		ShutdownTimeout: 5 * time.Second,
		Endpoints:       endpoints,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newNotifier(t *testing.T, cfg config.WebhookConfig, sender Sender) *GenericNotifier {
	t.Helper()
	n, err := NewNotifier(cfg, "fluxmail-1", sender, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNewNotifier_NilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "fluxmail-1", nil, nil)
	assert.Error(t, err)
}

func TestNotifier_Notify(t *testing.T) {
	sender := newMockSender()
	n := newNotifier(t, testConfig(config.WebhookEndpoint{Name: "ops", URL: "http://ops/hook"}), sender)

	err := n.Notify(context.Background(), events.MessagePublished{
		Sender: "agent-a", Mode: "direct", Target: "inbox", Log: "inbox", MessageID: 4, Durable: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sender.sendCount.Load() == 1 }, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "http://ops/hook", sender.lastURL)

	var env struct {
		EventType string         `json:"event_type"`
		EventID   string         `json:"event_id"`
		BrokerID  string         `json:"broker_id"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(sender.lastPayload, &env))
	assert.Equal(t, events.TypeMessagePublished, env.EventType)
	assert.Equal(t, "fluxmail-1", env.BrokerID)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "inbox", env.Data["log"])
}

func TestNotifier_Filters(t *testing.T) {
	cases := []struct {
		desc     string
		endpoint config.WebhookEndpoint
		event    events.Event
		want     int32
	}{
		{
			desc:     "event type match",
			endpoint: config.WebhookEndpoint{Events: []string{events.TypeMessageDeadLettered}},
			event:    events.MessageDeadLettered{Identity: "agent-b"},
			want:     1,
		},
		{
			desc:     "event type mismatch",
			endpoint: config.WebhookEndpoint{Events: []string{events.TypeMessageDeadLettered}},
			event:    events.PermissionDenied{Identity: "agent-b"},
			want:     0,
		},
		{
			desc:     "topic filter covers path",
			endpoint: config.WebhookEndpoint{TopicFilters: []string{"fleet/#"}},
			event:    events.MessagePublished{Mode: "topic", Target: "fleet/a/status"},
			want:     1,
		},
		{
			desc:     "topic filter misses path",
			endpoint: config.WebhookEndpoint{TopicFilters: []string{"fleet/#"}},
			event:    events.MessagePublished{Mode: "topic", Target: "ops/db"},
			want:     0,
		},
		{
			desc:     "topic filter ignores mailbox events",
			endpoint: config.WebhookEndpoint{TopicFilters: []string{"fleet/#"}},
			event:    events.MessagePublished{Mode: "direct", Target: "inbox"},
			want:     1,
		},
		{
			desc:     "pattern event matches equal filter",
			endpoint: config.WebhookEndpoint{TopicFilters: []string{"fleet/#"}},
			event:    events.SubscriptionCreated{TopicPattern: "fleet/#"},
			want:     1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			tc.endpoint.Name = "ep"
			tc.endpoint.URL = "http://ep/hook"
			sender := newMockSender()
			n := newNotifier(t, testConfig(tc.endpoint), sender)

			require.NoError(t, n.Notify(context.Background(), tc.event))
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, tc.want, sender.sendCount.Load())
		})
	}
}

func TestNotifier_Retry(t *testing.T) {
	var attempts atomic.Int32
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string) error {
		if attempts.Add(1) < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "ops", URL: "http://ops/hook"})
	cfg.Defaults.Retry.MaxAttempts = 3
	n := newNotifier(t, cfg, sender)

	require.NoError(t, n.Notify(context.Background(), events.MailboxCreated{Name: "inbox"}))
	assert.Eventually(t, func() bool { return attempts.Load() == 3 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestNotifier_NoRetryOnClientError(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string) error {
		return &StatusError{Code: 400}
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "ops", URL: "http://ops/hook"})
	cfg.Defaults.Retry.MaxAttempts = 3
	n := newNotifier(t, cfg, sender)

	require.NoError(t, n.Notify(context.Background(), events.MailboxCreated{Name: "inbox"}))
	assert.Eventually(t, func() bool { return sender.sendCount.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), sender.sendCount.Load())
}

func TestNotifier_BreakerOpens(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string) error {
		return errors.New("endpoint down")
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "ops", URL: "http://ops/hook"})
	cfg.Workers = 1
	cfg.Defaults.CircuitBreaker.FailureThreshold = 2
	n := newNotifier(t, cfg, sender)

	for range 5 {
		require.NoError(t, n.Notify(context.Background(), events.MailboxCreated{Name: "inbox"}))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), sender.sendCount.Load())
}

func TestNotifier_QueueOverflow(t *testing.T) {
	release := make(chan struct{})
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string) error {
		<-release
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "ops", URL: "http://ops/hook"})
	cfg.Workers = 1
	cfg.QueueSize = 2
	n := newNotifier(t, cfg, sender)

	for range 10 {
		require.NoError(t, n.Notify(context.Background(), events.MailboxCreated{Name: "inbox"}))
	}
	assert.LessOrEqual(t, len(n.eventQueue), 2)
	close(release)

	assert.Eventually(t, func() bool { return len(n.eventQueue) == 0 }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, sender.sendCount.Load(), int32(3))
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
	assert.Equal(t, 200*time.Millisecond, retryDelay(1, cfg))
	assert.Equal(t, 400*time.Millisecond, retryDelay(2, cfg))
	assert.Equal(t, time.Second, retryDelay(10, cfg))
}
