// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxmail/delivery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Gauges reports the current backlog of the broker.
type Gauges func() (pendingAcks, pendingWrites int)

// Metrics holds the OpenTelemetry instruments of the broker. It observes
// delivery outcomes and records publish and poll calls.
type Metrics struct {
	meter metric.Meter

	published    metric.Int64Counter
	rejected     metric.Int64Counter
	bytes        metric.Int64Counter
	delivered    metric.Int64Counter
	retried      metric.Int64Counter
	storedOnly   metric.Int64Counter
	dropped      metric.Int64Counter
	deadLettered metric.Int64Counter
	polled       metric.Int64Counter

	publishDuration  metric.Float64Histogram
	pollDuration     metric.Float64Histogram
	deliveryDuration metric.Float64Histogram
}

var _ delivery.Observer = (*Metrics)(nil)

// NewMetrics creates the instruments on the global meter provider. gauges
// may be nil.
func NewMetrics(gauges Gauges) (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("fluxmail"), gauges)
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter, gauges Gauges) (*Metrics, error) {
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.published, "mailbox.messages.published", "Messages accepted from publishers"},
		{&m.rejected, "mailbox.messages.rejected", "Messages rejected by validation, permissions or load"},
		{&m.bytes, "mailbox.bytes.received", "Payload bytes accepted from publishers"},
		{&m.delivered, "mailbox.deliveries.delivered", "Pushes accepted by subscriber transports"},
		{&m.retried, "mailbox.deliveries.retried", "Failed push attempts that were retried"},
		{&m.storedOnly, "mailbox.deliveries.store_only", "Persistent deliveries left in the store for polling"},
		{&m.dropped, "mailbox.deliveries.dropped", "Ephemeral deliveries that could not be pushed"},
		{&m.deadLettered, "mailbox.deliveries.dead_lettered", "Deliveries moved to the dead-letter area"},
		{&m.polled, "mailbox.poll.messages", "Messages returned by polls"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = ctr
	}

	var err error
	m.publishDuration, err = meter.Float64Histogram(
		"mailbox.publish.duration.ms",
		metric.WithDescription("Publish processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	m.pollDuration, err = meter.Float64Histogram(
		"mailbox.poll.duration.ms",
		metric.WithDescription("Poll duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pollDuration histogram: %w", err)
	}

	m.deliveryDuration, err = meter.Float64Histogram(
		"mailbox.delivery.duration.ms",
		metric.WithDescription("Time from queueing to accepted push in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	if gauges != nil {
		acks, err := meter.Int64ObservableGauge("mailbox.acks.pending",
			metric.WithDescription("Deliveries awaiting acknowledgement"))
		if err != nil {
			return nil, fmt.Errorf("failed to create pending acks gauge: %w", err)
		}
		writes, err := meter.Int64ObservableGauge("mailbox.writes.pending",
			metric.WithDescription("Persistent writes deferred while storage is unavailable"))
		if err != nil {
			return nil, fmt.Errorf("failed to create pending writes gauge: %w", err)
		}
		_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			a, w := gauges()
			o.ObserveInt64(acks, int64(a))
			o.ObserveInt64(writes, int64(w))
			return nil
		}, acks, writes)
		if err != nil {
			return nil, fmt.Errorf("failed to register gauge callback: %w", err)
		}
	}

	return m, nil
}

// RecordPublish records a publish call.
func (m *Metrics) RecordPublish(ctx context.Context, mode string, size int, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	if err != nil {
		m.rejected.Add(ctx, 1, attrs)
	} else {
		m.published.Add(ctx, 1, attrs)
		m.bytes.Add(ctx, int64(size), attrs)
	}
	m.publishDuration.Record(ctx, milliseconds(d), metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Bool("error", err != nil),
	))
}

// RecordPoll records a poll call.
func (m *Metrics) RecordPoll(ctx context.Context, messages int, d time.Duration, err error) {
	if err == nil {
		m.polled.Add(ctx, int64(messages))
	}
	m.pollDuration.Record(ctx, milliseconds(d), metric.WithAttributes(attribute.Bool("error", err != nil)))
}

func (m *Metrics) Delivered(_ string, latency time.Duration) {
	ctx := context.Background()
	m.delivered.Add(ctx, 1)
	m.deliveryDuration.Record(ctx, milliseconds(latency))
}

func (m *Metrics) Retried(_ string, attempt int) {
	m.retried.Add(context.Background(), 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

func (m *Metrics) StoredOnly(string) { m.storedOnly.Add(context.Background(), 1) }
func (m *Metrics) Dropped(string)    { m.dropped.Add(context.Background(), 1) }

func (m *Metrics) DeadLettered(dl delivery.DeadLetter) {
	m.deadLettered.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", dl.Reason)))
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
