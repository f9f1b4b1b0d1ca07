// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasync

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels a per-item delivery result.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeFailed    Outcome = "failed"
	OutcomeEvicted   Outcome = "evicted"
	OutcomeSkipped   Outcome = "skipped"
)

// BatchTiming summarizes one finished batch.
type BatchTiming struct {
	Size     int
	Duration time.Duration
	Pending  int
	Errors   int
}

// Recorder receives engine events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	BatchStarted(ctx context.Context, size int)
	ObserveItem(ctx context.Context, table string, outcome Outcome)
	BatchFinished(ctx context.Context, timing BatchTiming)
}

type noopRecorder struct{}

func (noopRecorder) BatchStarted(context.Context, int)            {}
func (noopRecorder) ObserveItem(context.Context, string, Outcome) {}
func (noopRecorder) BatchFinished(context.Context, BatchTiming)   {}

// PromRecorder exports engine events as Prometheus metrics.
type PromRecorder struct {
	batches  prometheus.Counter
	items    *prometheus.CounterVec
	pending  prometheus.Gauge
	duration prometheus.Histogram
}

// NewPromRecorder creates the collectors and registers them with reg.
func NewPromRecorder(reg prometheus.Registerer) (*PromRecorder, error) {
	r := &PromRecorder{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obras_sync_batches_total",
			Help: "Sync batches started.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obras_sync_items_total",
			Help: "Queue items processed, by table and outcome.",
		}, []string{"table", "outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obras_sync_pending_items",
			Help: "Queue items awaiting delivery after the last batch.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "obras_sync_duration_seconds",
			Help:    "Wall time of a sync batch.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	for _, c := range []prometheus.Collector{r.batches, r.items, r.pending, r.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PromRecorder) BatchStarted(_ context.Context, _ int) { r.batches.Inc() }

func (r *PromRecorder) ObserveItem(_ context.Context, table string, outcome Outcome) {
	r.items.WithLabelValues(table, string(outcome)).Inc()
}

func (r *PromRecorder) BatchFinished(_ context.Context, t BatchTiming) {
	r.pending.Set(float64(t.Pending))
	r.duration.Observe(t.Duration.Seconds())
}
