// Package metrics collects per-operation request telemetry for the server:
// counts, error counts, and bounded latency samples, optionally mirrored to
// OpenTelemetry instruments.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// maxSamples bounds the latency samples kept per operation.
const maxSamples = 1000

// Collector aggregates request telemetry. The zero value is not usable;
// call New.
type Collector struct {
	mu             sync.Mutex
	requestCounts  map[string]int64
	requestErrors  map[string]int64
	requestLatency map[string][]time.Duration
	startTime      time.Time

	otelCounter  metric.Int64Counter
	otelErrors   metric.Int64Counter
	otelDuration metric.Float64Histogram
}

// New creates a collector. OpenTelemetry instruments are created from the
// global meter provider; with no provider installed they are no-ops.
func New() *Collector {
	meter := otel.Meter("relstate/server")
	counter, _ := meter.Int64Counter("relstate.requests")
	errCounter, _ := meter.Int64Counter("relstate.request_errors")
	duration, _ := meter.Float64Histogram("relstate.request_duration_ms")
	return &Collector{
		requestCounts:  make(map[string]int64),
		requestErrors:  make(map[string]int64),
		requestLatency: make(map[string][]time.Duration),
		startTime:      time.Now(),
		otelCounter:    counter,
		otelErrors:     errCounter,
		otelDuration:   duration,
	}
}

// StartRequest records the start of an operation and returns the completion
// callback to invoke with the operation's error (nil on success).
func (c *Collector) StartRequest(operation string) func(err error) {
	if c == nil {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		elapsed := time.Since(start)
		c.mu.Lock()
		c.requestCounts[operation]++
		if err != nil {
			c.requestErrors[operation]++
		}
		samples := c.requestLatency[operation]
		if len(samples) >= maxSamples {
			samples = samples[1:]
		}
		c.requestLatency[operation] = append(samples, elapsed)
		c.mu.Unlock()

		attrs := metric.WithAttributes(attribute.String("operation", operation))
		ctx := context.Background()
		c.otelCounter.Add(ctx, 1, attrs)
		if err != nil {
			c.otelErrors.Add(ctx, 1, attrs)
		}
		c.otelDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
}

// OperationStats summarizes one operation for the metrics endpoint.
type OperationStats struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	AvgMS     float64 `json:"avg_ms"`
	MaxMS     float64 `json:"max_ms"`
}

// Snapshot returns per-operation stats sorted by operation name, plus the
// collector's uptime.
func (c *Collector) Snapshot() (ops []OperationStats, uptime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.requestCounts))
	for op := range c.requestCounts {
		names = append(names, op)
	}
	sort.Strings(names)
	for _, op := range names {
		stats := OperationStats{
			Operation: op,
			Count:     c.requestCounts[op],
			Errors:    c.requestErrors[op],
		}
		samples := c.requestLatency[op]
		if len(samples) > 0 {
			var total time.Duration
			var max time.Duration
			for _, d := range samples {
				total += d
				if d > max {
					max = d
				}
			}
			stats.AvgMS = float64(total) / float64(len(samples)) / float64(time.Millisecond)
			stats.MaxMS = float64(max) / float64(time.Millisecond)
		}
		ops = append(ops, stats)
	}
	return ops, time.Since(c.startTime)
}
