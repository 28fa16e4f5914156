// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package tracker

import (
	"time"

	"github.com/DataDog/go-alloctracker/tracker/internal/stopwatch"
)

// StatsdClient is the subset of github.com/DataDog/datadog-go/v5/statsd's
// ClientInterface this package needs. Hosts that already carry a statsd
// client for their own metrics can pass it directly via WithStatsdClient
// since the real client satisfies this interface as-is.
type StatsdClient interface {
	Count(name string, value int64, tags []string, rate float64) error
	Gauge(name string, value float64, tags []string, rate float64) error
}

const (
	metricLostEvents   = "alloctracker.lost_events"
	metricFailureCount = "alloctracker.failure_count"
	metricLiveSetSize  = "alloctracker.live_set_size"
)

// metricsReporter periodically flushes counters to the configured
// StatsdClient. It is entirely ambient: disabling it (the default
// statsd.NoOpClient) does not change tracking behavior at all.
type metricsReporter struct {
	client StatsdClient
	period time.Duration
	clock  *stopwatch.Stopwatch

	lastLost     uint64
	lastFailures uint32
}

func newMetricsReporter(client StatsdClient, period time.Duration) *metricsReporter {
	if period <= 0 {
		period = 10 * time.Second
	}
	return &metricsReporter{client: client, period: period, clock: stopwatch.New()}
}

// report emits the delta since the last report for monotonic counters, and
// the current value for gauges. Callers are expected to invoke it far more
// often than once per period (e.g. from the hot-path timer callback); report
// is a no-op between ticks so it never floods the statsd client.
func (m *metricsReporter) report(lostCount uint64, failureCount uint32, liveSetSize int) {
	if m.clock.Duration() < m.period {
		return
	}
	m.clock.Reset()
	if lostCount > m.lastLost {
		m.client.Count(metricLostEvents, int64(lostCount-m.lastLost), nil, 1)
		m.lastLost = lostCount
	}
	if failureCount != m.lastFailures {
		m.client.Count(metricFailureCount, int64(failureCount), nil, 1)
		m.lastFailures = failureCount
	}
	m.client.Gauge(metricLiveSetSize, float64(liveSetSize), nil, 1)
}
