// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package tracker

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/DataDog/go-alloctracker/tracker/internal/ring"
)

const (
	// DefaultKMaxTracked bounds the live-address set before it is cleared,
	// mirroring ddprof::liveallocation::kMaxTracked.
	DefaultKMaxTracked = 1 << 16

	// DefaultKMaxConsecutiveFailures is the number of consecutive commit
	// failures that trigger self-disable (§4.7).
	DefaultKMaxConsecutiveFailures = 10

	// DefaultStackSampleSize is the number of stack bytes captured per
	// SAMPLE record when the host does not configure one explicitly.
	DefaultStackSampleSize = 4096

	// stackMargin{Release,Debug} pad the requested reservation size to cover
	// call frames between the sampling point and the save routine. Per §9
	// these are empirical; revisit if the call depth between TrackAlloc and
	// its save point changes.
	stackMarginRelease = 192
	stackMarginDebug   = 720
)

// TimerCheck configures the periodic callback described in §4.6.
type TimerCheck struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Callback     func()
}

// Config holds every allocation_tracking_init input from §6, plus the
// ambient metrics client and test hooks (thread id source, stack margin).
type Config struct {
	samplingInterval  uint64
	deterministic     bool
	trackDeallocs     bool
	stackSampleSize   uint32
	kMaxTracked       int
	kMaxConsecFailure uint32
	ring              ring.Info
	timer             *TimerCheck
	statsd            StatsdClient
	threadID          ThreadIDFunc
	debugMargins      bool
}

// Option configures a Tracker at construction time.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		samplingInterval:  1,
		stackSampleSize:   DefaultStackSampleSize,
		kMaxTracked:       DefaultKMaxTracked,
		kMaxConsecFailure: DefaultKMaxConsecutiveFailures,
		statsd:            &statsd.NoOpClient{},
		threadID:          currentThreadID,
	}
}

// WithSamplingInterval sets the expected number of bytes between sampled
// allocations. A value of 1 disables sampling: every allocation is captured.
func WithSamplingInterval(bytes uint64) Option {
	return func(c *Config) {
		if bytes == 0 {
			bytes = 1
		}
		c.samplingInterval = bytes
	}
}

// WithDeterministicSampling selects the deterministic (floor-division)
// sampling mode instead of the Poisson-process default.
func WithDeterministicSampling(on bool) Option {
	return func(c *Config) { c.deterministic = on }
}

// WithTrackDeallocations enables the live-address set and DEALLOCATION
// event emission.
func WithTrackDeallocations(on bool) Option {
	return func(c *Config) { c.trackDeallocs = on }
}

// WithStackSampleSize sets the number of raw stack bytes captured per
// SAMPLE record. It is rounded up to a multiple of 8.
func WithStackSampleSize(bytes uint32) Option {
	return func(c *Config) {
		c.stackSampleSize = (bytes + 7) &^ 7
	}
}

// WithMaxTrackedLiveAllocations overrides kMaxTracked, the live-address-set
// bound before it is cleared. Exposed mainly for tests (see scenario S4).
func WithMaxTrackedLiveAllocations(n int) Option {
	return func(c *Config) { c.kMaxTracked = n }
}

// WithMaxConsecutiveFailures overrides kMaxConsecutiveFailures, the number
// of consecutive commit failures that trigger self-disable.
func WithMaxConsecutiveFailures(n uint32) Option {
	return func(c *Config) { c.kMaxConsecFailure = n }
}

// WithRingBuffer attaches an externally supplied MPSC ring buffer described
// by info. If unset, Init creates its own anonymous ring sized by
// WithRingSize.
func WithRingBuffer(info ring.Info) Option {
	return func(c *Config) { c.ring = info }
}

// WithRingSize requests an anonymous, self-contained ring buffer of the
// given size (rounded up to a power of two) instead of one supplied via
// WithRingBuffer.
func WithRingSize(bytes uint32) Option {
	return func(c *Config) { c.ring = ring.Info{Size: bytes} }
}

// WithTimerCheck installs the periodic callback described in §4.6.
func WithTimerCheck(t TimerCheck) Option {
	return func(c *Config) { c.timer = &t }
}

// WithStatsdClient specifies an optional statsd client for ambient metrics
// (lost/failure counters, live-set size). By default, no metrics are sent.
func WithStatsdClient(client StatsdClient) Option {
	return func(c *Config) { c.statsd = client }
}

// WithThreadIDFunc overrides how the calling OS thread id is obtained.
// Tests use this to simulate multiple "threads" from a single goroutine.
func WithThreadIDFunc(f ThreadIDFunc) Option {
	return func(c *Config) { c.threadID = f }
}

// WithDebugStackMargin selects the larger (debug-build) stack margin
// constant instead of the release one, per §9.
func WithDebugStackMargin(on bool) Option {
	return func(c *Config) { c.debugMargins = on }
}

func (c *Config) stackMargin() uint32 {
	if c.debugMargins {
		return stackMarginDebug
	}
	return stackMarginRelease
}
