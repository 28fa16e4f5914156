// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

// Package tracker implements the in-process allocation sampling core of a
// continuous memory profiler: it intercepts allocation/deallocation events
// handed to it by a host malloc hook, statistically samples them, captures a
// stack snapshot per sample, and writes the result into a shared-memory MPSC
// ring buffer for an out-of-process consumer.
package tracker

import (
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	alloglog "github.com/DataDog/go-alloctracker/internal/log"
	"github.com/DataDog/go-alloctracker/tracker/internal/liveset"
	"github.com/DataDog/go-alloctracker/tracker/internal/ring"
	"github.com/DataDog/go-alloctracker/tracker/internal/wire"
)

// maxPCStackDepth bounds the fixed, non-escaping array runtime.Callers
// writes into; it is the Go-native analogue of stack_sample_size.
const maxPCStackDepth = 512

// Tracker is the process-global allocation sampling singleton described in
// §3. A Tracker is never destroyed once constructed: Free only flips its
// atomic state to disabled, because a producer racing with shutdown may be
// between "observe TrackAllocations()==true" and the call into TrackAlloc
// (§4.7, §9).
type Tracker struct {
	cfg Config

	mu     sync.Mutex // guards lifecycle transitions only; never held on the hot path
	active atomic.Bool

	trackAllocations   atomic.Bool
	trackDeallocations atomic.Bool
	pid                atomic.Uint32
	lostCount          atomic.Uint64
	failureCount       atomic.Uint32

	ringBuf *ring.Ring
	live    *liveset.Set
	sampler samplingEngine
	reg     registry
	timer   *timerState
	metrics *metricsReporter

	collisionLimiter *rateLimiter
}

// New constructs a Tracker in the Inactive state. Call Init to allocate its
// ring buffer and begin accepting TrackAlloc/TrackDeallocation calls.
func New(opts ...Option) *Tracker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	t := &Tracker{cfg: *cfg}
	t.collisionLimiter = newRateLimiter(5, time.Minute)
	t.collisionLimiter.activate()
	return t
}

// Init allocates (or attaches) the ring buffer and transitions the Tracker
// from Inactive to Active. It may only be called while Inactive; calling it
// on an already-Active Tracker returns ErrAlreadyActive.
func (t *Tracker) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active.Load() {
		return ErrAlreadyActive
	}

	var r *ring.Ring
	var err error
	switch {
	case t.cfg.ring.MapFD != 0:
		r, err = ring.Attach(t.cfg.ring)
	case t.cfg.ring.Size != 0:
		r, err = ring.NewAnonymous(t.cfg.ring.Size)
	default:
		r, err = ring.NewAnonymous(1 << 20)
	}
	if err != nil {
		return &ConfigError{Reason: err.Error()}
	}

	t.ringBuf = r
	t.sampler = samplingEngine{interval: t.cfg.samplingInterval, deterministic: t.cfg.deterministic}
	if t.cfg.trackDeallocs {
		t.live = liveset.New(t.cfg.kMaxTracked)
	}
	t.timer = newTimerState(t.cfg.timer, time.Now())
	t.metrics = newMetricsReporter(t.cfg.statsd, 10*time.Second)
	t.reg.reset()

	t.pid.Store(uint32(os.Getpid()))
	t.lostCount.Store(0)
	t.failureCount.Store(0)
	t.trackAllocations.Store(true)
	t.trackDeallocations.Store(t.cfg.trackDeallocs)
	t.active.Store(true)
	return nil
}

// Free disables tracking and is idempotent. Per §9 the ring mapping is
// deliberately left intact: a producer that already observed
// TrackAllocations()==true may still be inside TrackAlloc when Free runs,
// and must see a consistently-disabled Tracker rather than a freed mapping.
func (t *Tracker) Free() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackAllocations.Store(false)
	t.trackDeallocations.Store(false)
	t.active.Store(false)
}

// Active reports whether the Tracker is currently accepting events.
func (t *Tracker) Active() bool { return t.active.Load() }

// TrackAllocations reports the current value of the track_allocations flag.
func (t *Tracker) TrackAllocations() bool { return t.trackAllocations.Load() }

// LostCount returns the number of events dropped due to ring-buffer
// back-pressure since the last successful LOST record flush.
func (t *Tracker) LostCount() uint64 { return t.lostCount.Load() }

// NotifyThreadStart eagerly creates this thread's TLS and caches its stack
// bounds, per §6's notify_thread_start contract.
func (t *Tracker) NotifyThreadStart() {
	tid := t.cfg.threadID()
	tls, release, ok := t.reg.enter(tid)
	if !ok {
		alloglog.Error("tls-create", "unable to start allocation profiling on thread %d", tid)
		return
	}
	defer release()
	if b, known := retrieveStackBounds(); known {
		tls.bounds = b
		tls.boundsKnown = true
	}
}

// NotifyFork must be called by the host in the child immediately after
// fork(). It re-reads the pid from the OS and resets the reentry/thread-state
// registry. The tracking flags are left as they are, so later TrackAlloc
// calls in the child keep writing samples, stamped with the child's pid,
// into the inherited ring mapping.
func (t *Tracker) NotifyFork() {
	t.reg.reset()
	t.pid.Store(uint32(os.Getpid()))
}

// TrackAlloc is the allocation-tracking hot path of §4.4. It must be called
// by the host's malloc hook with the allocated address and size.
func (t *Tracker) TrackAlloc(addr uintptr, size uintptr) {
	if !t.trackAllocations.Load() {
		return
	}
	tid := t.cfg.threadID()
	tls, release, ok := t.reg.enter(tid)
	if !ok {
		if t.collisionLimiter.allow() {
			alloglog.Debug("reentrant or colliding TrackAlloc on tid %d suppressed", tid)
		}
		return
	}
	defer release()

	if !tls.boundsKnown {
		if b, known := retrieveStackBounds(); known {
			tls.bounds = b
			tls.boundsKnown = true
		}
	}

	nsamples := t.sampler.decide(uint64(size), tls)
	if nsamples == 0 {
		return
	}

	reportAddr := uint64(addr)
	if t.cfg.trackDeallocs {
		if inserted := t.live.Add(reportAddr); inserted {
			if t.live.Count() > t.live.MaxCount() {
				if t.emitClearLiveAllocation(tls) {
					t.live.Clear()
					t.live.Add(reportAddr)
				} else {
					alloglog.Error("clear-live-allocation", "unable to clear live allocation set, disabling tracking")
					t.Free()
					return
				}
			}
		} else {
			// Already live: null the address to avoid double-counting it
			// for dealloc pairing, while still recording the allocation
			// weight (§4.4 step 4).
			reportAddr = 0
		}
	}

	period := nsamples * t.cfg.samplingInterval
	t.emitSample(tls, reportAddr, period)
	t.maybeFireTimer()
}

// TrackDeallocation is the deallocation-tracking hot path of §4.5.
func (t *Tracker) TrackDeallocation(addr uintptr) {
	if !t.trackDeallocations.Load() {
		return
	}
	tid := t.cfg.threadID()
	tls, release, ok := t.reg.enter(tid)
	if !ok {
		return
	}
	defer release()

	if present := t.live.Remove(uint64(addr)); !present {
		// never sampled this allocation
		return
	}

	t.flushLostIfAny(tls)

	id := wire.SampleID{Time: t.clockNow(), Pid: t.pid.Load(), Tid: tls.tid}
	buf := make([]byte, wire.DeallocationEventSize)
	wire.PutDeallocation(buf, id, uint64(addr))
	t.commitRecord(buf)
	t.maybeFireTimer()
}

// emitSample captures a stack snapshot and commits a SAMPLE record.
//
// Go offers no portable, allocation-free way to copy raw stack memory from
// inside an arbitrary hook call (that requires either cgo's
// pthread_attr_getstack plus direct memory copy, or platform assembly). As
// a Go-native substitute that preserves the wire format's shape, the
// "stack bytes" payload is the call-site's program-counter chain captured
// via runtime.Callers into a fixed-size, non-escaping array — a host-side
// stack trace in lieu of a raw byte copy. Downstream consumers that expect
// raw bytes can be adapted to read sequences of 8-byte PCs instead.
func (t *Tracker) emitSample(tls *ThreadLocalState, addr uint64, period uint64) {
	t.flushLostIfAny(tls)

	var pcBuf [maxPCStackDepth]uintptr
	maxPCs := int(t.cfg.stackSampleSize / 8)
	if maxPCs > maxPCStackDepth {
		maxPCs = maxPCStackDepth
	}
	n := runtime.Callers(3, pcBuf[:maxPCs])

	// The reservation is padded by the configured stack margin. The PC count
	// is fixed before sizing, so the margin bytes after dyn_size are left
	// unwritten; the header's declared record size spans the whole
	// reservation (margin included) so a framing reader always skips the full
	// committed span, never just the meaningful prefix.
	size := wire.SampleEventSizeForPCs(n) + int(t.cfg.stackMargin())
	res, err := t.ringBuf.Reserve(size)
	if err != nil {
		t.lostCount.Add(1)
		if errors.Is(err, ring.ErrTimeout) {
			alloglog.Error("reserve-timeout", "ring buffer reservation timed out")
		}
		t.recordCommitResult(false)
		return
	}

	id := wire.SampleID{Time: t.clockNow(), Pid: t.pid.Load(), Tid: tls.tid}
	wire.PutSamplePCs(res.Buf, id, addr, period, pcBuf[:n])
	t.finishCommit(res)
}

func (t *Tracker) emitClearLiveAllocation(tls *ThreadLocalState) bool {
	id := wire.SampleID{Time: t.clockNow(), Pid: t.pid.Load(), Tid: tls.tid}
	buf := make([]byte, wire.ClearLiveAllocationEventSize)
	wire.PutClearLiveAllocation(buf, id)
	return t.commitRecord(buf)
}

// flushLostIfAny attempts to emit a LOST record for the current backlog
// before any successful commit, per §4.6: emission failure restores the
// count so reporting is at-least-once.
func (t *Tracker) flushLostIfAny(tls *ThreadLocalState) {
	lost := t.lostCount.Load()
	if lost == 0 {
		return
	}
	id := wire.SampleID{Time: t.clockNow(), Pid: t.pid.Load(), Tid: tls.tid}
	buf := make([]byte, wire.LostEventSize)
	wire.PutLost(buf, id, lost)
	res, err := t.ringBuf.Reserve(len(buf))
	if err != nil {
		return // try again next time
	}
	copy(res.Buf, buf)
	if !t.lostCount.CompareAndSwap(lost, 0) {
		// another producer changed lost_count concurrently; leave the
		// commit in place (it reports a snapshot, which is still valid)
		// but don't clobber a newer count.
	}
	t.finishCommit(res)
}

// commitRecord reserves exactly len(buf) bytes, copies buf into place, and
// commits. Used by the clear-live-allocation and deallocation paths, which
// build their record into a local buffer first.
func (t *Tracker) commitRecord(buf []byte) bool {
	res, err := t.ringBuf.Reserve(len(buf))
	if err != nil {
		t.lostCount.Add(1)
		t.recordCommitResult(false)
		return false
	}
	copy(res.Buf, buf)
	t.finishCommit(res)
	return true
}

func (t *Tracker) finishCommit(res ring.Reservation) {
	notify := t.ringBuf.Commit(res)
	t.recordCommitResult(true)
	if notify {
		if err := t.ringBuf.Notify(); err != nil {
			alloglog.Error("eventfd-notify", "failed to notify consumer: %v", err)
		}
	}
}

// recordCommitResult implements §4.7's consecutive-failure policy.
func (t *Tracker) recordCommitResult(success bool) {
	if success {
		if t.failureCount.Load() > 0 {
			t.failureCount.Store(0)
		}
		return
	}
	if t.failureCount.Add(1) >= t.cfg.kMaxConsecFailure {
		t.Free()
	}
}

func (t *Tracker) maybeFireTimer() {
	if t.timer != nil {
		t.timer.maybeFire(time.Now())
	}
}

func (t *Tracker) clockNow() uint64 {
	return uint64(time.Now().UnixNano())
}

// ReportMetrics flushes ambient counters (lost count, failure count, live
// set size) to the configured StatsdClient. Hosts typically call this from
// their own periodic reporting loop; it has no effect on tracking behavior.
func (t *Tracker) ReportMetrics() {
	liveSize := 0
	if t.live != nil {
		liveSize = t.live.Count()
	}
	t.metrics.report(t.lostCount.Load(), t.failureCount.Load(), liveSize)
}
