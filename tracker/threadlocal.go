package tracker

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// StackBounds describes the address range of a thread's stack, learned once
// per thread via a platform query and cached from then on.
type StackBounds struct {
	Lo, Hi uintptr
}

// ThreadLocalState holds the per-thread accumulator, PRNG, and stack bounds
// described in §3. Every field is owned exclusively by the OS thread that
// created it: nothing here is ever observed by another thread, so none of
// it needs to be atomic.
type ThreadLocalState struct {
	tid uint32

	remaining     int64
	remainingInit bool

	gen lehmer

	bounds      StackBounds
	boundsKnown bool
}

// registrySize bounds the reentry/thread-state registry. It is a fixed-size
// array indexed by a hash of the OS thread id, not a map: bounded memory,
// no allocation on the hot path, matching §9's "Reentry registry" note.
//
// Go gives user code no equivalent of a pthread key with a destructor
// callback, so unlike the original design this registry is never reclaimed
// per-thread; it is sized generously, and a slot stays bound to the first tid
// that claimed it until reset. A later thread that hashes to the same index
// is refused (see the collision handling in enter).
const registrySize = 8192

type registrySlot struct {
	tid   atomic.Uint32
	busy  atomic.Bool
	state atomic.Pointer[ThreadLocalState]
}

// registry is the reentry guard and thread-local-state table described in
// §4.2/§4.3/§9. A single flag per slot serves double duty: it is the
// TLReentryGuard that protects lazy state creation from being re-entered by
// an allocation triggered inside the creation itself, and it is the
// reentry_guard that every hot-path entry point holds for its duration.
type registry struct {
	slots [registrySize]registrySlot
}

func hashTid(tid uint32) uint32 {
	// fibonacci hashing again: OS thread ids are typically small and
	// sequential, so a multiplicative hash spreads them across the table.
	return uint32((uint64(tid) * 2654435761) % registrySize)
}

// enter acquires the reentry guard for tid and returns the thread's state
// (creating it on first use), a release function, and whether acquisition
// succeeded. Failure means either genuine reentrancy (the same thread is
// already inside a tracked call) or a hash collision with a different
// thread's slot; both are treated identically per §4.3: the caller must
// return without side effects.
func (r *registry) enter(tid uint32) (*ThreadLocalState, func(), bool) {
	slot := &r.slots[hashTid(tid)]
	if !slot.busy.CompareAndSwap(false, true) {
		return nil, nil, false
	}
	st := slot.state.Load()
	if st == nil {
		st = &ThreadLocalState{tid: tid, gen: newLehmer(seedForThread(tid))}
		slot.state.Store(st)
		slot.tid.Store(tid)
	} else if slot.tid.Load() != tid {
		slot.busy.Store(false)
		return nil, nil, false
	}
	return st, func() { slot.busy.Store(false) }, true
}

// reset clears every slot. Called on fork: the child's threads must
// re-learn their tid and stack bounds, and any thread mid-call in the
// parent at fork time must not leave a stuck guard in the child.
func (r *registry) reset() {
	for i := range r.slots {
		r.slots[i].tid.Store(0)
		r.slots[i].busy.Store(false)
		r.slots[i].state.Store(nil)
	}
}

func seedForThread(tid uint32) uint64 {
	return uint64(tid)*2654435761 ^ uint64(time.Now().UnixNano())
}

// ThreadIDFunc returns the calling OS thread's id. The default,
// currentThreadID, wraps unix.Gettid: on Linux this is a raw syscall with no
// allocation and no libc TLS lookup, so it is safe to call from inside a
// malloc hook.
type ThreadIDFunc func() uint32

func currentThreadID() uint32 {
	return uint32(unix.Gettid())
}

// retrieveStackBounds queries the OS for the calling thread's stack extent.
// The core caches a successful result per thread (§4.4); a lookup failure
// leaves boundsKnown false, so TrackAlloc queries again on its next call,
// and callers fall back to a conservative fixed stack-sample size.
func retrieveStackBounds() (StackBounds, bool) {
	// There is no portable, allocation-free way to query an arbitrary Go
	// thread's stack bounds without cgo (pthread_attr_getstack is a cgo
	// call, which itself may allocate). Without real bounds, sampling still
	// works but stack copies are limited by StackSampleSize alone.
	return StackBounds{}, false
}
