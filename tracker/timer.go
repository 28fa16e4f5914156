package tracker

import (
	"sync"
	"sync/atomic"
	"time"
)

// timerState implements the periodic timer check of §4.6: a user-supplied
// callback fires at most once per configured interval, advanced by whatever
// producer happens to notice the interval has elapsed.
type timerState struct {
	check     TimerCheck
	nextCheck atomic.Int64 // UnixNano; timerDisabled means "no callback configured"
	mu        sync.Mutex
}

const timerDisabled = int64(1<<63 - 1)

func newTimerState(check *TimerCheck, now time.Time) *timerState {
	t := &timerState{}
	if check == nil {
		t.nextCheck.Store(timerDisabled)
		return t
	}
	t.check = *check
	t.nextCheck.Store(now.Add(check.InitialDelay).UnixNano())
	return t
}

// maybeFire is called from the hot path (allocation/deallocation commit) as
// well as from any background goroutine. Most calls just compare against
// the atomic sentinel and return immediately; only the rare call that
// crosses the deadline takes the mutex, and it re-checks the sentinel under
// the lock to avoid a double fire when multiple producers cross the
// deadline concurrently (§4.6).
func (t *timerState) maybeFire(now time.Time) {
	if t.check.Callback == nil {
		return
	}
	deadline := t.nextCheck.Load()
	if deadline == timerDisabled || now.UnixNano() < deadline {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextCheck.Load() != deadline {
		// another producer already advanced it.
		return
	}
	t.nextCheck.Store(now.Add(t.check.Interval).UnixNano())
	t.check.Callback()
}
