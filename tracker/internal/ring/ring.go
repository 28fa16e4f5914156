// Package ring implements the MPSC shared-memory ring buffer writer that
// transports committed event records to an out-of-process consumer. Only the
// writer side is implemented here; the reader side is an external collaborator.
package ring

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrFull is returned by Reserve when the ring has no room for the requested
// span and the lack of space was determined immediately (no contention).
var ErrFull = errors.New("ring: full")

// ErrTimeout is returned by Reserve when the spin budget was exhausted while
// racing other producers for the head cursor, without determining whether
// the ring is actually full.
var ErrTimeout = errors.New("ring: reservation timed out")

// defaultSpinBudget bounds how many times Reserve retries the CAS on head
// before giving up and reporting ErrTimeout.
const defaultSpinBudget = 64

// pendingWindow bounds the number of in-flight (reserved, not yet committed)
// spans the ring can track at once. It is a fixed-size array, not a map:
// bounded memory, no allocation on the commit path.
const pendingWindow = 4096

// Info describes the shared-memory ring buffer backing, passed at
// initialization time the way allocation_tracking_init's RingBufferInfo is
// passed in the original design: a size, a mapping file descriptor, and a
// notification file descriptor.
type Info struct {
	Size    uint32
	MapFD   int
	EventFD int
}

// Clock is the signature of a record timestamp source. Neither Ring nor the
// tracker takes one: the tracker stamps records with time.Now directly.
type Clock func() uint64

// Ring is an MPSC shared-memory ring buffer writer.
type Ring struct {
	data []byte
	size uint64

	head            atomic.Uint64
	tail            atomic.Uint64 // consumer read position; advanced only via Drain in tests
	watermark       atomic.Uint64
	watermarkTicket atomic.Uint64
	ticket          atomic.Uint64

	pending [pendingWindow]pendingSlot

	mapFD    int
	eventFD  int
	ownsFDs  bool
	spinBudget int
}

type pendingSlot struct {
	start uint64
	end   uint64
	ready atomic.Bool
}

// New wraps an already-mapped byte arena. size must equal len(data) and must
// be a power of two.
func New(data []byte, mapFD, eventFD int, ownsFDs bool) (*Ring, error) {
	size := uint64(len(data))
	if size == 0 || size&(size-1) != 0 {
		return nil, errors.New("ring: size must be a non-zero power of two")
	}
	return &Ring{
		data:       data,
		size:       size,
		mapFD:      mapFD,
		eventFD:    eventFD,
		ownsFDs:    ownsFDs,
		spinBudget: defaultSpinBudget,
	}, nil
}

// NewAnonymous creates a self-contained ring backed by a memfd, for use when
// no external reader is attaching yet (tests, demos). size is rounded up to
// the next power of two.
func NewAnonymous(size uint32) (*Ring, error) {
	sz := nextPowerOfTwo(size)
	fd, err := unix.MemfdCreate("alloctracker-ring", 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(sz)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	data, err := unix.Mmap(fd, 0, int(sz), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Munmap(data)
		unix.Close(fd)
		return nil, err
	}
	return New(data, fd, efd, true)
}

// Attach maps an externally supplied ring buffer, as described by a host's
// Info value. The resulting Ring does not own the file descriptors; Close
// unmaps the memory but leaves fd lifetime to the caller.
func Attach(info Info) (*Ring, error) {
	data, err := unix.Mmap(info.MapFD, 0, int(info.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return New(data, info.MapFD, info.EventFD, false)
}

func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Info returns the Info describing this ring, suitable for handing to
// another host component that wants to attach to the same memory.
func (r *Ring) Info() Info {
	return Info{Size: uint32(r.size), MapFD: r.mapFD, EventFD: r.eventFD}
}

// Reservation is a claimed, not-yet-committed byte span.
type Reservation struct {
	Buf    []byte
	start  uint64
	end    uint64
	ticket uint64
}

// Reserve claims n contiguous bytes for the calling producer. It races other
// producers on the head cursor via CAS; on contention it spins up to the
// ring's spin budget before reporting ErrTimeout. If the ring provably lacks
// n bytes of free space, it reports ErrFull immediately instead of spinning.
func (r *Ring) Reserve(n int) (Reservation, error) {
	want := uint64(n)
	if want > r.size {
		return Reservation{}, ErrFull
	}
	for i := 0; i < r.spinBudget; i++ {
		head := r.head.Load()
		tail := r.tail.Load()
		if head+want-tail > r.size {
			return Reservation{}, ErrFull
		}
		if r.head.CompareAndSwap(head, head+want) {
			t := r.ticket.Add(1) - 1
			slot := &r.pending[t%pendingWindow]
			slot.start, slot.end = head, head+want
			slot.ready.Store(false)
			return Reservation{Buf: r.sliceAt(head, n), start: head, end: head + want, ticket: t}, nil
		}
	}
	return Reservation{}, ErrTimeout
}

func (r *Ring) sliceAt(offset uint64, n int) []byte {
	start := offset % r.size
	if start+uint64(n) <= r.size {
		return r.data[start : start+uint64(n)]
	}
	// A span that wraps the arena boundary is handed back as a fresh
	// contiguous scratch buffer; Commit copies it into place split across
	// the wrap point. This keeps PutSample's "write directly into buf"
	// contract simple at the cost of one allocation on the (rare) wrap case.
	return make([]byte, n)
}

// Commit publishes a previously reserved span. It returns whether the
// consumer must be notified: true exactly when this commit advanced the
// watermark past a point where the consumer had fully drained the ring
// (watermark equaled the last known tail), matching the "exactly one wakeup
// per batch" goal.
func (r *Ring) Commit(res Reservation) bool {
	start := res.start % r.size
	if start+uint64(len(res.Buf)) > r.size {
		// wrap case: copy the scratch buffer back across the boundary.
		n := int(r.size - start)
		copy(r.data[start:], res.Buf[:n])
		copy(r.data[0:], res.Buf[n:])
	}

	slot := &r.pending[res.ticket%pendingWindow]
	wasDrained := r.watermark.Load() == r.tail.Load()
	slot.ready.Store(true)

	advanced := false
	for {
		wt := r.watermarkTicket.Load()
		s := &r.pending[wt%pendingWindow]
		if !s.ready.Load() || s.start != r.watermark.Load() {
			break
		}
		if !r.watermarkTicket.CompareAndSwap(wt, wt+1) {
			continue
		}
		r.watermark.Store(s.end)
		s.ready.Store(false)
		advanced = true
	}
	return advanced && wasDrained
}

// Notify writes to the eventfd, waking a blocked consumer. It is the only
// ring operation allowed to fail visibly to the caller after a successful
// commit: the event is already published, so a notify failure is logged and
// otherwise ignored (it never increments lost_count).
func (r *Ring) Notify() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(r.eventFD, buf[:])
	return err
}

// Drain advances the consumer's read position, simulating an attached
// reader. Production code never calls this; it exists so writer-discipline
// tests can exercise notify-on-drain behavior without a real consumer.
func (r *Ring) Drain(upto uint64) {
	r.tail.Store(upto)
}

// Bytes returns the raw backing arena. It exists for tests that need to walk
// committed records directly; production code never reads through it.
func (r *Ring) Bytes() []byte { return r.data }

// Head returns the current head cursor, for diagnostics and tests.
func (r *Ring) Head() uint64 { return r.head.Load() }

// Watermark returns the current watermark cursor, for diagnostics and tests.
func (r *Ring) Watermark() uint64 { return r.watermark.Load() }

// Close unmaps the backing memory and, if this Ring created its own file
// descriptors (NewAnonymous), closes them.
func (r *Ring) Close() error {
	err := unix.Munmap(r.data)
	if r.ownsFDs {
		unix.Close(r.eventFD)
		unix.Close(r.mapFD)
	}
	return err
}
