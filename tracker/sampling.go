package tracker

import "math"

// lehmerM and lehmerA are the modulus and multiplier of the MINSTD (Park-
// Miller) linear congruential generator. It is deliberately not a
// cryptographic RNG: correctness of the sampling engine depends on the
// draws approximating a Poisson process, not on unpredictability, and an
// LCG is cheaper and allocation-free on the hot path.
const (
	lehmerM = 2147483647 // 2^31 - 1, a Mersenne prime
	lehmerA = 48271
)

// lehmer is a per-thread pseudo-random generator. It must never be shared
// across threads: sharing would require synchronization on the allocation
// hot path, which is forbidden.
type lehmer struct {
	state uint64
}

func newLehmer(seed uint64) lehmer {
	s := seed % lehmerM
	if s == 0 {
		s = 1
	}
	return lehmer{state: s}
}

func (l *lehmer) next() uint64 {
	l.state = (l.state * lehmerA) % lehmerM
	return l.state
}

// float64 returns a pseudo-random value in (0, 1).
func (l *lehmer) float64() float64 {
	return float64(l.next()) / float64(lehmerM)
}

// samplingEngine implements the byte-interval sampling decision of §4.1:
// given an allocation of size bytes, how many samples does it represent.
type samplingEngine struct {
	interval      uint64
	deterministic bool
}

// minDraw and maxDrawFactor clamp the Poisson inter-sample draw to avoid
// pathologically tiny or huge gaps, per §4.1.
const (
	minDraw       = 8
	maxDrawFactor = 20
)

// draw returns the next inter-sample gap in bytes, consuming tls's PRNG when
// in probabilistic mode. Deterministic mode and the disabled (interval==1)
// case are fixed draws and do not touch the PRNG.
func (e samplingEngine) draw(tls *ThreadLocalState) uint64 {
	if e.interval <= 1 {
		return 1
	}
	if e.deterministic {
		return e.interval
	}
	rate := 1.0 / float64(e.interval)
	u := tls.gen.float64()
	v := -math.Log(1-u) / rate
	min := float64(minDraw)
	max := float64(e.interval) * maxDrawFactor
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return uint64(v)
}

// decide returns the number of samples an allocation of size bytes
// represents, updating tls's accumulator. It never allocates and never
// blocks.
func (e samplingEngine) decide(size uint64, tls *ThreadLocalState) uint64 {
	if e.interval <= 1 {
		return 1
	}
	if !tls.remainingInit {
		tls.remaining = -int64(e.draw(tls))
		tls.remainingInit = true
	}
	tls.remaining += int64(size)
	if tls.remaining < 0 {
		return 0
	}
	nsamples := uint64(tls.remaining) / e.interval
	tls.remaining %= int64(e.interval)
	for tls.remaining >= 0 {
		tls.remaining -= int64(e.draw(tls))
		nsamples++
	}
	return nsamples
}
