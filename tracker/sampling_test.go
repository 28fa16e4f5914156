package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTLS(tid uint32, seed uint64) *ThreadLocalState {
	return &ThreadLocalState{tid: tid, gen: newLehmer(seed)}
}

func TestDecideIntervalOneSamplesEverything(t *testing.T) {
	e := samplingEngine{interval: 1}
	tls := newTLS(1, 42)
	for i := 0; i < 100; i++ {
		assert.Equal(t, uint64(1), e.decide(64, tls))
	}
}

func TestDecideDeterministicIsExactRate(t *testing.T) {
	const interval = uint64(1024)
	e := samplingEngine{interval: interval, deterministic: true}
	tls := newTLS(1, 7)

	var totalSamples, totalBytes uint64
	for i := 0; i < 10000; i++ {
		const size = uint64(128)
		totalBytes += size
		totalSamples += e.decide(size, tls)
	}
	// deterministic mode draws exactly `interval` every time, so long-run
	// sample count converges to totalBytes/interval within one draw.
	expected := totalBytes / interval
	diff := int64(totalSamples) - int64(expected)
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, int64(2))
}

func TestDecidePoissonUnbiasedInExpectation(t *testing.T) {
	const interval = uint64(4096)
	e := samplingEngine{interval: interval}
	tls := newTLS(1, 12345)

	var totalWeight uint64
	var totalBytes uint64
	for i := 0; i < 200000; i++ {
		const size = uint64(256)
		totalBytes += size
		totalWeight += e.decide(size, tls) * interval
	}
	ratio := float64(totalWeight) / float64(totalBytes)
	assert.InDelta(t, 1.0, ratio, 0.15)
}

func TestDrawIsClampedToConfiguredBounds(t *testing.T) {
	const interval = uint64(100)
	e := samplingEngine{interval: interval}
	tls := newTLS(1, 999)
	for i := 0; i < 10000; i++ {
		d := e.draw(tls)
		assert.GreaterOrEqual(t, d, uint64(minDraw))
		assert.LessOrEqual(t, d, interval*maxDrawFactor)
	}
}

func TestLehmerIsDeterministicForASeed(t *testing.T) {
	a := newLehmer(1)
	b := newLehmer(1)
	for i := 0; i < 50; i++ {
		assert.Equal(t, a.next(), b.next())
	}
}

func TestLehmerZeroSeedIsRemapped(t *testing.T) {
	l := newLehmer(0)
	assert.NotEqual(t, uint64(0), l.state)
}
