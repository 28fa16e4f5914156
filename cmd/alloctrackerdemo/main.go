// Command alloctrackerdemo drives the allocation tracking core against a
// synthetic allocation/deallocation workload. It exists because Go offers no
// hook equivalent to an interposed malloc/free pair: there is nothing for
// this module to attach to inside a real Go program's allocator, so this
// demo calls TrackAlloc/TrackDeallocation directly the way a cgo malloc
// interposer would, to exercise the sampling core end to end.
package main

import (
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/sirupsen/logrus"

	"github.com/DataDog/go-alloctracker/tracker"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:          true,
		TimestampFormat:        "2006-01-02T15:04:05Z",
		DisableLevelTruncation: true,
	})

	var (
		samplingInterval = flag.Uint64("sampling-interval", 512*1024, "expected bytes between samples")
		deterministic    = flag.Bool("deterministic", false, "use deterministic sampling instead of Poisson")
		trackDeallocs    = flag.Bool("track-deallocations", true, "pair deallocations with live samples")
		ringSize         = flag.Uint("ring-size", 1<<20, "anonymous ring buffer size in bytes")
		rate             = flag.Duration("rate", 5*time.Millisecond, "synthetic allocation interval")
		statsdAddr       = flag.String("statsd-addr", os.Getenv("DD_DOGSTATSD_URL"), "dogstatsd address for ambient metrics (empty disables metrics)")
	)
	flag.Parse()

	statsdClient, err := newStatsdClient(*statsdAddr)
	if err != nil {
		logrus.WithError(err).Fatal("failed to construct statsd client")
	}

	logrus.WithFields(logrus.Fields{
		"sampling_interval": *samplingInterval,
		"deterministic":     *deterministic,
		"track_deallocs":    *trackDeallocs,
		"ring_size":         *ringSize,
	}).Info("starting allocation tracker demo")

	var t *tracker.Tracker
	t = tracker.New(
		tracker.WithSamplingInterval(*samplingInterval),
		tracker.WithDeterministicSampling(*deterministic),
		tracker.WithTrackDeallocations(*trackDeallocs),
		tracker.WithRingSize(uint32(*ringSize)),
		tracker.WithStatsdClient(statsdClient),
		tracker.WithTimerCheck(tracker.TimerCheck{
			InitialDelay: time.Second,
			Interval:     10 * time.Second,
			Callback: func() {
				logrus.WithField("lost_events", t.LostCount()).Info("periodic check")
			},
		}),
	)
	if err := t.Init(); err != nil {
		logrus.WithError(err).Fatal("failed to initialize allocation tracker")
	}
	defer t.Free()

	t.NotifyThreadStart()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go generateSyntheticWorkload(t, *rate, done)

	<-stop
	close(done)
	t.ReportMetrics()
	logrus.WithField("lost_events", t.LostCount()).Info("shutting down")
}

// newStatsdClient constructs a real dogstatsd client when an address is
// configured, or a no-op client otherwise. Unlike a long-running host
// process, this demo has a human operator watching its output, so it is the
// natural place to exercise a live statsd.Client rather than always falling
// back to the no-op default tracker.New uses.
func newStatsdClient(addr string) (tracker.StatsdClient, error) {
	if addr == "" {
		return &statsd.NoOpClient{}, nil
	}
	return statsd.New(addr)
}

// generateSyntheticWorkload feeds TrackAlloc/TrackDeallocation a stream of
// fake addresses and sizes, standing in for a real malloc interposer. Sizes
// are drawn uniformly from 64 to 64+65535 bytes.
func generateSyntheticWorkload(t *tracker.Tracker, rate time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	var nextAddr uintptr = 0x1000
	live := make([]uintptr, 0, 4096)

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			size := uintptr(64 + rand.Intn(1<<16))
			addr := nextAddr
			nextAddr += size
			t.TrackAlloc(addr, size)
			live = append(live, addr)

			if len(live) > 64 && rand.Intn(3) == 0 {
				idx := rand.Intn(len(live))
				t.TrackDeallocation(live[idx])
				live[idx] = live[len(live)-1]
				live = live[:len(live)-1]
			}
		}
	}
}
