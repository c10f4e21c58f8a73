package examtimer

import (
	"strings"
	"time"
)

// scheduling strategies
const (
	FrameScheduler    = "frame"
	IntervalScheduler = "interval"
)

const (
	DefaultFrameInterval    = time.Second / 60
	DefaultFallbackInterval = 100 * time.Millisecond
)

// Ticker delivers ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Scheduler creates the tickers driving a timer loop.
// A tick only triggers a recomputation: how often or how late ticks arrive never changes
// the remaining time, which is always derived from absolute timestamps.
type Scheduler interface {
	Name() string
	NewTicker() Ticker
}

type intervalScheduler struct {
	name     string
	interval time.Duration
}

// NewScheduler returns the scheduler for kind ("frame" or "interval").
// Unknown kinds fall back to the interval scheduler, as do non-positive intervals.
func NewScheduler(kind string, frameInterval, fallbackInterval time.Duration) Scheduler {
	if fallbackInterval <= 0 {
		fallbackInterval = DefaultFallbackInterval
	}
	if strings.ToLower(strings.TrimSpace(kind)) == FrameScheduler {
		if frameInterval <= 0 {
			frameInterval = DefaultFrameInterval
		}
		return &intervalScheduler{name: FrameScheduler, interval: frameInterval}
	}
	return &intervalScheduler{name: IntervalScheduler, interval: fallbackInterval}
}

func (s *intervalScheduler) Name() string {
	return s.name
}

func (s *intervalScheduler) Interval() time.Duration {
	return s.interval
}

func (s *intervalScheduler) NewTicker() Ticker {
	return &stdTicker{t: time.NewTicker(s.interval)}
}

type stdTicker struct {
	t *time.Ticker
}

func (t *stdTicker) C() <-chan time.Time {
	return t.t.C
}

func (t *stdTicker) Stop() {
	t.t.Stop()
}
