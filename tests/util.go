package testutil

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/attempt"
	"github.com/trezcool/masomo/core/examtimer"
	logsvc "github.com/trezcool/masomo/services/logger"
)

// NewLogger returns a logger that neither prints nor reports.
func NewLogger() core.Logger {
	logger := logsvc.NewRollbarLogger(log.New(io.Discard, "", 0), &core.Config{Env: "TEST"})
	logger.Enable(false)
	return logger
}

// ================================================================
// Clock

// FakeClock only moves when told to. It starts on a whole millisecond so that epoch
// milliseconds derived from it are exact.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Now().Truncate(time.Millisecond)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ================================================================
// Scheduler

// ManualScheduler delivers ticks on demand.
type ManualScheduler struct {
	mu      sync.Mutex
	tickers map[*manualTicker]struct{}
}

var _ examtimer.Scheduler = (*ManualScheduler)(nil)

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tickers: make(map[*manualTicker]struct{})}
}

func (s *ManualScheduler) Name() string {
	return "manual"
}

func (s *ManualScheduler) NewTicker() examtimer.Ticker {
	t := &manualTicker{c: make(chan time.Time), stopped: make(chan struct{}), sched: s}
	s.mu.Lock()
	s.tickers[t] = struct{}{}
	s.mu.Unlock()
	return t
}

// Active returns the number of tickers created and not stopped yet.
func (s *ManualScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickers)
}

// Tick delivers one tick to every active ticker and returns how many received it.
// It returns once each loop has received its tick, possibly before the tick is handled:
// send the timer a command (eg. Status) before reading what the tick emitted.
func (s *ManualScheduler) Tick() int {
	s.mu.Lock()
	tickers := make([]*manualTicker, 0, len(s.tickers))
	for t := range s.tickers {
		tickers = append(tickers, t)
	}
	s.mu.Unlock()

	var delivered int
	for _, t := range tickers {
		select {
		case t.c <- time.Now():
			delivered++
		case <-t.stopped:
		case <-time.After(time.Second):
		}
	}
	return delivered
}

type manualTicker struct {
	c        chan time.Time
	stopped  chan struct{}
	stopOnce sync.Once
	sched    *ManualScheduler
}

func (t *manualTicker) C() <-chan time.Time {
	return t.c
}

func (t *manualTicker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
		t.sched.mu.Lock()
		delete(t.sched.tickers, t)
		t.sched.mu.Unlock()
	})
}

// ================================================================
// Events

// Recorder records the events emitted by timers.
type Recorder struct {
	mu     sync.Mutex
	events []examtimer.Event
	notify chan struct{}
}

var _ examtimer.Emitter = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Emit(evt examtimer.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Recorder) Events() []examtimer.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]examtimer.Event(nil), r.events...)
}

func (r *Recorder) OfType(typ examtimer.EventType) []examtimer.Event {
	var evts []examtimer.Event
	for _, evt := range r.Events() {
		if evt.Type == typ {
			evts = append(evts, evt)
		}
	}
	return evts
}

func (r *Recorder) Last() (examtimer.Event, bool) {
	evts := r.Events()
	if len(evts) == 0 {
		return examtimer.Event{}, false
	}
	return evts[len(evts)-1], true
}

// WaitFor waits until an event of type typ has been recorded and returns the first one.
func (r *Recorder) WaitFor(t *testing.T, typ examtimer.EventType, timeout time.Duration) examtimer.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if evts := r.OfType(typ); len(evts) > 0 {
			return evts[0]
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no %s event after %v; got %v", typ, timeout, r.Events())
		}
	}
}

// ================================================================
// Fixtures

func CreateAttempt(t *testing.T, repo attempt.Repository, userID, testID string, duration time.Duration, status string, startedAt ...time.Time) attempt.Attempt {
	t.Helper()
	started := time.Now().UTC().Truncate(time.Millisecond)
	if len(startedAt) > 0 {
		started = startedAt[0].UTC().Truncate(time.Millisecond)
	}
	a := attempt.Attempt{
		TestID:          testID,
		UserID:          userID,
		DurationSeconds: int64(duration / time.Second),
		Status:          status,
		StartedAt:       started,
		Deadline:        started.Add(duration),
		CreatedAt:       started,
		UpdatedAt:       started,
	}
	if status != attempt.StatusInProgress {
		a.EndedAt = started
	}
	a, err := repo.CreateAttempt(context.Background(), a)
	if err != nil {
		t.Fatalf("CreateAttempt() failed: %v", err)
	}
	return a
}
