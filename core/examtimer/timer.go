// Package examtimer implements the countdown of an in-progress test attempt.
//
// A Timer is an actor: one goroutine owns the session, and every operation is a command
// processed in order with the ticks of the loop. Remaining time is never counted down tick
// by tick; it is recomputed from the monotonic start anchor on every tick, so throttled or
// late ticks cannot make the countdown drift.
package examtimer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
)

const DefaultSyncThreshold = 2 * time.Second

var (
	ErrNotStarted = errors.New("timer not started")
	ErrClosed     = errors.New("timer closed")
)

type Option func(t *Timer)

func WithClock(c Clock) Option {
	return func(t *Timer) { t.clock = c }
}

func WithScheduler(s Scheduler) Option {
	return func(t *Timer) { t.sched = s }
}

// WithSyncThreshold sets the drift above which a server sync is applied.
func WithSyncThreshold(d time.Duration) Option {
	return func(t *Timer) { t.syncThreshold = d }
}

type Timer struct {
	clock         Clock
	sched         Scheduler
	emitter       Emitter
	syncThreshold time.Duration

	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by the loop goroutine
	sess     *Session
	anchor   time.Time // monotonic reading matching sess.StartTime
	pausedAt time.Time
	ticker   Ticker
	finished bool
}

// New starts the timer loop and announces it with WORKER_READY.
// The timer stays idle until started.
func New(emitter Emitter, opts ...Option) *Timer {
	t := &Timer{
		clock:         SystemClock(),
		sched:         NewScheduler(IntervalScheduler, 0, 0),
		emitter:       emitter,
		syncThreshold: DefaultSyncThreshold,
		cmds:          make(chan func()),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.run()
	return t
}

func (t *Timer) run() {
	defer close(t.done)
	t.emit(WorkerReady, MessagePayload{Message: "timer ready"})
	for {
		var tick <-chan time.Time
		if t.ticker != nil {
			tick = t.ticker.C()
		}

		select {
		case <-t.quit:
			t.stopLoop()
			return
		case cmd := <-t.cmds:
			cmd()
		case <-tick:
			t.tick()
		}
	}
}

// do runs fn on the loop goroutine and waits for it to complete.
func (t *Timer) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	finished := make(chan struct{})
	cmd := func() {
		err = fn()
		close(finished)
	}

	select {
	case t.cmds <- cmd:
	case <-t.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// once received, a command always runs to completion
	<-finished
	return err
}

// Close halts the loop for good. Further operations return ErrClosed.
// Close must not be called from an Emitter.
func (t *Timer) Close() {
	t.closeOnce.Do(func() { close(t.quit) })
	<-t.done
}

// Start initializes the session and starts the loop, replacing any previous session.
// Omitted start/end times are derived from the clock and the duration; when both are
// given the duration wins and the end time is recomputed.
// A non-positive duration finishes immediately.
func (t *Timer) Start(ctx context.Context, p StartParams) error {
	if p.StartTime != nil && p.EndTime != nil && *p.EndTime < *p.StartTime {
		return core.NewValidationError(
			errors.New("invalid time range"),
			core.FieldError{Field: "end_time", Error: "end time cannot be before start time"},
		)
	}

	return t.do(ctx, func() error {
		t.stopLoop()

		now := t.clock.Now()
		nowMs := now.UnixMilli()
		startMs := nowMs
		switch {
		case p.StartTime != nil:
			startMs = *p.StartTime
		case p.EndTime != nil:
			startMs = *p.EndTime - p.Duration*1000
		}

		t.sess = &Session{TestID: p.TestID, StartTime: startMs, DurationSeconds: p.Duration}
		t.sess.syncEndTime()
		t.anchor = now.Add(-time.Duration(nowMs-startMs) * time.Millisecond)
		t.pausedAt = time.Time{}
		t.finished = false

		if p.Duration <= 0 {
			t.finish()
			return nil
		}
		t.startLoop()
		t.tick()
		return nil
	})
}

// Pause halts the loop. The start time is kept, so the paused time still counts.
func (t *Timer) Pause(ctx context.Context) error {
	return t.do(ctx, func() error {
		if t.sess == nil {
			return ErrNotStarted
		}
		if t.sess.Paused || t.finished {
			return nil
		}
		t.sess.Paused = true
		t.pausedAt = t.clock.Now()
		t.stopLoop()
		return nil
	})
}

// Resume restarts the loop from the existing start time.
func (t *Timer) Resume(ctx context.Context) error {
	return t.do(ctx, func() error {
		if t.sess == nil {
			return ErrNotStarted
		}
		if !t.sess.Paused || t.finished {
			return nil
		}
		t.sess.Paused = false
		t.pausedAt = time.Time{}
		t.startLoop()
		t.tick()
		return nil
	})
}

// Sync reconciles the countdown with the remaining time reported by the server.
// Drifts within the sync threshold are ignored; so is implausible input.
func (t *Timer) Sync(ctx context.Context, p SyncParams) (SyncResult, error) {
	var res SyncResult
	err := t.do(ctx, func() error {
		if t.sess == nil {
			return ErrNotStarted
		}
		if t.finished || !plausible(p, t.sess) {
			return nil
		}

		at := t.now()
		expected, _ := t.compute(at)
		drift := float64(expected) - p.RemainingSeconds
		res = SyncResult{Drift: drift, CorrectedTime: expected}
		if math.Abs(drift) <= t.syncThreshold.Seconds() {
			return nil
		}

		t.sess.DriftCorrectionMs += int64(math.Round(drift * 1000))
		t.sess.syncEndTime()
		res.Applied = true
		res.CorrectedTime, _ = t.compute(at)

		syncTime := p.ServerTime
		if syncTime == 0 {
			syncTime = t.clock.Now().UnixMilli()
		}
		t.emit(TimerSynced, SyncedPayload{Drift: drift, CorrectedTime: res.CorrectedTime, SyncTime: syncTime})

		if !t.sess.Paused {
			t.tick()
		}
		return nil
	})
	return res, err
}

// Stop halts the loop and marks the session paused. Stopping an idle timer is a no-op.
func (t *Timer) Stop(ctx context.Context) error {
	return t.do(ctx, func() error {
		t.stopLoop()
		if t.sess != nil && !t.sess.Paused {
			t.sess.Paused = true
			t.pausedAt = t.clock.Now()
		}
		return nil
	})
}

// Status returns a snapshot of the timer without side effects.
// While paused, the snapshot is taken at the time of the pause.
func (t *Timer) Status(ctx context.Context) (Status, error) {
	var st Status
	err := t.do(ctx, func() error {
		if t.sess == nil {
			return ErrNotStarted
		}
		st = t.status()
		return nil
	})
	return st, err
}

// Session returns a copy of the current session.
func (t *Timer) Session(ctx context.Context) (Session, error) {
	var sess Session
	err := t.do(ctx, func() error {
		if t.sess == nil {
			return ErrNotStarted
		}
		sess = *t.sess
		return nil
	})
	return sess, err
}

// ================================================================
// loop internals (only called from the loop goroutine)

func (t *Timer) startLoop() {
	if t.ticker == nil {
		t.ticker = t.sched.NewTicker()
	}
}

func (t *Timer) stopLoop() {
	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
}

func (t *Timer) tick() {
	if t.sess == nil || t.sess.Paused || t.finished {
		return
	}
	remaining, elapsed := t.compute(t.clock.Now())
	t.emit(TimerUpdate, UpdatePayload{TimeRemaining: remaining, Elapsed: elapsed, TestID: t.sess.TestID})
	if remaining == 0 {
		t.finish()
	}
}

func (t *Timer) finish() {
	t.stopLoop()
	t.finished = true
	t.emit(TimerFinished, FinishedPayload{TestID: t.sess.TestID})
}

// now is the instant the countdown is evaluated at: frozen while paused.
func (t *Timer) now() time.Time {
	if t.sess.Paused && !t.pausedAt.IsZero() {
		return t.pausedAt
	}
	return t.clock.Now()
}

// compute returns the remaining and elapsed whole seconds at the given instant.
func (t *Timer) compute(at time.Time) (remaining, elapsed int64) {
	elapsedMs := at.Sub(t.anchor).Milliseconds() + t.sess.DriftCorrectionMs
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	elapsed = elapsedMs / 1000
	remaining = t.sess.DurationSeconds - elapsed
	if remaining < 0 {
		remaining = 0
	}
	if elapsed > t.sess.DurationSeconds {
		elapsed = max(t.sess.DurationSeconds, 0)
	}
	return remaining, elapsed
}

func (t *Timer) status() Status {
	remaining, elapsed := t.compute(t.now())
	return Status{
		TestID:            t.sess.TestID,
		TimeRemaining:     remaining,
		Elapsed:           elapsed,
		Paused:            t.sess.Paused,
		Running:           t.ticker != nil,
		Finished:          t.finished,
		DriftCorrectionMs: t.sess.DriftCorrectionMs,
		StartTime:         t.sess.StartTime,
		EndTime:           t.sess.EndTime,
		DurationSeconds:   t.sess.DurationSeconds,
	}
}

func (t *Timer) emit(typ EventType, payload interface{}) {
	if t.emitter != nil {
		t.emitter.Emit(Event{Type: typ, Payload: payload})
	}
}

// plausible rejects server readings that no countdown of the session could produce.
// A remaining time above the duration would move the deadline back.
func plausible(p SyncParams, sess *Session) bool {
	r := p.RemainingSeconds
	return !math.IsNaN(r) && !math.IsInf(r, 0) &&
		r >= 0 && r <= float64(sess.DurationSeconds) &&
		p.ServerTime >= 0
}
