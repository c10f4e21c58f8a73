package examtimer_test

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/examtimer"
	testutil "github.com/trezcool/masomo/tests"
)

type fixture struct {
	clock  *testutil.FakeClock
	sched  *testutil.ManualScheduler
	rec    *testutil.Recorder
	timer  *examtimer.Timer
	ctx    context.Context
	testID string
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		clock:  testutil.NewFakeClock(),
		sched:  testutil.NewManualScheduler(),
		rec:    testutil.NewRecorder(),
		ctx:    context.Background(),
		testID: "algebra-101",
	}
	f.timer = examtimer.New(f.rec, examtimer.WithClock(f.clock), examtimer.WithScheduler(f.sched))
	t.Cleanup(f.timer.Close)
	return f
}

func (f *fixture) start(t *testing.T, duration int64) {
	t.Helper()
	require.NoError(t, f.timer.Start(f.ctx, examtimer.StartParams{Duration: duration, TestID: f.testID}))
}

func (f *fixture) status(t *testing.T) examtimer.Status {
	t.Helper()
	st, err := f.timer.Status(f.ctx)
	require.NoError(t, err)
	return st
}

// tick delivers a tick, then waits for the loop to be done with it: commands are
// processed in order with ticks.
func (f *fixture) tick(t *testing.T) int {
	t.Helper()
	n := f.sched.Tick()
	f.status(t)
	return n
}

func int64Ptr(v int64) *int64 {
	return &v
}

func TestTimer_Start(t *testing.T) {
	f := newFixture(t)
	f.start(t, 120)

	st := f.status(t)
	assert.Equal(t, int64(120), st.TimeRemaining)
	assert.Equal(t, int64(0), st.Elapsed)
	assert.False(t, st.Paused)
	assert.True(t, st.Running)
	assert.Equal(t, f.testID, st.TestID)
	assert.Equal(t, st.StartTime+120_000, st.EndTime)

	evts := f.rec.Events()
	require.Len(t, evts, 2)
	assert.Equal(t, examtimer.WorkerReady, evts[0].Type)
	assert.Equal(t, examtimer.TimerUpdate, evts[1].Type)
	assert.Equal(t, examtimer.UpdatePayload{TimeRemaining: 120, Elapsed: 0, TestID: f.testID}, evts[1].Payload)
}

func TestTimer_StartWithTimes(t *testing.T) {
	tests := []struct {
		name          string
		startOffset   *time.Duration
		endOffset     *time.Duration
		wantRemaining int64
	}{
		{name: "start time in the past", startOffset: durPtr(-30 * time.Second), wantRemaining: 90},
		{name: "end time only", endOffset: durPtr(60 * time.Second), wantRemaining: 60},
		{name: "both times: duration wins", startOffset: durPtr(-20 * time.Second), endOffset: durPtr(time.Hour), wantRemaining: 100},
		{name: "start time in the future", startOffset: durPtr(10 * time.Second), wantRemaining: 120},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			nowMs := f.clock.Now().UnixMilli()
			p := examtimer.StartParams{Duration: 120, TestID: f.testID}
			if tc.startOffset != nil {
				p.StartTime = int64Ptr(nowMs + tc.startOffset.Milliseconds())
			}
			if tc.endOffset != nil {
				p.EndTime = int64Ptr(nowMs + tc.endOffset.Milliseconds())
			}
			require.NoError(t, f.timer.Start(f.ctx, p))

			st := f.status(t)
			assert.Equal(t, tc.wantRemaining, st.TimeRemaining)
			assert.Equal(t, st.StartTime+120_000, st.EndTime)
		})
	}
}

func durPtr(d time.Duration) *time.Duration {
	return &d
}

func TestTimer_StartInvalidRange(t *testing.T) {
	f := newFixture(t)
	err := f.timer.Start(f.ctx, examtimer.StartParams{Duration: 60, StartTime: int64Ptr(2000), EndTime: int64Ptr(1000)})
	require.Error(t, err)

	var verr *core.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "end_time", verr.Fields[0].Field)

	_, err = f.timer.Status(f.ctx)
	assert.Equal(t, examtimer.ErrNotStarted, err)
}

func TestTimer_NonPositiveDurationFinishesImmediately(t *testing.T) {
	for _, dur := range []int64{0, -5} {
		f := newFixture(t)
		f.start(t, dur)

		assert.Empty(t, f.rec.OfType(examtimer.TimerUpdate))
		evt, _ := f.rec.Last()
		assert.Equal(t, examtimer.TimerFinished, evt.Type)
		assert.Equal(t, examtimer.FinishedPayload{TestID: f.testID}, evt.Payload)
		assert.Equal(t, 0, f.sched.Active())

		st := f.status(t)
		assert.True(t, st.Finished)
		assert.Equal(t, int64(0), st.TimeRemaining)
	}
}

func TestTimer_RepeatedStartKeepsOneLoop(t *testing.T) {
	f := newFixture(t)
	f.start(t, 120)
	f.start(t, 60)
	f.start(t, 90)

	assert.Equal(t, 1, f.sched.Active())
	assert.Equal(t, 1, f.sched.Tick())
	assert.Equal(t, int64(90), f.status(t).TimeRemaining)
}

func TestTimer_TickDerivesFromTimestamps(t *testing.T) {
	f := newFixture(t)
	f.start(t, 120)

	// extra ticks without time passing change nothing
	for i := 0; i < 5; i++ {
		f.tick(t)
	}
	assert.Equal(t, int64(120), f.status(t).TimeRemaining)

	// a single late tick catches up with the whole gap
	f.clock.Advance(3500 * time.Millisecond)
	f.tick(t)
	evt, _ := f.rec.Last()
	assert.Equal(t, examtimer.UpdatePayload{TimeRemaining: 117, Elapsed: 3, TestID: f.testID}, evt.Payload)
}

func TestTimer_Finishes(t *testing.T) {
	f := newFixture(t)
	f.start(t, 120)

	f.clock.Advance(121 * time.Second)
	assert.Equal(t, 1, f.tick(t))

	evts := f.rec.Events()
	require.True(t, len(evts) >= 2)
	assert.Equal(t, examtimer.TimerFinished, evts[len(evts)-1].Type)
	assert.Equal(t, examtimer.UpdatePayload{TimeRemaining: 0, Elapsed: 120, TestID: f.testID}, evts[len(evts)-2].Payload)
	assert.Equal(t, 0, f.sched.Active())

	st := f.status(t)
	assert.Equal(t, int64(0), st.TimeRemaining)
	assert.True(t, st.Finished)
	assert.False(t, st.Running)

	// finished timers ignore further ticks and syncs
	assert.Equal(t, 0, f.sched.Tick())
	res, err := f.timer.Sync(f.ctx, examtimer.SyncParams{RemainingSeconds: 50})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Len(t, f.rec.OfType(examtimer.TimerFinished), 1)
}

func TestTimer_PauseFreezesStatus(t *testing.T) {
	f := newFixture(t)
	f.start(t, 120)

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.timer.Pause(f.ctx))
	assert.Equal(t, 0, f.sched.Active())

	f.clock.Advance(30 * time.Second)
	st := f.status(t)
	assert.True(t, st.Paused)
	assert.False(t, st.Running)
	assert.Equal(t, int64(110), st.TimeRemaining)
	assert.Equal(t, int64(10), st.Elapsed)

	// pausing twice is a no-op
	require.NoError(t, f.timer.Pause(f.ctx))
	assert.Equal(t, int64(110), f.status(t).TimeRemaining)

	// the paused time is not given back
	require.NoError(t, f.timer.Resume(f.ctx))
	st = f.status(t)
	assert.False(t, st.Paused)
	assert.Equal(t, int64(80), st.TimeRemaining)
	assert.Equal(t, 1, f.sched.Active())
	evt, _ := f.rec.Last()
	assert.Equal(t, examtimer.UpdatePayload{TimeRemaining: 80, Elapsed: 40, TestID: f.testID}, evt.Payload)
}

func TestTimer_Sync(t *testing.T) {
	tests := []struct {
		name          string
		remaining     float64
		wantApplied   bool
		wantDrift     float64
		wantCorrected int64
		wantDriftMs   int64
	}{
		{name: "server behind by 5s", remaining: 85, wantApplied: true, wantDrift: 5, wantCorrected: 85, wantDriftMs: 5000},
		{name: "server ahead by 4.5s", remaining: 94.5, wantApplied: true, wantDrift: -4.5, wantCorrected: 95, wantDriftMs: -4500},
		{name: "small drift", remaining: 88.5, wantDrift: 1.5, wantCorrected: 90},
		{name: "drift at threshold", remaining: 92, wantDrift: -2, wantCorrected: 90},
		{name: "server at full duration", remaining: 120, wantApplied: true, wantDrift: -30, wantCorrected: 120, wantDriftMs: -30000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.start(t, 120)
			f.clock.Advance(30 * time.Second)
			serverTime := f.clock.Now().UnixMilli()

			res, err := f.timer.Sync(f.ctx, examtimer.SyncParams{RemainingSeconds: tc.remaining, ServerTime: serverTime})
			require.NoError(t, err)
			assert.Equal(t, tc.wantApplied, res.Applied)
			assert.InDelta(t, tc.wantDrift, res.Drift, 1e-9)
			assert.Equal(t, tc.wantCorrected, res.CorrectedTime)

			st := f.status(t)
			assert.Equal(t, tc.wantDriftMs, st.DriftCorrectionMs)
			assert.Equal(t, st.StartTime+st.DurationSeconds*1000+st.DriftCorrectionMs, st.EndTime)

			synced := f.rec.OfType(examtimer.TimerSynced)
			if !tc.wantApplied {
				assert.Empty(t, synced)
				return
			}
			require.Len(t, synced, 1)
			assert.Equal(t, examtimer.SyncedPayload{Drift: tc.wantDrift, CorrectedTime: tc.wantCorrected, SyncTime: serverTime}, synced[0].Payload)
		})
	}
}

func TestTimer_SyncIgnoresImplausibleInput(t *testing.T) {
	f := newFixture(t)
	f.start(t, 120)

	for _, p := range []examtimer.SyncParams{
		{RemainingSeconds: -10},
		{RemainingSeconds: math.NaN()},
		{RemainingSeconds: math.Inf(1)},
		{RemainingSeconds: 10, ServerTime: -1},
		{RemainingSeconds: 120.5},
		{RemainingSeconds: 1000},
	} {
		res, err := f.timer.Sync(f.ctx, p)
		require.NoError(t, err)
		assert.False(t, res.Applied)
	}
	assert.Equal(t, int64(0), f.status(t).DriftCorrectionMs)
	assert.Empty(t, f.rec.OfType(examtimer.TimerSynced))
}

func TestTimer_SyncWhilePaused(t *testing.T) {
	f := newFixture(t)
	f.start(t, 120)
	require.NoError(t, f.timer.Pause(f.ctx))
	f.clock.Advance(time.Minute)

	res, err := f.timer.Sync(f.ctx, examtimer.SyncParams{RemainingSeconds: 100})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(100), res.CorrectedTime)
	assert.Equal(t, 0, f.sched.Active())

	synced := f.rec.OfType(examtimer.TimerSynced)
	require.Len(t, synced, 1)
	assert.Equal(t, f.clock.Now().UnixMilli(), synced[0].Payload.(examtimer.SyncedPayload).SyncTime)
}

func TestTimer_Stop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.timer.Stop(f.ctx)) // idle

	f.start(t, 120)
	require.NoError(t, f.timer.Stop(f.ctx))
	assert.Equal(t, 0, f.sched.Active())
	assert.True(t, f.status(t).Paused)
}

func TestTimer_NotStarted(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, examtimer.ErrNotStarted, f.timer.Pause(f.ctx))
	assert.Equal(t, examtimer.ErrNotStarted, f.timer.Resume(f.ctx))
	_, err := f.timer.Sync(f.ctx, examtimer.SyncParams{RemainingSeconds: 10})
	assert.Equal(t, examtimer.ErrNotStarted, err)
	_, err = f.timer.Session(f.ctx)
	assert.Equal(t, examtimer.ErrNotStarted, err)
}

func TestTimer_Close(t *testing.T) {
	f := newFixture(t)
	f.start(t, 120)

	f.timer.Close()
	f.timer.Close() // idempotent
	assert.Equal(t, 0, f.sched.Active())
	assert.Equal(t, examtimer.ErrClosed, f.timer.Pause(f.ctx))
	_, err := f.timer.Status(f.ctx)
	assert.Equal(t, examtimer.ErrClosed, err)
}

func TestTimer_ContextDone(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, f.timer.Stop(ctx))
}

func TestTimer_Handle(t *testing.T) {
	f := newFixture(t)

	send := func(typ examtimer.MessageType, payload interface{}) {
		t.Helper()
		msg := examtimer.Message{Type: typ}
		if payload != nil {
			raw, err := json.Marshal(payload)
			require.NoError(t, err)
			msg.Payload = raw
		}
		require.NoError(t, f.timer.Handle(f.ctx, msg))
	}

	send(examtimer.GetStatus, nil)
	evt, _ := f.rec.Last()
	assert.Equal(t, examtimer.TimerError, evt.Type)
	assert.Equal(t, examtimer.MessagePayload{Message: examtimer.ErrNotStarted.Error()}, evt.Payload)

	send(examtimer.StartTimer, map[string]interface{}{"duration": 60, "test_id": f.testID})
	evt, _ = f.rec.Last()
	assert.Equal(t, examtimer.TimerUpdate, evt.Type)

	send("DANCE", nil)
	evt, _ = f.rec.Last()
	assert.Equal(t, examtimer.TimerError, evt.Type)
	assert.Contains(t, evt.Payload.(examtimer.MessagePayload).Message, "DANCE")
	assert.Equal(t, 1, f.sched.Active()) // still running

	send(examtimer.SyncTimer, nil)
	evt, _ = f.rec.Last()
	assert.Equal(t, examtimer.TimerError, evt.Type)

	send(examtimer.SyncTimer, map[string]interface{}{"remaining_seconds": 50, "server_time": 1})
	evt, _ = f.rec.Last()
	assert.Equal(t, examtimer.TimerUpdate, evt.Type)
	assert.Equal(t, int64(50), evt.Payload.(examtimer.UpdatePayload).TimeRemaining)

	send(examtimer.PauseTimer, nil)
	send(examtimer.GetStatus, nil)
	evt, _ = f.rec.Last()
	require.Equal(t, examtimer.TimerStatus, evt.Type)
	st := evt.Payload.(examtimer.Status)
	assert.True(t, st.Paused)
	assert.Equal(t, int64(50), st.TimeRemaining)
	assert.Equal(t, int64(10_000), st.DriftCorrectionMs)

	send(examtimer.ResumeTimer, nil)
	assert.Equal(t, 1, f.sched.Active())

	send(examtimer.StopTimer, nil)
	assert.Equal(t, 0, f.sched.Active())
}

func TestTimer_HandleClosed(t *testing.T) {
	f := newFixture(t)
	f.timer.Close()
	assert.Equal(t, examtimer.ErrClosed, f.timer.Handle(f.ctx, examtimer.Message{Type: examtimer.PauseTimer}))
}

func TestTimer_EventJSON(t *testing.T) {
	raw, err := json.Marshal(examtimer.Event{
		Type:    examtimer.TimerUpdate,
		Payload: examtimer.UpdatePayload{TimeRemaining: 42, Elapsed: 78, TestID: "t1"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"TIMER_UPDATE","payload":{"time_remaining":42,"elapsed":78,"test_id":"t1"}}`, string(raw))
}

func TestTimer_RealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real clock test in short mode")
	}

	rec := testutil.NewRecorder()
	tmr := examtimer.New(rec, examtimer.WithScheduler(examtimer.NewScheduler(examtimer.FrameScheduler, 0, 0)))
	defer tmr.Close()

	require.NoError(t, tmr.Start(context.Background(), examtimer.StartParams{Duration: 1, TestID: "quiz"}))
	rec.WaitFor(t, examtimer.TimerFinished, 3*time.Second)

	evts := rec.Events()
	assert.Equal(t, examtimer.TimerFinished, evts[len(evts)-1].Type)
	assert.True(t, len(rec.OfType(examtimer.TimerUpdate)) > 2)

	var prev int64 = math.MaxInt64
	for _, evt := range rec.OfType(examtimer.TimerUpdate) {
		remaining := evt.Payload.(examtimer.UpdatePayload).TimeRemaining
		assert.True(t, remaining <= prev, "remaining time went up")
		prev = remaining
	}
}
