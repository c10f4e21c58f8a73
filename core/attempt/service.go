package attempt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/examtimer"
)

var (
	// errors
	ErrNotFound          = errors.New("attempt not found")
	ErrNotInProgress     = errors.New("attempt is not in progress")
	ErrAlreadyInProgress = errors.New("an attempt of this test is already in progress")
)

// errClosed is returned once the service is closed: the process is going down.
var errClosed = core.NewShutdownError("attempt service closed")

const expireTimeout = 10 * time.Second

type (
	Repository interface {
		CreateAttempt(ctx context.Context, a Attempt) (Attempt, error)
		GetAttempt(ctx context.Context, id string) (Attempt, error)
		QueryAttempts(ctx context.Context, filter QueryFilter, ordering []core.DBOrdering) ([]Attempt, error)
		// EndAttempt moves an in-progress attempt to `status`.
		// It returns ErrNotInProgress if the attempt has already ended.
		EndAttempt(ctx context.Context, id, status string, endedAt time.Time) (Attempt, error)
	}

	Option func(svc *Service)

	// Service runs one timer session per in-progress attempt.
	Service struct {
		repo   Repository
		logger core.Logger
		hub    *Hub

		clock         examtimer.Clock
		sched         examtimer.Scheduler
		syncThreshold time.Duration
		syncInterval  time.Duration

		mu       sync.Mutex
		sessions map[string]*session // by attempt ID
		closed   bool
		wg       sync.WaitGroup
	}

	session struct {
		attempt Attempt
		timer   *examtimer.Timer
	}
)

func WithClock(c examtimer.Clock) Option {
	return func(svc *Service) { svc.clock = c }
}

func WithScheduler(s examtimer.Scheduler) Option {
	return func(svc *Service) { svc.sched = s }
}

func WithHub(h *Hub) Option {
	return func(svc *Service) { svc.hub = h }
}

func NewService(repo Repository, logger core.Logger, conf core.TimerConfig, opts ...Option) *Service {
	svc := &Service{
		repo:          repo,
		logger:        logger,
		clock:         examtimer.SystemClock(),
		sched:         examtimer.NewScheduler(conf.Scheduler, conf.FrameInterval, conf.FallbackInterval),
		syncThreshold: conf.SyncThreshold,
		syncInterval:  conf.SyncInterval,
		sessions:      make(map[string]*session),
	}
	if svc.syncThreshold <= 0 {
		svc.syncThreshold = examtimer.DefaultSyncThreshold
	}
	if svc.syncInterval <= 0 {
		svc.syncInterval = 30 * time.Second
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.hub == nil {
		svc.hub = NewHub(defaultSubscriberBuffer)
	}
	return svc
}

// Begin creates an in-progress attempt and starts its timer.
func (svc *Service) Begin(ctx context.Context, userID string, na NewAttempt) (Attempt, error) {
	if svc.isClosed() {
		return Attempt{}, errClosed
	}
	testID := core.CleanString(na.TestID)
	live, err := svc.repo.QueryAttempts(ctx, QueryFilter{UserID: userID, TestID: testID, Status: StatusInProgress}, nil)
	if err != nil {
		return Attempt{}, errors.Wrap(err, "checking live attempts")
	}
	if len(live) > 0 {
		return Attempt{}, alreadyInProgressError()
	}

	now := svc.clock.Now().UTC().Truncate(time.Millisecond)
	a, err := svc.repo.CreateAttempt(ctx, Attempt{
		TestID:          testID,
		UserID:          userID,
		DurationSeconds: na.DurationSeconds,
		Status:          StatusInProgress,
		StartedAt:       now,
		Deadline:        now.Add(time.Duration(na.DurationSeconds) * time.Second),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		if err == ErrAlreadyInProgress { // lost a race with a concurrent Begin
			return Attempt{}, alreadyInProgressError()
		}
		return Attempt{}, errors.Wrap(err, "creating attempt")
	}

	if err := svc.attach(ctx, a); err != nil {
		return Attempt{}, err
	}
	return a, nil
}

// Get returns the attempt if it belongs to userID.
func (svc *Service) Get(ctx context.Context, userID, id string) (Attempt, error) {
	a, err := svc.repo.GetAttempt(ctx, id)
	if err != nil {
		return Attempt{}, err
	}
	if a.UserID != userID {
		return Attempt{}, ErrNotFound
	}
	return a, nil
}

// List returns the attempts of userID, optionally filtered by status.
func (svc *Service) List(ctx context.Context, userID, status string, ordering []core.DBOrdering) ([]Attempt, error) {
	attempts, err := svc.repo.QueryAttempts(ctx, QueryFilter{UserID: userID, Status: status}, ordering)
	if err != nil {
		return nil, errors.Wrap(err, "querying attempts")
	}
	return attempts, nil
}

func (svc *Service) Status(ctx context.Context, userID, id string) (examtimer.Status, error) {
	tmr, err := svc.timer(ctx, userID, id)
	if err != nil {
		return examtimer.Status{}, err
	}
	return tmr.Status(ctx)
}

func (svc *Service) Pause(ctx context.Context, userID, id string) (examtimer.Status, error) {
	tmr, err := svc.timer(ctx, userID, id)
	if err != nil {
		return examtimer.Status{}, err
	}
	if err := tmr.Pause(ctx); err != nil {
		return examtimer.Status{}, errors.Wrap(err, "pausing timer")
	}
	return tmr.Status(ctx)
}

func (svc *Service) Resume(ctx context.Context, userID, id string) (examtimer.Status, error) {
	tmr, err := svc.timer(ctx, userID, id)
	if err != nil {
		return examtimer.Status{}, err
	}
	if err := tmr.Resume(ctx); err != nil {
		return examtimer.Status{}, errors.Wrap(err, "resuming timer")
	}
	return tmr.Status(ctx)
}

func (svc *Service) Sync(ctx context.Context, userID, id string, p examtimer.SyncParams) (examtimer.SyncResult, error) {
	tmr, err := svc.timer(ctx, userID, id)
	if err != nil {
		return examtimer.SyncResult{}, err
	}
	return tmr.Sync(ctx, p)
}

// Handle forwards a protocol message to the timer of the attempt.
// STOP_TIMER submits the attempt, and START_TIMER restarts the session from the stored
// attempt: clients cannot choose their own duration or start time.
func (svc *Service) Handle(ctx context.Context, userID, id string, msg examtimer.Message) error {
	switch msg.Type {
	case examtimer.StopTimer:
		_, err := svc.Submit(ctx, userID, id)
		return err
	case examtimer.StartTimer:
		a, err := svc.Get(ctx, userID, id)
		if err != nil {
			return err
		}
		tmr, err := svc.timer(ctx, userID, id)
		if err != nil {
			return err
		}
		return tmr.Start(ctx, startParams(a))
	}

	tmr, err := svc.timer(ctx, userID, id)
	if err != nil {
		return err
	}
	return tmr.Handle(ctx, msg)
}

// Subscribe returns the event stream of the attempt's timer, and a func to stop listening.
func (svc *Service) Subscribe(ctx context.Context, userID, id string) (<-chan examtimer.Event, func(), error) {
	if _, err := svc.timer(ctx, userID, id); err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := svc.hub.Subscribe(id)
	return ch, unsubscribe, nil
}

// Submit stops the timer, discards the session and marks the attempt submitted,
// or expired when its deadline has passed.
func (svc *Service) Submit(ctx context.Context, userID, id string) (Attempt, error) {
	a, err := svc.Get(ctx, userID, id)
	if err != nil {
		return Attempt{}, err
	}
	if s := svc.session(id); s != nil {
		if err := s.timer.Stop(ctx); err != nil && errors.Cause(err) != examtimer.ErrClosed {
			return Attempt{}, errors.Wrap(err, "stopping timer")
		}
	}

	// late submissions do not count
	now := svc.clock.Now()
	status := StatusSubmitted
	if a.IsOverdue(now) {
		status = StatusExpired
	}

	a, err = svc.repo.EndAttempt(ctx, id, status, now.UTC())
	if err != nil {
		return Attempt{}, err
	}
	svc.detach(id)
	return a, nil
}

// Restore re-attaches a timer to every in-progress attempt, from its stored start time.
// Overdue attempts are expired instead.
func (svc *Service) Restore(ctx context.Context) (restored, expired int, err error) {
	live, err := svc.repo.QueryAttempts(ctx, QueryFilter{Status: StatusInProgress}, nil)
	if err != nil {
		return 0, 0, errors.Wrap(err, "querying live attempts")
	}

	now := svc.clock.Now()
	for _, a := range live {
		if a.IsOverdue(now) {
			if _, err := svc.repo.EndAttempt(ctx, a.ID, StatusExpired, now.UTC()); err != nil && err != ErrNotInProgress {
				return restored, expired, errors.Wrap(err, "expiring attempt")
			}
			expired++
			continue
		}
		if err := svc.attach(ctx, a); err != nil {
			return restored, expired, err
		}
		restored++
	}
	return restored, expired, nil
}

// ExpireOverdue marks every overdue in-progress attempt expired.
func (svc *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := svc.clock.Now().UTC()
	overdue, err := svc.repo.QueryAttempts(ctx, QueryFilter{Status: StatusInProgress, DeadlineBefore: now}, nil)
	if err != nil {
		return 0, errors.Wrap(err, "querying overdue attempts")
	}

	var count int
	for _, a := range overdue {
		if _, err := svc.repo.EndAttempt(ctx, a.ID, StatusExpired, now); err != nil {
			if err == ErrNotInProgress {
				continue
			}
			return count, errors.Wrap(err, "expiring attempt")
		}
		svc.detach(a.ID)
		count++
	}
	return count, nil
}

// Reconcile syncs every running timer against the remaining time derived from its
// attempt's deadline. Paused timers are left frozen.
func (svc *Service) Reconcile(ctx context.Context) {
	now := svc.clock.Now()
	for _, s := range svc.liveSessions() {
		st, err := s.timer.Status(ctx)
		if err != nil || st.Paused || st.Finished {
			continue
		}

		res, err := s.timer.Sync(ctx, examtimer.SyncParams{
			RemainingSeconds: s.attempt.RemainingSeconds(now),
			ServerTime:       now.UnixMilli(),
		})
		if err != nil {
			if errors.Cause(err) != examtimer.ErrClosed {
				svc.logger.Error(fmt.Sprintf("syncing timer: %v", err), err, map[string]interface{}{"attempt_id": s.attempt.ID})
			}
			continue
		}
		if res.Applied {
			svc.logger.Info(fmt.Sprintf("timer drift corrected by %.3fs", res.Drift), map[string]interface{}{
				"attempt_id": s.attempt.ID,
				"drift":      res.Drift,
			})
		}
	}
}

// Run reconciles the live timers every sync interval until ctx is done.
func (svc *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(svc.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.Reconcile(ctx)
		}
	}
}

// Close discards all the sessions. Timer operations then fail with a shutdown error.
func (svc *Service) Close() {
	svc.mu.Lock()
	svc.closed = true
	sessions := svc.sessions
	svc.sessions = make(map[string]*session)
	svc.mu.Unlock()

	for _, s := range sessions {
		s.timer.Close()
	}
	svc.hub.CloseAll()
	svc.wg.Wait()
}

// LiveCount returns the number of attached timer sessions.
func (svc *Service) LiveCount() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return len(svc.sessions)
}

func alreadyInProgressError() error {
	return core.NewValidationError(
		ErrAlreadyInProgress,
		core.FieldError{Field: "test_id", Error: ErrAlreadyInProgress.Error()},
	)
}

// ================================================================
// sessions

func startParams(a Attempt) examtimer.StartParams {
	start := a.StartedAt.UnixMilli()
	return examtimer.StartParams{Duration: a.DurationSeconds, StartTime: &start, TestID: a.TestID}
}

func (svc *Service) attach(ctx context.Context, a Attempt) error {
	tmr := examtimer.New(
		svc.emitter(a.ID),
		examtimer.WithClock(svc.clock),
		examtimer.WithScheduler(svc.sched),
		examtimer.WithSyncThreshold(svc.syncThreshold),
	)

	svc.mu.Lock()
	if svc.closed {
		svc.mu.Unlock()
		tmr.Close()
		return errClosed
	}
	old := svc.sessions[a.ID]
	svc.sessions[a.ID] = &session{attempt: a, timer: tmr}
	svc.mu.Unlock()
	if old != nil {
		old.timer.Close()
	}

	if err := tmr.Start(ctx, startParams(a)); err != nil {
		svc.detach(a.ID)
		return errors.Wrap(err, "starting timer")
	}
	return nil
}

func (svc *Service) detach(id string) {
	svc.mu.Lock()
	s := svc.sessions[id]
	delete(svc.sessions, id)
	svc.mu.Unlock()

	if s != nil {
		s.timer.Close()
	}
	svc.hub.Close(id)
}

func (svc *Service) isClosed() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.closed
}

func (svc *Service) session(id string) *session {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.sessions[id]
}

func (svc *Service) liveSessions() []*session {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	sessions := make([]*session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// timer returns the timer of an in-progress attempt owned by userID.
// In-progress attempts without a session (eg. started by another instance) get one attached.
func (svc *Service) timer(ctx context.Context, userID, id string) (*examtimer.Timer, error) {
	a, err := svc.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !a.IsInProgress() {
		return nil, ErrNotInProgress
	}
	if svc.isClosed() {
		return nil, errClosed
	}
	if s := svc.session(id); s != nil {
		return s.timer, nil
	}

	if err := svc.attach(ctx, a); err != nil {
		return nil, err
	}
	if s := svc.session(id); s != nil {
		return s.timer, nil
	}
	return nil, ErrNotInProgress // finished while attaching
}

func (svc *Service) emitter(id string) examtimer.Emitter {
	return examtimer.EmitterFunc(func(evt examtimer.Event) {
		svc.hub.Publish(id, evt)
		if evt.Type == examtimer.TimerFinished {
			svc.wg.Add(1)
			go func() {
				defer svc.wg.Done()
				svc.expire(id)
			}()
		}
	})
}

// expire runs outside of the timer loop since it closes the timer.
func (svc *Service) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()

	if _, err := svc.repo.EndAttempt(ctx, id, StatusExpired, svc.clock.Now().UTC()); err != nil && err != ErrNotInProgress {
		svc.logger.Error(fmt.Sprintf("expiring attempt: %v", err), err, map[string]interface{}{"attempt_id": id})
	}
	svc.detach(id)
}
