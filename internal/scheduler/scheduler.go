// Package scheduler owns the single repeating poll timer: interval, pause
// and resume around blocking UI states, and manual refresh.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/thebtf/shiftwatch/pkg/models"
)

// State is the scheduler's position in its state machine.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateInFlight  State = "in_flight"
	StatePaused    State = "paused"
)

// Trigger says why a poll runs.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// PollFunc performs one poll.
type PollFunc func(ctx context.Context, trigger Trigger) error

var (
	// ErrInvalidInterval is returned by SetInterval for values outside the allowed set.
	ErrInvalidInterval = errors.New("interval not allowed")
	// ErrStopped is returned by RefreshNow after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// AllowedIntervals are the poll intervals a user may choose.
var AllowedIntervals = []time.Duration{
	1 * time.Minute,
	3 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// Config contains the poll cadence.
type Config struct {
	// Interval between the end of one poll and the start of the next.
	Interval time.Duration
	// Jitter is the upper bound of a random delay added to each interval.
	Jitter time.Duration
	// Allowed restricts SetInterval. Defaults to AllowedIntervals.
	Allowed []time.Duration
}

// DefaultConfig returns a five minute cadence with up to a minute of jitter.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Jitter:   time.Minute,
		Allowed:  AllowedIntervals,
	}
}

// Scheduler runs PollFunc on a timer. At most one poll is in flight at a
// time: scheduled fires and manual refreshes are serialized by pollMu, and
// a fire whose generation is stale is dropped.
type Scheduler struct {
	nextFireAt   time.Time
	lastPollAt   time.Time
	ctx          context.Context
	lastErr      error
	clock        quartz.Clock
	timer        *quartz.Timer
	poll         PollFunc
	pauseReasons map[string]struct{}
	stopCh       chan struct{}
	jitterFn     func(max time.Duration) time.Duration
	logger       zerolog.Logger
	allowed      []time.Duration
	state        State
	wg           sync.WaitGroup
	gen          uint64
	interval     time.Duration
	jitter       time.Duration
	remaining    time.Duration
	pollMu       sync.Mutex
	mu           sync.Mutex
	started      bool
	stopped      bool
}

// New creates an idle scheduler. A nil clock uses the real clock.
func New(cfg Config, poll PollFunc, clock quartz.Clock, logger zerolog.Logger) (*Scheduler, error) {
	if poll == nil {
		return nil, errors.New("scheduler: poll func is required")
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if len(cfg.Allowed) == 0 {
		cfg.Allowed = AllowedIntervals
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if !slices.Contains(cfg.Allowed, cfg.Interval) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, cfg.Interval)
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Scheduler{
		clock:        clock,
		poll:         poll,
		interval:     cfg.Interval,
		jitter:       cfg.Jitter,
		allowed:      slices.Clone(cfg.Allowed),
		pauseReasons: make(map[string]struct{}),
		stopCh:       make(chan struct{}),
		jitterFn:     randomJitter,
		state:        StateIdle,
		logger:       logger.With().Str("component", "poll-scheduler").Logger(),
	}, nil
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}

// Start arms the first fire one interval from now. Polls run with ctx;
// cancelling it stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	d := s.nextDelayLocked()
	if len(s.pauseReasons) > 0 {
		s.state = StatePaused
		s.remaining = d
	} else {
		s.armLocked(d)
	}
	s.mu.Unlock()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("jitter", s.jitter).
		Msg("Poll scheduler started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopCh:
		}
	}()
}

// Stop cancels the pending timer and waits for an in-flight poll to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	s.stopTimerLocked()
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	s.logger.Info().Msg("Poll scheduler stopped")
}

// Pause records a blocking condition. A scheduled fire is cancelled and its
// remaining time kept; an in-flight poll is left to complete.
func (s *Scheduler) Pause(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, already := s.pauseReasons[reason]
	s.pauseReasons[reason] = struct{}{}
	if already || s.state != StateScheduled {
		return
	}

	remaining := s.nextFireAt.Sub(s.clock.Now("Scheduler", "pause"))
	if remaining < 0 {
		remaining = 0
	}
	s.stopTimerLocked()
	s.remaining = remaining
	s.nextFireAt = time.Time{}
	s.state = StatePaused
	s.logger.Debug().Str("reason", reason).Dur("remaining", remaining).Msg("Polling paused")
}

// Resume clears a blocking condition. When none remain, the fire is
// rescheduled with the time that was left at pause.
func (s *Scheduler) Resume(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pauseReasons[reason]; !ok {
		return
	}
	delete(s.pauseReasons, reason)
	if len(s.pauseReasons) > 0 || s.state != StatePaused || s.stopped {
		return
	}
	s.logger.Debug().Str("reason", reason).Dur("remaining", s.remaining).Msg("Polling resumed")
	s.armLocked(s.remaining)
}

// RefreshNow polls immediately, waiting for an in-flight poll first, and
// then restarts the cadence with a full interval. The poll error is returned.
func (s *Scheduler) RefreshNow(ctx context.Context) error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.stopTimerLocked()
	s.state = StateInFlight
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	err := s.runPoll(ctx, TriggerManual)
	s.afterPoll(err)
	return err
}

// SetInterval changes the interval. It applies from the next reschedule;
// a pending fire and an in-flight poll are not touched.
func (s *Scheduler) SetInterval(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.allowed, d) {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, d)
	}
	if d != s.interval {
		s.logger.Info().Dur("from", s.interval).Dur("to", d).Msg("Poll interval changed")
	}
	s.interval = d
	return nil
}

// Interval returns the configured interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Countdown returns the time until the next fire, or the time that will be
// left when resumed. It is zero while idle or in flight.
func (s *Scheduler) Countdown() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateScheduled:
		return max(s.nextFireAt.Sub(s.clock.Now("Scheduler", "countdown")), 0)
	case StatePaused:
		return s.remaining
	}
	return 0
}

// Snapshot returns the scheduler state for display.
func (s *Scheduler) Snapshot() models.PollState {
	s.mu.Lock()
	defer s.mu.Unlock()

	reasons := make([]string, 0, len(s.pauseReasons))
	for r := range s.pauseReasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	ps := models.PollState{
		State:        string(s.state),
		IntervalMs:   s.interval.Milliseconds(),
		Paused:       s.state == StatePaused,
		PauseReasons: reasons,
		LastPollAt:   s.lastPollAt,
	}
	if s.state == StateScheduled {
		ps.NextFireAt = s.nextFireAt
	}
	if s.state == StatePaused {
		ps.RemainingMs = s.remaining.Milliseconds()
	}
	if s.lastErr != nil {
		ps.LastError = s.lastErr.Error()
	}
	return ps
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.gen || s.state != StateScheduled {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	s.mu.Lock()
	// A manual refresh or pause may have run while waiting for pollMu.
	if s.stopped || gen != s.gen || s.state != StateScheduled {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.state = StateInFlight
	ctx := s.ctx
	s.mu.Unlock()

	err := s.runPoll(ctx, TriggerScheduled)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Scheduled poll failed")
	}
	s.afterPoll(err)
}

func (s *Scheduler) runPoll(ctx context.Context, trigger Trigger) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panicked: %v", r)
			s.logger.Error().Interface("panic", r).Str("trigger", string(trigger)).Msg("Poll panicked")
		}
	}()
	start := s.clock.Now("Scheduler", "poll")
	err = s.poll(ctx, trigger)
	s.logger.Debug().
		Str("trigger", string(trigger)).
		Dur("elapsed", s.clock.Since(start, "Scheduler", "poll")).
		Err(err).
		Msg("Poll complete")
	return err
}

// afterPoll returns to Scheduled with a full interval, or to Paused with a
// full interval remaining when a blocking condition arrived mid-flight.
func (s *Scheduler) afterPoll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPollAt = s.clock.Now("Scheduler", "after")
	s.lastErr = err
	if s.stopped || !s.started {
		s.state = StateIdle
		return
	}
	d := s.nextDelayLocked()
	if len(s.pauseReasons) > 0 {
		s.state = StatePaused
		s.remaining = d
		s.nextFireAt = time.Time{}
		return
	}
	s.armLocked(d)
}

func (s *Scheduler) nextDelayLocked() time.Duration {
	return s.interval + s.jitterFn(s.jitter)
}

// armLocked replaces any pending timer with one firing after d.
func (s *Scheduler) armLocked(d time.Duration) {
	s.stopTimerLocked()
	gen := s.gen
	s.nextFireAt = s.clock.Now("Scheduler", "arm").Add(d)
	s.remaining = 0
	s.state = StateScheduled
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen) }, "Scheduler", "fire")
}

// stopTimerLocked cancels the pending timer and invalidates its fire.
func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}
