// Package serversync pushes the locally known watermark back to the data
// source after each successful poll. Pushes are best-effort: failures are
// logged and never retried within the same cycle.
package serversync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/thebtf/shiftwatch/internal/datasource"
)

// Pusher sends a watermark to the server.
type Pusher interface {
	Push(ctx context.Context, userID string, lastSeenID int64) (datasource.Ack, error)
}

// Starter runs a named background task.
type Starter interface {
	Go(name string, fn func(ctx context.Context) error) error
}

// PushRecorder counts push outcomes.
type PushRecorder interface {
	WatermarkPush(ctx context.Context, ok bool)
}

// Syncer coalesces watermark pushes per user: while one push is running,
// later values collapse into a single follow-up push of the highest one.
type Syncer struct {
	pusher   Pusher
	runner   Starter
	metrics  PushRecorder
	logger   zerolog.Logger
	inflight map[string]bool
	pending  map[string]int64
	mu       sync.Mutex
}

// New creates a Syncer. metrics may be nil.
func New(pusher Pusher, runner Starter, metrics PushRecorder, logger zerolog.Logger) *Syncer {
	return &Syncer{
		pusher:   pusher,
		runner:   runner,
		metrics:  metrics,
		logger:   logger.With().Str("component", "serversync").Logger(),
		inflight: make(map[string]bool),
		pending:  make(map[string]int64),
	}
}

// SyncWatermark schedules a push of localMax for userID and returns
// immediately.
func (s *Syncer) SyncWatermark(userID string, localMax int64) {
	if userID == "" || localMax <= 0 {
		return
	}
	s.mu.Lock()
	if s.inflight[userID] {
		if localMax > s.pending[userID] {
			s.pending[userID] = localMax
		}
		s.mu.Unlock()
		return
	}
	s.inflight[userID] = true
	s.mu.Unlock()

	s.start(userID, localMax)
}

// Pending reports whether a push for userID is running or queued.
func (s *Syncer) Pending(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[userID]
}

func (s *Syncer) start(userID string, value int64) {
	err := s.runner.Go("watermark-push", func(ctx context.Context) error {
		defer s.next(userID)
		return s.push(ctx, userID, value)
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("user", userID).Msg("Watermark push not started")
		s.mu.Lock()
		delete(s.inflight, userID)
		delete(s.pending, userID)
		s.mu.Unlock()
	}
}

func (s *Syncer) push(ctx context.Context, userID string, value int64) error {
	ack, err := s.pusher.Push(ctx, userID, value)
	if s.metrics != nil {
		s.metrics.WatermarkPush(context.Background(), err == nil)
	}
	if err != nil {
		return err
	}
	s.logger.Debug().Str("user", userID).Int64("last_seen_id", value).Str("message", ack.Message).Msg("Watermark pushed")
	return nil
}

func (s *Syncer) next(userID string) {
	s.mu.Lock()
	value, ok := s.pending[userID]
	delete(s.pending, userID)
	if !ok {
		delete(s.inflight, userID)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.start(userID, value)
}
