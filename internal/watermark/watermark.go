// Package watermark holds the per-user "last seen record id" and reconciles
// it with the value persisted on the server.
package watermark

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/thebtf/shiftwatch/internal/kvstore"
)

// Merge returns the larger of two watermarks. The server can only move a
// watermark forward.
func Merge(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Store is the client copy of a user's watermark. It never moves backwards
// while the process runs, except through Reset.
type Store struct {
	kv      kvstore.Store
	log     zerolog.Logger
	key     string
	userID  string
	current int64
	known   bool
	mu      sync.RWMutex
}

// Key returns the store key holding userID's watermark.
func Key(userID string) string {
	return "user/" + userID + "/last_seen_id"
}

// Load reads the persisted watermark of userID. A missing value leaves the
// store unknown, which marks a first login.
func Load(ctx context.Context, kv kvstore.Store, userID string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		kv:     kv,
		key:    Key(userID),
		userID: userID,
		log:    logger.With().Str("component", "watermark").Str("user", userID).Logger(),
	}
	raw, ok, err := kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	if ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.log.Warn().Str("value", raw).Msg("Ignoring unreadable watermark")
		} else {
			s.current = n
			s.known = true
		}
	}
	return s, nil
}

// Current returns the effective watermark.
func (s *Store) Current() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Known reports whether a watermark has ever been set for the user.
func (s *Store) Known() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.known
}

// UserID returns the owner of the watermark.
func (s *Store) UserID() string {
	return s.userID
}

// Merge folds a server value in and returns the effective watermark.
func (s *Store) Merge(ctx context.Context, server int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := server
	if s.known {
		next = Merge(s.current, server)
	}
	if s.known && next == s.current {
		if server < s.current {
			s.log.Debug().Int64("server", server).Int64("local", s.current).Msg("Server watermark behind local, keeping local")
		}
		return s.current, nil
	}
	if err := s.persistLocked(ctx, next); err != nil {
		return s.current, err
	}
	s.current = next
	s.known = true
	return next, nil
}

// AdvanceTo moves the watermark to n. A value not above the current one is
// ignored and reports false.
func (s *Store) AdvanceTo(ctx context.Context, n int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known && n <= s.current {
		return false, nil
	}
	if err := s.persistLocked(ctx, n); err != nil {
		return false, err
	}
	s.current = n
	s.known = true
	return true, nil
}

// Reset forgets the watermark, in memory and on disk.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Remove(ctx, s.key); err != nil {
		return fmt.Errorf("remove watermark: %w", err)
	}
	s.current = 0
	s.known = false
	return nil
}

func (s *Store) persistLocked(ctx context.Context, n int64) error {
	if err := s.kv.Set(ctx, s.key, strconv.FormatInt(n, 10)); err != nil {
		return fmt.Errorf("persist watermark: %w", err)
	}
	return nil
}
