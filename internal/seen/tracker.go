// Package seen tracks which records are still flagged unread for a user.
// A flag is cleared only when the user acknowledges it.
package seen

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/thebtf/shiftwatch/internal/kvstore"
)

// Key returns the store key holding userID's unread ids.
func Key(userID string) string {
	return "user/" + userID + "/unread"
}

// Tracker is the persisted unread set. Every mutation is written through
// before it returns.
type Tracker struct {
	kv  kvstore.Store
	ids map[string]struct{}
	log zerolog.Logger
	key string
	mu  sync.RWMutex
}

// Load reads userID's unread set.
func Load(ctx context.Context, kv kvstore.Store, userID string, logger zerolog.Logger) (*Tracker, error) {
	t := &Tracker{
		kv:  kv,
		ids: make(map[string]struct{}),
		key: Key(userID),
		log: logger.With().Str("component", "seen").Str("user", userID).Logger(),
	}
	var stored []string
	if _, err := kvstore.GetJSON(ctx, kv, t.key, &stored); err != nil {
		return nil, fmt.Errorf("load unread set: %w", err)
	}
	for _, id := range stored {
		t.ids[id] = struct{}{}
	}
	return t, nil
}

// MarkNew flags ids as unread and returns the ones that were not already
// flagged. Callers pass only ids that passed the relevance filter.
func (t *Tracker) MarkNew(ctx context.Context, ids []string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []string
	for _, id := range ids {
		if _, ok := t.ids[id]; ok {
			continue
		}
		t.ids[id] = struct{}{}
		added = append(added, id)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := t.persistLocked(ctx); err != nil {
		for _, id := range added {
			delete(t.ids, id)
		}
		return nil, err
	}
	return added, nil
}

// Acknowledge clears one flag. Unknown ids are a no-op. It reports whether
// the id was flagged.
func (t *Tracker) Acknowledge(ctx context.Context, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[id]; !ok {
		return false, nil
	}
	delete(t.ids, id)
	if err := t.persistLocked(ctx); err != nil {
		t.ids[id] = struct{}{}
		return false, err
	}
	return true, nil
}

// AcknowledgeAll clears every flag and returns how many were cleared.
func (t *Tracker) AcknowledgeAll(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.ids)
	if n == 0 {
		return 0, nil
	}
	prev := t.ids
	t.ids = make(map[string]struct{})
	if err := t.persistLocked(ctx); err != nil {
		t.ids = prev
		return 0, err
	}
	return n, nil
}

// Clear forgets the set, including its persisted copy. Used on logout.
func (t *Tracker) Clear(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.kv.Remove(ctx, t.key); err != nil {
		return fmt.Errorf("remove unread set: %w", err)
	}
	t.ids = make(map[string]struct{})
	return nil
}

// IsUnread reports whether id is flagged.
func (t *Tracker) IsUnread(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

// Count returns the number of flagged ids.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ids)
}

// Unread returns the flagged ids, numerically ascending where possible.
func (t *Tracker) Unread() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedIDs(t.ids)
}

func (t *Tracker) persistLocked(ctx context.Context) error {
	if err := kvstore.SetJSON(ctx, t.kv, t.key, sortedIDs(t.ids)); err != nil {
		t.log.Error().Err(err).Msg("Failed to persist unread set")
		return fmt.Errorf("persist unread set: %w", err)
	}
	return nil
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		a, aerr := strconv.ParseInt(out[i], 10, 64)
		b, berr := strconv.ParseInt(out[j], 10, 64)
		if aerr == nil && berr == nil {
			return a < b
		}
		if (aerr == nil) != (berr == nil) {
			return aerr == nil
		}
		return out[i] < out[j]
	})
	return out
}
