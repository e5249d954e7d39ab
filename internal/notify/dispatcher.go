// Package notify raises the toast, desktop notification and sound for a
// batch of newly detected records.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/shiftwatch/internal/privacy"
	"github.com/thebtf/shiftwatch/pkg/models"
)

// Permission is the platform's desktop notification permission.
type Permission string

const (
	PermissionGranted      Permission = "granted"
	PermissionDenied       Permission = "denied"
	PermissionUndetermined Permission = "default"
)

// ParsePermission maps a stored value to a Permission. Unknown values are
// undetermined.
func ParsePermission(s string) Permission {
	switch Permission(strings.ToLower(strings.TrimSpace(s))) {
	case PermissionGranted:
		return PermissionGranted
	case PermissionDenied:
		return PermissionDenied
	}
	return PermissionUndetermined
}

// Level of a toast.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Toast is an in-app message.
type Toast struct {
	At        time.Time `json:"at"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Level     Level     `json:"level"`
	Trigger   string    `json:"trigger,omitempty"`
	RecordIDs []int64   `json:"record_ids,omitempty"`
}

// Toaster shows in-app toasts.
type Toaster interface {
	Toast(ctx context.Context, t Toast)
}

// DesktopNotifier raises OS-level notifications.
type DesktopNotifier interface {
	Permission() Permission
	Notify(title, body string) error
}

// SoundPlayer plays the alert sound. Prime performs the silent playback
// that unlocks audio.
type SoundPlayer interface {
	Play() error
	Prime() error
}

// AreaNamer resolves an area code to its display name.
type AreaNamer interface {
	AreaName(code string) string
}

// Batch is one set of new relevant records from a single poll.
type Batch struct {
	Trigger string
	Records []models.Record
}

// Outcome reports what a Dispatch call raised.
type Outcome struct {
	Toast       bool
	Desktop     bool
	Sound       bool
	SoundQueued bool
}

// DefaultTitle heads every new-records notification.
const DefaultTitle = "New shift changes detected"

// Dispatcher raises at most one toast, one desktop notification and one
// sound per batch.
type Dispatcher struct {
	toaster      Toaster
	desktop      DesktopNotifier
	sound        SoundPlayer
	areas        AreaNamer
	now          func() time.Time
	logger       zerolog.Logger
	pendingSound int
	mu           sync.Mutex
	muted        bool
	unlocked     bool
}

// NewDispatcher creates a dispatcher. desktop and sound may be nil.
func NewDispatcher(toaster Toaster, desktop DesktopNotifier, sound SoundPlayer, areas AreaNamer, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		toaster: toaster,
		desktop: desktop,
		sound:   sound,
		areas:   areas,
		now:     time.Now,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// Dispatch notifies about batch. An empty batch is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, batch Batch) Outcome {
	var out Outcome
	if len(batch.Records) == 0 {
		return out
	}

	title := DefaultTitle
	body := d.summarize(batch.Records)

	if d.toaster != nil {
		d.toaster.Toast(ctx, Toast{
			At:        d.now(),
			Title:     title,
			Body:      body,
			Level:     LevelInfo,
			Trigger:   batch.Trigger,
			RecordIDs: models.IDs(batch.Records),
		})
		out.Toast = true
	}

	if d.desktop != nil && d.desktop.Permission() == PermissionGranted {
		if err := d.desktop.Notify(title, body); err != nil {
			d.logger.Warn().Err(err).Msg("Desktop notification failed")
		} else {
			out.Desktop = true
		}
	}

	out.Sound, out.SoundQueued = d.playOrQueue()

	d.logger.Info().
		Int("count", len(batch.Records)).
		Str("trigger", batch.Trigger).
		Bool("desktop", out.Desktop).
		Bool("sound", out.Sound).
		Bool("sound_queued", out.SoundQueued).
		Msg("Dispatched new records")
	return out
}

// Error shows a failure toast. Used for user-initiated actions only.
func (d *Dispatcher) Error(ctx context.Context, title string, err error) {
	if d.toaster == nil || err == nil {
		return
	}
	d.toaster.Toast(ctx, Toast{At: d.now(), Title: title, Body: privacy.Redact(err.Error()), Level: LevelError})
}

// Info shows a plain informational toast.
func (d *Dispatcher) Info(ctx context.Context, title, body string) {
	if d.toaster == nil {
		return
	}
	d.toaster.Toast(ctx, Toast{At: d.now(), Title: title, Body: body, Level: LevelInfo})
}

// SetMuted changes the mute preference. Muting drops a queued sound.
func (d *Dispatcher) SetMuted(muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = muted
	if muted {
		d.pendingSound = 0
	}
}

// Muted reports the mute preference.
func (d *Dispatcher) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

// Unlocked reports whether audio has been unlocked in this session.
func (d *Dispatcher) Unlocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unlocked
}

// Unlock performs the silent priming playback on the first user
// interaction, then plays a sound queued before unlock, once. Later calls
// are no-ops.
func (d *Dispatcher) Unlock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unlocked {
		return nil
	}
	if d.sound != nil {
		if err := d.sound.Prime(); err != nil {
			return fmt.Errorf("prime audio: %w", err)
		}
	}
	d.unlocked = true

	queued := d.pendingSound
	d.pendingSound = 0
	if queued > 0 && !d.muted && d.sound != nil {
		if err := d.sound.Play(); err != nil {
			d.logger.Warn().Err(err).Msg("Queued sound failed")
		} else {
			d.logger.Debug().Int("batches", queued).Msg("Played queued sound after unlock")
		}
	}
	return nil
}

// PendingSound reports how many batches are waiting for audio unlock.
func (d *Dispatcher) PendingSound() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingSound
}

func (d *Dispatcher) playOrQueue() (played, queued bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.muted || d.sound == nil {
		return false, false
	}
	if !d.unlocked {
		d.pendingSound++
		return false, true
	}
	if err := d.sound.Play(); err != nil {
		d.logger.Warn().Err(err).Msg("Sound failed")
		return false, false
	}
	return true, false
}

// summarize renders the batch as "N new shift changes detected." followed
// by one "[Area] No.<id>, <worker>" line per record.
func (d *Dispatcher) summarize(records []models.Record) string {
	var b strings.Builder
	if len(records) == 1 {
		b.WriteString("1 new shift change detected.")
	} else {
		fmt.Fprintf(&b, "%d new shift changes detected.", len(records))
	}
	for _, r := range records {
		b.WriteByte('\n')
		b.WriteString(FormatRecord(r, d.areas))
	}
	return b.String()
}

// FormatRecord renders one record line.
func FormatRecord(r models.Record, areas AreaNamer) string {
	name := r.AreaCode
	if areas != nil {
		name = areas.AreaName(r.AreaCode)
	}
	if name == "" {
		name = "-"
	}
	worker := r.Field(models.FieldNewWorker)
	if worker == "" {
		worker = "-"
	}
	return fmt.Sprintf("[%s] No.%d, %s", name, r.ID, worker)
}
