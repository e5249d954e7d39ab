package monitor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/thebtf/shiftwatch/internal/notify"
	"github.com/thebtf/shiftwatch/pkg/models"
)

// RecordView is a record as the dashboard shows it.
type RecordView struct {
	models.Record
	AreaName string             `json:"area_name"`
	Tags     []models.StatusTag `json:"tags"`
	Unread   bool               `json:"unread"`
	Relevant bool               `json:"relevant"`
}

// RecordQuery narrows Records. Zero values match everything.
type RecordQuery struct {
	Area         string
	Tag          models.StatusTag
	UnreadOnly   bool
	RelevantOnly bool
}

// RecordsEvent is published after every successful poll and acknowledgment.
type RecordsEvent struct {
	Total   int     `json:"total"`
	Unread  int     `json:"unread"`
	Flagged []int64 `json:"flagged,omitempty"`
}

// StateView summarises the monitor for the dashboard.
type StateView struct {
	FetchedAt      time.Time           `json:"fetched_at,omitzero"`
	User           *models.UserProfile `json:"user,omitempty"`
	Permission     notify.Permission   `json:"notification_permission"`
	Endpoint       string              `json:"endpoint"`
	Poll           models.PollState    `json:"poll"`
	Watermark      int64               `json:"last_seen_id"`
	Unread         int                 `json:"unread"`
	Total          int                 `json:"total"`
	WatermarkKnown bool                `json:"last_seen_id_known"`
	Stale          bool                `json:"stale"`
	Muted          bool                `json:"sound_muted"`
	AudioUnlocked  bool                `json:"audio_unlocked"`
}

// Records returns the last fetched records, newest first.
func (m *Monitor) Records(q RecordQuery) []RecordView {
	m.mu.RLock()
	records := m.records
	sess := m.sess
	m.mu.RUnlock()

	out := make([]RecordView, 0, len(records))
	for _, r := range records {
		v := RecordView{
			Record:   r,
			AreaName: m.deps.Catalog.AreaName(r.AreaCode),
			Tags:     r.StatusTags(),
		}
		if sess != nil {
			v.Unread = sess.unread.IsUnread(r.Key())
			v.Relevant = sess.filter.IsRelevant(r)
		}
		if q.Area != "" && r.AreaCode != q.Area {
			continue
		}
		if q.Tag != "" && !r.HasTag(q.Tag) {
			continue
		}
		if q.UnreadOnly && !v.Unread {
			continue
		}
		if q.RelevantOnly && !v.Relevant {
			continue
		}
		out = append(out, v)
	}
	return out
}

// State returns the current state.
func (m *Monitor) State() StateView {
	m.mu.RLock()
	sess := m.sess
	v := StateView{
		FetchedAt: m.fetchedAt,
		Total:     len(m.records),
		Stale:     m.stale,
	}
	sched := m.sched
	m.mu.RUnlock()

	v.Endpoint = m.deps.Source.Endpoint()
	v.Muted = m.deps.Notifier.Muted()
	v.AudioUnlocked = m.deps.Notifier.Unlocked()
	v.Permission = notify.PermissionUndetermined
	if m.deps.Desktop != nil {
		v.Permission = m.deps.Desktop.Permission()
	}
	if sched != nil {
		v.Poll = sched.Snapshot()
	}
	if sess != nil {
		user := sess.user
		v.User = &user
		v.Watermark = sess.wm.Current()
		v.WatermarkKnown = sess.wm.Known()
		v.Unread = sess.unread.Count()
	}
	return v
}

// Acknowledge clears the unread flag of one record. Unknown ids are a no-op.
func (m *Monitor) Acknowledge(ctx context.Context, id int64) (bool, error) {
	sess := m.session()
	if sess == nil {
		return false, ErrNotLoggedIn
	}
	removed, err := sess.unread.Acknowledge(ctx, strconv.FormatInt(id, 10))
	if err != nil {
		return false, err
	}
	if removed {
		m.publishRecords(sess)
	}
	return removed, nil
}

// AcknowledgeAll clears every unread flag and returns how many were cleared.
func (m *Monitor) AcknowledgeAll(ctx context.Context) (int, error) {
	sess := m.session()
	if sess == nil {
		return 0, ErrNotLoggedIn
	}
	n, err := sess.unread.AcknowledgeAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.publishRecords(sess)
	}
	return n, nil
}

// Pause holds the poll timer while a blocking UI condition is active.
func (m *Monitor) Pause(reason string) error {
	if !validReason(reason) {
		return fmt.Errorf("%w: %q", ErrUnknownReason, reason)
	}
	if sched := m.scheduler(); sched != nil {
		sched.Pause(reason)
	}
	m.publishState()
	return nil
}

// Resume clears a blocking UI condition.
func (m *Monitor) Resume(reason string) error {
	if !validReason(reason) {
		return fmt.Errorf("%w: %q", ErrUnknownReason, reason)
	}
	if sched := m.scheduler(); sched != nil {
		sched.Resume(reason)
	}
	m.publishState()
	return nil
}

// SetInterval changes the poll interval and persists it. It applies from
// the next reschedule.
func (m *Monitor) SetInterval(ctx context.Context, minutes int) error {
	if sched := m.scheduler(); sched != nil {
		if err := sched.SetInterval(time.Duration(minutes) * time.Minute); err != nil {
			return err
		}
	}
	if err := m.deps.Store.Set(ctx, KeyPollInterval, strconv.Itoa(minutes)); err != nil {
		return fmt.Errorf("persist poll interval: %w", err)
	}
	m.publishState()
	return nil
}

// SetMuted changes the sound preference and persists it.
func (m *Monitor) SetMuted(ctx context.Context, muted bool) error {
	m.deps.Notifier.SetMuted(muted)
	if err := m.deps.Store.Set(ctx, KeySoundMuted, strconv.FormatBool(muted)); err != nil {
		return fmt.Errorf("persist mute setting: %w", err)
	}
	m.publishState()
	return nil
}

// SetPermission records the platform notification permission.
func (m *Monitor) SetPermission(ctx context.Context, p notify.Permission) error {
	if m.deps.Desktop != nil {
		m.deps.Desktop.SetPermission(p)
	}
	if err := m.deps.Store.Set(ctx, KeyPermission, string(p)); err != nil {
		return fmt.Errorf("persist notification permission: %w", err)
	}
	m.publishState()
	return nil
}

// UnlockAudio handles the first user interaction of the session.
func (m *Monitor) UnlockAudio() error {
	if err := m.deps.Notifier.Unlock(); err != nil {
		return err
	}
	m.publishState()
	return nil
}

func (m *Monitor) publishRecords(sess *session) {
	m.mu.RLock()
	total := len(m.records)
	m.mu.RUnlock()
	m.publish(EventRecords, RecordsEvent{Total: total, Unread: sess.unread.Count()})
}

func validReason(reason string) bool {
	switch reason {
	case ReasonModal, ReasonExpanded, ReasonPassword:
		return true
	}
	return false
}
