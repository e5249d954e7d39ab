// Package monitor wires the polling core together: fetch, watermark
// reconciliation, diffing, relevance, unread tracking, notification and
// the watermark push back to the server.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/thebtf/shiftwatch/internal/datasource"
	"github.com/thebtf/shiftwatch/internal/diff"
	"github.com/thebtf/shiftwatch/internal/kvstore"
	"github.com/thebtf/shiftwatch/internal/metrics"
	"github.com/thebtf/shiftwatch/internal/notify"
	"github.com/thebtf/shiftwatch/internal/relevance"
	"github.com/thebtf/shiftwatch/internal/scheduler"
	"github.com/thebtf/shiftwatch/internal/seen"
	"github.com/thebtf/shiftwatch/internal/watermark"
	"github.com/thebtf/shiftwatch/pkg/models"
)

// Events published to dashboard subscribers.
const (
	EventRecords = "records"
	EventState   = "state"
)

// TriggerInitial marks the poll run at startup or login.
const TriggerInitial = "initial"

// Pause reasons accepted from the dashboard.
const (
	ReasonModal    = "modal"
	ReasonExpanded = "expanded"
	ReasonPassword = "password"
	reasonLogout   = "logout"
)

// Persisted settings keys.
const (
	KeyPollInterval = "settings/poll_interval_minutes"
	KeySoundMuted   = "settings/sound_muted"
	KeyPermission   = "settings/notification_permission"
)

var (
	// ErrNotLoggedIn is returned by operations that need a user.
	ErrNotLoggedIn = errors.New("no user logged in")
	// ErrUnknownReason is returned for pause reasons other than the known ones.
	ErrUnknownReason = errors.New("unknown pause reason")
)

// Source is the data source client.
type Source interface {
	FetchAll(ctx context.Context, force bool) (datasource.Snapshot, error)
	UpdateRecord(ctx context.Context, u models.RecordUpdate) (datasource.Ack, error)
	SetUserID(id string)
	Endpoint() string
}

// Notifier raises user-visible notifications.
type Notifier interface {
	Dispatch(ctx context.Context, batch notify.Batch) notify.Outcome
	Error(ctx context.Context, title string, err error)
	Info(ctx context.Context, title, body string)
	SetMuted(muted bool)
	Muted() bool
	Unlock() error
	Unlocked() bool
}

// PermissionHolder stores the desktop notification permission.
type PermissionHolder interface {
	Permission() notify.Permission
	SetPermission(p notify.Permission)
}

// WatermarkSyncer pushes the watermark to the server in the background.
type WatermarkSyncer interface {
	SyncWatermark(userID string, localMax int64)
}

// Poller is the poll scheduler.
type Poller interface {
	RefreshNow(ctx context.Context) error
	SetInterval(d time.Duration) error
	Pause(reason string)
	Resume(reason string)
	Snapshot() models.PollState
}

// Publisher fans events out to dashboard clients.
type Publisher interface {
	Publish(event string, data any)
}

// Deps are the collaborators of a Monitor. Desktop, Syncer, Events and
// Metrics are optional.
type Deps struct {
	Source   Source
	Store    kvstore.Store
	Notifier Notifier
	Desktop  PermissionHolder
	Syncer   WatermarkSyncer
	Events   Publisher
	Metrics  *metrics.Recorder
	Clock    quartz.Clock
	Catalog  relevance.Catalog
}

// session is the per-user state. It is replaced on login and cleared on logout.
type session struct {
	user   models.UserProfile
	filter *relevance.Filter
	wm     *watermark.Store
	unread *seen.Tracker
}

// Monitor runs polls and answers dashboard queries.
type Monitor struct {
	fetchedAt time.Time
	deps      Deps
	clock     quartz.Clock
	sched     Poller
	sess      *session
	logger    zerolog.Logger
	records   []models.Record
	opMu      sync.Mutex
	mu        sync.RWMutex
	stale     bool
}

// New creates a Monitor and logs user in when user.ID is set.
func New(ctx context.Context, deps Deps, user models.UserProfile, logger zerolog.Logger) (*Monitor, error) {
	if deps.Source == nil || deps.Store == nil || deps.Notifier == nil {
		return nil, errors.New("monitor: source, store and notifier are required")
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Catalog.Areas == nil {
		deps.Catalog = relevance.DefaultCatalog()
	}
	m := &Monitor{
		deps:   deps,
		clock:  deps.Clock,
		logger: logger.With().Str("component", "monitor").Logger(),
	}
	if user.ID != "" {
		if err := m.login(ctx, user); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Attach connects the scheduler. It must be called before Refresh, Pause,
// Resume or SetInterval.
func (m *Monitor) Attach(p Poller) {
	m.mu.Lock()
	m.sched = p
	m.mu.Unlock()
}

// RestoreSettings applies the persisted interval, mute and permission.
func (m *Monitor) RestoreSettings(ctx context.Context) error {
	kv := m.deps.Store
	if raw, ok, err := kv.Get(ctx, KeyPollInterval); err != nil {
		return fmt.Errorf("load poll interval: %w", err)
	} else if ok {
		minutes, perr := strconv.Atoi(raw)
		if perr == nil {
			if sched := m.scheduler(); sched != nil {
				if err := sched.SetInterval(time.Duration(minutes) * time.Minute); err != nil {
					m.logger.Warn().Err(err).Str("value", raw).Msg("Ignoring stored poll interval")
				}
			}
		}
	}
	if raw, ok, err := kv.Get(ctx, KeySoundMuted); err != nil {
		return fmt.Errorf("load mute setting: %w", err)
	} else if ok {
		m.deps.Notifier.SetMuted(raw == "true")
	}
	if m.deps.Desktop != nil {
		if raw, ok, err := kv.Get(ctx, KeyPermission); err != nil {
			return fmt.Errorf("load notification permission: %w", err)
		} else if ok {
			m.deps.Desktop.SetPermission(notify.ParsePermission(raw))
		}
	}
	return nil
}

// Login switches to user, loading their watermark and unread set, runs
// the initial poll and resumes polling. A failed initial poll is logged
// and left to the scheduler.
func (m *Monitor) Login(ctx context.Context, user models.UserProfile) error {
	m.opMu.Lock()
	err := m.login(ctx, user)
	m.opMu.Unlock()
	if err != nil {
		return err
	}
	if err := m.poll(ctx, TriggerInitial); err != nil {
		m.logger.Warn().Err(err).Str("user", user.ID).Msg("Initial fetch after login failed")
	}
	if sched := m.scheduler(); sched != nil {
		sched.Resume(reasonLogout)
	}
	m.publishState()
	return nil
}

func (m *Monitor) login(ctx context.Context, user models.UserProfile) error {
	if user.ID == "" {
		return errors.New("login: user id is required")
	}
	wm, err := watermark.Load(ctx, m.deps.Store, user.ID, m.logger)
	if err != nil {
		return err
	}
	unread, err := seen.Load(ctx, m.deps.Store, user.ID, m.logger)
	if err != nil {
		return err
	}
	filter := relevance.NewFilter(user.AreaAssignment, m.deps.Catalog)
	if !filter.Resolved() {
		m.logger.Warn().Str("assignment", user.AreaAssignment).Msg("Area assignment matches no area; nothing will be flagged")
	}
	m.deps.Source.SetUserID(user.ID)

	m.mu.Lock()
	m.sess = &session{user: user, filter: filter, wm: wm, unread: unread}
	m.records = nil
	m.mu.Unlock()

	m.logger.Info().
		Str("user", user.ID).
		Str("assignment", filter.Assignment()).
		Bool("watermark_known", wm.Known()).
		Int64("watermark", wm.Current()).
		Int("unread", unread.Count()).
		Msg("User logged in")
	return nil
}

// Logout pauses polling and clears the user's watermark and unread set.
func (m *Monitor) Logout(ctx context.Context) error {
	if sched := m.scheduler(); sched != nil {
		sched.Pause(reasonLogout)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.records = nil
	m.mu.Unlock()
	if sess == nil {
		return nil
	}

	var errs []error
	if err := sess.wm.Reset(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := sess.unread.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	m.logger.Info().Str("user", sess.user.ID).Msg("User logged out")
	m.publishState()
	return errors.Join(errs...)
}

// Bootstrap runs the first poll. On a first login it only initialises the
// watermark; records are not flagged.
func (m *Monitor) Bootstrap(ctx context.Context) error {
	return m.poll(ctx, TriggerInitial)
}

// Poll runs one poll cycle. It is the scheduler's PollFunc.
func (m *Monitor) Poll(ctx context.Context, trigger scheduler.Trigger) error {
	return m.poll(ctx, string(trigger))
}

// Refresh polls now and restarts the cadence with a full interval. Failures
// are shown to the user and returned.
func (m *Monitor) Refresh(ctx context.Context) error {
	sched := m.scheduler()
	var err error
	if sched != nil {
		err = sched.RefreshNow(ctx)
	} else {
		err = m.poll(ctx, string(scheduler.TriggerManual))
	}
	if err != nil {
		m.deps.Notifier.Error(ctx, "Refresh failed", err)
	}
	m.publishState()
	return err
}

// SaveEdit saves one section of a record, then refreshes.
func (m *Monitor) SaveEdit(ctx context.Context, u models.RecordUpdate) error {
	if _, err := m.deps.Source.UpdateRecord(ctx, u); err != nil {
		m.deps.Notifier.Error(ctx, "Save failed", err)
		return err
	}
	m.logger.Info().Int64("id", u.ID).Str("section", string(u.Section)).Msg("Record updated")
	m.deps.Notifier.Info(ctx, "Saved", fmt.Sprintf("No.%d updated.", u.ID))
	return m.Refresh(ctx)
}

func (m *Monitor) poll(ctx context.Context, trigger string) error {
	start := m.clock.Now()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	sess := m.session()
	if sess == nil {
		return ErrNotLoggedIn
	}

	snap, err := m.deps.Source.FetchAll(ctx, trigger != TriggerInitial)
	if err != nil {
		m.deps.Metrics.Poll(ctx, trigger, metrics.OutcomeError, m.clock.Since(start), 0, 0)
		m.logger.Warn().Err(err).Str("trigger", trigger).Msg("Poll failed")
		return err
	}

	res, flagged, err := m.reconcile(ctx, sess, snap, trigger)
	if err != nil {
		// Records already flagged unread are not flagged again, so they
		// are announced now even though the watermark did not move.
		if len(flagged) > 0 {
			m.deps.Notifier.Dispatch(ctx, notify.Batch{Trigger: trigger, Records: flagged})
		}
		m.deps.Metrics.Poll(ctx, trigger, metrics.OutcomeError, m.clock.Since(start), 0, 0)
		m.logger.Error().Err(err).Str("trigger", trigger).Msg("Reconcile failed")
		return err
	}

	records := make([]models.Record, len(snap.Records))
	copy(records, snap.Records)
	models.SortByIDDesc(records)
	m.mu.Lock()
	m.records = records
	m.fetchedAt = snap.FetchedAt
	m.stale = snap.Stale
	m.mu.Unlock()

	if len(flagged) > 0 {
		m.deps.Notifier.Dispatch(ctx, notify.Batch{Trigger: trigger, Records: flagged})
		m.deps.Metrics.Dispatch(ctx, trigger)
	} else if trigger == string(scheduler.TriggerManual) {
		m.deps.Notifier.Info(ctx, "Refresh complete", "Up to date.")
	}
	if snap.Stale && trigger == string(scheduler.TriggerManual) {
		m.deps.Notifier.Info(ctx, "Showing cached data", "The data source timed out.")
	}

	outcome := metrics.OutcomeOK
	if snap.Stale {
		outcome = metrics.OutcomeStale
	} else if m.deps.Syncer != nil && sess.wm.Known() {
		m.deps.Syncer.SyncWatermark(sess.user.ID, sess.wm.Current())
	}
	elapsed := m.clock.Since(start)
	m.deps.Metrics.Poll(ctx, trigger, outcome, elapsed, len(res.NewRecords), len(flagged))

	m.logger.Info().
		Str("trigger", trigger).
		Int("records", len(snap.Records)).
		Int("new", len(res.NewRecords)).
		Int("flagged", len(flagged)).
		Int64("watermark", sess.wm.Current()).
		Bool("stale", snap.Stale).
		Dur("elapsed", elapsed).
		Msg("Poll complete")

	m.publish(EventRecords, RecordsEvent{
		Total:   len(records),
		Unread:  sess.unread.Count(),
		Flagged: models.IDs(flagged),
	})
	return nil
}

// reconcile merges the server watermark, diffs, flags relevant new records
// and advances the watermark. It returns the records to notify about.
func (m *Monitor) reconcile(ctx context.Context, sess *session, snap datasource.Snapshot, trigger string) (diff.Result, []models.Record, error) {
	// A server value of zero means the user has never saved one.
	if snap.ServerWatermark != nil && *snap.ServerWatermark > 0 {
		if _, err := sess.wm.Merge(ctx, *snap.ServerWatermark); err != nil {
			return diff.Result{}, nil, err
		}
	}

	if !sess.wm.Known() {
		if len(snap.Records) == 0 {
			return diff.Result{}, nil, nil
		}
		newMax := models.MaxID(snap.Records, 0)
		if _, err := sess.wm.AdvanceTo(ctx, newMax); err != nil {
			return diff.Result{}, nil, err
		}
		m.logger.Info().Int64("watermark", newMax).Str("trigger", trigger).Msg("First login, watermark initialised")
		return diff.Result{NewMax: newMax}, nil, nil
	}

	res := diff.Diff(snap.Records, sess.wm.Current())
	relevant := sess.filter.Select(res.NewRecords)

	keys := make([]string, len(relevant))
	for i, r := range relevant {
		keys[i] = r.Key()
	}
	added, err := sess.unread.MarkNew(ctx, keys)
	if err != nil {
		return res, nil, err
	}

	addedSet := make(map[string]struct{}, len(added))
	for _, k := range added {
		addedSet[k] = struct{}{}
	}
	var flagged []models.Record
	for _, r := range relevant {
		if _, ok := addedSet[r.Key()]; ok {
			flagged = append(flagged, r)
		}
	}

	if _, err := sess.wm.AdvanceTo(ctx, res.NewMax); err != nil {
		return res, flagged, err
	}
	return res, flagged, nil
}

func (m *Monitor) session() *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess
}

func (m *Monitor) scheduler() Poller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sched
}

func (m *Monitor) publish(event string, data any) {
	if m.deps.Events != nil {
		m.deps.Events.Publish(event, data)
	}
}

func (m *Monitor) publishState() {
	if m.deps.Events != nil {
		m.deps.Events.Publish(EventState, m.State())
	}
}
