package monitor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/shiftwatch/internal/datasource"
	"github.com/thebtf/shiftwatch/internal/kvstore"
	"github.com/thebtf/shiftwatch/internal/notify"
	"github.com/thebtf/shiftwatch/internal/relevance"
	"github.com/thebtf/shiftwatch/internal/scheduler"
	"github.com/thebtf/shiftwatch/internal/seen"
	"github.com/thebtf/shiftwatch/internal/watermark"
	"github.com/thebtf/shiftwatch/pkg/models"
)

type mockSource struct {
	fetchFn    func(ctx context.Context, force bool) (datasource.Snapshot, error)
	updateFn   func(ctx context.Context, u models.RecordUpdate) (datasource.Ack, error)
	userID     string
	fetchCalls int
}

func (m *mockSource) FetchAll(ctx context.Context, force bool) (datasource.Snapshot, error) {
	m.fetchCalls++
	return m.fetchFn(ctx, force)
}

func (m *mockSource) UpdateRecord(ctx context.Context, u models.RecordUpdate) (datasource.Ack, error) {
	if m.updateFn == nil {
		return datasource.Ack{Success: true}, nil
	}
	return m.updateFn(ctx, u)
}

func (m *mockSource) SetUserID(id string) { m.userID = id }
func (m *mockSource) Endpoint() string    { return "https://example.test/exec" }

type mockNotifier struct {
	batches []notify.Batch
	errors  []string
	infos   []string
	muted   bool
	unlocks int
}

func (m *mockNotifier) Dispatch(_ context.Context, b notify.Batch) notify.Outcome {
	m.batches = append(m.batches, b)
	return notify.Outcome{Toast: true}
}

func (m *mockNotifier) Error(_ context.Context, title string, _ error) {
	m.errors = append(m.errors, title)
}

func (m *mockNotifier) Info(_ context.Context, title, _ string) {
	m.infos = append(m.infos, title)
}

func (m *mockNotifier) SetMuted(muted bool) { m.muted = muted }
func (m *mockNotifier) Muted() bool         { return m.muted }
func (m *mockNotifier) Unlock() error       { m.unlocks++; return nil }
func (m *mockNotifier) Unlocked() bool      { return m.unlocks > 0 }

type mockSyncer struct {
	mu    sync.Mutex
	calls []int64
}

func (m *mockSyncer) SyncWatermark(_ string, localMax int64) {
	m.mu.Lock()
	m.calls = append(m.calls, localMax)
	m.mu.Unlock()
}

type mockPoller struct {
	refreshFn func(ctx context.Context) error
	interval  time.Duration
	paused    []string
	resumed   []string
}

func (m *mockPoller) RefreshNow(ctx context.Context) error { return m.refreshFn(ctx) }
func (m *mockPoller) SetInterval(d time.Duration) error {
	for _, a := range scheduler.AllowedIntervals {
		if a == d {
			m.interval = d
			return nil
		}
	}
	return scheduler.ErrInvalidInterval
}
func (m *mockPoller) Pause(reason string)  { m.paused = append(m.paused, reason) }
func (m *mockPoller) Resume(reason string) { m.resumed = append(m.resumed, reason) }
func (m *mockPoller) Snapshot() models.PollState {
	return models.PollState{State: string(scheduler.StateScheduled), IntervalMs: m.interval.Milliseconds()}
}

type mockPublisher struct {
	events []string
}

func (m *mockPublisher) Publish(event string, _ any) { m.events = append(m.events, event) }

func rec(id int64, area string) models.Record {
	return models.Record{ID: id, AreaCode: area, Fields: map[string]string{models.FieldNewWorker: "Sato"}}
}

func snapshot(records ...models.Record) datasource.Snapshot {
	return datasource.Snapshot{Records: records}
}

type MonitorSuite struct {
	suite.Suite
	ctx      context.Context
	kv       *kvstore.Memory
	source   *mockSource
	notifier *mockNotifier
	syncer   *mockSyncer
	events   *mockPublisher
	next     datasource.Snapshot
	nextErr  error
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorSuite))
}

func (s *MonitorSuite) SetupTest() {
	s.ctx = context.Background()
	s.kv = kvstore.NewMemory()
	s.next = datasource.Snapshot{}
	s.nextErr = nil
	s.source = &mockSource{fetchFn: func(context.Context, bool) (datasource.Snapshot, error) {
		return s.next, s.nextErr
	}}
	s.notifier = &mockNotifier{}
	s.syncer = &mockSyncer{}
	s.events = &mockPublisher{}
}

func (s *MonitorSuite) newMonitor(assignment string) *Monitor {
	m, err := New(s.ctx, Deps{
		Source:   s.source,
		Store:    s.kv,
		Notifier: s.notifier,
		Syncer:   s.syncer,
		Events:   s.events,
		Clock:    quartz.NewMock(s.T()),
		Catalog:  relevance.DefaultCatalog(),
	}, models.UserProfile{ID: "u1", Name: "Tanaka", AreaAssignment: assignment}, zerolog.Nop())
	s.Require().NoError(err)
	return m
}

func (s *MonitorSuite) seedWatermark(n int64) {
	s.Require().NoError(s.kv.Set(s.ctx, watermark.Key("u1"), strconv.FormatInt(n, 10)))
}

func (s *MonitorSuite) unread() []string {
	t, err := seen.Load(s.ctx, s.kv, "u1", zerolog.Nop())
	s.Require().NoError(err)
	return t.Unread()
}

func (s *MonitorSuite) storedWatermark() string {
	v, _, err := s.kv.Get(s.ctx, watermark.Key("u1"))
	s.Require().NoError(err)
	return v
}

func (s *MonitorSuite) TestRelevantNewRecordsFlaggedAndDispatchedOnce() {
	s.seedWatermark(100)
	m := s.newMonitor("P")
	s.next = snapshot(rec(98, "P"), rec(99, "P"), rec(101, "P"), rec(102, "P"))

	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))

	s.Require().Len(s.notifier.batches, 1)
	s.Equal([]int64{101, 102}, models.IDs(s.notifier.batches[0].Records))
	s.Equal("scheduled", s.notifier.batches[0].Trigger)
	s.Equal([]string{"101", "102"}, s.unread())
	s.Equal("102", s.storedWatermark())
	s.Equal([]int64{102}, s.syncer.calls)
	s.Contains(s.events.events, EventRecords)

	// Same data again: nothing new, nothing dispatched, push still happens.
	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))
	s.Len(s.notifier.batches, 1)
	s.Equal([]int64{102, 102}, s.syncer.calls)
}

func (s *MonitorSuite) TestIrrelevantNewRecordsAreNotFlagged() {
	s.seedWatermark(100)
	m := s.newMonitor("A")
	s.next = snapshot(rec(98, "P"), rec(99, "P"), rec(101, "P"), rec(102, "P"))

	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))

	s.Empty(s.notifier.batches)
	s.Empty(s.unread())
	s.Equal("102", s.storedWatermark())
}

func (s *MonitorSuite) TestCompoundAssignment() {
	s.seedWatermark(100)
	m := s.newMonitor("AC")
	s.next = snapshot(rec(101, "P"), rec(102, "A"), rec(103, "C"))

	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))
	s.Require().Len(s.notifier.batches, 1)
	s.Equal([]int64{102, 103}, models.IDs(s.notifier.batches[0].Records))
}

func (s *MonitorSuite) TestEmptyFetchKeepsWatermark() {
	s.seedWatermark(100)
	m := s.newMonitor("P")

	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))

	s.Empty(s.notifier.batches)
	s.Empty(s.unread())
	s.Equal("100", s.storedWatermark())
	s.Equal(int64(100), m.State().Watermark)
}

func (s *MonitorSuite) TestServerWatermarkNeverRegresses() {
	s.seedWatermark(100)
	m := s.newMonitor("P")
	server := int64(50)
	s.next = datasource.Snapshot{ServerWatermark: &server}

	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))
	s.Equal("100", s.storedWatermark())
}

func (s *MonitorSuite) TestServerWatermarkAheadSuppressesOldRecords() {
	s.seedWatermark(100)
	m := s.newMonitor("all")
	server := int64(102)
	s.next = datasource.Snapshot{
		ServerWatermark: &server,
		Records:         []models.Record{rec(101, "P"), rec(102, "C"), rec(103, "A")},
	}

	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))
	s.Require().Len(s.notifier.batches, 1)
	s.Equal([]int64{103}, models.IDs(s.notifier.batches[0].Records))
}

func (s *MonitorSuite) TestFirstLoginInitialisesWithoutFlagging() {
	m := s.newMonitor("P")
	s.next = snapshot(rec(5, "P"), rec(9, "P"))

	s.Require().NoError(m.Bootstrap(s.ctx))

	s.Empty(s.notifier.batches)
	s.Empty(s.unread())
	s.Equal("9", s.storedWatermark())
	s.Equal([]int64{9}, s.syncer.calls)

	s.next = snapshot(rec(5, "P"), rec(9, "P"), rec(10, "P"))
	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))
	s.Require().Len(s.notifier.batches, 1)
	s.Equal([]int64{10}, models.IDs(s.notifier.batches[0].Records))
}

func (s *MonitorSuite) TestFirstLoginWithEmptyFetchStaysUnknown() {
	m := s.newMonitor("P")
	s.Require().NoError(m.Bootstrap(s.ctx))
	s.False(m.State().WatermarkKnown)
	s.Empty(s.syncer.calls)
}

func (s *MonitorSuite) TestBootstrapWithKnownWatermarkFlagsMissedRecords() {
	s.seedWatermark(100)
	m := s.newMonitor("P")
	s.next = snapshot(rec(100, "P"), rec(101, "P"))

	s.Require().NoError(m.Bootstrap(s.ctx))
	s.Require().Len(s.notifier.batches, 1)
	s.Equal(TriggerInitial, s.notifier.batches[0].Trigger)
}

func (s *MonitorSuite) TestServerZeroWatermarkCountsAsUnset() {
	m := s.newMonitor("P")
	zero := int64(0)
	s.next = snapshot(rec(1, "P"), rec(2, "P"), rec(3, "P"))
	s.next.ServerWatermark = &zero

	s.Require().NoError(m.Bootstrap(s.ctx))

	s.Empty(s.notifier.batches)
	s.Empty(s.unread())
	s.Equal("3", s.storedWatermark())
}

func (s *MonitorSuite) TestInitialPollMayUseCache() {
	var forced []bool
	s.source.fetchFn = func(_ context.Context, force bool) (datasource.Snapshot, error) {
		forced = append(forced, force)
		return s.next, nil
	}
	m := s.newMonitor("P")

	s.Require().NoError(m.Bootstrap(s.ctx))
	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))
	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerManual))
	s.Equal([]bool{false, true, true}, forced)
}

func (s *MonitorSuite) TestLoginFlagsMissedRecords() {
	m := s.newMonitor("P")
	s.Require().NoError(s.kv.Set(s.ctx, watermark.Key("u2"), "100"))
	s.next = snapshot(rec(100, "C"), rec(101, "C"), rec(102, "P"))

	s.Require().NoError(m.Login(s.ctx, models.UserProfile{ID: "u2", AreaAssignment: "C"}))

	s.Require().Len(s.notifier.batches, 1)
	s.Equal(TriggerInitial, s.notifier.batches[0].Trigger)
	s.Equal([]int64{101}, models.IDs(s.notifier.batches[0].Records))
	s.Equal(int64(102), m.State().Watermark)
	s.Len(m.Records(RecordQuery{}), 3)
}

func (s *MonitorSuite) TestLoginSurvivesFetchFailure() {
	m := s.newMonitor("P")
	poller := &mockPoller{}
	m.Attach(poller)
	s.nextErr = &datasource.FetchError{Kind: datasource.KindTimeout, Op: "fetch", Err: context.DeadlineExceeded}

	s.Require().NoError(m.Login(s.ctx, models.UserProfile{ID: "u2", AreaAssignment: "C"}))
	s.Equal("u2", m.State().User.ID)
	s.Equal([]string{reasonLogout}, poller.resumed)
	s.Empty(s.notifier.batches)
}

func (s *MonitorSuite) TestFetchFailureLeavesStateAlone() {
	s.seedWatermark(100)
	m := s.newMonitor("P")
	s.nextErr = &datasource.FetchError{Kind: datasource.KindTimeout, Op: "fetch", Err: context.DeadlineExceeded}

	err := m.Poll(s.ctx, scheduler.TriggerScheduled)
	s.ErrorIs(err, datasource.ErrTimeout)
	s.Empty(s.notifier.batches)
	s.Empty(s.notifier.errors, "scheduled failures are not shown")
	s.Empty(s.syncer.calls)
	s.Equal("100", s.storedWatermark())
}

func (s *MonitorSuite) TestStaleSnapshotIsNotPushed() {
	s.seedWatermark(100)
	m := s.newMonitor("P")
	s.next = datasource.Snapshot{Records: []models.Record{rec(100, "P")}, Stale: true, FromCache: true}

	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerManual))
	s.Empty(s.syncer.calls)
	s.True(m.State().Stale)
	s.Contains(s.notifier.infos, "Showing cached data")
}

func (s *MonitorSuite) TestRefreshSurfacesErrors() {
	s.seedWatermark(100)
	m := s.newMonitor("P")
	poller := &mockPoller{refreshFn: func(ctx context.Context) error {
		return m.Poll(ctx, scheduler.TriggerManual)
	}}
	m.Attach(poller)

	s.nextErr = &datasource.FetchError{Kind: datasource.KindProtocol, Op: "fetch", Err: errors.New("bad json")}
	s.Error(m.Refresh(s.ctx))
	s.Equal([]string{"Refresh failed"}, s.notifier.errors)

	s.nextErr = nil
	s.Require().NoError(m.Refresh(s.ctx))
	s.Equal([]string{"Refresh complete"}, s.notifier.infos)
}

func (s *MonitorSuite) TestSaveEdit() {
	s.seedWatermark(100)
	m := s.newMonitor("P")
	var got models.RecordUpdate
	s.source.updateFn = func(_ context.Context, u models.RecordUpdate) (datasource.Ack, error) {
		got = u
		return datasource.Ack{Success: true}, nil
	}
	u := models.RecordUpdate{ID: 101, Section: models.SectionMfg, Fields: map[string]string{models.FieldEducator: "Ito"}}

	s.Require().NoError(m.SaveEdit(s.ctx, u))
	s.Equal(u, got)
	s.Equal(1, s.source.fetchCalls)
	s.Contains(s.notifier.infos, "Saved")

	s.source.updateFn = func(context.Context, models.RecordUpdate) (datasource.Ack, error) {
		return datasource.Ack{}, errors.New("rejected")
	}
	s.Error(m.SaveEdit(s.ctx, u))
	s.Equal([]string{"Save failed"}, s.notifier.errors)
	s.Equal(1, s.source.fetchCalls)
}

func (s *MonitorSuite) TestAcknowledge() {
	s.seedWatermark(100)
	m := s.newMonitor("P")
	s.next = snapshot(rec(101, "P"), rec(102, "P"), rec(103, "P"))
	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))

	ok, err := m.Acknowledge(s.ctx, 101)
	s.Require().NoError(err)
	s.True(ok)
	ok, err = m.Acknowledge(s.ctx, 101)
	s.Require().NoError(err)
	s.False(ok, "acknowledging twice is a no-op")

	n, err := m.AcknowledgeAll(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Empty(s.unread())

	// Flags are not restored by later polls.
	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))
	s.Empty(s.unread())
}

func (s *MonitorSuite) TestRecordsView() {
	s.seedWatermark(100)
	m := s.newMonitor("P")
	done := rec(102, "C")
	done.Fields[models.FieldCompletionStatus] = models.CompletionNG
	s.next = snapshot(rec(99, "P"), rec(101, "P"), done)
	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))

	all := m.Records(RecordQuery{})
	s.Require().Len(all, 3)
	s.Equal([]int64{102, 101, 99}, []int64{all[0].ID, all[1].ID, all[2].ID})
	s.Equal("Cab assembly", all[0].AreaName)
	s.Contains(all[0].Tags, models.StatusNG)
	s.False(all[0].Relevant)
	s.True(all[1].Unread)
	s.False(all[2].Unread)

	s.Len(m.Records(RecordQuery{UnreadOnly: true}), 1)
	s.Len(m.Records(RecordQuery{RelevantOnly: true}), 2)
	s.Len(m.Records(RecordQuery{Area: "C"}), 1)
	s.Len(m.Records(RecordQuery{Tag: models.StatusNG}), 1)
}

func (s *MonitorSuite) TestSettingsPersistAndRestore() {
	m := s.newMonitor("P")
	poller := &mockPoller{}
	m.Attach(poller)

	s.Require().NoError(m.SetInterval(s.ctx, 10))
	s.Equal(10*time.Minute, poller.interval)
	s.ErrorIs(m.SetInterval(s.ctx, 7), scheduler.ErrInvalidInterval)

	s.Require().NoError(m.SetMuted(s.ctx, true))
	desktop := notify.NewBeeepNotifier(notify.PermissionUndetermined, "")
	m.deps.Desktop = desktop
	s.Require().NoError(m.SetPermission(s.ctx, notify.PermissionGranted))

	// A fresh process restores what was stored.
	s.notifier.muted = false
	poller2 := &mockPoller{}
	desktop2 := notify.NewBeeepNotifier(notify.PermissionUndetermined, "")
	m2, err := New(s.ctx, Deps{Source: s.source, Store: s.kv, Notifier: s.notifier, Desktop: desktop2}, models.UserProfile{}, zerolog.Nop())
	s.Require().NoError(err)
	m2.Attach(poller2)
	s.Require().NoError(m2.RestoreSettings(s.ctx))
	s.Equal(10*time.Minute, poller2.interval)
	s.True(s.notifier.muted)
	s.Equal(notify.PermissionGranted, desktop2.Permission())
}

func (s *MonitorSuite) TestPauseResumeReasons() {
	m := s.newMonitor("P")
	poller := &mockPoller{}
	m.Attach(poller)

	s.Require().NoError(m.Pause(ReasonModal))
	s.Require().NoError(m.Resume(ReasonModal))
	s.ErrorIs(m.Pause("coffee"), ErrUnknownReason)
	s.Equal([]string{ReasonModal}, poller.paused)
	s.Equal([]string{ReasonModal}, poller.resumed)
}

func (s *MonitorSuite) TestLogoutAndLogin() {
	s.seedWatermark(100)
	m := s.newMonitor("P")
	poller := &mockPoller{}
	m.Attach(poller)
	s.next = snapshot(rec(101, "P"))
	s.Require().NoError(m.Poll(s.ctx, scheduler.TriggerScheduled))

	s.Require().NoError(m.Logout(s.ctx))
	s.Equal([]string{reasonLogout}, poller.paused)
	s.Empty(s.unread())
	_, ok, err := s.kv.Get(s.ctx, watermark.Key("u1"))
	s.Require().NoError(err)
	s.False(ok)
	s.ErrorIs(m.Poll(s.ctx, scheduler.TriggerScheduled), ErrNotLoggedIn)
	_, err = m.Acknowledge(s.ctx, 101)
	s.ErrorIs(err, ErrNotLoggedIn)
	s.Nil(m.State().User)

	s.Require().NoError(m.Login(s.ctx, models.UserProfile{ID: "u2", AreaAssignment: "C"}))
	s.Equal([]string{reasonLogout}, poller.resumed)
	s.Equal("u2", s.source.userID)
	s.Equal("u2", m.State().User.ID)
}

func (s *MonitorSuite) TestUnlockAudio() {
	m := s.newMonitor("P")
	s.Require().NoError(m.UnlockAudio())
	s.True(m.State().AudioUnlocked)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(context.Background(), Deps{}, models.UserProfile{}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for missing deps")
	}
}
