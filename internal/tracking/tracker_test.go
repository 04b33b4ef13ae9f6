package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/app"
	"github.com/eleven-am/engagement-backend/internal/cohort"
	"github.com/eleven-am/engagement-backend/internal/dirty"
	"github.com/eleven-am/engagement-backend/internal/labels"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/eleven-am/engagement-backend/internal/session"
	"github.com/eleven-am/engagement-backend/internal/testutil"
	"github.com/eleven-am/engagement-backend/internal/user"
	"gorm.io/gorm"
)

var now = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	apps     *app.Store
	sessions *session.Store
	users    *user.Store
	decay    *ledger.DecayLog
	events   *labels.Store
	ledger   *ledger.Ledger
	queue    *dirty.Queue
	visits   *VisitCache
	clock    *quartz.Mock
	tracker  *Tracker
	app      *app.App
}

func newFixture(t *testing.T) *fixture {
	db := testutil.DB(t)
	client, _ := testutil.Redis(t)
	logger := testutil.Logger()

	apps := app.NewStore(db)
	sessions := session.NewStore(db)
	users := user.NewStore(db)
	decay := ledger.NewDecayLog(db)
	events := labels.NewStore(db)
	for _, m := range []func() error{apps.Migrate, sessions.Migrate, users.Migrate, decay.Migrate, events.Migrate} {
		if err := m(); err != nil {
			t.Fatalf("migration failed: %v", err)
		}
	}

	labeler, err := labels.NewLabeler(apps, users, events, logger, time.Minute)
	if err != nil {
		t.Fatalf("failed to create labeler: %v", err)
	}
	t.Cleanup(labeler.Close)

	visits, err := NewVisitCache(DefaultVisitCacheTTL)
	if err != nil {
		t.Fatalf("failed to create visit cache: %v", err)
	}
	t.Cleanup(visits.Close)

	clock := quartz.NewMock(t)
	clock.Set(now)

	l := ledger.New(client)
	queue := dirty.NewQueue(client, clock, logger)

	a := &app.App{Name: "Tide"}
	if err := apps.Create(context.Background(), a); err != nil {
		t.Fatalf("create app failed: %v", err)
	}

	tracker := NewTracker(Deps{
		DB:       db,
		Apps:     apps,
		Sessions: sessions,
		Users:    users,
		Decay:    decay,
		Labeler:  labeler,
		Ledger:   l,
		Dirty:    queue,
		Visits:   visits,
		Clock:    clock,
		Logger:   logger,
	}, Config{})

	return &fixture{
		db:       db,
		apps:     apps,
		sessions: sessions,
		users:    users,
		decay:    decay,
		events:   events,
		ledger:   l,
		queue:    queue,
		visits:   visits,
		clock:    clock,
		tracker:  tracker,
		app:      a,
	}
}

func (f *fixture) startSession(t *testing.T, attrs session.Attributes) *session.Session {
	t.Helper()
	sess, err := f.tracker.StartSession(context.Background(), f.app.ID, attrs)
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}
	return sess
}

func (f *fixture) track(t *testing.T, sessionID uint64, events Events) *Result {
	t.Helper()
	res, err := f.tracker.Track(context.Background(), sessionID, events)
	if err != nil {
		t.Fatalf("track failed: %v", err)
	}
	return res
}

func (f *fixture) user(t *testing.T, id uint64) *user.TrackedUser {
	t.Helper()
	u, err := f.users.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get user failed: %v", err)
	}
	return u
}

func (f *fixture) visitsOf(t *testing.T, sessionID uint64) []session.Visit {
	t.Helper()
	visits, err := f.sessions.Visits(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list visits failed: %v", err)
	}
	return visits
}

func screenAt(from, to time.Duration, name string) Screen {
	return Screen{Start: now.Add(from), End: now.Add(to), Name: name}
}

func tapAt(offset time.Duration) Tap {
	return Tap{Time: now.Add(offset), X: 10, Y: 10, Orient: OrientPortrait}
}

func TestTracker_TrackSingleVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startSession(t, session.Attributes{AppVersion: "1.0"})

	events := Events{
		Screens: []Screen{
			screenAt(-20*time.Minute, -19*time.Minute, "home"),
			screenAt(-18*time.Minute, -17*time.Minute+30*time.Second, "detail"),
		},
		Taps: []Tap{tapAt(-19*time.Minute - 30*time.Second), tapAt(-18 * time.Minute)},
	}
	res := f.track(t, sess.ID, events)

	if res.NewVisits != 1 {
		t.Fatalf("expected 1 new visit, got %d", res.NewVisits)
	}

	visits := f.visitsOf(t, sess.ID)
	if len(visits) != 1 {
		t.Fatalf("expected 1 visit, got %d", len(visits))
	}
	v := visits[0]
	if !v.StartTime.Equal(now.Add(-20*time.Minute)) || !v.EndTime.Equal(now.Add(-17*time.Minute+30*time.Second)) {
		t.Errorf("unexpected visit bounds [%v, %v]", v.StartTime, v.EndTime)
	}
	if v.Screens != 2 || v.Taps != 2 {
		t.Errorf("expected 2 screens and 2 taps on the visit, got %d and %d", v.Screens, v.Taps)
	}
	if v.AppVersion != "1.0" || v.UserID != sess.UserID {
		t.Errorf("expected visit to copy session attributes and user, got %+v", v)
	}

	storedSess, err := f.sessions.GetByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if storedSess.Visits != 1 || storedSess.Screens != 2 || storedSess.Taps != 2 || storedSess.Seconds != 150 {
		t.Errorf("unexpected session counters %+v", storedSess)
	}

	u := f.user(t, sess.UserID)
	if u.Visits != 1 || u.Screens != 2 || u.Taps != 2 || u.Seconds != 150 {
		t.Errorf("unexpected lifetime counters %+v", u)
	}
	if u.MonthlyVisits != 1 || u.MonthlyScreens != 2 || u.MonthlyTaps != 2 || u.MonthlySeconds != 150 {
		t.Errorf("unexpected monthly counters %+v", u)
	}
	if u.MonthlyDaysActive != 1 || u.WeeklyDaysActive(now) != 1 {
		t.Errorf("expected one active day, got monthly %d weekly %d", u.MonthlyDaysActive, u.WeeklyDaysActive(now))
	}
	if !u.LastAccessedTime.Equal(now) {
		t.Errorf("expected last accessed %v, got %v", now, u.LastAccessedTime)
	}

	entries, err := f.decay.Pending(ctx, u.ID)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one decay entry for the day, got %d", len(entries))
	}
	want := map[string]int64{
		user.FieldMonthlyVisits:  1,
		user.FieldMonthlyScreens: 2,
		user.FieldMonthlyTaps:    2,
		user.FieldMonthlySeconds: 150,
	}
	for field, n := range want {
		if entries[0].Deltas[field] != n {
			t.Errorf("decay %s: expected %d, got %d", field, n, entries[0].Deltas[field])
		}
	}
	if due := ledger.DueTime(now, now); !entries[0].ScheduledTime.Equal(due) {
		t.Errorf("expected decay due %v, got %v", due, entries[0].ScheduledTime)
	}

	for _, l := range []cohort.Label{cohort.MonthlyActive, cohort.WeeklyActive, cohort.OnceAWeek, cohort.OneMinutePerDay} {
		if !res.Labels.Has(l) {
			t.Errorf("expected label %q in %v", l, res.Labels.Sorted())
		}
	}

	counts, err := f.ledger.Counts(ctx, f.app.ID)
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts[cohort.MonthlyActive] != 1 || counts[cohort.CompoundKey(cohort.OnceAWeek, cohort.OneMinutePerDay)] != 1 {
		t.Errorf("unexpected ledger counts %v", counts)
	}
}

func TestTracker_SeparateWindowsMakeSeparateVisits(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, session.Attributes{})

	res := f.track(t, sess.ID, Events{
		Screens: []Screen{screenAt(-2*time.Hour, -2*time.Hour+time.Minute, "a")},
		Taps:    []Tap{tapAt(-2*time.Hour + 30*time.Second), tapAt(-time.Hour), tapAt(-time.Hour + time.Minute)},
	})
	if res.NewVisits != 2 {
		t.Fatalf("expected 2 new visits, got %d", res.NewVisits)
	}

	visits := f.visitsOf(t, sess.ID)
	if len(visits) != 2 {
		t.Fatalf("expected 2 visits, got %d", len(visits))
	}
	if visits[0].Screens != 1 || visits[0].Taps != 1 {
		t.Errorf("unexpected first visit counts %+v", visits[0])
	}
	if visits[1].Screens != 0 || visits[1].Taps != 2 {
		t.Errorf("unexpected second visit counts %+v", visits[1])
	}
}

func TestTracker_ReplayCreatesNoVisits(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, session.Attributes{})

	events := Events{
		Screens: []Screen{screenAt(-3*time.Hour, -3*time.Hour+2*time.Minute, "a")},
		Taps:    []Tap{tapAt(-time.Hour)},
	}
	f.track(t, sess.ID, events)
	first := f.visitsOf(t, sess.ID)

	f.visits.Forget(sess.ID)
	replay := f.track(t, sess.ID, events)
	if replay.NewVisits != 0 {
		t.Errorf("expected replay to create no visits, got %d", replay.NewVisits)
	}

	second := f.visitsOf(t, sess.ID)
	if len(second) != len(first) {
		t.Fatalf("expected %d visits after replay, got %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || !first[i].StartTime.Equal(second[i].StartTime) || !first[i].EndTime.Equal(second[i].EndTime) {
			t.Errorf("visit %d changed on replay: %+v -> %+v", i, first[i], second[i])
		}
	}
}

func TestTracker_ExtendsRecentVisit(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, session.Attributes{})

	f.track(t, sess.ID, Events{Taps: []Tap{tapAt(-30 * time.Minute)}})
	f.visits.Wait()
	res := f.track(t, sess.ID, Events{Taps: []Tap{tapAt(-26 * time.Minute)}})
	if res.NewVisits != 0 {
		t.Errorf("expected tap within the boundary to extend, got %d new visits", res.NewVisits)
	}

	visits := f.visitsOf(t, sess.ID)
	if len(visits) != 1 {
		t.Fatalf("expected 1 visit, got %d", len(visits))
	}
	if !visits[0].EndTime.Equal(now.Add(-26*time.Minute)) || visits[0].Taps != 2 {
		t.Errorf("expected extended visit with 2 taps, got %+v", visits[0])
	}

	u := f.user(t, sess.UserID)
	if u.Visits != 1 || u.MonthlyVisits != 1 {
		t.Errorf("expected a single counted visit, got %d / %d", u.Visits, u.MonthlyVisits)
	}
}

// Batches that each see only part of the activity can leave two visits closer
// than the boundary: the bridging batch extends one of them and never merges
// the pair.
func TestTracker_BridgingBatchLeavesVisitsApart(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, session.Attributes{})

	f.track(t, sess.ID, Events{Screens: []Screen{screenAt(-60*time.Minute, -59*time.Minute, "a")}})
	f.track(t, sess.ID, Events{Screens: []Screen{screenAt(-50*time.Minute, -49*time.Minute, "b")}})
	res := f.track(t, sess.ID, Events{Taps: []Tap{tapAt(-54*time.Minute - 30*time.Second)}})
	if res.NewVisits != 0 {
		t.Errorf("expected the bridging tap to reuse a visit, got %d new", res.NewVisits)
	}

	visits := f.visitsOf(t, sess.ID)
	if len(visits) != 2 {
		t.Fatalf("expected both visits to survive, got %d", len(visits))
	}
	gap := visits[1].StartTime.Sub(visits[0].EndTime)
	if gap >= DefaultVisitBoundary {
		t.Errorf("expected visits closer than the boundary, gap %v", gap)
	}
	if visits[0].Taps+visits[1].Taps != 1 {
		t.Errorf("expected the tap counted once, got %d and %d", visits[0].Taps, visits[1].Taps)
	}
}

func TestTracker_BackdatedActivityMarksEarlierDays(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, session.Attributes{})

	f.track(t, sess.ID, Events{Taps: []Tap{
		tapAt(-48 * time.Hour),
		tapAt(-24 * time.Hour),
		tapAt(-time.Minute),
	}})

	u := f.user(t, sess.UserID)
	if u.MonthlyDaysActive != 3 || u.WeeklyDaysActive(now) != 3 {
		t.Errorf("expected 3 active days, got monthly %d weekly %d", u.MonthlyDaysActive, u.WeeklyDaysActive(now))
	}

	entries, err := f.decay.Pending(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected a decay entry per day, got %d", len(entries))
	}
}

func TestTracker_UnknownSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.tracker.Track(context.Background(), 404, Events{Taps: []Tap{tapAt(-time.Minute)}}); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestTracker_AttributesFrozenOnVisits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startSession(t, session.Attributes{AppVersion: "1.0", AppBuild: "10"})

	f.track(t, sess.ID, Events{Taps: []Tap{tapAt(-2 * time.Hour)}})

	updated, err := f.tracker.UpdateAttributes(ctx, sess.ID, session.Attributes{AppVersion: "1.1", AppBuild: "11"})
	if err != nil {
		t.Fatalf("update attributes failed: %v", err)
	}
	if updated.LastUpgradeTime == nil || !updated.LastUpgradeTime.Equal(now) {
		t.Errorf("expected upgrade stamped at %v, got %v", now, updated.LastUpgradeTime)
	}

	f.track(t, sess.ID, Events{Taps: []Tap{tapAt(-time.Minute)}})

	visits := f.visitsOf(t, sess.ID)
	if len(visits) != 2 {
		t.Fatalf("expected 2 visits, got %d", len(visits))
	}
	if visits[0].AppVersion != "1.0" || visits[1].AppVersion != "1.1" {
		t.Errorf("expected frozen versions 1.0 and 1.1, got %q and %q", visits[0].AppVersion, visits[1].AppVersion)
	}
}

func TestTracker_DowngradeDoesNotStampUpgrade(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, session.Attributes{AppVersion: "2.0"})

	updated, err := f.tracker.UpdateAttributes(context.Background(), sess.ID, session.Attributes{AppVersion: "1.9", OS: "android"})
	if err != nil {
		t.Fatalf("update attributes failed: %v", err)
	}
	if updated.LastUpgradeTime != nil {
		t.Errorf("expected no upgrade stamp, got %v", updated.LastUpgradeTime)
	}
	if updated.OS != "android" {
		t.Errorf("expected attributes replaced, got %+v", updated.Attributes)
	}
}

func TestTracker_DaysActiveAndDailyVisits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startSession(t, session.Attributes{})

	f.track(t, sess.ID, Events{Taps: []Tap{
		tapAt(-49 * time.Hour),
		tapAt(-time.Hour),
		tapAt(-10 * time.Minute),
	}})

	days, err := f.tracker.DaysActive(ctx, sess.UserID)
	if err != nil {
		t.Fatalf("days active failed: %v", err)
	}
	if days.Weekly != 2 || days.Monthly != 2 {
		t.Errorf("expected 2 weekly and monthly days, got %+v", days)
	}

	counts, err := f.tracker.ActiveDays(ctx, sess.UserID, 7)
	if err != nil {
		t.Fatalf("active days failed: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("expected 2 days, got %v", counts)
	}
	if !counts[0].Day.Equal(now.Truncate(24*time.Hour)) || counts[0].Visits != 2 || counts[1].Visits != 1 {
		t.Errorf("unexpected day counts %+v", counts)
	}
}
