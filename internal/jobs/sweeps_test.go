package jobs

import (
	"context"
	"errors"
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
	"github.com/eleven-am/engagement-backend/internal/tracking"
	"github.com/eleven-am/engagement-backend/internal/user"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var dayZero = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return dayZero.AddDate(0, 0, n)
}

type fixture struct {
	db      *gorm.DB
	redis   *redis.Client
	apps    *app.Store
	users   *user.Store
	events  *labels.Store
	ledger  *ledger.Ledger
	queue   *dirty.Queue
	worker  *dirty.Worker
	sweeper *ledger.DecaySweeper
	cursors *Cursors
	clock   *quartz.Mock
	tracker *tracking.Tracker
	app     *app.App

	correction *BitmapCorrection
}

func newFixture(t *testing.T, correctionPage int) *fixture {
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

	visits, err := tracking.NewVisitCache(tracking.DefaultVisitCacheTTL)
	if err != nil {
		t.Fatalf("failed to create visit cache: %v", err)
	}
	t.Cleanup(visits.Close)

	clock := quartz.NewMock(t)
	clock.Set(dayZero)

	l := ledger.New(client)
	queue := dirty.NewQueue(client, clock, logger)
	cursors := NewCursors(client)

	a := &app.App{Name: "Harbor"}
	if err := apps.Create(context.Background(), a); err != nil {
		t.Fatalf("create app failed: %v", err)
	}

	return &fixture{
		db:      db,
		redis:   client,
		apps:    apps,
		users:   users,
		events:  events,
		ledger:  l,
		queue:   queue,
		worker:  dirty.NewWorker(db, queue, users, labeler, l, clock, logger, 0),
		sweeper: ledger.NewDecaySweeper(db, users, decay, queue, clock, logger, 0),
		cursors: cursors,
		clock:   clock,
		app:     a,
		tracker: tracking.NewTracker(tracking.Deps{
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
		}, tracking.Config{}),
		correction: NewBitmapCorrection(db, users, queue, cursors, clock, logger, correctionPage),
	}
}

func (f *fixture) session(t *testing.T) *session.Session {
	t.Helper()
	sess, err := f.tracker.StartSession(context.Background(), f.app.ID, session.Attributes{AppVersion: "2.1"})
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}
	return sess
}

// screen tracks one screen view of the given length ending just before now.
func (f *fixture) screen(t *testing.T, sessionID uint64, length time.Duration) {
	t.Helper()
	end := f.clock.Now().Add(-15 * time.Second)
	events := tracking.Events{Screens: []tracking.Screen{{Start: end.Add(-length), End: end, Name: "feed"}}}
	if _, err := f.tracker.Track(context.Background(), sessionID, events); err != nil {
		t.Fatalf("track failed: %v", err)
	}
}

func (f *fixture) user(t *testing.T, id uint64) *user.TrackedUser {
	t.Helper()
	u, err := f.users.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get user failed: %v", err)
	}
	return u
}

func (f *fixture) plainUser(t *testing.T) *user.TrackedUser {
	t.Helper()
	u := &user.TrackedUser{AppID: f.app.ID, CreateTime: f.clock.Now()}
	if err := f.users.Create(context.Background(), u); err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	return u
}

// catchUp runs the maintenance jobs the way the runner would after a pause.
func (f *fixture) catchUp(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		n, err := f.correction.RunOnce(ctx)
		if err != nil {
			t.Fatalf("correction failed: %v", err)
		}
		if n < f.correction.pageSize {
			break
		}
	}
	if _, err := drain(ctx, f.sweeper.BatchSize(), f.sweeper.Sweep); err != nil {
		t.Fatalf("decay sweep failed: %v", err)
	}
	if _, err := f.worker.Drain(ctx); err != nil {
		t.Fatalf("dirty drain failed: %v", err)
	}
}

func TestBitmapCorrection_ExpiresOldActivity(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.session(t)

	for _, n := range []int{0, 1, 2} {
		f.clock.Set(day(n))
		f.screen(t, sess.ID, 30*time.Second)
	}

	u := f.user(t, sess.UserID)
	if u.MonthlyDaysActive != 3 {
		t.Errorf("expected 3 monthly days, got %d", u.MonthlyDaysActive)
	}
	if got := u.WeeklyDaysActive(day(2)); got != 3 {
		t.Errorf("expected 3 weekly days, got %d", got)
	}
	if u.MonthlySeconds != 90 {
		t.Errorf("expected 90 monthly seconds, got %d", u.MonthlySeconds)
	}
	if !u.LabelSet().Has(cohort.TwiceAMonth) {
		t.Errorf("expected 2vpm, got %v", u.Labels)
	}

	ctx := context.Background()
	f.clock.Set(day(31))
	n, err := f.correction.RunOnce(ctx)
	if err != nil {
		t.Fatalf("correction failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 user read, got %d", n)
	}
	if u := f.user(t, sess.UserID); u.MonthlyDaysActive != 1 {
		t.Errorf("expected day 2 still inside the window at day 31, got %d days", u.MonthlyDaysActive)
	}

	f.clock.Set(day(32))
	if _, err := f.correction.RunOnce(ctx); err != nil {
		t.Fatalf("correction failed: %v", err)
	}
	u = f.user(t, sess.UserID)
	if u.MonthlyDaysActive != 0 {
		t.Errorf("expected 0 monthly days at day 32, got %d", u.MonthlyDaysActive)
	}
	if u.DaysActiveMap != 0 {
		t.Errorf("expected an empty activity map, got %b", u.DaysActiveMap)
	}

	pending, err := f.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("expected the corrected user to be dirty, got %d", pending)
	}

	// Decay entries of day 2 come due at day 33, 10:00.
	f.clock.Set(day(33).Add(time.Hour))
	f.catchUp(t)
	u = f.user(t, sess.UserID)
	labels := u.LabelSet()
	if !labels.Has(cohort.MonthlyInactive) || labels.Has(cohort.TwiceAMonth) {
		t.Errorf("expected an inactive user without frequency tiers, got %v", u.Labels)
	}
	if u.MonthlySeconds != 0 {
		t.Errorf("expected monthly seconds to decay to 0, got %d", u.MonthlySeconds)
	}
}

func TestBitmapCorrection_FailingUserDoesNotAbortPage(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	broken, healthy := f.plainUser(t), f.plainUser(t)
	for _, u := range []*user.TrackedUser{broken, healthy} {
		u.MarkDays(day(0), day(0))
		if err := f.users.SaveWindow(ctx, u); err != nil {
			t.Fatalf("save window failed: %v", err)
		}
	}

	err := f.db.Callback().Update().Before("gorm:update").Register("fail_broken_user", func(tx *gorm.DB) {
		if u, ok := tx.Statement.Model.(*user.TrackedUser); ok && u.ID == broken.ID {
			tx.AddError(errors.New("disk full"))
		}
	})
	if err != nil {
		t.Fatalf("register callback failed: %v", err)
	}

	f.clock.Set(day(40))
	n, err := f.correction.RunOnce(ctx)
	if err != nil {
		t.Fatalf("correction failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 users read, got %d", n)
	}

	if u := f.user(t, healthy.ID); u.MonthlyDaysActive != 0 || u.DaysActiveMap != 0 {
		t.Errorf("expected healthy user corrected, got %d days map %b", u.MonthlyDaysActive, u.DaysActiveMap)
	}
	if u := f.user(t, broken.ID); u.MonthlyDaysActive != 1 {
		t.Errorf("expected broken user's save rolled back, got %d days", u.MonthlyDaysActive)
	}

	pending, err := f.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if pending != 2 {
		t.Errorf("expected both users dirty, got %d", pending)
	}
}

func TestBitmapCorrection_CursorPagesAndRestarts(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	var ids []uint64
	for range 3 {
		ids = append(ids, f.plainUser(t).ID)
	}

	n, err := f.correction.RunOnce(ctx)
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected a full first page, got %d", n)
	}
	cursor, err := f.cursors.Get(ctx, cursorCorrection)
	if err != nil {
		t.Fatalf("get cursor failed: %v", err)
	}
	if cursor != ids[1] {
		t.Errorf("expected cursor at %d, got %d", ids[1], cursor)
	}

	n, err = f.correction.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected the last user only, got %d", n)
	}
	cursor, err = f.cursors.Get(ctx, cursorCorrection)
	if err != nil {
		t.Fatalf("get cursor failed: %v", err)
	}
	if cursor != 0 {
		t.Errorf("expected cursor to restart at 0, got %d", cursor)
	}

	pending, err := f.queue.Len(ctx)
	if err != nil {
		t.Fatalf("len failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected untouched users not to be marked dirty, got %d", pending)
	}
}

func TestLedger_MatchesLabelEvents(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	regular := f.session(t)
	casual := f.session(t)

	for n := range 6 {
		f.clock.Set(day(n))
		f.screen(t, regular.ID, 6*time.Minute)
		if n%3 == 0 {
			f.screen(t, casual.ID, 20*time.Second)
		}
	}

	if !f.user(t, regular.UserID).LabelSet().Has(cohort.Super) {
		t.Fatalf("expected the regular user to be super, got %v", f.user(t, regular.UserID).Labels)
	}

	// A quiet week drops the regular user below super.
	f.clock.Set(day(12))
	f.catchUp(t)
	f.clock.Set(day(13))
	f.screen(t, regular.ID, time.Minute)

	f.clock.Set(day(50))
	f.catchUp(t)

	counts, err := f.ledger.Counts(ctx, f.app.ID)
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	net, err := f.events.NetCounts(ctx, f.app.ID)
	if err != nil {
		t.Fatalf("net counts failed: %v", err)
	}

	plain := []string{cohort.Super, cohort.Almost, cohort.Fringe, cohort.MonthlyActive, cohort.MonthlyInactive, cohort.WeeklyActive, cohort.WeeklyInactive}
	plain = append(plain, cohort.FrequencyOrder...)
	plain = append(plain, cohort.TimeUsedOrder...)
	for _, label := range plain {
		if counts[label] != net[label] {
			t.Errorf("%s: ledger %d, events %d", label, counts[label], net[label])
		}
	}
	if counts[cohort.MonthlyInactive] != 2 {
		t.Errorf("expected both users inactive, got %d", counts[cohort.MonthlyInactive])
	}
	if counts[cohort.Super] != 0 {
		t.Errorf("expected no super users left, got %d", counts[cohort.Super])
	}
}

func TestWeeklyInactive_RelabelsStaleUsers(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	stale := f.session(t)
	f.screen(t, stale.ID, time.Minute)

	f.clock.Set(day(6))
	fresh := f.session(t)
	f.screen(t, fresh.ID, time.Minute)

	job := NewWeeklyInactive(f.users, f.worker, f.clock, 0)

	n, err := job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no stale users yet, got %d", n)
	}

	f.clock.Set(day(8))
	n, err = job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale user, got %d", n)
	}

	labels := f.user(t, stale.UserID).LabelSet()
	if !labels.Has(cohort.WeeklyInactive) || labels.Has(cohort.WeeklyActive) {
		t.Errorf("expected the stale user to be inactive this week, got %v", labels.Sorted())
	}
	if !f.user(t, fresh.UserID).LabelSet().Has(cohort.WeeklyActive) {
		t.Error("expected the recent user to stay active")
	}

	counts, err := f.ledger.Counts(ctx, f.app.ID)
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts[cohort.WeeklyActive] != 1 || counts[cohort.WeeklyInactive] != 1 {
		t.Errorf("expected one active and one inactive this week, got %v", counts)
	}
}

func TestPeriodicRelabel_WalksAllUsers(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for range 3 {
		f.plainUser(t)
	}

	job := NewPeriodicRelabel(f.users, f.worker, f.cursors, testutil.Logger(), 2)
	for _, want := range []int{2, 1} {
		n, err := job.RunOnce(ctx)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if n != want {
			t.Errorf("expected %d users, got %d", want, n)
		}
	}

	cursor, err := f.cursors.Get(ctx, cursorRelabel)
	if err != nil {
		t.Fatalf("get cursor failed: %v", err)
	}
	if cursor != 0 {
		t.Errorf("expected cursor to restart, got %d", cursor)
	}

	counts, err := f.ledger.Counts(ctx, f.app.ID)
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts[cohort.MonthlyInactive] != 3 {
		t.Errorf("expected 3 labeled users, got %v", counts)
	}
}

func TestSnapshot_WritesEveryApp(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	other := &app.App{Name: "Quay"}
	if err := f.apps.Create(ctx, other); err != nil {
		t.Fatalf("create app failed: %v", err)
	}
	if err := f.ledger.Apply(ctx, f.app.ID, map[string]int64{cohort.Super: 4}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := f.ledger.Apply(ctx, other.ID, map[string]int64{cohort.MonthlyActive: 9}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	f.clock.Set(dayZero.Add(25 * time.Minute))
	job := NewSnapshot(f.apps, f.ledger, f.clock, 1)
	n, err := job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 snapshots, got %d", n)
	}

	// A second run in the same hour replaces the row.
	if err := f.ledger.Apply(ctx, f.app.ID, map[string]int64{cohort.Super: 1}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := job.RunOnce(ctx); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	stats, err := f.apps.Stats(ctx, f.app.ID, dayZero.Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 hourly row, got %d", len(stats))
	}
	if !stats[0].Hour.Equal(dayZero) {
		t.Errorf("expected hour %v, got %v", dayZero, stats[0].Hour)
	}
	if stats[0].Counts[cohort.Super] != 5 {
		t.Errorf("expected super 5, got %v", stats[0].Counts)
	}

	stats, err = f.apps.Stats(ctx, other.ID, dayZero.Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if len(stats) != 1 || stats[0].Counts[cohort.MonthlyActive] != 9 {
		t.Errorf("expected the second app's counts, got %v", stats)
	}
}
