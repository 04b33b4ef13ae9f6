package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eleven-am/engagement-backend/internal/shared"
	"github.com/eleven-am/engagement-backend/internal/testutil"
	"github.com/eleven-am/engagement-backend/internal/user"
)

var base = time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	store := NewStore(testutil.DB(t))
	if err := store.Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	return store
}

func TestStore_CreateAndCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{AppID: 1, UserID: 7, Attributes: Attributes{AppVersion: "1.0", OS: "iOS"}}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for range 2 {
		if err := store.AddCounters(ctx, sess.ID, user.Counters{Visits: 1, Screens: 2, Taps: 3, Seconds: 40}, base); err != nil {
			t.Fatalf("add counters failed: %v", err)
		}
	}

	got, err := store.GetByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Visits != 2 || got.Screens != 4 || got.Taps != 6 || got.Seconds != 80 {
		t.Errorf("unexpected counters %+v", got)
	}
	if !got.LastAccessedTime.Equal(base) {
		t.Errorf("expected last accessed %v, got %v", base, got.LastAccessedTime)
	}
	if got.OS != "iOS" || got.AppVersion != "1.0" {
		t.Errorf("expected attributes to round trip, got %+v", got.Attributes)
	}

	if _, err := store.GetByID(ctx, sess.ID+1); !errors.Is(err, shared.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_FindVisitNear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	gap := 5 * time.Minute

	v := &Visit{SessionID: 1, UserID: 1, StartTime: base, EndTime: base.Add(10 * time.Minute)}
	if err := store.CreateVisit(ctx, v); err != nil {
		t.Fatalf("create visit failed: %v", err)
	}
	other := &Visit{SessionID: 2, UserID: 1, StartTime: base, EndTime: base.Add(10 * time.Minute)}
	if err := store.CreateVisit(ctx, other); err != nil {
		t.Fatalf("create visit failed: %v", err)
	}

	tests := []struct {
		name  string
		start time.Time
		end   time.Time
		found bool
	}{
		{"inside", base.Add(time.Minute), base.Add(2 * time.Minute), true},
		{"just after within gap", base.Add(14 * time.Minute), base.Add(20 * time.Minute), true},
		{"just before within gap", base.Add(-8 * time.Minute), base.Add(-4 * time.Minute), true},
		{"after gap", base.Add(16 * time.Minute), base.Add(20 * time.Minute), false},
		{"before gap", base.Add(-20 * time.Minute), base.Add(-6 * time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.FindVisitNear(ctx, 1, tt.start, tt.end, gap)
			if !tt.found {
				if !errors.Is(err, shared.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID != v.ID {
				t.Errorf("expected visit %d, got %d", v.ID, got.ID)
			}
		})
	}
}

func TestStore_ExtendVisitNeverNarrows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v := &Visit{SessionID: 1, UserID: 1, StartTime: base, EndTime: base.Add(10 * time.Minute)}
	if err := store.CreateVisit(ctx, v); err != nil {
		t.Fatalf("create visit failed: %v", err)
	}

	if err := store.ExtendVisit(ctx, v, base.Add(2*time.Minute), base.Add(12*time.Minute)); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if err := store.ExtendVisit(ctx, v, base.Add(-3*time.Minute), base.Add(time.Minute)); err != nil {
		t.Fatalf("extend failed: %v", err)
	}

	visits, err := store.Visits(ctx, 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(visits) != 1 {
		t.Fatalf("expected 1 visit, got %d", len(visits))
	}
	got := visits[0]
	if !got.StartTime.Equal(base.Add(-3*time.Minute)) || !got.EndTime.Equal(base.Add(12*time.Minute)) {
		t.Errorf("unexpected bounds [%v, %v]", got.StartTime, got.EndTime)
	}
	if !v.StartTime.Equal(got.StartTime) || !v.EndTime.Equal(got.EndTime) {
		t.Errorf("expected in-memory visit to mirror stored bounds, got [%v, %v]", v.StartTime, v.EndTime)
	}
}

func TestStore_DailyVisits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	starts := []time.Time{
		base.AddDate(0, 0, -3),
		base.AddDate(0, 0, -1),
		base.AddDate(0, 0, -1).Add(3 * time.Hour),
		base,
		base.AddDate(0, 0, -200),
	}
	for _, st := range starts {
		if err := store.CreateVisit(ctx, &Visit{SessionID: 1, UserID: 5, StartTime: st, EndTime: st.Add(time.Minute)}); err != nil {
			t.Fatalf("create visit failed: %v", err)
		}
	}
	if err := store.CreateVisit(ctx, &Visit{SessionID: 2, UserID: 6, StartTime: base, EndTime: base}); err != nil {
		t.Fatalf("create visit failed: %v", err)
	}

	counts, err := store.DailyVisits(ctx, 5, base.AddDate(0, 0, -180))
	if err != nil {
		t.Fatalf("daily visits failed: %v", err)
	}

	want := []int{1, 2, 1}
	if len(counts) != len(want) {
		t.Fatalf("expected %d days, got %+v", len(want), counts)
	}
	for i, n := range want {
		if counts[i].Visits != n {
			t.Errorf("day %d: expected %d visits, got %d", i, n, counts[i].Visits)
		}
	}
	if !counts[0].Day.Equal(time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected most recent day first, got %v", counts[0].Day)
	}
}

func TestStore_SaveAttributes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &Session{AppID: 1, UserID: 1, Attributes: Attributes{AppVersion: "1.0"}}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stamp := base
	sess.Attributes = Attributes{AppVersion: "1.1", ScreenWidth: 390}
	sess.LastUpgradeTime = &stamp
	if err := store.SaveAttributes(ctx, sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.GetByID(ctx, sess.ID)
	if got.AppVersion != "1.1" || got.ScreenWidth != 390 {
		t.Errorf("unexpected attributes %+v", got.Attributes)
	}
	if got.LastUpgradeTime == nil || !got.LastUpgradeTime.Equal(base) {
		t.Errorf("expected upgrade stamp %v, got %v", base, got.LastUpgradeTime)
	}
}
