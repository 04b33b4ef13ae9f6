// Package tracking turns raw tap and screen events into visits and keeps the
// session and user aggregates that labeling reads.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/coder/quartz"
	"github.com/eleven-am/engagement-backend/internal/activity"
	"github.com/eleven-am/engagement-backend/internal/app"
	"github.com/eleven-am/engagement-backend/internal/cohort"
	"github.com/eleven-am/engagement-backend/internal/labels"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/eleven-am/engagement-backend/internal/metrics"
	"github.com/eleven-am/engagement-backend/internal/session"
	"github.com/eleven-am/engagement-backend/internal/shared"
	"github.com/eleven-am/engagement-backend/internal/user"
	"gorm.io/gorm"
)

// DefaultVisitBoundary is the largest gap between events of one visit.
const DefaultVisitBoundary = 5 * time.Minute

type Config struct {
	VisitBoundary time.Duration
}

type Tracker struct {
	db       *gorm.DB
	apps     *app.Store
	sessions *session.Store
	users    *user.Store
	decay    *ledger.DecayLog
	labeler  *labels.Labeler
	ledger   *ledger.Ledger
	dirty    ledger.DirtyMarker
	visits   *VisitCache
	clock    quartz.Clock
	logger   *slog.Logger
	boundary time.Duration
}

type Deps struct {
	DB       *gorm.DB
	Apps     *app.Store
	Sessions *session.Store
	Users    *user.Store
	Decay    *ledger.DecayLog
	Labeler  *labels.Labeler
	Ledger   *ledger.Ledger
	Dirty    ledger.DirtyMarker
	Visits   *VisitCache
	Clock    quartz.Clock
	Logger   *slog.Logger
}

func NewTracker(deps Deps, cfg Config) *Tracker {
	boundary := cfg.VisitBoundary
	if boundary <= 0 {
		boundary = DefaultVisitBoundary
	}
	return &Tracker{
		db:       deps.DB,
		apps:     deps.Apps,
		sessions: deps.Sessions,
		users:    deps.Users,
		decay:    deps.Decay,
		labeler:  deps.Labeler,
		ledger:   deps.Ledger,
		dirty:    deps.Dirty,
		visits:   deps.Visits,
		clock:    deps.Clock,
		logger:   deps.Logger.With("component", "tracker"),
		boundary: boundary,
	}
}

// Result summarises one Track call.
type Result struct {
	NewVisits int
	Visits    []session.Visit
	Labels    cohort.Set
	Diff      cohort.Diff
}

// Track folds a validated batch into the session's visits and the owning
// user's counters, activity map, decay log and labels. Everything but the
// ledger update commits in one transaction.
func (t *Tracker) Track(ctx context.Context, sessionID uint64, events Events) (*Result, error) {
	start := time.Now()
	defer func() { metrics.TrackDuration.Observe(time.Since(start).Seconds()) }()

	now := t.clock.Now().UTC()
	windows := MergeWindows(events.Intervals(), t.boundary)
	res := &Result{Labels: cohort.NewSet()}
	deltas := make(labels.Deltas)
	var latest *session.Visit

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sessions := t.sessions.WithTx(tx)
		sess, err := sessions.Lock(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("lock session %d: %w", sessionID, err)
		}

		visits, created, err := t.resolveVisits(ctx, sessions, sess, windows)
		if err != nil {
			return err
		}
		if err := t.assignEvents(ctx, sessions, visits, events); err != nil {
			return err
		}

		counters, byDate := tally(events, created)
		if err := sessions.AddCounters(ctx, sess.ID, counters, now); err != nil {
			return fmt.Errorf("update session %d: %w", sess.ID, err)
		}

		res.NewVisits = len(created)
		for _, v := range visits {
			res.Visits = append(res.Visits, *v)
		}
		if len(visits) > 0 {
			latest = visits[len(visits)-1]
		}

		users := t.users.WithTx(tx)
		u, err := users.Lock(ctx, sess.UserID)
		if err != nil {
			return fmt.Errorf("lock user %d: %w", sess.UserID, err)
		}

		u.Add(counters)
		u.MarkDays(now, activeDates(events)...)
		u.LastAccessedTime = now
		if err := users.Save(ctx, u); err != nil {
			return fmt.Errorf("save user %d: %w", u.ID, err)
		}
		if err := t.decay.WithTx(tx).Schedule(ctx, u.ID, byDate, now); err != nil {
			return err
		}

		diff, err := t.labeler.Relabel(ctx, tx, u, now)
		if err != nil {
			return err
		}
		deltas.Add(u.AppID, diff)
		res.Diff = diff
		res.Labels = u.LabelSet()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if latest != nil {
		t.visits.Put(latest)
	}
	if err := t.ledger.ApplyAll(ctx, deltas); err != nil {
		t.logger.Error("failed to apply label deltas", "session_id", sessionID, "error", err)
	}

	t.logger.Debug("tracked events",
		"session_id", sessionID,
		"taps", len(events.Taps),
		"screens", len(events.Screens),
		"new_visits", res.NewVisits,
	)
	return res, nil
}

// resolveVisits maps each merged window onto a persisted visit, extending a
// nearby one or creating a new one. The result is ordered by start time.
func (t *Tracker) resolveVisits(ctx context.Context, sessions *session.Store, sess *session.Session, windows []Interval) ([]*session.Visit, []*session.Visit, error) {
	cached, _ := t.visits.Get(sess.ID)

	var visits, created []*session.Visit
	for _, w := range windows {
		var v *session.Visit
		switch {
		case cached != nil && t.near(cached, w):
			v, cached = cached, nil
			metrics.VisitsResolved.WithLabelValues("cached").Inc()
		default:
			found, err := sessions.FindVisitNear(ctx, sess.ID, w.Start, w.End, t.boundary)
			if err != nil && !errors.Is(err, shared.ErrNotFound) {
				return nil, nil, fmt.Errorf("find visit: %w", err)
			}
			v = found
		}

		if v != nil {
			if err := sessions.ExtendVisit(ctx, v, w.Start, w.End); err != nil {
				return nil, nil, fmt.Errorf("extend visit %d: %w", v.ID, err)
			}
			metrics.VisitsResolved.WithLabelValues("extended").Inc()
		} else {
			v = &session.Visit{
				SessionID:  sess.ID,
				UserID:     sess.UserID,
				StartTime:  w.Start,
				EndTime:    w.End,
				Attributes: sess.Attributes,
			}
			if err := sessions.CreateVisit(ctx, v); err != nil {
				return nil, nil, fmt.Errorf("create visit: %w", err)
			}
			created = append(created, v)
			metrics.VisitsResolved.WithLabelValues("created").Inc()
		}
		visits = append(visits, v)
	}

	slices.SortStableFunc(visits, func(a, b *session.Visit) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return visits, created, nil
}

func (t *Tracker) near(v *session.Visit, w Interval) bool {
	return !v.StartTime.After(w.End.Add(t.boundary)) && !v.EndTime.Before(w.Start.Add(-t.boundary))
}

func (t *Tracker) assignEvents(ctx context.Context, sessions *session.Store, visits []*session.Visit, events Events) error {
	type counts struct{ screens, taps int64 }
	perVisit := make(map[uint64]*counts)
	var order []uint64

	bump := func(start, end time.Time, screen bool) {
		for _, v := range visits {
			if !v.Contains(start, end) {
				continue
			}
			c, ok := perVisit[v.ID]
			if !ok {
				c = &counts{}
				perVisit[v.ID] = c
				order = append(order, v.ID)
			}
			if screen {
				c.screens++
				v.Screens++
			} else {
				c.taps++
				v.Taps++
			}
			return
		}
		t.logger.Warn("event outside every resolved visit", "start", start, "end", end)
	}

	for _, s := range events.Screens {
		bump(s.Start, s.End, true)
	}
	for _, tap := range events.Taps {
		bump(tap.Time, tap.Time, false)
	}

	for _, id := range order {
		c := perVisit[id]
		if err := sessions.AddVisitEvents(ctx, id, c.screens, c.taps); err != nil {
			return fmt.Errorf("count visit %d events: %w", id, err)
		}
	}
	return nil
}

// tally sums the batch into counter increments and the per-date amounts the
// decay log later takes back out.
func tally(events Events, created []*session.Visit) (user.Counters, map[time.Time]map[string]int64) {
	byDate := make(map[time.Time]map[string]int64)
	add := func(at time.Time, field string, n int64) {
		day := activity.Day(at)
		m, ok := byDate[day]
		if !ok {
			m = make(map[string]int64)
			byDate[day] = m
		}
		m[field] += n
	}

	secondsByDate := make(map[time.Time]float64)
	for _, s := range events.Screens {
		add(s.Start, user.FieldMonthlyScreens, 1)
		secondsByDate[activity.Day(s.Start)] += s.Seconds()
	}
	for _, tap := range events.Taps {
		add(tap.Time, user.FieldMonthlyTaps, 1)
	}
	for _, v := range created {
		add(v.StartTime, user.FieldMonthlyVisits, 1)
	}

	var seconds int64
	for day, secs := range secondsByDate {
		n := int64(math.Round(secs))
		seconds += n
		if n != 0 {
			add(day, user.FieldMonthlySeconds, n)
		}
	}

	return user.Counters{
		Visits:  int64(len(created)),
		Screens: int64(len(events.Screens)),
		Taps:    int64(len(events.Taps)),
		Seconds: seconds,
	}, byDate
}

// activeDates are the days a batch shows the user active on: screen starts
// and taps.
func activeDates(events Events) []time.Time {
	var dates []time.Time
	for _, s := range events.Screens {
		dates = append(dates, activity.Day(s.Start))
	}
	for _, tap := range events.Taps {
		dates = append(dates, activity.Day(tap.Time))
	}
	slices.SortFunc(dates, time.Time.Compare)
	return slices.CompactFunc(dates, time.Time.Equal)
}
