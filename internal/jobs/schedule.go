package jobs

import (
	"context"
	"time"

	"github.com/eleven-am/engagement-backend/internal/dirty"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/eleven-am/engagement-backend/internal/metrics"
)

const (
	JobBitmapCorrection = "bitmap_correction"
	JobDecay            = "decay"
	JobDirtyDrain       = "dirty_drain"
	JobWeeklyInactive   = "weekly_inactive"
	JobPeriodicRelabel  = "periodic_relabel"
	JobHourlySnapshot   = "hourly_snapshot"
)

type Intervals struct {
	BitmapCorrection time.Duration `koanf:"bitmap_correction"`
	Decay            time.Duration `koanf:"decay"`
	DirtyDrain       time.Duration `koanf:"dirty_drain"`
	WeeklyInactive   time.Duration `koanf:"weekly_inactive"`
	PeriodicRelabel  time.Duration `koanf:"periodic_relabel"`
	HourlySnapshot   time.Duration `koanf:"hourly_snapshot"`
}

func DefaultIntervals() Intervals {
	return Intervals{
		BitmapCorrection: 5 * time.Second,
		Decay:            5 * time.Second,
		DirtyDrain:       time.Minute,
		WeeklyInactive:   95 * time.Second,
		PeriodicRelabel:  time.Minute,
		HourlySnapshot:   time.Hour,
	}
}

func (i Intervals) withDefaults() Intervals {
	d := DefaultIntervals()
	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}
	return Intervals{
		BitmapCorrection: pick(i.BitmapCorrection, d.BitmapCorrection),
		Decay:            pick(i.Decay, d.Decay),
		DirtyDrain:       pick(i.DirtyDrain, d.DirtyDrain),
		WeeklyInactive:   pick(i.WeeklyInactive, d.WeeklyInactive),
		PeriodicRelabel:  pick(i.PeriodicRelabel, d.PeriodicRelabel),
		HourlySnapshot:   pick(i.HourlySnapshot, d.HourlySnapshot),
	}
}

type Tasks struct {
	Correction *BitmapCorrection
	Decay      *ledger.DecaySweeper
	Queue      *dirty.Queue
	Worker     *dirty.Worker
	Inactive   *WeeklyInactive
	Relabel    *PeriodicRelabel
	Snapshot   *Snapshot
}

// Register adds the standard job set to r.
func Register(r *Runner, t Tasks, intervals Intervals) {
	intervals = intervals.withDefaults()

	r.Add(
		Job{
			Name:     JobBitmapCorrection,
			Interval: intervals.BitmapCorrection,
			Run:      t.Correction.RunOnce,
		},
		Job{
			Name:     JobDecay,
			Interval: intervals.Decay,
			Run: func(ctx context.Context) (int, error) {
				return drain(ctx, t.Decay.BatchSize(), t.Decay.Sweep)
			},
		},
		Job{
			Name:       JobDirtyDrain,
			Interval:   intervals.DirtyDrain,
			RunAtStart: true,
			Run: func(ctx context.Context) (int, error) {
				n, err := t.Worker.Drain(ctx)
				if depth, lenErr := t.Queue.Len(ctx); lenErr == nil {
					metrics.DirtyQueueDepth.Set(float64(depth))
				}
				return n, err
			},
		},
		Job{
			Name:     JobWeeklyInactive,
			Interval: intervals.WeeklyInactive,
			Run:      t.Inactive.RunOnce,
		},
		Job{
			Name:     JobPeriodicRelabel,
			Interval: intervals.PeriodicRelabel,
			Run:      t.Relabel.RunOnce,
		},
		Job{
			Name:     JobHourlySnapshot,
			Interval: intervals.HourlySnapshot,
			Run:      t.Snapshot.RunOnce,
		},
	)
}
