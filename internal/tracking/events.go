package tracking

import (
	"log/slog"
	"math"
	"time"

	"github.com/eleven-am/engagement-backend/internal/dto"
	"github.com/eleven-am/engagement-backend/internal/metrics"
)

const (
	// EventHistory and EventFutureSkew bound the timestamps accepted from
	// clients relative to now.
	EventHistory    = 30 * 24 * time.Hour
	EventFutureSkew = 10 * time.Minute

	maxCoordinate = 100000
)

const (
	OrientPortrait  = "p"
	OrientLandscape = "l"
	OrientUnknown   = "?"

	UnknownScreen = "?"
)

type Tap struct {
	Time   time.Time
	X, Y   float64
	Orient string
}

type Screen struct {
	Start time.Time
	End   time.Time
	Name  string
}

func (s Screen) Seconds() float64 {
	return s.End.Sub(s.Start).Seconds()
}

// Events is a validated batch. Dropped counts inputs that were rejected.
type Events struct {
	Taps    []Tap
	Screens []Screen
	Dropped int
}

func (e Events) Empty() bool {
	return len(e.Taps) == 0 && len(e.Screens) == 0
}

// Validate converts a client batch into events, dropping anything malformed.
// When tapBatches are present the flat taps list is ignored.
func Validate(req dto.TrackRequest, now time.Time, logger *slog.Logger) Events {
	v := validator{
		earliest: now.Add(-EventHistory),
		latest:   now.Add(EventFutureSkew),
		logger:   logger,
	}
	var out Events

	for _, raw := range req.Screens {
		if s, ok := v.screen(raw); ok {
			out.Screens = append(out.Screens, s)
		} else {
			v.drop("screen")
		}
	}

	if len(req.TapBatches) > 0 {
		if len(req.Taps) > 0 {
			logger.Warn("both taps and tapBatches provided, ignoring taps", "taps", len(req.Taps))
		}
		for _, batch := range req.TapBatches {
			orient := OrientPortrait
			if batch.Screen.W > batch.Screen.H {
				orient = OrientLandscape
			}
			for _, raw := range batch.Taps {
				raw.Orient = orient
				if t, ok := v.tap(raw); ok {
					out.Taps = append(out.Taps, t)
				} else {
					v.drop("tap_batch")
				}
			}
		}
	} else {
		for _, raw := range req.Taps {
			if t, ok := v.tap(raw); ok {
				out.Taps = append(out.Taps, t)
			} else {
				v.drop("tap")
			}
		}
	}

	out.Dropped = v.dropped
	return out
}

type validator struct {
	earliest time.Time
	latest   time.Time
	logger   *slog.Logger
	dropped  int
}

func (v *validator) drop(kind string) {
	v.dropped++
	metrics.EventsDropped.WithLabelValues(kind).Inc()
}

func (v *validator) timestamp(sec float64) (time.Time, bool) {
	if math.IsNaN(sec) || math.IsInf(sec, 0) {
		return time.Time{}, false
	}
	whole, frac := math.Modf(sec)
	t := time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
	if t.Before(v.earliest) || t.After(v.latest) {
		return time.Time{}, false
	}
	return t, true
}

func (v *validator) screen(raw dto.ScreenInput) (Screen, bool) {
	start, okStart := v.timestamp(raw.Start)
	end, okEnd := v.timestamp(raw.End)
	if !okStart || !okEnd {
		v.logger.Warn("dropping screen outside accepted time range", "start", raw.Start, "end", raw.End)
		return Screen{}, false
	}
	if end.Before(start) {
		v.logger.Warn("dropping screen that ends before it starts", "start", start, "end", end)
		return Screen{}, false
	}
	name := raw.Name
	if name == "" {
		name = UnknownScreen
	}
	return Screen{Start: start, End: end, Name: name}, true
}

func (v *validator) tap(raw dto.TapInput) (Tap, bool) {
	t, ok := v.timestamp(raw.Time)
	if !ok {
		v.logger.Warn("dropping tap outside accepted time range", "time", raw.Time)
		return Tap{}, false
	}
	if !validCoordinate(raw.X) || !validCoordinate(raw.Y) {
		v.logger.Warn("dropping tap with invalid coordinates", "x", raw.X, "y", raw.Y)
		return Tap{}, false
	}
	orient := raw.Orient
	switch orient {
	case OrientPortrait, OrientLandscape, OrientUnknown:
	default:
		orient = OrientUnknown
	}
	return Tap{Time: t, X: raw.X, Y: raw.Y, Orient: orient}, true
}

func validCoordinate(c float64) bool {
	return !math.IsNaN(c) && !math.IsInf(c, 0) && c >= 0 && c <= maxCoordinate
}
