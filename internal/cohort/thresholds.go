package cohort

import (
	"fmt"
	"slices"

	"github.com/eleven-am/engagement-backend/internal/shared"
)

const (
	DefaultSuperFrequency  = FiveDaysAWeek
	DefaultSuperTimeUsed   = FiveMinutesPerDay
	DefaultAlmostFrequency = ThreeDaysAWeek
	DefaultAlmostTimeUsed  = OneMinutePerDay
)

// Thresholds is an app's tier configuration. An empty almost axis is ignored
// when matching.
type Thresholds struct {
	SuperFrequency  Frequency
	SuperTimeUsed   TimeUsed
	AlmostFrequency Frequency
	AlmostTimeUsed  TimeUsed
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SuperFrequency:  DefaultSuperFrequency,
		SuperTimeUsed:   DefaultSuperTimeUsed,
		AlmostFrequency: DefaultAlmostFrequency,
		AlmostTimeUsed:  DefaultAlmostTimeUsed,
	}
}

// NewThresholds derives the almost pair as the next weaker tier on each axis.
// The weakest tier of either axis cannot be chosen as super.
func NewThresholds(freq Frequency, timeUsed TimeUsed) (Thresholds, error) {
	fi := slices.Index(FrequencyOrder, freq)
	if fi < 0 || fi == len(FrequencyOrder)-1 {
		return Thresholds{}, fmt.Errorf("frequency %q: %w", freq, shared.ErrInvalidThreshold)
	}
	ti := slices.Index(TimeUsedOrder, timeUsed)
	if ti < 0 || ti == len(TimeUsedOrder)-1 {
		return Thresholds{}, fmt.Errorf("time used %q: %w", timeUsed, shared.ErrInvalidThreshold)
	}

	return Thresholds{
		SuperFrequency:  freq,
		SuperTimeUsed:   timeUsed,
		AlmostFrequency: nextWeaker(FrequencyOrder, fi),
		AlmostTimeUsed:  nextWeaker(TimeUsedOrder, ti),
	}, nil
}

func nextWeaker(order []string, i int) string {
	if i >= 0 && i+1 < len(order) {
		return order[i+1]
	}
	return ""
}

func (t Thresholds) withDefaults() Thresholds {
	if t.SuperFrequency == "" && t.SuperTimeUsed == "" {
		return DefaultThresholds()
	}
	if t.AlmostFrequency == "" && t.AlmostTimeUsed == "" {
		t.AlmostFrequency = nextWeaker(FrequencyOrder, slices.Index(FrequencyOrder, t.SuperFrequency))
		t.AlmostTimeUsed = nextWeaker(TimeUsedOrder, slices.Index(TimeUsedOrder, t.SuperTimeUsed))
	}
	return t
}

func (t Thresholds) superSet() Set {
	t = t.withDefaults()
	return NewSet(t.SuperFrequency, t.SuperTimeUsed)
}

func (t Thresholds) almostSet() Set {
	t = t.withDefaults()
	return NewSet(t.AlmostFrequency, t.AlmostTimeUsed)
}
