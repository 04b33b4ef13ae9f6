package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordJob(t *testing.T) {
	tests := []struct {
		name          string
		job           string
		processed     int
		err           error
		wantProcessed float64
		wantErrors    float64
	}{
		{"idle tick", "test_idle", 0, nil, 0, 0},
		{"busy tick", "test_busy", 25, nil, 25, 0},
		{"failed tick", "test_failed", 3, errors.New("boom"), 3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordJob(tt.job, 10*time.Millisecond, tt.processed, tt.err)

			if got := testutil.ToFloat64(JobItemsProcessed.WithLabelValues(tt.job)); got != tt.wantProcessed {
				t.Errorf("expected %v processed, got %v", tt.wantProcessed, got)
			}
			if got := testutil.ToFloat64(JobErrors.WithLabelValues(tt.job)); got != tt.wantErrors {
				t.Errorf("expected %v errors, got %v", tt.wantErrors, got)
			}
		})
	}
}

func TestRecordLabelChanges(t *testing.T) {
	addedBefore := testutil.ToFloat64(LabelChanges.WithLabelValues("added"))
	removedBefore := testutil.ToFloat64(LabelChanges.WithLabelValues("removed"))

	RecordLabelChanges(3, 0)
	RecordLabelChanges(1, 2)

	if got := testutil.ToFloat64(LabelChanges.WithLabelValues("added")) - addedBefore; got != 4 {
		t.Errorf("expected 4 additions, got %v", got)
	}
	if got := testutil.ToFloat64(LabelChanges.WithLabelValues("removed")) - removedBefore; got != 2 {
		t.Errorf("expected 2 removals, got %v", got)
	}
}
