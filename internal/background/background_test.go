package background

import (
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/configstore"
)

func TestNextWindowMonthlyAdvancesToFirstOfNextMonth(t *testing.T) {
	prevStarts := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	prevEnds := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	start, end := nextWindow(configstore.BudgetMonthly, time.UTC, prevStarts, prevEnds)

	if !start.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if !end.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v", end)
	}
}

func TestNextWindowMinutelyAdvancesOneMinute(t *testing.T) {
	prevEnds := time.Date(2026, 7, 30, 10, 5, 0, 0, time.UTC)
	start, end := nextWindow(configstore.BudgetMinutely, time.UTC, time.Time{}, prevEnds)

	if !start.Equal(prevEnds) {
		t.Errorf("start = %v, want %v", start, prevEnds)
	}
	if end.Sub(start) != time.Minute {
		t.Errorf("window length = %v", end.Sub(start))
	}
}

func TestNextWindowCustomPreservesPriorLength(t *testing.T) {
	starts := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	ends := starts.Add(6 * time.Hour)

	nextStart, nextEnd := nextWindow(configstore.BudgetCustom, time.UTC, starts, ends)

	if !nextStart.Equal(ends) {
		t.Errorf("nextStart = %v, want %v", nextStart, ends)
	}
	if nextEnd.Sub(nextStart) != 6*time.Hour {
		t.Errorf("window length = %v", nextEnd.Sub(nextStart))
	}
}

func TestWindowStartMonthlyTruncatesToFirstOfMonth(t *testing.T) {
	now := time.Date(2026, 7, 30, 14, 22, 0, 0, time.UTC)
	got := windowStart(configstore.BudgetMonthly, now)
	want := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLoadLocationFallsBackToUTCForUnknownZone(t *testing.T) {
	if got := loadLocation("Not/AZone"); got != time.UTC {
		t.Errorf("got %v, want UTC", got)
	}
	if got := loadLocation(""); got != time.UTC {
		t.Errorf("got %v, want UTC", got)
	}
}

func TestJitterStaysWithinOneSecond(t *testing.T) {
	for i := 0; i < 20; i++ {
		j := jitter()
		if j < 0 || j >= time.Second {
			t.Fatalf("jitter out of range: %v", j)
		}
	}
}
