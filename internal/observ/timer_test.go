package observ

import (
	"strings"
	"testing"
	"time"
)

func TestTimerPhases(t *testing.T) {
	tm := NewTimer()

	load := tm.Begin("fixtures")
	time.Sleep(time.Millisecond)
	tm.EndUnits(load, 3, "")

	compile := tm.Begin("compile")
	time.Sleep(time.Millisecond)
	tm.EndUnits(compile, 42, "2 deferred")

	report := tm.Report()
	if len(report.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(report.Phases))
	}
	if report.Phases[0].Name != "fixtures" || report.Phases[0].Units != 3 {
		t.Fatalf("phase 0 = %+v", report.Phases[0])
	}
	if report.Phases[1].Note != "2 deferred" {
		t.Fatalf("phase 1 note = %q", report.Phases[1].Note)
	}
	if report.Phases[0].DurationMS <= 0 || report.TotalMS < report.Phases[0].DurationMS {
		t.Fatalf("durations: %+v total %v", report.Phases, report.TotalMS)
	}

	s := tm.Summary()
	for _, want := range []string{"fixtures", "compile", "(42 units)", "2 deferred", "total"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}

func TestTimerIgnoresBadIndex(t *testing.T) {
	tm := NewTimer()
	tm.End(-1, "")
	tm.End(5, "")
	if got := tm.Report(); len(got.Phases) != 0 || got.TotalMS != 0 {
		t.Fatalf("report = %+v", got)
	}
}
