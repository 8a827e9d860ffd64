package trace

import (
	"bytes"
	"testing"
)

func TestParseModeRoundTrip(t *testing.T) {
	for _, mode := range []StorageMode{ModeStream, ModeRing, ModeBoth} {
		got, err := ParseMode(mode.String())
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", mode.String(), err)
		}
		if got != mode {
			t.Fatalf("ParseMode(%q) = %v, want %v", mode.String(), got, mode)
		}
	}
	if _, err := ParseMode("verbose"); err == nil {
		t.Fatalf("expected an error for an unknown mode")
	}
	if _, err := ParseMode(""); err == nil {
		t.Fatalf("expected an error for an empty mode")
	}
	if StorageMode(0).String() != "unknown" {
		t.Fatalf("zero mode renders as %q", StorageMode(0).String())
	}
}

func TestNewAssemblesSinks(t *testing.T) {
	var buf bytes.Buffer

	tr, err := New(Config{Level: LevelOff, Mode: ModeBoth})
	if err != nil {
		t.Fatalf("New(off): %v", err)
	}
	if tr != Nop {
		t.Fatalf("level off must yield the no-op tracer, got %T", tr)
	}

	tr, err = New(Config{Level: LevelPhase, Mode: ModeStream, Output: &buf})
	if err != nil {
		t.Fatalf("New(stream): %v", err)
	}
	if _, ok := tr.(*StreamTracer); !ok {
		t.Fatalf("stream mode built a %T", tr)
	}

	tr, err = New(Config{Level: LevelPhase, Mode: ModeRing})
	if err != nil {
		t.Fatalf("New(ring): %v", err)
	}
	ring, ok := tr.(*RingTracer)
	if !ok {
		t.Fatalf("ring mode built a %T", tr)
	}
	for i := 0; i < DefaultRingSize+8; i++ {
		ring.Emit(&Event{Kind: KindPoint, Scope: ScopePhase, Name: "p"})
	}
	if n := len(ring.Snapshot()); n != DefaultRingSize {
		t.Fatalf("default ring holds %d events, want %d", n, DefaultRingSize)
	}

	tr, err = New(Config{Level: LevelPhase, Mode: ModeBoth, Output: &buf, RingSize: 8})
	if err != nil {
		t.Fatalf("New(both): %v", err)
	}
	multi, ok := tr.(*MultiTracer)
	if !ok {
		t.Fatalf("both mode built a %T", tr)
	}
	if n := len(multi.Tracers()); n != 2 {
		t.Fatalf("both mode carries %d sinks, want 2", n)
	}

	if _, err := New(Config{Level: LevelPhase, Mode: StorageMode(9)}); err == nil {
		t.Fatalf("expected an error for an unknown mode")
	}
}

func TestStreamFormatDetection(t *testing.T) {
	cases := []struct {
		cfg  Config
		want Format
	}{
		{Config{Format: FormatNDJSON, OutputPath: "out.json"}, FormatNDJSON},
		{Config{OutputPath: "out.ndjson"}, FormatNDJSON},
		{Config{OutputPath: "out.json"}, FormatChrome},
		{Config{OutputPath: "out.chrome.json"}, FormatChrome},
		{Config{OutputPath: "-"}, FormatText},
		{Config{}, FormatText},
	}
	for _, tc := range cases {
		if got := tc.cfg.streamFormat(); got != tc.want {
			t.Fatalf("streamFormat(%q, explicit %v) = %v, want %v",
				tc.cfg.OutputPath, tc.cfg.Format, got, tc.want)
		}
	}
}
