package trace

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Tracer is the sink for trace events.
type Tracer interface {
	// Emit records a trace event. Must be goroutine-safe.
	Emit(ev *Event)

	// Flush ensures all buffered events are written.
	Flush() error

	// Close flushes and releases resources.
	Close() error

	// Level returns the configured tracing level.
	Level() Level

	// Enabled reports whether tracing is active (Level > LevelOff).
	Enabled() bool
}

// StorageMode says where emitted events go: straight to the output stream,
// into the in-memory ring, or both.
type StorageMode uint8

const (
	ModeStream StorageMode = iota + 1
	ModeRing
	ModeBoth
)

var modeNames = [...]string{ModeStream: "stream", ModeRing: "ring", ModeBoth: "both"}

func (m StorageMode) String() string {
	if int(m) < len(modeNames) && modeNames[m] != "" {
		return modeNames[m]
	}
	return "unknown"
}

// ParseMode converts a flag value to a StorageMode.
func ParseMode(s string) (StorageMode, error) {
	want := strings.ToLower(s)
	for m, name := range modeNames {
		if name != "" && name == want {
			return StorageMode(m), nil
		}
	}
	return ModeRing, fmt.Errorf("invalid storage mode: %q (expected: stream|ring|both)", s)
}

// DefaultRingSize is the ring capacity when Config leaves it unset.
const DefaultRingSize = 4096

// Config holds tracer configuration.
type Config struct {
	Level      Level
	Mode       StorageMode
	Format     Format    // FormatAuto detects from the output path
	Output     io.Writer // stream destination; nil opens OutputPath
	OutputPath string    // "-" or empty means stderr
	RingSize   int
	Heartbeat  time.Duration
}

// New assembles a Tracer from cfg: a stream sink, a ring sink, or both
// behind a MultiTracer. LevelOff short-circuits to the no-op tracer.
func New(cfg Config) (Tracer, error) {
	if cfg.Level == LevelOff {
		return Nop, nil
	}

	var sinks []Tracer
	if cfg.Mode == ModeStream || cfg.Mode == ModeBoth {
		w, err := cfg.output()
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, NewStreamTracer(w, cfg.Level, cfg.streamFormat()))
	}
	if cfg.Mode == ModeRing || cfg.Mode == ModeBoth {
		size := cfg.RingSize
		if size <= 0 {
			size = DefaultRingSize
		}
		sinks = append(sinks, NewRingTracer(size, cfg.Level))
	}

	switch len(sinks) {
	case 1:
		return sinks[0], nil
	case 2:
		return NewMultiTracer(cfg.Level, sinks...), nil
	default:
		return nil, fmt.Errorf("unknown storage mode: %v", cfg.Mode)
	}
}

// streamFormat resolves FormatAuto: the output path's extension decides,
// anything unrecognized renders as text.
func (cfg Config) streamFormat() Format {
	if cfg.Format != FormatAuto {
		return cfg.Format
	}
	switch {
	case strings.HasSuffix(cfg.OutputPath, ".ndjson"):
		return FormatNDJSON
	case strings.HasSuffix(cfg.OutputPath, ".json"):
		return FormatChrome
	}
	return FormatText
}

func (cfg Config) output() (io.Writer, error) {
	switch {
	case cfg.Output != nil:
		return cfg.Output, nil
	case cfg.OutputPath == "" || cfg.OutputPath == "-":
		return os.Stderr, nil
	}
	f, err := os.Create(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace output: %w", err)
	}
	return f, nil
}
