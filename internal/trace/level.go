package trace

import "fmt"

// Level controls tracing verbosity.
type Level uint8

const (
	// LevelOff disables tracing.
	LevelOff Level = iota
	// LevelError records nothing during the run; pair with ring mode, where
	// the post-mortem dump is the output.
	LevelError
	// LevelPhase emits run and phase boundaries.
	LevelPhase
	// LevelMethod adds per-method compilation spans.
	LevelMethod
	// LevelDebug emits everything.
	LevelDebug
)

// String returns the string representation of Level.
func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelError:
		return "error"
	case LevelPhase:
		return "phase"
	case LevelMethod:
		return "method"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "off", "OFF":
		return LevelOff, nil
	case "error", "ERROR":
		return LevelError, nil
	case "phase", "PHASE":
		return LevelPhase, nil
	case "method", "METHOD":
		return LevelMethod, nil
	case "debug", "DEBUG":
		return LevelDebug, nil
	default:
		return LevelOff, fmt.Errorf("invalid trace level: %q (expected: off|error|phase|method|debug)", s)
	}
}

// ShouldEmit reports whether events at the given scope stream at this level.
func (l Level) ShouldEmit(scope Scope) bool {
	switch l {
	case LevelOff, LevelError:
		return false
	case LevelPhase:
		return scope <= ScopePhase
	case LevelMethod:
		return scope <= ScopeMethod
	case LevelDebug:
		return true
	}
	return false
}

// capture is the level used when generating and buffering events. LevelError
// streams nothing but still fills rings at method granularity, so the
// post-mortem dump has content.
func capture(l Level) Level {
	if l == LevelError {
		return LevelMethod
	}
	return l
}
