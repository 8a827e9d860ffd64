// Package trace records what a compilation run did and when, to diagnose
// slow or stuck runs.
//
// Enable tracing via command-line flags:
//
//	pregen compile --trace=- --trace-level=method
//
// # Architecture
//
// The package provides several tracer implementations:
//
//   - nop tracer: zero overhead when disabled
//   - StreamTracer: immediate write to output (file/stderr)
//   - RingTracer: circular buffer, dumped post-mortem when a run fails
//   - MultiTracer: fans out to several tracers
//
// # Levels
//
// Verbosity is controlled by levels:
//
//   - LevelOff: no tracing
//   - LevelError: nothing during the run; the ring dump is the output
//   - LevelPhase: run and phase boundaries (load, profile, compile)
//   - LevelMethod: per-method compilation spans
//   - LevelDebug: everything
//
// # Scopes
//
// Events carry the scope they describe:
//
//   - ScopeRun: one whole-image compilation
//   - ScopePhase: one driver phase
//   - ScopeMethod: one method's compilation
//
// # Context propagation
//
// Tracers travel through the driver via context:
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopePhase, "load modules", parentID)
//	defer span.End("")
package trace
