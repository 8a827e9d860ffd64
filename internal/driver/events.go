package driver

import "time"

// Stage describes a high-level compile phase.
type Stage string

const (
	// StageLoad covers fixture module loading.
	StageLoad Stage = "load"
	// StageProfile covers profile ingestion.
	StageProfile Stage = "profile"
	// StageCompile covers per-method compilation.
	StageCompile Stage = "compile"
)

// Status captures progress state within a stage.
type Status string

const (
	// StatusQueued indicates the method is waiting for a worker.
	StatusQueued Status = "queued"
	// StatusWorking indicates the method is compiling now.
	StatusWorking Status = "working"
	// StatusDone indicates a fresh object was produced.
	StatusDone Status = "done"
	// StatusCached indicates the object came out of the disk cache.
	StatusCached Status = "cached"
	// StatusDeferred indicates the method was left to the runtime JIT.
	StatusDeferred Status = "deferred"
	// StatusStubbed indicates compilation failed and a stub entry was
	// recorded in its place.
	StatusStubbed Status = "stubbed"
	// StatusError indicates a failure that aborts the whole run.
	StatusError Status = "error"
)

// Event reports progress for a method (or for the overall run when Method
// is empty).
type Event struct {
	Method  string
	Stage   Stage
	Status  Status
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events.
type ProgressSink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}

// emit guards against a nil sink so callers never branch.
func emit(s ProgressSink, evt Event) {
	if s == nil {
		return
	}
	s.OnEvent(evt)
}
