// Package prof wires the runtime profilers behind a single start/stop pair
// so the CLI never orchestrates pprof and trace lifecycles by hand.
package prof

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// Options selects which profilers to run. Empty paths disable the
// corresponding profiler.
type Options struct {
	CPUPath   string
	MemPath   string
	TracePath string
}

// Start enables the requested profilers. The returned stop function flushes
// and closes everything, writes the heap profile last, and is safe to call
// more than once. On error nothing stays running.
func Start(opts Options) (func() error, error) {
	var cpu, trc *os.File

	if opts.CPUPath != "" {
		f, err := os.Create(opts.CPUPath)
		if err != nil {
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		cpu = f
	}
	if opts.TracePath != "" {
		f, err := os.Create(opts.TracePath)
		if err != nil {
			stopCPU(cpu)
			return nil, fmt.Errorf("runtime trace: %w", err)
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			stopCPU(cpu)
			return nil, fmt.Errorf("runtime trace: %w", err)
		}
		trc = f
	}

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		if trc != nil {
			trace.Stop()
			_ = trc.Close()
		}
		stopCPU(cpu)
		if opts.MemPath != "" {
			return writeHeap(opts.MemPath)
		}
		return nil
	}
	return stop, nil
}

func stopCPU(f *os.File) {
	if f == nil {
		return
	}
	pprof.StopCPUProfile()
	_ = f.Close()
}

// writeHeap captures a heap profile after forcing a collection, so the
// snapshot reflects live objects rather than garbage.
func writeHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("heap profile: %w", err)
	}
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("heap profile: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("heap profile: %w", err)
	}
	return nil
}
