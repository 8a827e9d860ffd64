package main

import (
	"fmt"
	"io"

	"pregen/internal/observ"
)

func printPhaseTimings(out io.Writer, report observ.Report) {
	if out == nil || len(report.Phases) == 0 {
		return
	}
	for _, p := range report.Phases {
		if p.Units > 0 {
			fmt.Fprintf(out, "%-14s %7.1f ms (%d)\n", p.Name, p.DurationMS, p.Units)
			continue
		}
		fmt.Fprintf(out, "%-14s %7.1f ms\n", p.Name, p.DurationMS)
	}
	fmt.Fprintf(out, "%-14s %7.1f ms\n", "total", report.TotalMS)
}
