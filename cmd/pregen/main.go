// Package main implements the pregen CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pregen/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "pregen",
	Short: "Ahead-of-time compiler driver for managed modules",
	Long:  `pregen compiles the methods of a managed module before it ships, so the runtime loads ready code instead of jitting it on first call.`,
}

// main registers subcommands and persistent flags, then executes the root
// command. A failed command exits with status code 1.
func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().Bool("timings", false, "show timing information")
	rootCmd.PersistentFlags().String("cpu-profile", "", "write a pprof CPU profile to this path")
	rootCmd.PersistentFlags().String("mem-profile", "", "write a heap profile to this path on exit")
	rootCmd.PersistentFlags().String("runtime-trace", "", "write a runtime execution trace to this path")
	rootCmd.PersistentFlags().String("trace", "", "compilation trace output (- for stderr, .ndjson/.json pick the format)")
	rootCmd.PersistentFlags().String("trace-level", "off", "trace verbosity (off|error|phase|method|debug)")
	rootCmd.PersistentFlags().String("trace-mode", "stream", "trace storage (stream|ring|both)")
	rootCmd.PersistentFlags().Int("trace-ring-size", 4096, "events kept in the trace ring")
	rootCmd.PersistentFlags().Duration("trace-heartbeat", 0, "trace liveness heartbeat interval (0 disables)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
