package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pregen/internal/driver"
)

var compileCmd = &cobra.Command{
	Use:   "compile [flags] [path]",
	Short: "Compile a workspace ahead of time",
	Long:  "Compile every listed method of the target module using pregen.toml as the workspace definition.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  compileExecution,
}

func compileExecution(cmd *cobra.Command, args []string) error {
	uiValue, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	jobs, err := cmd.Flags().GetInt("jobs")
	if err != nil {
		return err
	}
	noCache, err := cmd.Flags().GetBool("no-cache")
	if err != nil {
		return err
	}
	cacheDir, err := cmd.Flags().GetString("cache-dir")
	if err != nil {
		return err
	}
	quiet, err := cmd.Root().PersistentFlags().GetBool("quiet")
	if err != nil {
		return fmt.Errorf("failed to get quiet flag: %w", err)
	}
	showTimings, err := cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil {
		return fmt.Errorf("failed to get timings flag: %w", err)
	}
	colorFlag, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return fmt.Errorf("failed to get color flag: %w", err)
	}

	useTUI, err := wantTUI(uiValue, func() bool { return isTerminal(os.Stdout) })
	if err != nil {
		return err
	}
	manifestPath, err := resolveManifestArg(args)
	if err != nil {
		return err
	}

	cleanup, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	traceCleanup, err := setupTracing(cmd)
	if err != nil {
		return err
	}
	defer traceCleanup()

	color.NoColor = colorFlag == "off" || (colorFlag == "auto" && !isTerminal(os.Stdout))

	opts := driver.Options{
		ManifestPath: manifestPath,
		Jobs:         jobs,
		NoCache:      noCache,
		CacheDir:     cacheDir,
	}

	var res *driver.Result
	if useTUI && !quiet {
		res, err = runCompileWithUI(cmd.Context(), "pregen compile", opts)
	} else {
		res, err = driver.Compile(cmd.Context(), opts)
	}
	if err != nil {
		printCompileReport(os.Stdout, res, quiet)
		if showTimings && res != nil {
			printPhaseTimings(os.Stdout, res.Timings)
		}
		return err
	}

	printCompileReport(os.Stdout, res, quiet)
	if showTimings {
		printPhaseTimings(os.Stdout, res.Timings)
	}
	return nil
}

// printCompileReport prints warnings, per-method failures and the closing
// count line. Warnings go to stderr so piped output stays parseable.
func printCompileReport(out io.Writer, res *driver.Result, quiet bool) {
	if res == nil {
		return
	}
	if !quiet {
		for _, w := range res.Warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", color.YellowString("warning:"), w)
		}
		for _, obj := range res.Objects {
			switch {
			case obj.Deferred:
				fmt.Fprintf(out, "%s %s: %v\n", color.CyanString("deferred"), obj.Name, obj.Err)
			case obj.Object != nil && obj.Object.Failed:
				fmt.Fprintf(out, "%s %s: %v\n", color.RedString("stubbed"), obj.Name, obj.Err)
			}
		}
	}

	line := fmt.Sprintf("pregenerated %d methods", res.Compiled+res.Cached)
	if res.Cached > 0 {
		line += fmt.Sprintf(" (%d from cache)", res.Cached)
	}
	if res.Stubbed > 0 {
		line += fmt.Sprintf(", %d stubbed", res.Stubbed)
	}
	if res.Deferred > 0 {
		line += fmt.Sprintf(", %d deferred to the runtime", res.Deferred)
	}
	fmt.Fprintln(out, line)
}

// wantTUI decides whether compile renders through the progress UI. The --ui
// flag takes on, off, or auto; auto asks the isTTY probe, so the decision
// stays testable without a terminal.
func wantTUI(value string, isTTY func() bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	case "", "auto":
		return isTTY(), nil
	}
	return false, fmt.Errorf("invalid --ui value %q (expected auto|on|off)", value)
}

// resolveManifestArg maps the optional path argument to a manifest location:
// a file is taken as the manifest itself, a directory starts an upward
// search, no argument leaves discovery to the driver.
func resolveManifestArg(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %q: %w", path, err)
	}
	if !info.IsDir() {
		return path, nil
	}
	found, ok, err := driver.FindManifest(path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no %s found in or above %s", driver.ManifestName, path)
	}
	return found, nil
}

func init() {
	compileCmd.Flags().String("ui", "auto", "user interface (auto|on|off)")
	compileCmd.Flags().Int("jobs", 0, "parallel compile workers (0 = all CPUs)")
	compileCmd.Flags().Bool("no-cache", false, "ignore the object cache and recompile everything")
	compileCmd.Flags().String("cache-dir", "", "object cache location (default: per-user cache dir)")
}
