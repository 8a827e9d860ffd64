package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"pregen/internal/driver"
	"pregen/internal/ibc"
	"pregen/internal/meta"
)

var profileCmd = &cobra.Command{
	Use:   "profile [flags] <file>",
	Short: "Inspect a legacy profile blob",
	Long: "Parse a profile blob (bare, or embedded in a PE image) and print what it recorded. " +
		"Tokens resolve against the workspace target module, so the command runs inside a workspace.",
	Args: cobra.ExactArgs(1),
	RunE: profileExecution,
}

func profileExecution(cmd *cobra.Command, args []string) error {
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	manifestPath, err := cmd.Flags().GetString("manifest")
	if err != nil {
		return err
	}
	switch format {
	case "pretty", "json":
	default:
		return fmt.Errorf("unsupported format %q (must be pretty or json)", format)
	}

	world, target, err := loadWorkspace(manifestPath)
	if err != nil {
		return err
	}

	path := args[0]
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	parser := ibc.NewParser(world, target)
	pd, err := parser.Parse(blob)
	if errors.Is(err, ibc.ErrNotProfile) {
		embedded, exErr := ibc.ExtractPE(path)
		if exErr != nil {
			return fmt.Errorf("%s: %w", path, exErr)
		}
		pd, err = parser.Parse(embedded)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if format == "json" {
		return renderProfileJSON(cmd.OutOrStdout(), path, world, pd)
	}
	renderProfilePretty(cmd.OutOrStdout(), path, world, pd)
	return nil
}

// loadWorkspace loads every module the manifest names and returns the world
// plus the target module. Token resolution needs the full load order, not
// just the target, or inter-module references dangle.
func loadWorkspace(manifestPath string) (*meta.World, meta.ModuleID, error) {
	if manifestPath == "" {
		found, ok, err := driver.FindManifest(".")
		if err != nil {
			return nil, meta.NoModuleID, err
		}
		if !ok {
			return nil, meta.NoModuleID, errors.New("no " + driver.ManifestName + " found")
		}
		manifestPath = found
	}
	man, err := driver.LoadManifest(manifestPath)
	if err != nil {
		return nil, meta.NoModuleID, err
	}
	loader := meta.NewLoader()
	target := meta.NoModuleID
	for _, ref := range man.Modules {
		path := man.ModulePath(ref)
		lm, err := loader.LoadModule(path)
		if err != nil {
			return nil, meta.NoModuleID, err
		}
		if lm.Name != ref.Name {
			return nil, meta.NoModuleID, fmt.Errorf("%s: fixture declares module %q, manifest names it %q", path, lm.Name, ref.Name)
		}
		if ref.Name == man.Image.Target {
			target = lm.ID
		}
	}
	return loader.World(), target, nil
}

type profileMethodPayload struct {
	Name         string   `json:"name"`
	Flags        []string `json:"flags,omitempty"`
	ScenarioMask uint32   `json:"scenario_mask"`
	ReadCount    uint32   `json:"read_count"`
}

type profileTypePayload struct {
	Name         string   `json:"name"`
	Flags        []string `json:"flags,omitempty"`
	ScenarioMask uint32   `json:"scenario_mask"`
	ReadCount    uint32   `json:"read_count"`
}

type profileScenarioPayload struct {
	ID   uint32 `json:"id"`
	Mask uint32 `json:"mask"`
	Name string `json:"name"`
}

type profilePayload struct {
	File      string                   `json:"file"`
	Scenarios []profileScenarioPayload `json:"scenarios,omitempty"`
	Methods   []profileMethodPayload   `json:"methods,omitempty"`
	Types     []profileTypePayload     `json:"types,omitempty"`
	Warnings  []string                 `json:"warnings,omitempty"`
}

func renderProfileJSON(out io.Writer, path string, world *meta.World, pd *ibc.ProfileData) error {
	payload := profilePayload{File: path}
	for _, s := range pd.Scenarios {
		payload.Scenarios = append(payload.Scenarios, profileScenarioPayload{ID: s.ID, Mask: s.Mask, Name: s.Name})
	}
	for _, mp := range sortedMethodProfiles(pd) {
		payload.Methods = append(payload.Methods, profileMethodPayload{
			Name:         world.MethodName(mp.Method),
			Flags:        flagNames(mp.Flags),
			ScenarioMask: mp.ScenarioMask,
			ReadCount:    mp.ReadCount,
		})
	}
	for _, tp := range sortedTypeProfiles(pd) {
		payload.Types = append(payload.Types, profileTypePayload{
			Name:         world.TypeName(tp.Type),
			Flags:        flagNames(tp.Flags),
			ScenarioMask: tp.ScenarioMask,
			ReadCount:    tp.ReadCount,
		})
	}
	for _, w := range pd.Warnings {
		payload.Warnings = append(payload.Warnings, w.String())
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func renderProfilePretty(out io.Writer, path string, world *meta.World, pd *ibc.ProfileData) {
	fmt.Fprintf(out, "profile %s\n", path)
	if len(pd.Scenarios) > 0 {
		fmt.Fprintln(out, "scenarios:")
		for _, s := range pd.Scenarios {
			fmt.Fprintf(out, "  [%d] %s (mask 0x%08x)\n", s.ID, s.Name, s.Mask)
		}
	}
	if len(pd.Methods) > 0 {
		fmt.Fprintf(out, "methods: %d\n", len(pd.Methods))
		for _, mp := range sortedMethodProfiles(pd) {
			fmt.Fprintf(out, "  %-22s %6d  %s\n", flagColumn(mp.Flags), mp.ReadCount, world.MethodName(mp.Method))
		}
	}
	if len(pd.Types) > 0 {
		fmt.Fprintf(out, "types: %d\n", len(pd.Types))
		for _, tp := range sortedTypeProfiles(pd) {
			fmt.Fprintf(out, "  %-22s %6d  %s\n", flagColumn(tp.Flags), tp.ReadCount, world.TypeName(tp.Type))
		}
	}
	if len(pd.Warnings) > 0 {
		fmt.Fprintf(out, "warnings: %d\n", len(pd.Warnings))
		for _, w := range pd.Warnings {
			fmt.Fprintf(out, "  %s\n", w)
		}
	}
}

// sortedMethodProfiles orders entries hottest first so the interesting rows
// lead; names break ties to keep the output stable.
func sortedMethodProfiles(pd *ibc.ProfileData) []ibc.MethodProfile {
	entries := make([]ibc.MethodProfile, 0, len(pd.Methods))
	for _, mp := range pd.Methods {
		entries = append(entries, mp)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ReadCount != entries[j].ReadCount {
			return entries[i].ReadCount > entries[j].ReadCount
		}
		return entries[i].Method < entries[j].Method
	})
	return entries
}

func sortedTypeProfiles(pd *ibc.ProfileData) []ibc.TypeProfile {
	entries := make([]ibc.TypeProfile, 0, len(pd.Types))
	for _, tp := range pd.Types {
		entries = append(entries, tp)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ReadCount != entries[j].ReadCount {
			return entries[i].ReadCount > entries[j].ReadCount
		}
		return entries[i].Type < entries[j].Type
	})
	return entries
}

func flagNames(f ibc.RecordFlags) []string {
	var names []string
	if f&ibc.FlagHot != 0 {
		names = append(names, "hot")
	}
	if f&ibc.FlagExecuted != 0 {
		names = append(names, "executed")
	}
	if f&ibc.FlagColdStart != 0 {
		names = append(names, "cold-start")
	}
	return names
}

func flagColumn(f ibc.RecordFlags) string {
	names := flagNames(f)
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

func init() {
	profileCmd.Flags().String("format", "pretty", "output format (pretty|json)")
	profileCmd.Flags().String("manifest", "", "workspace manifest (default: search upward)")
}
