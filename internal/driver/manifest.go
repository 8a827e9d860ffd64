package driver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ManifestName is the file the driver looks for when no manifest path is
// given.
const ManifestName = "pregen.toml"

// ModuleRef names one fixture module and where to load it from. Manifest
// order is load order: a module may only reference modules listed before it,
// and the order fixes entity numbering across runs.
type ModuleRef struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// ImageConfig describes the output image.
type ImageConfig struct {
	Name   string `toml:"name"`
	Target string `toml:"target"`
	// PointerSize is 4 or 8; zero takes the engine default.
	PointerSize uint32 `toml:"pointer_size"`
}

// BubbleConfig lists the modules versioned together with the target. An
// empty member list means the target versions alone.
type BubbleConfig struct {
	Members []string `toml:"members"`
}

// ProfileConfig points at an optional profile blob or profiled image.
type ProfileConfig struct {
	Path string `toml:"path"`
}

// Manifest is a parsed pregen.toml.
type Manifest struct {
	Image   ImageConfig   `toml:"image"`
	Modules []ModuleRef   `toml:"modules"`
	Bubble  BubbleConfig  `toml:"bubble"`
	Profile ProfileConfig `toml:"profile"`

	// Dir is the directory holding the manifest; relative paths in the
	// manifest resolve against it.
	Dir string `toml:"-"`
}

// FindManifest walks from startDir toward the filesystem root looking for
// a pregen.toml.
func FindManifest(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, ManifestName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// LoadManifest parses and validates one manifest file.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if !md.IsDefined("image") {
		return nil, fmt.Errorf("%s: missing [image]", path)
	}
	if !md.IsDefined("image", "target") || strings.TrimSpace(m.Image.Target) == "" {
		return nil, fmt.Errorf("%s: missing [image].target", path)
	}
	if ps := m.Image.PointerSize; ps != 0 && ps != 4 && ps != 8 {
		return nil, fmt.Errorf("%s: [image].pointer_size must be 4 or 8, got %d", path, ps)
	}
	if len(m.Modules) == 0 {
		return nil, fmt.Errorf("%s: missing [[modules]]", path)
	}
	names := make(map[string]bool, len(m.Modules))
	for i, ref := range m.Modules {
		if strings.TrimSpace(ref.Name) == "" {
			return nil, fmt.Errorf("%s: modules[%d]: missing name", path, i)
		}
		if strings.TrimSpace(ref.Path) == "" {
			return nil, fmt.Errorf("%s: modules[%d] (%s): missing path", path, i, ref.Name)
		}
		if names[ref.Name] {
			return nil, fmt.Errorf("%s: duplicate module %q", path, ref.Name)
		}
		names[ref.Name] = true
	}
	if !names[m.Image.Target] {
		return nil, fmt.Errorf("%s: [image].target %q is not a listed module", path, m.Image.Target)
	}
	if len(m.Bubble.Members) > 0 {
		inBubble := false
		for _, b := range m.Bubble.Members {
			if !names[b] {
				return nil, fmt.Errorf("%s: [bubble] member %q is not a listed module", path, b)
			}
			if b == m.Image.Target {
				inBubble = true
			}
		}
		if !inBubble {
			return nil, fmt.Errorf("%s: [bubble] must include the target %q", path, m.Image.Target)
		}
	}
	m.Dir = filepath.Dir(path)
	return &m, nil
}

// BubbleMembers returns the effective bubble membership: the configured
// list, or just the target when none was given.
func (m *Manifest) BubbleMembers() []string {
	if len(m.Bubble.Members) > 0 {
		return m.Bubble.Members
	}
	return []string{m.Image.Target}
}

// ModulePath resolves a module reference against the manifest directory.
func (m *Manifest) ModulePath(ref ModuleRef) string {
	if filepath.IsAbs(ref.Path) {
		return ref.Path
	}
	return filepath.Join(m.Dir, filepath.FromSlash(ref.Path))
}

// ProfilePath resolves the profile path, empty when no profile is set.
func (m *Manifest) ProfilePath() string {
	if m.Profile.Path == "" {
		return ""
	}
	if filepath.IsAbs(m.Profile.Path) {
		return m.Profile.Path
	}
	return filepath.Join(m.Dir, filepath.FromSlash(m.Profile.Path))
}
