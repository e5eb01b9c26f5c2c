// Package pluginloader discovers plugin directories on disk, parses and
// validates their manifests, and collects entry-point source text with
// path-traversal defense (§4.C).
package pluginloader

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"devrig/internal/manifest"
)

// Descriptor is the result of loading one plugin directory.
type Descriptor struct {
	ID          string
	Name        string
	Version     string
	Manifest    *manifest.Manifest
	Path        string
	Permissions manifest.Permissions
	EntryPoints map[string]string // filename -> source text
}

// Discover scans dir, treating each subdirectory as a candidate plugin.
// A subdirectory without a manifest.json, or whose manifest fails to
// parse or validate, is logged and skipped; discovery never aborts for
// a single bad plugin.
func Discover(dir string) []*Descriptor {
	log := slog.Default().With("component", "pluginloader")

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn("cannot read plugins directory", "dir", dir, "error", err)
		return nil
	}

	var out []*Descriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		desc, err := Load(pluginDir)
		if err != nil {
			log.Warn("failed to load plugin", "dir", pluginDir, "error", err)
			continue
		}
		out = append(out, desc)
	}
	return out
}

// Load parses and validates a single plugin directory's manifest.json
// and collects its declared entry-point source files.
func Load(pluginDir string) (*Descriptor, error) {
	manifestPath := filepath.Join(pluginDir, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}

	m, warnings, err := manifest.ParseAndValidate(raw)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		slog.Default().With("component", "pluginloader").Warn(
			"manifest validation warning", "plugin", m.ID, "field", w.Field, "message", w.Message)
	}

	absBase, err := filepath.Abs(pluginDir)
	if err != nil {
		return nil, err
	}

	entryPoints := make(map[string]string)
	for _, rel := range entryPointPaths(m) {
		filename := filepath.Base(rel)
		if _, seen := entryPoints[filename]; seen {
			continue
		}
		resolved := filepath.Join(absBase, rel)
		absResolved, err := filepath.Abs(resolved)
		if err != nil {
			continue
		}
		if !withinBase(absBase, absResolved) {
			continue
		}
		src, err := os.ReadFile(absResolved)
		if err != nil {
			continue
		}
		entryPoints[filename] = string(src)
	}

	return &Descriptor{
		ID:          m.ID,
		Name:        m.Name,
		Version:     m.Version,
		Manifest:    m,
		Path:        absBase,
		Permissions: m.Permissions,
		EntryPoints: entryPoints,
	}, nil
}

func entryPointPaths(m *manifest.Manifest) []string {
	var out []string
	for _, d := range m.Capabilities.DataSources {
		out = append(out, d.EntryPoint)
	}
	for _, a := range m.Capabilities.Actions {
		out = append(out, a.EntryPoint)
	}
	for _, p := range m.Capabilities.AIPipelines {
		out = append(out, p.EntryPoint)
	}
	for _, v := range m.Capabilities.Views {
		out = append(out, v.EntryPoint)
	}
	for _, n := range m.Capabilities.FlowNodes {
		out = append(out, n.EntryPoint)
	}
	return out
}

// withinBase reports whether resolved is base or a descendant of base,
// the traversal defense §4.C requires for entry-point resolution.
func withinBase(base, resolved string) bool {
	if resolved == base {
		return true
	}
	return strings.HasPrefix(resolved, base+string(filepath.Separator))
}
