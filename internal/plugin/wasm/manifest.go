package wasm

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-stt/internal/plugin"
)

// ManifestFile is the file name LoadDir looks for in each plugin directory.
const ManifestFile = "plugin.yaml"

// Manifest describes a WASM plugin package.
type Manifest struct {
	Metadata Metadata          `yaml:"metadata"`
	Runtime  RuntimeSpec       `yaml:"runtime"`
	Hooks    []HookSpec        `yaml:"hooks"`
	Env      map[string]string `yaml:"env,omitempty"`

	// dir is the manifest's directory; relative module paths resolve from it.
	dir string
}

type Metadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
}

type RuntimeSpec struct {
	Mode        string `yaml:"mode"`
	Module      string `yaml:"module"`
	HostVersion string `yaml:"host_version"`
}

// HookSpec binds a hook kind to the guest export implementing it.
type HookSpec struct {
	Kind   plugin.Hook `yaml:"kind"`
	Export string      `yaml:"export"`
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// ModulePath resolves the module file relative to the manifest.
func (m Manifest) ModulePath() string {
	if filepath.IsAbs(m.Runtime.Module) || m.dir == "" {
		return m.Runtime.Module
	}
	return filepath.Join(m.dir, m.Runtime.Module)
}

// Validate ensures the manifest contains the required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	switch m.Runtime.Mode {
	case "":
		return fmt.Errorf("runtime.mode is required")
	case "wasm":
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for wasm")
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if len(m.Hooks) == 0 {
		return fmt.Errorf("hooks must declare at least one entry")
	}
	seen := make(map[plugin.Hook]bool, len(m.Hooks))
	for i, h := range m.Hooks {
		switch h.Kind {
		case plugin.HookAudioPreprocess, plugin.HookEnhanceResult, plugin.HookDetectLanguage:
		default:
			return fmt.Errorf("hooks[%d].kind %q not supported", i, h.Kind)
		}
		if h.Export == "" {
			return fmt.Errorf("hooks[%d].export is required", i)
		}
		if seen[h.Kind] {
			return fmt.Errorf("hooks[%d]: %s declared twice", i, h.Kind)
		}
		seen[h.Kind] = true
	}
	return nil
}
