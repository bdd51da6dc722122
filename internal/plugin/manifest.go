// Package plugin implements the plugin registry, capability contracts, and
// one-shot stdio-JSONL runner (C6, C7), grounded on
// internal/tools/registry.go's map+RWMutex registry and
// internal/mcp/transport_stdio.go's subprocess IPC shape.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind distinguishes read-only plugins from mutating ones.
type Kind string

const (
	KindSensor   Kind = "Sensor"
	KindActuator Kind = "Actuator"
)

// Manifest describes one registrable plugin. Fields mirror the wire
// manifest format in spec §6 exactly (name, version, kind, languages,
// executable, args, timeout_secs, capabilities).
type Manifest struct {
	Name         string   `json:"name" yaml:"name"`
	Version      string   `json:"version" yaml:"version"`
	Kind         Kind     `json:"kind" yaml:"kind"`
	Languages    []string `json:"languages" yaml:"languages"`
	Executable   string   `json:"executable" yaml:"executable"`
	Args         []string `json:"args" yaml:"args"`
	TimeoutSecs  int      `json:"timeout_secs" yaml:"timeout_secs"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
}

// Validate enforces the data-model invariants from spec §3: absolute
// executable path, non-empty name, and Sensor manifests carrying no
// capabilities.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest name must not be empty")
	}
	if !filepath.IsAbs(m.Executable) {
		return fmt.Errorf("manifest %q: executable must be an absolute path, got %q", m.Name, m.Executable)
	}
	if m.Kind == KindSensor && len(m.Capabilities) > 0 {
		return fmt.Errorf("manifest %q: Sensor manifests must not declare capabilities", m.Name)
	}
	if m.Kind != KindSensor && m.Kind != KindActuator {
		return fmt.Errorf("manifest %q: kind must be Sensor or Actuator, got %q", m.Name, m.Kind)
	}
	return nil
}

// LoadManifestFile reads a single JSON or YAML manifest file.
func LoadManifestFile(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return m, fmt.Errorf("parse yaml manifest %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &m); err != nil {
			return m, fmt.Errorf("parse json manifest %s: %w", path, err)
		}
	}
	return m, nil
}

// LoadManifestDir loads every *.json/*.yaml/*.yml file directly under dir
// (non-recursive, matching a flat plugin directory convention).
func LoadManifestDir(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
	}
	var manifests []Manifest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		m, err := LoadManifestFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
