// Package config loads Weaver's daemon configuration, layering a JSON (or
// YAML) file on disk under flag and environment overrides the way the
// teacher CLI layers --flag values over a workspace config file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SemanticLockConfig controls the one tunable knob spec.md's Open Questions
// left to implementer judgment.
type SemanticLockConfig struct {
	// FailOnWarnings makes newly introduced warning-severity diagnostics
	// fail the semantic lock, not only error-severity ones. Default false.
	FailOnWarnings bool `json:"fail_on_warnings" yaml:"fail_on_warnings"`
}

// SandboxConfig controls the subprocess sandbox's allow-lists.
type SandboxConfig struct {
	AllowedExecutables []string `json:"allowed_executables" yaml:"allowed_executables"`
	AllowedPaths       []string `json:"allowed_paths" yaml:"allowed_paths"`
	// EnvPolicy is one of "isolated", "allowlist", "inherit".
	EnvPolicy   string   `json:"env_policy" yaml:"env_policy"`
	EnvAllowList []string `json:"env_allowlist" yaml:"env_allowlist"`
}

// Config is Weaver daemon's full configuration surface.
type Config struct {
	// WorkspaceRoot is the directory all paths in requests are resolved
	// against and validated to stay within.
	WorkspaceRoot string `json:"workspace_root" yaml:"workspace_root"`

	// RuntimeDir holds the daemon's lock/pid/health artefacts and, when
	// SocketPath is unset, the default Unix-domain socket itself.
	RuntimeDir string `json:"runtime_dir" yaml:"runtime_dir"`

	// SocketPath overrides the listener endpoint. A "tcp://host:port" value
	// selects a TCP listener; anything else is a Unix-domain socket path.
	// Empty means RuntimeDir/weaver.sock is used.
	SocketPath string `json:"socket_path" yaml:"socket_path"`

	// PluginDir holds plugin manifest files (JSON or YAML).
	PluginDir string `json:"plugin_dir" yaml:"plugin_dir"`

	// LanguageServers maps a language name to the argv that starts its LSP
	// server subprocess, e.g. {"rust": ["rust-analyzer"]}. A language with
	// no entry here has no semantic backend: the semantic lock reports
	// SemanticBackendUnavailable for it rather than silently passing.
	LanguageServers map[string][]string `json:"language_servers" yaml:"language_servers"`

	// PluginTimeoutMS bounds a single plugin invocation.
	PluginTimeoutMS int `json:"plugin_timeout_ms" yaml:"plugin_timeout_ms"`

	// PluginKillGraceMS is how long the runner waits after SIGTERM before
	// SIGKILL.
	PluginKillGraceMS int `json:"plugin_kill_grace_ms" yaml:"plugin_kill_grace_ms"`

	// ShutdownDeadlineMS bounds graceful drain on shutdown.
	ShutdownDeadlineMS int `json:"shutdown_deadline_ms" yaml:"shutdown_deadline_ms"`

	Sandbox      SandboxConfig      `json:"sandbox" yaml:"sandbox"`
	SemanticLock SemanticLockConfig `json:"semantic_lock" yaml:"semantic_lock"`

	Verbose bool `json:"verbose" yaml:"verbose"`
}

// Default returns a Config with the teacher-style baked-in defaults applied.
func Default() Config {
	return Config{
		RuntimeDir:         filepath.Join(os.TempDir(), "weaver"),
		PluginTimeoutMS:    10_000,
		PluginKillGraceMS:  2_000,
		ShutdownDeadlineMS: 5_000,
		Sandbox: SandboxConfig{
			EnvPolicy: "isolated",
		},
	}
}

// Load reads path (JSON or YAML by extension) and applies it over Default().
// A missing file is not an error: callers get defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from WEAVER_* environment variables,
// matching the teacher's env-override-over-file layering order.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("WEAVER_WORKSPACE_ROOT"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("WEAVER_RUNTIME_DIR"); v != "" {
		c.RuntimeDir = v
	}
	if v := os.Getenv("WEAVER_SOCKET_PATH"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("WEAVER_PLUGIN_DIR"); v != "" {
		c.PluginDir = v
	}
	if v := os.Getenv("WEAVER_PLUGIN_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PluginTimeoutMS = n
		}
	}
	if v := os.Getenv("WEAVER_VERBOSE"); v != "" {
		c.Verbose = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate reports InvalidConfiguration-worthy problems. Callers wrap the
// error in wireerr.New(wireerr.InvalidConfiguration, ...) at the boundary
// that owns the wire taxonomy, keeping this package free of that
// dependency so it stays usable from the client CLI too.
func (c Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root must be set")
	}
	info, err := os.Stat(c.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("workspace_root %s: %w", c.WorkspaceRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace_root %s is not a directory", c.WorkspaceRoot)
	}
	switch c.Sandbox.EnvPolicy {
	case "isolated", "allowlist", "inherit", "":
	default:
		return fmt.Errorf("sandbox.env_policy %q is not one of isolated, allowlist, inherit", c.Sandbox.EnvPolicy)
	}
	if c.PluginTimeoutMS <= 0 {
		return fmt.Errorf("plugin_timeout_ms must be positive")
	}
	return nil
}
