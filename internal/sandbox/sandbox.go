// Package sandbox runs a single plugin executable under allow-listed
// constraints: only a named executable, only named filesystem paths as its
// working directory, and a chosen environment policy. It is grounded on
// internal/tools/shell/execute.go's exec.CommandContext + buffered
// stdout/stderr pattern, generalized with pre-spawn allow-list checks since
// os/exec has no native sandboxing primitive to delegate to.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"weaver/internal/logging"
	"weaver/internal/wireerr"
)

// EnvPolicy controls what environment variables a sandboxed process sees.
type EnvPolicy string

const (
	// EnvIsolated passes no environment variables at all.
	EnvIsolated EnvPolicy = "isolated"
	// EnvAllowList passes only the variables named in Policy.EnvAllowList,
	// read from the current process's environment.
	EnvAllowList EnvPolicy = "allowlist"
	// EnvInherit passes the daemon's full environment through. Reserved for
	// trusted local development use; production policy should prefer
	// EnvIsolated or EnvAllowList.
	EnvInherit EnvPolicy = "inherit"
)

// Policy is the sandbox's allow-list configuration for one daemon instance.
type Policy struct {
	AllowedExecutables []string
	AllowedPaths       []string
	Env                EnvPolicy
	EnvAllowList       []string
}

// Sandbox enforces Policy for every plugin spawn. A single Sandbox is
// shared by all connections; Prepare itself does not hold a lock across the
// child's lifetime, but callers in internal/plugin serialize spawns per
// connection per spec's single-threaded-spawn-context constraint.
type Sandbox struct {
	policy Policy
	mu     sync.Mutex
}

// New builds a Sandbox enforcing policy.
func New(policy Policy) *Sandbox {
	return &Sandbox{policy: policy}
}

// Allowed reports whether executable is present in the configured
// allow-list. An empty allow-list denies everything; there is no implicit
// wildcard.
func (s *Sandbox) Allowed(executable string) bool {
	for _, a := range s.policy.AllowedExecutables {
		if a == executable {
			return true
		}
	}
	return false
}

// allowedDir reports whether dir is within (or equal to) one of the
// allowed paths.
func (s *Sandbox) allowedDir(dir string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	for _, a := range s.policy.AllowedPaths {
		absA, err := filepath.Abs(a)
		if err != nil {
			continue
		}
		if absDir == absA || strings.HasPrefix(absDir+string(filepath.Separator), absA+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Spec describes one subprocess invocation request.
type Spec struct {
	Executable string
	Args       []string
	WorkingDir string
	Stdin      []byte
}

// Prepare validates spec against the sandbox's allow-lists and, if it
// passes, returns a ready-to-run *exec.Cmd with network access left to the
// OS default-deny posture (Weaver sets no proxy/network env and the
// sandboxed executable is expected to be a local, non-networked plugin;
// Weaver does not implement its own network namespace, matching spec's
// "network default-deny" as a policy rather than a kernel-level sandbox).
func (s *Sandbox) Prepare(ctx context.Context, spec Spec) (*exec.Cmd, error) {
	log := logging.Get(logging.CategorySandbox)

	if !s.Allowed(spec.Executable) {
		log.Warn("sandbox denied executable", zap.String("executable", spec.Executable))
		return nil, wireerr.Withf(wireerr.SandboxDenied, map[string]any{"executable": spec.Executable},
			"executable %q is not in the sandbox allow-list", spec.Executable)
	}
	if spec.WorkingDir != "" && !s.allowedDir(spec.WorkingDir) {
		log.Warn("sandbox denied working dir", zap.String("dir", spec.WorkingDir))
		return nil, wireerr.Withf(wireerr.SandboxDenied, map[string]any{"path": spec.WorkingDir},
			"working directory %q is not in the sandbox allow-list", spec.WorkingDir)
	}

	resolved, err := exec.LookPath(spec.Executable)
	if err != nil {
		// Allow absolute-path executables the allow-list already named
		// explicitly, the same way a manifest can name a full path.
		if filepath.IsAbs(spec.Executable) {
			resolved = spec.Executable
		} else {
			return nil, wireerr.Withf(wireerr.SandboxDenied, map[string]any{"executable": spec.Executable},
				"executable %q not found on PATH: %v", spec.Executable, err)
		}
	}

	cmd := exec.CommandContext(ctx, resolved, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = s.buildEnv()
	if cmd.Env == nil {
		// A nil Env makes os/exec inherit the daemon's environment; an
		// empty list gives the child no variables at all.
		cmd.Env = []string{}
	}
	return cmd, nil
}

func (s *Sandbox) buildEnv() []string {
	switch s.policy.Env {
	case EnvInherit:
		return os.Environ()
	case EnvAllowList:
		env := make([]string, 0, len(s.policy.EnvAllowList))
		for _, name := range s.policy.EnvAllowList {
			if v, ok := os.LookupEnv(name); ok {
				env = append(env, fmt.Sprintf("%s=%s", name, v))
			}
		}
		return env
	case EnvIsolated, "":
		return nil
	default:
		return nil
	}
}
