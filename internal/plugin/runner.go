package plugin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"weaver/internal/logging"
	"weaver/internal/protocol"
	"weaver/internal/sandbox"
	"weaver/internal/wireerr"
)

// defaultPluginTimeout and defaultKillGrace back Runners built without an
// explicit configured timeout (e.g. in tests).
const (
	defaultPluginTimeout = 10 * time.Second
	defaultKillGrace     = 2 * time.Second
)

// Runner executes plugins one invocation at a time through a Sandbox,
// grounded on internal/mcp/transport_stdio.go's StdioTransport (stdin/stdout
// pipes, scanner-based single-line read, context-cancellable wait),
// narrowed from a long-lived bidirectional transport to spec §4.5's
// one-shot single-request/single-response exchange.
type Runner struct {
	registry       *Registry
	sandbox        *sandbox.Sandbox
	defaultTimeout time.Duration
	killGrace      time.Duration
}

// NewRunner builds a Runner executing plugins from registry through sb.
// defaultTimeout bounds an invocation when its manifest declares no
// timeout_secs of its own; killGrace is how long the runner waits after
// requesting termination before escalating to an unconditional kill, per
// spec §4.5 step 6 and §5's "~2s grace" guidance. Grounded on
// internal/mcp/transport_stdio.go's kill-then-wait-with-timeout Disconnect.
// A non-positive value for either falls back to its package default.
func NewRunner(registry *Registry, sb *sandbox.Sandbox, defaultTimeout, killGrace time.Duration) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultPluginTimeout
	}
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	return &Runner{registry: registry, sandbox: sb, defaultTimeout: defaultTimeout, killGrace: killGrace}
}

// Execute runs the named plugin with req, implementing spec §4.5's
// seven-step algorithm. The manifest's own timeout governs step 6's
// terminate-then-kill sequence; it is deliberately not wired through
// exec.CommandContext, since that cancels with an immediate kill rather
// than spec's terminate-then-grace-then-kill sequence.
func (r *Runner) Execute(ctx context.Context, name string, req protocol.PluginRequest) (protocol.PluginResponse, error) {
	invocationID := uuid.NewString()
	log := logging.Get(logging.CategoryPlugin).With(zap.String("invocation_id", invocationID))

	manifest, ok := r.registry.Get(name)
	if !ok {
		return protocol.PluginResponse{}, wireerr.Withf(wireerr.PluginNotFound, map[string]any{"plugin": name, "invocation_id": invocationID},
			"plugin %q is not registered", name)
	}

	line, err := json.Marshal(req)
	if err != nil {
		return protocol.PluginResponse{}, fmt.Errorf("encode plugin request: %w", err)
	}
	line = append(line, '\n')

	timeout := time.Duration(manifest.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	cmd, err := r.sandbox.Prepare(context.Background(), sandbox.Spec{
		Executable: manifest.Executable,
		Args:       manifest.Args,
	})
	if err != nil {
		return protocol.PluginResponse{}, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return protocol.PluginResponse{}, wireerr.Withf(wireerr.BackendStartup, map[string]any{"plugin": name, "invocation_id": invocationID},
			"spawn failed: stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return protocol.PluginResponse{}, wireerr.Withf(wireerr.BackendStartup, map[string]any{"plugin": name, "invocation_id": invocationID},
			"spawn failed: stdout pipe: %v", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return protocol.PluginResponse{}, wireerr.Withf(wireerr.BackendStartup, map[string]any{"plugin": name, "invocation_id": invocationID},
			"spawn failed: %v", err)
	}

	if _, err := stdin.Write(line); err != nil {
		_ = cmd.Process.Kill()
		<-waitAsync(cmd)
		return protocol.PluginResponse{}, fmt.Errorf("write plugin request: %w", err)
	}
	_ = stdin.Close()

	type readResult struct {
		line []byte
		err  error
	}
	readCh := make(chan readResult, 1)
	go func() {
		l, err := readOneLine(stdout)
		readCh <- readResult{l, err}
	}()

	waitCh := waitAsync(cmd)

	var waitErr error
	var timedOut bool

	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		waitErr = terminateThenKill(cmd, waitCh, r.killGrace)
	case <-time.After(timeout):
		timedOut = true
		waitErr = terminateThenKill(cmd, waitCh, r.killGrace)
	}

	if timedOut {
		log.Warn("plugin timed out", zap.String("plugin", name))
		return protocol.PluginResponse{}, wireerr.Withf(wireerr.PluginTimeout, map[string]any{"plugin": name, "invocation_id": invocationID},
			"plugin %q exceeded its %s timeout", name, timeout)
	}
	if ctx.Err() != nil {
		return protocol.PluginResponse{}, fmt.Errorf("connection cancelled: %w", ctx.Err())
	}

	res := <-readCh

	if waitErr != nil {
		log.Warn("plugin exited non-zero", zap.String("plugin", name), zap.Error(waitErr), zap.String("stderr", stderr.String()))
		return protocol.PluginResponse{}, wireerr.Withf(wireerr.PluginNonZeroExit,
			map[string]any{"plugin": name, "stderr": stderr.String(), "invocation_id": invocationID}, "plugin %q exited with error: %v", name, waitErr)
	}
	if res.err != nil && res.err != io.EOF {
		return protocol.PluginResponse{}, fmt.Errorf("read plugin response: %w", res.err)
	}

	var resp protocol.PluginResponse
	if err := json.Unmarshal(res.line, &resp); err != nil {
		return protocol.PluginResponse{}, wireerr.Withf(wireerr.PluginInvalidOutput, map[string]any{"plugin": name, "invocation_id": invocationID},
			"plugin %q produced invalid JSON response: %v", name, err)
	}
	return resp, nil
}

// terminateThenKill sends SIGTERM and waits killGrace for cmd to exit
// before escalating to an unconditional kill, returning whatever Wait()
// eventually reports.
func terminateThenKill(cmd *exec.Cmd, waitCh <-chan error, killGrace time.Duration) error {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case err := <-waitCh:
		return err
	case <-time.After(killGrace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return <-waitCh
	}
}

func waitAsync(cmd *exec.Cmd) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- cmd.Wait() }()
	return ch
}

func readOneLine(r io.Reader) ([]byte, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
