package refactor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weaver/internal/logging"
	"weaver/internal/plugin"
	"weaver/internal/protocol"
	"weaver/internal/sandbox"
	"weaver/internal/txn"
	"weaver/internal/wireerr"
)

func init() {
	_ = logging.Initialize(false)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newExecutor(t *testing.T, workspace, script string) *Executor {
	t.Helper()
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(plugin.Manifest{
		Name: "renamer", Kind: plugin.KindActuator, Executable: script,
		Languages: []string{"rust"}, Capabilities: []string{"rename-symbol"}, TimeoutSecs: 2,
	}))
	sb := sandbox.New(sandbox.Policy{AllowedExecutables: []string{script}, Env: sandbox.EnvIsolated})
	runner := plugin.NewRunner(reg, sb, 0, 0)
	harness := txn.New(workspace, nil, nil)
	return New(workspace, reg, runner, harness)
}

func TestExecutorRenamesSymbolSuccessfully(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.rs"), []byte("fn old_name() {}"), 0o644))

	diff := "*** MODIFY main.rs\n" +
		"<<<<<<< SEARCH\n" +
		"fn old_name() {}\n" +
		"=======\n" +
		"fn new_name() {}\n" +
		">>>>>>> REPLACE\n"
	respJSON, err := json.Marshal(protocol.PluginResponse{
		Success: true,
		Output:  protocol.PluginOutput{Kind: protocol.OutputDiff, Content: diff},
	})
	require.NoError(t, err)
	script := writeScript(t, "read line; echo '"+string(respJSON)+"'")

	ex := newExecutor(t, dir, script)
	result, err := ex.Execute(context.Background(), Request{
		URI:        "main.rs",
		Capability: "rename-symbol",
		Args:       map[string]string{"uri": "main.rs", "position": "1:4", "new_name": "new_name"},
	})
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)

	data, err := os.ReadFile(filepath.Join(dir, "main.rs"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "new_name")
}

func TestExecutorRejectsInvalidArgs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.rs"), []byte("fn f() {}"), 0o644))
	script := writeScript(t, `read line; echo '{"success":true,"output":{"kind":"diff","content":"x"}}'`)

	ex := newExecutor(t, dir, script)
	_, err := ex.Execute(context.Background(), Request{
		URI:        "main.rs",
		Capability: "rename-symbol",
		Args:       map[string]string{"uri": "main.rs"},
	})
	require.Error(t, err)
	assert.True(t, wireerr.Is(err, wireerr.InvalidArguments))
}

func TestExecutorNoProviderForCapability(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.rs"), []byte("fn f() {}"), 0o644))

	reg := plugin.NewRegistry()
	sb := sandbox.New(sandbox.Policy{})
	runner := plugin.NewRunner(reg, sb, 0, 0)
	harness := txn.New(dir, nil, nil)
	ex := New(dir, reg, runner, harness)

	_, err := ex.Execute(context.Background(), Request{
		URI:        "main.rs",
		Capability: "rename-symbol",
		Args:       map[string]string{"uri": "main.rs", "position": "1:4", "new_name": "x"},
	})
	require.Error(t, err)
	assert.True(t, wireerr.Is(err, wireerr.PluginNotFound))
}

func TestExecutorPluginFailureSurfacesDiagnostic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.rs"), []byte("fn f() {}"), 0o644))
	script := writeScript(t, `read line; echo '{"success":false,"diagnostics":[{"severity":"error","message":"symbol not found","reason_code":"symbol-not-found"}]}'`)

	ex := newExecutor(t, dir, script)
	_, err := ex.Execute(context.Background(), Request{
		URI:        "main.rs",
		Capability: "rename-symbol",
		Args:       map[string]string{"uri": "main.rs", "position": "1:4", "new_name": "x"},
	})
	require.Error(t, err)
}

func TestExecutorRejectsUnsupportedLanguage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.unknown"), []byte("x"), 0o644))
	script := writeScript(t, `echo '{"success":true,"output":{"kind":"diff","content":"x"}}'`)

	ex := newExecutor(t, dir, script)
	_, err := ex.Execute(context.Background(), Request{
		URI:        "main.unknown",
		Capability: "rename-symbol",
		Args:       map[string]string{"uri": "main.unknown", "position": "1:4", "new_name": "x"},
	})
	require.Error(t, err)
	assert.True(t, wireerr.Is(err, wireerr.InvalidArguments))
}
