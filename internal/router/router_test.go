package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weaver/internal/logging"
	"weaver/internal/lock"
	"weaver/internal/lspclient"
	"weaver/internal/plugin"
	"weaver/internal/protocol"
	"weaver/internal/refactor"
	"weaver/internal/sandbox"
	"weaver/internal/txn"
)

func init() {
	_ = logging.Initialize(false)
}

type fakeLSPClient struct {
	diagsFor map[string][]lspclient.Diagnostic
}

func (f *fakeLSPClient) Diagnose(_ context.Context, _, _ string, content []byte) ([]lspclient.Diagnostic, error) {
	return f.diagsFor[string(content)], nil
}
func (f *fakeLSPClient) Close(string) error { return nil }

type fakeLSPRegistry struct{ client lspclient.Client }

func (r *fakeLSPRegistry) ClientFor(string) (lspclient.Client, error) { return r.client, nil }

func newTestRouter(t *testing.T, dir string) *Router {
	t.Helper()
	reg := plugin.NewRegistry()
	sb := sandbox.New(sandbox.Policy{})
	runner := plugin.NewRunner(reg, sb, 0, 0)
	harness := txn.New(dir, nil, nil)
	refactorExec := refactor.New(dir, reg, runner, harness)

	syn, err := lock.NewSyntacticLock()
	require.NoError(t, err)

	sem := lock.NewSemanticLock(&fakeLSPRegistry{client: &fakeLSPClient{}}, func(path string) (string, bool) {
		if filepath.Ext(path) == ".rs" {
			return "rust", true
		}
		return "", false
	}, false)

	return New(dir, reg, runner, harness, refactorExec, syn, sem)
}

func collect(t *testing.T, r *Router, req protocol.Request) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	r.Handle(context.Background(), req, func(m protocol.Message) { msgs = append(msgs, m) })
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, protocol.KindExit, last.Kind)
	return msgs
}

func TestHandleUnknownDomain(t *testing.T) {
	r := newTestRouter(t, t.TempDir())
	msgs := collect(t, r, protocol.Request{Domain: "bogus", Operation: "diagnostics"})
	assert.Equal(t, 1, msgs[len(msgs)-1].Status)
	assert.Contains(t, msgs[0].Data, "UnknownDomain")
}

func TestHandleUnknownOperation(t *testing.T) {
	r := newTestRouter(t, t.TempDir())
	msgs := collect(t, r, protocol.Request{Domain: "observe", Operation: "bogus"})
	assert.Contains(t, msgs[0].Data, "UnknownOperation")
}

func TestHandleEmptyDomainOrOperation(t *testing.T) {
	r := newTestRouter(t, t.TempDir())
	msgs := collect(t, r, protocol.Request{Domain: "", Operation: "diagnostics"})
	assert.Contains(t, msgs[0].Data, "InvalidStructure")
}

func TestHandleObserveListPlugins(t *testing.T) {
	r := newTestRouter(t, t.TempDir())
	msgs := collect(t, r, protocol.Request{Domain: "observe", Operation: "list-plugins"})
	assert.Equal(t, 0, msgs[len(msgs)-1].Status)
	assert.Equal(t, "[]", msgs[0].Data)
}

func TestHandleApplyPatchCreatesFile(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter(t, dir)

	payload := "*** CREATE new.txt\n<<<<<<< CONTENT\nhello\n>>>>>>> END\n"
	msgs := collect(t, r, protocol.Request{Domain: "act", Operation: "apply-patch", Payload: payload})
	assert.Equal(t, 0, msgs[len(msgs)-1].Status)

	data, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestHandleApplyRewriteReplacesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("old"), 0o644))
	r := newTestRouter(t, dir)

	msgs := collect(t, r, protocol.Request{
		Domain: "act", Operation: "apply-rewrite",
		Arguments: []string{"uri=f.txt"}, Payload: "new content",
	})
	assert.Equal(t, 0, msgs[len(msgs)-1].Status)

	data, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new content", string(data))
}

func TestHandleApplyEditsAppliesBatch(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter(t, dir)

	msgs := collect(t, r, protocol.Request{
		Domain: "act", Operation: "apply-edits",
		Payload: `[{"path":"a.txt","content":"one"},{"path":"b.txt","content":"two"}]`,
	})
	assert.Equal(t, 0, msgs[len(msgs)-1].Status)

	a, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(a))
}

func TestHandleVerifySyntaxValid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.rs"), []byte(`fn main() {}`), 0o644))
	r := newTestRouter(t, dir)

	msgs := collect(t, r, protocol.Request{Domain: "verify", Operation: "syntax", Arguments: []string{"uri=ok.rs"}})
	assert.Equal(t, 0, msgs[len(msgs)-1].Status)
	assert.Equal(t, "[]", msgs[0].Data)
}

func TestHandleVerifySyntaxBroken(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter(t, dir)

	msgs := collect(t, r, protocol.Request{
		Domain: "verify", Operation: "syntax",
		Arguments: []string{"uri=bad.rs"}, Payload: "fn broken( {",
	})
	assert.Equal(t, 0, msgs[len(msgs)-1].Status)
	assert.Contains(t, msgs[0].Data, "syntax error")
}

func TestHandleVerifyDiagnostics(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter(t, dir)

	msgs := collect(t, r, protocol.Request{
		Domain: "verify", Operation: "diagnostics",
		Arguments: []string{"uri=x.rs"}, Payload: "anything",
	})
	assert.Equal(t, 0, msgs[len(msgs)-1].Status)
}

func TestHandleVerifyMissingURI(t *testing.T) {
	dir := t.TempDir()
	r := newTestRouter(t, dir)

	msgs := collect(t, r, protocol.Request{Domain: "verify", Operation: "syntax"})
	assert.Contains(t, msgs[0].Data, "InvalidArguments")
}
