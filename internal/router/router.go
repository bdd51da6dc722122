// Package router implements the domain router (C4): it case-folds
// (domain, operation), rejects unrecognised names with structured errors,
// and dispatches to the observe/act/verify handlers, grounded in shape on
// cmd/nerd/cmd_direct_actions.go's RunE closure-factory dispatch table,
// narrowed to the fixed domain/operation matrix spec §4.3 defines.
package router

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"weaver/internal/lock"
	"weaver/internal/logging"
	"weaver/internal/patch"
	"weaver/internal/plugin"
	"weaver/internal/protocol"
	"weaver/internal/refactor"
	"weaver/internal/txn"
	"weaver/internal/wireerr"
)

var observeOps = map[string]bool{
	"get-definition": true, "find-references": true, "grep": true,
	"diagnostics": true, "call-hierarchy": true, "list-plugins": true,
}

var actOps = map[string]bool{
	"rename-symbol": true, "apply-edits": true, "apply-patch": true,
	"apply-rewrite": true, "refactor": true,
}

var verifyOps = map[string]bool{
	"diagnostics": true, "syntax": true,
}

// Emit is called once per response message; the router guarantees exactly
// one terminal exit message is emitted last.
type Emit func(protocol.Message)

// Router dispatches a decoded Request to the handler for its domain.
type Router struct {
	workspaceRoot string
	registry      *plugin.Registry
	runner        *plugin.Runner
	harness       *txn.Harness
	refactorExec  *refactor.Executor
	syntactic     *lock.SyntacticLock
	semantic      *lock.SemanticLock
}

// New builds a Router wiring every component the handlers dispatch to.
func New(workspaceRoot string, registry *plugin.Registry, runner *plugin.Runner, harness *txn.Harness,
	refactorExec *refactor.Executor, syntactic *lock.SyntacticLock, semantic *lock.SemanticLock) *Router {
	return &Router{
		workspaceRoot: workspaceRoot, registry: registry, runner: runner, harness: harness,
		refactorExec: refactorExec, syntactic: syntactic, semantic: semantic,
	}
}

// Handle routes req and always terminates the stream with exactly one exit
// message, per spec §8's "exactly one exit message and it is last".
func (r *Router) Handle(ctx context.Context, req protocol.Request, emit Emit) {
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	operation := strings.ToLower(strings.TrimSpace(req.Operation))

	if domain == "" || operation == "" {
		fail(emit, wireerr.New(wireerr.InvalidStructure, "domain and operation must be non-empty"))
		return
	}

	switch domain {
	case "observe":
		r.handleObserve(ctx, operation, req, emit)
	case "act":
		r.handleAct(ctx, operation, req, emit)
	case "verify":
		r.handleVerify(ctx, operation, req, emit)
	default:
		fail(emit, wireerr.Withf(wireerr.UnknownDomain, map[string]any{"domain": req.Domain}, "unknown domain %q", req.Domain))
	}
}

func (r *Router) handleObserve(ctx context.Context, operation string, req protocol.Request, emit Emit) {
	if !observeOps[operation] {
		fail(emit, wireerr.Withf(wireerr.UnknownOperation, map[string]any{"operation": req.Operation},
			"unknown observe operation %q", req.Operation))
		return
	}

	if operation == "list-plugins" {
		names := r.registry.Names()
		data, _ := json.Marshal(names)
		succeed(emit, string(data))
		return
	}

	// The remaining observe operations are served by a Sensor (or
	// Actuator) plugin that declares the operation name itself as a
	// capability: a generic read-only passthrough, reusing C6/C7 rather
	// than building a bespoke analysis subsystem per operation.
	args := protocol.ArgsToMap(req.Arguments)
	uri := args["uri"]
	language, ok := languageForPath(uri)
	if !ok {
		fail(emit, wireerr.Withf(wireerr.InvalidArguments, map[string]any{"uri": uri}, "cannot determine language for %q", uri))
		return
	}
	manifest, ok := r.registry.ResolveProvider(language, operation)
	if !ok {
		fail(emit, wireerr.Withf(wireerr.PluginNotFound, map[string]any{"language": language, "operation": operation},
			"no plugin serves %q for language %q", operation, language))
		return
	}

	resp, err := r.runner.Execute(ctx, manifest.Name, protocol.PluginRequest{Operation: operation, Arguments: args})
	if err != nil {
		fail(emit, err)
		return
	}
	if !resp.Success {
		fail(emit, wireerr.Withf(wireerr.InvalidArguments, map[string]any{"plugin": manifest.Name, "diagnostics": resp.Diagnostics},
			"%s failed", operation))
		return
	}
	switch resp.Output.Kind {
	case protocol.OutputAnalysis:
		succeed(emit, string(resp.Output.Data))
	case protocol.OutputDiff:
		succeed(emit, resp.Output.Content)
	default:
		succeed(emit, "")
	}
}

func (r *Router) handleAct(ctx context.Context, operation string, req protocol.Request, emit Emit) {
	if !actOps[operation] {
		fail(emit, wireerr.Withf(wireerr.UnknownOperation, map[string]any{"operation": req.Operation},
			"unknown act operation %q", req.Operation))
		return
	}

	args := protocol.ArgsToMap(req.Arguments)

	switch operation {
	case "apply-patch":
		changes, err := patch.Parse(r.workspaceRoot, req.Payload)
		if err != nil {
			fail(emit, err)
			return
		}
		respondTxn(emit, r.harness.Execute(ctx, changes))

	case "refactor":
		result, err := r.refactorExec.Execute(ctx, refactor.Request{
			URI: args["uri"], Capability: args["refactoring"], Provider: args["provider"], Args: args,
		})
		if err != nil {
			fail(emit, err)
			return
		}
		respondTxn(emit, result)

	case "rename-symbol":
		result, err := r.refactorExec.Execute(ctx, refactor.Request{
			URI: args["uri"], Capability: "rename-symbol", Provider: args["provider"], Args: args,
		})
		if err != nil {
			fail(emit, err)
			return
		}
		respondTxn(emit, result)

	case "apply-rewrite":
		uri := args["uri"]
		if uri == "" {
			fail(emit, wireerr.New(wireerr.InvalidArguments, "apply-rewrite requires a non-empty uri"))
			return
		}
		respondTxn(emit, r.harness.Execute(ctx, []txn.Change{{Path: uri, Content: []byte(req.Payload)}}))

	case "apply-edits":
		var edits []protocol.ContentChange
		if err := json.Unmarshal([]byte(req.Payload), &edits); err != nil {
			fail(emit, wireerr.New(wireerr.InvalidStructure, "apply-edits payload must be a JSON array of edits: %v", err))
			return
		}
		changes := make([]txn.Change, len(edits))
		for i, e := range edits {
			changes[i] = txn.Change{Path: e.Path, Content: []byte(e.Content), Delete: e.Delete}
		}
		respondTxn(emit, r.harness.Execute(ctx, changes))
	}
}

func (r *Router) handleVerify(ctx context.Context, operation string, req protocol.Request, emit Emit) {
	if !verifyOps[operation] {
		fail(emit, wireerr.Withf(wireerr.UnknownOperation, map[string]any{"operation": req.Operation},
			"unknown verify operation %q", req.Operation))
		return
	}

	args := protocol.ArgsToMap(req.Arguments)
	uri := args["uri"]
	if uri == "" {
		fail(emit, wireerr.New(wireerr.InvalidArguments, "%s requires a non-empty uri", operation))
		return
	}

	content := []byte(req.Payload)
	if req.Payload == "" {
		abs, err := resolveWithinRoot(r.workspaceRoot, uri)
		if err != nil {
			fail(emit, err)
			return
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			fail(emit, wireerr.Withf(wireerr.InvalidPath, map[string]any{"uri": uri}, "cannot read %s: %v", uri, err))
			return
		}
		content = data
	}

	switch operation {
	case "syntax":
		if r.syntactic == nil {
			fail(emit, wireerr.New(wireerr.BackendStartup, "syntactic backend is not configured"))
			return
		}
		failures, err := r.syntactic.Validate(ctx, map[string][]byte{uri: content})
		if err != nil {
			fail(emit, err)
			return
		}
		respondFailures(emit, failures)

	case "diagnostics":
		if r.semantic == nil {
			fail(emit, wireerr.New(wireerr.SemanticBackendUnavailable, "semantic backend is not configured"))
			return
		}
		failures, err := r.semantic.Diagnose(ctx, uri, content)
		if err != nil {
			fail(emit, err)
			return
		}
		respondFailures(emit, failures)
	}
}

func respondTxn(emit Emit, result txn.Result) {
	switch result.Status {
	case "success", "no-changes":
		succeed(emit, result.Status)
	case "syntactic-lock-failure":
		data, _ := json.Marshal(result.SyntacticFailures)
		fail(emit, wireerr.Withf(wireerr.SyntacticLock, map[string]any{"failures": string(data)}, "syntactic lock rejected the change"))
	case "semantic-lock-failure":
		data, _ := json.Marshal(result.SemanticFailures)
		fail(emit, wireerr.Withf(wireerr.SemanticLock, map[string]any{"failures": string(data)}, "semantic lock rejected the change"))
	case "invalid-path":
		if we, ok := wireerr.As(result.Err); ok {
			fail(emit, we)
			return
		}
		fail(emit, wireerr.New(wireerr.InvalidPath, "invalid path"))
	case "backend-error":
		if we, ok := wireerr.As(result.Err); ok {
			fail(emit, we)
			return
		}
		fail(emit, wireerr.New(wireerr.SemanticBackendUnavailable, "backend error: %v", result.Err))
	case "commit-error":
		if we, ok := wireerr.As(result.Err); ok {
			fail(emit, we)
			return
		}
		fail(emit, wireerr.New(wireerr.CommitError, "commit failed: %v", result.Err))
	default:
		fail(emit, wireerr.Withf(wireerr.CommitError, map[string]any{"status": result.Status}, "unexpected transaction status %q", result.Status))
	}
}

func respondFailures(emit Emit, failures []lock.Failure) {
	if failures == nil {
		failures = []lock.Failure{}
	}
	data, err := json.Marshal(failures)
	if err != nil {
		fail(emit, err)
		return
	}
	succeed(emit, string(data))
}

func fail(emit Emit, err error) {
	we, ok := wireerr.As(err)
	if !ok {
		we = wireerr.New(wireerr.InvalidStructure, "%v", err)
	}
	logging.Get(logging.CategoryRouter).Sugar().Warnw("request failed", "code", we.Code, "message", we.Message)
	emit(protocol.ErrorMessage(we))
	emit(protocol.ExitMessage(1))
}

func succeed(emit Emit, data string) {
	emit(protocol.StreamMessage(protocol.StreamStdout, data))
	emit(protocol.ExitMessage(0))
}

func resolveWithinRoot(workspaceRoot, path string) (string, error) {
	trimmed := strings.TrimPrefix(path, "file://")
	abs := trimmed
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workspaceRoot, trimmed)
	}
	abs = filepath.Clean(abs)

	rootAbs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", wireerr.Withf(wireerr.InvalidPath, map[string]any{"path": path}, "path %q escapes workspace root", path)
	}
	return abs, nil
}

func languageForPath(uri string) (string, bool) {
	switch strings.ToLower(filepath.Ext(strings.TrimPrefix(uri, "file://"))) {
	case ".rs":
		return "rust", true
	case ".py":
		return "python", true
	case ".ts", ".tsx":
		return "typescript", true
	default:
		return "", false
	}
}
