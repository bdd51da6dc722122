// Package refactor implements the refactor executor (C12): it resolves a
// capability provider, validates the request against that capability's
// schema, runs the plugin, and feeds the resulting diff back through the
// same patch parser and transaction harness every apply-patch request uses
// — spec §4.11 step 6's "never bypassed" rule. Grounded in shape on
// cmd/nerd/cmd_direct_actions.go's resolve-validate-invoke-commit sequence
// for direct tool actions, narrowed to the plugin/capability/diff path.
package refactor

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"weaver/internal/patch"
	"weaver/internal/plugin"
	"weaver/internal/protocol"
	"weaver/internal/txn"
	"weaver/internal/wireerr"
)

// Executor runs a refactor request end-to-end.
type Executor struct {
	workspaceRoot string
	registry      *plugin.Registry
	runner        *plugin.Runner
	harness       *txn.Harness
}

// New builds an Executor rooted at workspaceRoot.
func New(workspaceRoot string, registry *plugin.Registry, runner *plugin.Runner, harness *txn.Harness) *Executor {
	return &Executor{workspaceRoot: workspaceRoot, registry: registry, runner: runner, harness: harness}
}

// Request is a validated `act refactor` invocation.
type Request struct {
	URI        string
	Capability string
	// Provider, when set, names the manifest directly (the `--provider`
	// flag); empty means resolve by (language, capability) instead.
	Provider string
	Args     map[string]string
}

// Execute runs spec §4.11's six-step algorithm and returns the resulting
// transaction outcome.
func (e *Executor) Execute(ctx context.Context, req Request) (txn.Result, error) {
	manifest, err := e.resolveProvider(req)
	if err != nil {
		return txn.Result{}, err
	}
	if err := plugin.RequireActuatorCapability(manifest, req.Capability); err != nil {
		return txn.Result{}, err
	}

	abs, err := resolveWithinRoot(e.workspaceRoot, req.URI)
	if err != nil {
		return txn.Result{}, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return txn.Result{}, wireerr.Withf(wireerr.InvalidPath, map[string]any{"uri": req.URI},
			"cannot read %s: %v", req.URI, err)
	}

	validated, err := validateArgs(plugin.CapabilityID(req.Capability), req.Args)
	if err != nil {
		return txn.Result{}, err
	}

	resp, err := e.runner.Execute(ctx, manifest.Name, protocol.PluginRequest{
		Operation: req.Capability,
		Files:     []protocol.PluginFile{{Path: req.URI, Content: string(content)}},
		Arguments: validated,
	})
	if err != nil {
		return txn.Result{}, err
	}
	if err := plugin.ValidateResponse(resp); err != nil {
		return txn.Result{}, err
	}
	if !resp.Success {
		return txn.Result{}, wireerr.Withf(wireerr.InvalidArguments,
			map[string]any{"plugin": manifest.Name, "diagnostics": resp.Diagnostics},
			"refactoring %q failed", req.Capability)
	}

	changes, err := patch.Parse(e.workspaceRoot, resp.Output.Content)
	if err != nil {
		return txn.Result{}, err
	}

	result := e.harness.Execute(ctx, changes)
	return result, nil
}

// validateArgs validates req.Args against capability's request schema.
// Only rename-symbol's schema is fully specified by spec §4.6; the other
// capability IDs are recognised at the contract level but spec leaves
// their argument shapes to the provider, so they receive only the
// baseline non-empty-uri check every capability request must satisfy.
func validateArgs(capability plugin.CapabilityID, args map[string]string) (map[string]string, error) {
	switch capability {
	case plugin.CapRenameSymbol:
		parsed, err := plugin.ValidateRenameSymbolRequest(args)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"uri":      parsed.URI,
			"position": args["position"],
			"new_name": parsed.NewName,
		}, nil
	default:
		if strings.TrimSpace(args["uri"]) == "" {
			return nil, wireerr.New(wireerr.InvalidArguments, "%s requires a non-empty uri", capability)
		}
		return args, nil
	}
}

func resolveWithinRoot(workspaceRoot, uri string) (string, error) {
	path := strings.TrimPrefix(uri, "file://")
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workspaceRoot, path)
	}
	abs = filepath.Clean(abs)

	rootAbs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", wireerr.Withf(wireerr.InvalidPath, map[string]any{"uri": uri}, "uri %q escapes workspace root", uri)
	}
	return abs, nil
}

// resolveProvider implements spec §4.11 step 1: "resolve provider manifest
// (by name and required capability)" when --provider names a manifest
// directly, falling back to (language, capability) resolution otherwise.
func (e *Executor) resolveProvider(req Request) (plugin.Manifest, error) {
	if req.Provider != "" {
		m, ok := e.registry.Get(req.Provider)
		if !ok {
			return plugin.Manifest{}, wireerr.Withf(wireerr.PluginNotFound, map[string]any{"provider": req.Provider},
				"provider %q is not registered", req.Provider)
		}
		return m, nil
	}

	language, ok := languageForPath(req.URI)
	if !ok {
		return plugin.Manifest{}, wireerr.Withf(wireerr.InvalidArguments, map[string]any{"uri": req.URI},
			"cannot determine language for %s", req.URI)
	}
	m, ok := e.registry.ResolveProvider(language, req.Capability)
	if !ok {
		return plugin.Manifest{}, wireerr.Withf(wireerr.PluginNotFound,
			map[string]any{"language": language, "capability": req.Capability},
			"no plugin serves capability %q for language %q", req.Capability, language)
	}
	return m, nil
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
