package lock

import (
	"context"
	"fmt"

	"weaver/internal/lspclient"
	"weaver/internal/wireerr"
)

// SemanticLock compares baseline vs. proposed LSP diagnostics per file and
// reports any newly introduced error-severity diagnostic as a failure,
// grounded on internal/world/lsp/manager.go's mutex-guarded backend-manager
// shape, narrowed to the interface in internal/lspclient.
type SemanticLock struct {
	registry       lspclient.Registry
	languageOf     func(path string) (language string, ok bool)
	failOnWarnings bool
}

// NewSemanticLock builds a SemanticLock against registry, resolving each
// file's language via languageOf (typically an extension map owned by the
// caller's configuration).
func NewSemanticLock(registry lspclient.Registry, languageOf func(string) (string, bool), failOnWarnings bool) *SemanticLock {
	return &SemanticLock{registry: registry, languageOf: languageOf, failOnWarnings: failOnWarnings}
}

// Validate runs spec §4.8's three-step algorithm for every file in
// baseline/proposed. baseline holds each file's current on-disk content;
// proposed holds the post-edit content. Deleted files (absent from
// proposed) are skipped: a deletion cannot introduce a new diagnostic.
func (l *SemanticLock) Validate(ctx context.Context, baseline, proposed map[string][]byte) ([]Failure, error) {
	var failures []Failure

	for path, newContent := range proposed {
		language, ok := l.languageOf(path)
		if !ok {
			continue
		}

		client, err := l.registry.ClientFor(language)
		if err != nil {
			return nil, wireerr.Withf(wireerr.SemanticBackendUnavailable, map[string]any{"path": path, "language": language},
				"semantic backend for %s is unavailable: %v", language, err)
		}

		uri := "file://" + path

		baseDiags, err := client.Diagnose(ctx, language, uri, baseline[path])
		if err != nil {
			return nil, wireerr.Withf(wireerr.SemanticBackendUnavailable, map[string]any{"path": path},
				"baseline diagnostics failed for %s: %v", path, err)
		}

		proposedDiags, err := client.Diagnose(ctx, language, uri, newContent)
		if err != nil {
			return nil, wireerr.Withf(wireerr.SemanticBackendUnavailable, map[string]any{"path": path},
				"proposed diagnostics failed for %s: %v", path, err)
		}

		baseSet := diagnosticSet(baseDiags)
		for _, d := range proposedDiags {
			if d.Severity != lspclient.SeverityError && !(l.failOnWarnings && d.Severity == lspclient.SeverityWarning) {
				continue
			}
			if baseSet[diagnosticKey(d)] {
				continue
			}
			failures = append(failures, Failure{
				Path: path, Line: d.Line, Message: d.Message, Origin: "semantic",
			})
		}
	}
	return failures, nil
}

// Diagnose runs the LSP host directly against a single file's content and
// returns its current diagnostics, with no baseline comparison. This backs
// the read-only `verify diagnostics` operation, distinct from Validate's
// regression-only check used by the Double-Lock harness.
func (l *SemanticLock) Diagnose(ctx context.Context, path string, content []byte) ([]Failure, error) {
	language, ok := l.languageOf(path)
	if !ok {
		return nil, nil
	}
	client, err := l.registry.ClientFor(language)
	if err != nil {
		return nil, wireerr.Withf(wireerr.SemanticBackendUnavailable, map[string]any{"path": path, "language": language},
			"semantic backend for %s is unavailable: %v", language, err)
	}
	diags, err := client.Diagnose(ctx, language, "file://"+path, content)
	if err != nil {
		return nil, wireerr.Withf(wireerr.SemanticBackendUnavailable, map[string]any{"path": path},
			"diagnostics failed for %s: %v", path, err)
	}
	failures := make([]Failure, 0, len(diags))
	for _, d := range diags {
		failures = append(failures, Failure{Path: path, Line: d.Line, Message: d.Message, Origin: "semantic"})
	}
	return failures, nil
}

func diagnosticSet(diags []lspclient.Diagnostic) map[string]bool {
	set := make(map[string]bool, len(diags))
	for _, d := range diags {
		set[diagnosticKey(d)] = true
	}
	return set
}

func diagnosticKey(d lspclient.Diagnostic) string {
	return fmt.Sprintf("%d|%s|%d", d.Severity, d.Message, d.Line)
}
