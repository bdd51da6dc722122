// Package lock implements the Double-Lock harness's two gates: the
// syntactic lock (C8, Tree-sitter parse-tree validity) and the semantic
// lock (C9, LSP diagnostics diffing).
package lock

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"weaver/internal/wireerr"
)

// Failure is a VerificationFailure per spec §3: path, optional
// line/column, message, and origin.
type Failure struct {
	Path    string
	Line    int
	Column  int
	Message string
	Origin  string // "syntactic", "semantic", or "backend"
}

// SyntacticLock validates each file in a VerificationContext against a
// Tree-sitter grammar chosen by file extension, grounded on
// internal/core/validator_syntax.go's extension-dispatch map and
// internal/world/rust_parser.go / python_parser.go / typescript_parser.go's
// parser construction sequence, narrowed from element extraction to a
// pass/fail-with-first-error-position check. It stores *sitter.Language,
// not *sitter.Parser: a go-tree-sitter Parser is not safe for concurrent
// use, and the daemon dispatches verify requests from a per-connection
// goroutine, so Validate builds a fresh Parser per call instead of sharing
// one across connections.
type SyntacticLock struct {
	languages map[string]*sitter.Language
}

// NewSyntacticLock builds the grammar set for the minimum language set spec
// §4.7 requires: Rust, Python, TypeScript.
func NewSyntacticLock() (*SyntacticLock, error) {
	return &SyntacticLock{
		languages: map[string]*sitter.Language{
			".rs":  rust.GetLanguage(),
			".py":  python.GetLanguage(),
			".ts":  typescript.GetLanguage(),
			".tsx": typescript.GetLanguage(),
		},
	}, nil
}

// Validate runs the syntactic lock over every file in content, a map from
// path to proposed post-edit content (deleted paths are not checked — a
// deletion cannot be syntactically invalid). Unknown extensions pass
// through as "not validated", matching spec §4.7 exactly.
func (l *SyntacticLock) Validate(ctx context.Context, content map[string][]byte) ([]Failure, error) {
	var failures []Failure
	for path, data := range content {
		lang, ok := l.languages[strings.ToLower(filepath.Ext(path))]
		if !ok {
			continue // unrecognised extension: pass-through, not a failure
		}

		parser := sitter.NewParser()
		parser.SetLanguage(lang)

		tree, err := parser.ParseCtx(ctx, nil, data)
		if err != nil {
			return nil, wireerr.Withf(wireerr.BackendStartup, map[string]any{"path": path},
				"syntactic backend failed to parse %s: %v", path, err)
		}
		root := tree.RootNode()
		if root.HasError() {
			line, col := firstErrorPosition(root)
			failures = append(failures, Failure{
				Path: path, Line: line, Column: col,
				Message: "syntax error", Origin: "syntactic",
			})
		}
		tree.Close()
	}
	return failures, nil
}

// firstErrorPosition walks the tree depth-first and returns the 1-indexed
// line/column of the first ERROR or missing node encountered.
func firstErrorPosition(n *sitter.Node) (line, col int) {
	if n.IsError() || n.IsMissing() {
		p := n.StartPoint()
		return int(p.Row) + 1, int(p.Column) + 1
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil || !child.HasError() {
			continue
		}
		if line, col := firstErrorPosition(child); line != 0 {
			return line, col
		}
	}
	p := n.StartPoint()
	return int(p.Row) + 1, int(p.Column) + 1
}
