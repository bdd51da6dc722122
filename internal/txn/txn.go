// Package txn implements the Double-Lock transaction harness (C10): the
// single gate every `act` mutation passes through. It has no direct
// teacher analogue (internal/tools/core/file_ops.go writes files with
// plain os.WriteFile, no atomic temp+rename); the commit algorithm below
// is built directly from spec §4.9's seven-step description.
package txn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"weaver/internal/lock"
	"weaver/internal/logging"
	"weaver/internal/wireerr"
)

// Change is one proposed mutation to a single file: either a write
// (create or modify — both look the same as "new content at path") or a
// delete.
type Change struct {
	Path   string
	Content []byte
	Delete bool
}

// Result is the outcome of one Execute call.
type Result struct {
	// Status is one of "success", "no-changes", "syntactic-lock-failure",
	// "semantic-lock-failure", "backend-error", "commit-error",
	// "invalid-path".
	Status           string
	SyntacticFailures []lock.Failure
	SemanticFailures []lock.Failure
	Err              error
}

// Harness runs the Double-Lock sequence and commits atomically. A single
// Harness instance is shared by a daemon; per spec §5's resolution of the
// cross-file-atomicity open question, Harness serialises all transactions
// through one global mutex rather than per-path locking.
type Harness struct {
	workspaceRoot string
	syntactic     *lock.SyntacticLock
	semantic      *lock.SemanticLock
	mu            sync.Mutex
}

// New builds a Harness rooted at workspaceRoot.
func New(workspaceRoot string, syntactic *lock.SyntacticLock, semantic *lock.SemanticLock) *Harness {
	return &Harness{workspaceRoot: workspaceRoot, syntactic: syntactic, semantic: semantic}
}

// Execute runs spec §4.9's algorithm over changes.
func (h *Harness) Execute(ctx context.Context, changes []Change) Result {
	if len(changes) == 0 {
		return Result{Status: "no-changes"}
	}

	resolved := make(map[string]string, len(changes)) // path -> absolute path
	for _, c := range changes {
		abs, err := h.resolveWithinRoot(c.Path)
		if err != nil {
			return Result{Status: "invalid-path", Err: err}
		}
		resolved[c.Path] = abs
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	log := logging.Get(logging.CategoryTxn)

	baseline := make(map[string][]byte, len(changes))
	existed := make(map[string]bool, len(changes))
	for _, c := range changes {
		data, err := os.ReadFile(resolved[c.Path])
		if err != nil {
			if !os.IsNotExist(err) {
				return Result{Status: "commit-error", Err: fmt.Errorf("read baseline %s: %w", c.Path, err)}
			}
			existed[c.Path] = false
			continue
		}
		existed[c.Path] = true
		baseline[c.Path] = data
	}

	proposed := make(map[string][]byte)
	for _, c := range changes {
		if !c.Delete {
			proposed[c.Path] = c.Content
		}
	}

	if h.syntactic != nil {
		failures, err := h.syntactic.Validate(ctx, proposed)
		if err != nil {
			return Result{Status: "backend-error", Err: err}
		}
		if len(failures) > 0 {
			return Result{Status: "syntactic-lock-failure", SyntacticFailures: failures}
		}
	}

	if h.semantic != nil {
		failures, err := h.semantic.Validate(ctx, baseline, proposed)
		if err != nil {
			if wireerr.Is(err, wireerr.SemanticBackendUnavailable) {
				return Result{Status: "backend-error", Err: err}
			}
			return Result{Status: "backend-error", Err: err}
		}
		if len(failures) > 0 {
			return Result{Status: "semantic-lock-failure", SemanticFailures: failures}
		}
	}

	if err := h.commit(changes, resolved); err != nil {
		log.Error("commit failed, rolling back", zap.Error(err))
		h.rollback(changes, resolved, baseline, existed)
		return Result{Status: "commit-error", Err: wireerr.Withf(wireerr.CommitError, nil, "commit failed: %v", err)}
	}

	return Result{Status: "success"}
}

// resolveWithinRoot resolves path against the workspace root and rejects
// any traversal above it, per spec §4.9's "on any path above a workspace
// root ⇒ invalid-path before locks run".
func (h *Harness) resolveWithinRoot(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(h.workspaceRoot, path)
	}
	abs = filepath.Clean(abs)

	rootAbs, err := filepath.Abs(h.workspaceRoot)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", wireerr.Withf(wireerr.InvalidPath, map[string]any{"path": path},
			"path %q escapes workspace root", path)
	}
	return abs, nil
}

// commit writes every change to a temporary sibling then renames into
// place (for writes/creates) or unlinks (for deletes), per spec §4.9 step
// 5.
func (h *Harness) commit(changes []Change, resolved map[string]string) error {
	for _, c := range changes {
		abs := resolved[c.Path]
		if c.Delete {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", c.Path, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("create parent dirs for %s: %w", c.Path, err)
		}

		tmp, err := os.CreateTemp(filepath.Dir(abs), ".weaver-tmp-*")
		if err != nil {
			return fmt.Errorf("create temp file for %s: %w", c.Path, err)
		}
		if _, err := tmp.Write(c.Content); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("write temp file for %s: %w", c.Path, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("close temp file for %s: %w", c.Path, err)
		}
		if err := os.Rename(tmp.Name(), abs); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("rename into place for %s: %w", c.Path, err)
		}
	}
	return nil
}

// rollback restores every file touched so far to its captured baseline,
// per spec §4.9 step 6's "attempt best-effort rollback from the captured
// baseline".
func (h *Harness) rollback(changes []Change, resolved map[string]string, baseline map[string][]byte, existed map[string]bool) {
	log := logging.Get(logging.CategoryTxn)
	for _, c := range changes {
		abs := resolved[c.Path]
		if existed[c.Path] {
			if err := os.WriteFile(abs, baseline[c.Path], 0o644); err != nil {
				log.Error("rollback failed to restore file", zap.String("path", c.Path), zap.Error(err))
			}
		} else {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				log.Error("rollback failed to remove created file", zap.String("path", c.Path), zap.Error(err))
			}
		}
	}
}
