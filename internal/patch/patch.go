// Package patch implements the unified-diff-like patch applier (C11): it
// parses a textual payload of modify/create/delete hunks into a list of
// txn.Change values for the Double-Lock harness, grounded in shape on
// internal/diff/diff.go's diffmatchpatch wrapping (reused here for the
// fuzzy anchor search) though the hunk grammar itself is original, built
// directly from spec §4.10's description since no example repo implements
// this exact modify/create/delete header format.
package patch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	dmp "github.com/sergi/go-diff/diffmatchpatch"

	"weaver/internal/logging"
	"weaver/internal/txn"
	"weaver/internal/wireerr"
)

const (
	modifyHeader = "*** MODIFY "
	createHeader = "*** CREATE "
	deleteHeader = "*** DELETE "
	searchMarker = "<<<<<<< SEARCH"
	dividerMarker = "======="
	replaceMarker = ">>>>>>> REPLACE"
	contentMarker = "<<<<<<< CONTENT"
	endMarker     = ">>>>>>> END"
)

// Parse parses payload into a list of txn.Change, validating every path
// stays within workspaceRoot and rejecting malformed headers, missing
// hunks, and binary/mixed-line-ending content per spec §4.10.
func Parse(workspaceRoot, payload string) ([]txn.Change, error) {
	log := logging.Get(logging.CategoryPatch)

	if strings.ContainsRune(payload, 0) {
		return nil, wireerr.New(wireerr.InvalidDiffHeader, "patch payload contains NUL bytes")
	}

	lines := splitLinesKeepingEnding(payload)
	var changes []txn.Change
	i := 0
	for i < len(lines) {
		line := strings.TrimRight(lines[i], "\r\n")

		switch {
		case strings.HasPrefix(line, modifyHeader):
			path := strings.TrimSpace(strings.TrimPrefix(line, modifyHeader))
			if err := validatePath(workspaceRoot, path); err != nil {
				return nil, err
			}
			change, next, err := parseModifyHunk(workspaceRoot, path, lines, i+1)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change)
			i = next

		case strings.HasPrefix(line, createHeader):
			path := strings.TrimSpace(strings.TrimPrefix(line, createHeader))
			if err := validatePath(workspaceRoot, path); err != nil {
				return nil, err
			}
			change, next, err := parseCreateHunk(path, lines, i+1)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change)
			i = next

		case strings.HasPrefix(line, deleteHeader):
			path := strings.TrimSpace(strings.TrimPrefix(line, deleteHeader))
			if err := validatePath(workspaceRoot, path); err != nil {
				return nil, err
			}
			changes = append(changes, txn.Change{Path: path, Delete: true})
			i++

		case strings.TrimSpace(line) == "":
			i++

		default:
			log.Warn("rejecting patch with malformed header")
			return nil, wireerr.Withf(wireerr.InvalidDiffHeader, map[string]any{"line": line},
				"unrecognised hunk header: %q", line)
		}
	}

	return changes, nil
}

func validatePath(workspaceRoot, path string) error {
	if path == "" {
		return wireerr.New(wireerr.InvalidDiffHeader, "hunk header is missing a path")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workspaceRoot, path)
	}
	abs = filepath.Clean(abs)
	rootAbs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return wireerr.Withf(wireerr.InvalidPath, map[string]any{"path": path}, "path %q escapes workspace root", path)
	}
	return nil
}

func parseCreateHunk(path string, lines []string, start int) (txn.Change, int, error) {
	if start >= len(lines) || strings.TrimRight(lines[start], "\r\n") != contentMarker {
		return txn.Change{}, 0, wireerr.Withf(wireerr.MissingHunk, map[string]any{"path": path},
			"create hunk for %s is missing its content block", path)
	}
	i := start + 1
	var content []string
	for i < len(lines) && strings.TrimRight(lines[i], "\r\n") != endMarker {
		content = append(content, lines[i])
		i++
	}
	if i >= len(lines) {
		return txn.Change{}, 0, wireerr.Withf(wireerr.MissingHunk, map[string]any{"path": path},
			"create hunk for %s is missing its terminator", path)
	}
	body := strings.Join(content, "")
	if strings.ContainsRune(body, 0) {
		return txn.Change{}, 0, wireerr.New(wireerr.InvalidDiffHeader, "create hunk for %s contains NUL bytes", path)
	}
	return txn.Change{Path: path, Content: []byte(body)}, i + 1, nil
}

func parseModifyHunk(workspaceRoot, path string, lines []string, start int) (txn.Change, int, error) {
	if start >= len(lines) || strings.TrimRight(lines[start], "\r\n") != searchMarker {
		return txn.Change{}, 0, wireerr.Withf(wireerr.MissingHunk, map[string]any{"path": path},
			"modify hunk for %s is missing its search block", path)
	}
	i := start + 1
	var search []string
	for i < len(lines) && strings.TrimRight(lines[i], "\r\n") != dividerMarker {
		search = append(search, lines[i])
		i++
	}
	if i >= len(lines) {
		return txn.Change{}, 0, wireerr.Withf(wireerr.MissingHunk, map[string]any{"path": path},
			"modify hunk for %s is missing its divider", path)
	}
	i++ // skip divider
	var replace []string
	for i < len(lines) && strings.TrimRight(lines[i], "\r\n") != replaceMarker {
		replace = append(replace, lines[i])
		i++
	}
	if i >= len(lines) {
		return txn.Change{}, 0, wireerr.Withf(wireerr.MissingHunk, map[string]any{"path": path},
			"modify hunk for %s is missing its replace terminator", path)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workspaceRoot, path)
	}
	original, err := os.ReadFile(abs)
	if err != nil {
		return txn.Change{}, 0, wireerr.Withf(wireerr.InvalidPath, map[string]any{"path": path}, "cannot read %s: %v", path, err)
	}
	if err := rejectMixedLineEndings(original); err != nil {
		return txn.Change{}, 0, err
	}

	searchText := strings.Join(search, "")
	replaceText := strings.Join(replace, "")

	newContent, err := applyAnchoredReplace(string(original), searchText, replaceText)
	if err != nil {
		return txn.Change{}, 0, wireerr.Withf(wireerr.InvalidDiffHeader, map[string]any{"path": path}, "%v", err)
	}

	return txn.Change{Path: path, Content: []byte(newContent)}, i + 1, nil
}

// applyAnchoredReplace implements spec §4.10's match policy: exact-match
// anchor first; if none, a whitespace-insensitive fuzzy match scoped to a
// single anchor; multiple candidates is a failure, never a guess.
func applyAnchoredReplace(content, search, replace string) (string, error) {
	if search == "" {
		return "", fmt.Errorf("search block must not be empty")
	}

	if idx := strings.Index(content, search); idx >= 0 {
		if strings.Count(content, search) > 1 {
			return "", fmt.Errorf("search text matches more than once; refusing to guess")
		}
		return content[:idx] + replace + content[idx+len(search):], nil
	}

	matcher := dmp.New()
	matcher.MatchThreshold = 0.4
	// A distance far beyond any content length keeps a candidate's offset
	// from counting against it, so the whole file is searched on accuracy.
	matcher.MatchDistance = 1 << 30
	if loc := matcher.MatchMain(content, search, 0); loc == -1 {
		return "", fmt.Errorf("search text not found, even fuzzily")
	}

	normalizedSearch := normalizeWhitespace(search)
	var matchStarts []int
	for start := 0; start < len(content); start++ {
		for end := start + 1; end <= len(content); end++ {
			if normalizeWhitespace(content[start:end]) == normalizedSearch {
				matchStarts = append(matchStarts, start)
				break
			}
		}
	}
	candidates := dedupeAdjacent(matchStarts)
	if len(candidates) == 0 {
		return "", fmt.Errorf("search text not found, even fuzzily")
	}
	if len(candidates) > 1 {
		return "", fmt.Errorf("search text matches %d locations fuzzily; refusing to guess", len(candidates))
	}

	start := candidates[0]
	end := start
	for end <= len(content) && normalizeWhitespace(content[start:end]) != normalizedSearch {
		end++
	}
	return content[:start] + replace + content[end:], nil
}

// dedupeAdjacent collapses each run of consecutive starts into one
// location: starts that differ only by leading whitespace name the same
// match. The last start of each run is kept.
func dedupeAdjacent(starts []int) []int {
	if len(starts) == 0 {
		return nil
	}
	out := []int{starts[0]}
	for _, s := range starts[1:] {
		if s == out[len(out)-1]+1 {
			out[len(out)-1] = s
			continue
		}
		out = append(out, s)
	}
	return out
}

func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func rejectMixedLineEndings(content []byte) error {
	hasCRLF := bytes.Contains(content, []byte("\r\n"))
	hasLoneLF := false
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' && (i == 0 || content[i-1] != '\r') {
			hasLoneLF = true
			break
		}
	}
	if hasCRLF && hasLoneLF {
		return wireerr.Withf(wireerr.InvalidDiffHeader, map[string]any{"detail": "MixedLineEndings"},
			"file has mixed CRLF and LF line endings")
	}
	return nil
}

func splitLinesKeepingEnding(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
