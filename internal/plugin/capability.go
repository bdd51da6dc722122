package plugin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"weaver/internal/protocol"
	"weaver/internal/wireerr"
)

// CapabilityID is one of the closed capability identifiers from spec §3.
type CapabilityID string

const (
	CapRenameSymbol     CapabilityID = "rename-symbol"
	CapExtricateSymbol  CapabilityID = "extricate-symbol"
	CapExtractMethod    CapabilityID = "extract-method"
	CapReplaceBody      CapabilityID = "replace-body"
	CapExtractPredicate CapabilityID = "extract-predicate"
)

// Version is a capability contract's major.minor version. Same-major is
// compatible (minor additive); different-major is not, per spec §4.6.
type Version struct {
	Major int
	Minor int
}

// Compatible reports whether v and w share a major version.
func (v Version) Compatible(w Version) bool {
	return v.Major == w.Major
}

// ReasonCode is the closed enum a failing plugin diagnostic may attach.
type ReasonCode string

const (
	ReasonSymbolNotFound         ReasonCode = "symbol-not-found"
	ReasonMacroGenerated         ReasonCode = "macro-generated"
	ReasonAmbiguousReferences    ReasonCode = "ambiguous-references"
	ReasonUnsupportedLanguage    ReasonCode = "unsupported-language"
	ReasonIncompletePayload      ReasonCode = "incomplete-payload"
	ReasonNameConflict           ReasonCode = "name-conflict"
	ReasonOperationNotSupported  ReasonCode = "operation-not-supported"
)

var validReasonCodes = map[ReasonCode]bool{
	ReasonSymbolNotFound: true, ReasonMacroGenerated: true, ReasonAmbiguousReferences: true,
	ReasonUnsupportedLanguage: true, ReasonIncompletePayload: true, ReasonNameConflict: true,
	ReasonOperationNotSupported: true,
}

// RenameSymbolArgs is the validated request shape for the rename-symbol
// v1.0 capability (spec §4.6): uri, position LINE:COL (1-indexed), new_name.
type RenameSymbolArgs struct {
	URI      string
	Line     int
	Column   int
	NewName  string
}

var positionPattern = regexp.MustCompile(`^(\d+):(\d+)$`)

// ValidateRenameSymbolRequest validates a raw arguments map against the
// rename-symbol v1.0 request schema, returning the typed ParsedArgs per
// DESIGN NOTES §9's "tagged-variant ParsedArgs<Capability>" pattern.
func ValidateRenameSymbolRequest(args map[string]string) (RenameSymbolArgs, error) {
	uri, ok := args["uri"]
	if !ok || uri == "" {
		return RenameSymbolArgs{}, wireerr.New(wireerr.InvalidArguments, "rename-symbol requires a non-empty uri")
	}
	pos, ok := args["position"]
	if !ok {
		return RenameSymbolArgs{}, wireerr.New(wireerr.InvalidArguments, "rename-symbol requires position LINE:COL")
	}
	m := positionPattern.FindStringSubmatch(pos)
	if m == nil {
		return RenameSymbolArgs{}, wireerr.New(wireerr.InvalidArguments, "position %q is not LINE:COL", pos)
	}
	line, _ := strconv.Atoi(m[1])
	col, _ := strconv.Atoi(m[2])
	if line < 1 || col < 1 {
		return RenameSymbolArgs{}, wireerr.New(wireerr.InvalidArguments, "position %q must be 1-indexed", pos)
	}
	newName, ok := args["new_name"]
	if !ok || strings.TrimSpace(newName) == "" {
		return RenameSymbolArgs{}, wireerr.New(wireerr.InvalidArguments, "rename-symbol requires a non-empty new_name")
	}
	return RenameSymbolArgs{URI: uri, Line: line, Column: col, NewName: newName}, nil
}

// ValidateResponse enforces spec §4.6's response-side rules for a
// capability invocation: on success, output must be a Diff; on failure,
// at least one diagnostic must be present, and any reason_code must be
// one of the closed ReasonCode values.
func ValidateResponse(resp protocol.PluginResponse) error {
	if resp.Success {
		if resp.Output.Kind != protocol.OutputDiff || strings.TrimSpace(resp.Output.Content) == "" {
			return wireerr.New(wireerr.PluginInvalidOutput, "successful response must carry a non-empty diff output")
		}
		return nil
	}
	if len(resp.Diagnostics) == 0 {
		return wireerr.New(wireerr.PluginInvalidOutput, "failure response must carry at least one diagnostic")
	}
	for _, d := range resp.Diagnostics {
		if err := ValidateReasonCode(d.ReasonCode); err != nil {
			return wireerr.Withf(wireerr.PluginInvalidOutput, map[string]any{"reason_code": d.ReasonCode}, "%v", err)
		}
	}
	return nil
}

// ValidateReasonCode reports whether code is empty or a member of the
// closed ReasonCode enum.
func ValidateReasonCode(code string) error {
	if code == "" {
		return nil
	}
	if !validReasonCodes[ReasonCode(code)] {
		return fmt.Errorf("reason_code %q is not a recognised value", code)
	}
	return nil
}

// RequireActuatorCapability rejects a capability request against a Sensor
// manifest, per spec §4.6's "Sensor manifests cannot declare capabilities".
func RequireActuatorCapability(m Manifest, capability string) error {
	if m.Kind == KindSensor {
		return wireerr.Withf(wireerr.InvalidArguments, map[string]any{"plugin": m.Name},
			"plugin %q is a Sensor and cannot serve capability %q", m.Name, capability)
	}
	for _, c := range m.Capabilities {
		if c == capability {
			return nil
		}
	}
	return wireerr.Withf(wireerr.InvalidArguments, map[string]any{"plugin": m.Name, "capability": capability},
		"plugin %q does not declare capability %q", m.Name, capability)
}
