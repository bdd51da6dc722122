package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weaver/internal/protocol"
	"weaver/internal/wireerr"
)

func TestVersionCompatible(t *testing.T) {
	assert.True(t, Version{1, 0}.Compatible(Version{1, 5}))
	assert.False(t, Version{1, 0}.Compatible(Version{2, 0}))
}

func TestValidateRenameSymbolRequest(t *testing.T) {
	args, err := ValidateRenameSymbolRequest(map[string]string{
		"uri": "file:///a.py", "position": "10:4", "new_name": "better_name",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, args.Line)
	assert.Equal(t, 4, args.Column)
}

func TestValidateRenameSymbolRequestRejectsBadPosition(t *testing.T) {
	_, err := ValidateRenameSymbolRequest(map[string]string{
		"uri": "file:///a.py", "position": "abc", "new_name": "x",
	})
	require.Error(t, err)
	assert.True(t, wireerr.Is(err, wireerr.InvalidArguments))
}

func TestValidateRenameSymbolRequestRejectsMissingNewName(t *testing.T) {
	_, err := ValidateRenameSymbolRequest(map[string]string{
		"uri": "file:///a.py", "position": "1:1",
	})
	require.Error(t, err)
}

func TestValidateResponseRequiresDiffOnSuccess(t *testing.T) {
	err := ValidateResponse(protocol.PluginResponse{Success: true})
	require.Error(t, err)

	err = ValidateResponse(protocol.PluginResponse{
		Success: true,
		Output:  protocol.PluginOutput{Kind: protocol.OutputDiff, Content: "--- a\n+++ b\n"},
	})
	assert.NoError(t, err)
}

func TestValidateResponseRequiresDiagnosticOnFailure(t *testing.T) {
	err := ValidateResponse(protocol.PluginResponse{Success: false})
	require.Error(t, err)

	err = ValidateResponse(protocol.PluginResponse{
		Success:     false,
		Diagnostics: []protocol.PluginDiagnostic{{Severity: protocol.SeverityError, Message: "symbol not found"}},
	})
	assert.NoError(t, err)
}

func TestValidateResponseRejectsUnrecognisedReasonCode(t *testing.T) {
	err := ValidateResponse(protocol.PluginResponse{
		Success: false,
		Diagnostics: []protocol.PluginDiagnostic{
			{Severity: protocol.SeverityError, Message: "bad", ReasonCode: "not-a-real-code"},
		},
	})
	require.Error(t, err)
}

func TestValidateReasonCode(t *testing.T) {
	assert.NoError(t, ValidateReasonCode(""))
	assert.NoError(t, ValidateReasonCode(string(ReasonSymbolNotFound)))
	assert.Error(t, ValidateReasonCode("not-a-real-code"))
}

func TestRequireActuatorCapabilityRejectsSensor(t *testing.T) {
	sensor := Manifest{Name: "linter", Kind: KindSensor, Executable: "/usr/bin/linter"}
	err := RequireActuatorCapability(sensor, "rename-symbol")
	require.Error(t, err)
	assert.True(t, wireerr.Is(err, wireerr.InvalidArguments))
}

func TestRequireActuatorCapabilityRejectsUndeclaredCapability(t *testing.T) {
	m := Manifest{Name: "rope", Kind: KindActuator, Executable: "/usr/bin/rope", Capabilities: []string{"extract-method"}}
	err := RequireActuatorCapability(m, "rename-symbol")
	require.Error(t, err)
}

func TestRequireActuatorCapabilityAcceptsDeclared(t *testing.T) {
	m := Manifest{Name: "rope", Kind: KindActuator, Executable: "/usr/bin/rope", Capabilities: []string{"rename-symbol"}}
	assert.NoError(t, RequireActuatorCapability(m, "rename-symbol"))
}
