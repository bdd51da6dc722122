package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramerReadsRequest(t *testing.T) {
	f := NewFramer(strings.NewReader(`{"domain":"observe","operation":"diagnostics"}` + "\n"))
	req, err := f.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "observe", req.Domain)
	assert.Equal(t, "diagnostics", req.Operation)
}

func TestFramerEOFOnCleanClose(t *testing.T) {
	f := NewFramer(strings.NewReader(""))
	_, err := f.ReadRequest()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFramerRejectsOversizedLine(t *testing.T) {
	huge := strings.Repeat("a", MaxLineBytes+1)
	f := NewFramer(strings.NewReader(`{"domain":"` + huge + `"}` + "\n"))
	_, err := f.ReadRequest()
	require.Error(t, err)
}

func TestFramerRejectsMalformedJSON(t *testing.T) {
	f := NewFramer(strings.NewReader("{not json}\n"))
	_, err := f.ReadRequest()
	require.Error(t, err)
}

func TestFramerReadsArgumentsAndPayload(t *testing.T) {
	f := NewFramer(strings.NewReader(`{"domain":"act","operation":"apply-patch","arguments":["uri=a.rs"],"payload":"diff-text"}` + "\n"))
	req, err := f.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, []string{"uri=a.rs"}, req.Arguments)
	assert.Equal(t, "diff-text", req.Payload)
}

func TestWriterWritesFramedLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteResponse(ExitMessage(0)))
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.Contains(t, buf.String(), `"kind":"exit"`)
}

func TestArgsToMap(t *testing.T) {
	m := ArgsToMap([]string{"uri=a.rs", "position=1:4", "new_name=foo"})
	assert.Equal(t, "a.rs", m["uri"])
	assert.Equal(t, "1:4", m["position"])
	assert.Equal(t, "foo", m["new_name"])
}
