package main

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weaver/internal/daemon"
	"weaver/internal/protocol"
)

func TestResolveDialTargetTCP(t *testing.T) {
	network, address := resolveDialTarget("tcp://127.0.0.1:4000", "/tmp/default.sock")
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "127.0.0.1:4000", address)
}

func TestResolveDialTargetExplicitUnix(t *testing.T) {
	network, address := resolveDialTarget("/var/run/weaver.sock", "/tmp/default.sock")
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/var/run/weaver.sock", address)
}

func TestResolveDialTargetDefault(t *testing.T) {
	network, address := resolveDialTarget("", "/tmp/default.sock")
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/tmp/default.sock", address)
}

func TestBuildArgumentsOrdersFlagsBeforePositional(t *testing.T) {
	uriFlag = "file://a.rs"
	positionFlag = "3:4"
	providerFlag = "rope"
	refactoringFlag = "rename"
	defer func() { uriFlag, positionFlag, providerFlag, refactoringFlag = "", "", "", "" }()

	args := buildArguments([]string{"new_name=better"})
	assert.Equal(t, []string{
		"--uri", "file://a.rs",
		"--position", "3:4",
		"--provider", "rope",
		"--refactoring", "rename",
		"new_name=better",
	}, args)
}

func TestBuildArgumentsOmitsUnsetFlags(t *testing.T) {
	args := buildArguments([]string{"k=v"})
	assert.Equal(t, []string{"k=v"}, args)
}

func TestReadPayloadEmptyWhenNoFile(t *testing.T) {
	payload, err := readPayload("")
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestReadPayloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	payload, err := readPayload(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", payload)
}

func TestReadPayloadMissingFileErrors(t *testing.T) {
	_, err := readPayload(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestStreamResponsePrintsStreamsAndReturnsExitStatus(t *testing.T) {
	server, client := net.Pipe()
	go func() {
		w := protocol.NewWriter(server)
		w.WriteResponse(protocol.StreamMessage(protocol.StreamStdout, "hello"))
		w.WriteResponse(protocol.ExitMessage(7))
		server.Close()
	}()

	status, err := streamResponse(client)
	require.NoError(t, err)
	assert.Equal(t, 7, status)
}

func TestStreamResponseErrorsOnCloseWithoutExit(t *testing.T) {
	server, client := net.Pipe()
	go func() {
		w := protocol.NewWriter(server)
		w.WriteResponse(protocol.StreamMessage(protocol.StreamStdout, "partial"))
		server.Close()
	}()

	_, err := streamResponse(client)
	require.Error(t, err)
}

func TestRunDaemonStatusPrintsHealthSnapshot(t *testing.T) {
	dir := t.TempDir()
	health := daemon.Health{State: daemon.StateReady, PID: 1234}
	data, err := json.Marshal(health)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "health"), data, 0o644))

	require.NoError(t, os.Setenv("WEAVER_RUNTIME_DIR", dir))
	defer os.Unsetenv("WEAVER_RUNTIME_DIR")

	require.NoError(t, runDaemonStatus(false))
}

func TestRunDaemonStatusErrorsWithoutSnapshot(t *testing.T) {
	require.NoError(t, os.Setenv("WEAVER_RUNTIME_DIR", t.TempDir()))
	defer os.Unsetenv("WEAVER_RUNTIME_DIR")

	require.Error(t, runDaemonStatus(false))
}

func TestRunRequestRoundTripsOverUnixSocket(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "weaver.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		if !scanner.Scan() {
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		assert.Equal(t, "observe", req.Domain)
		assert.Equal(t, "diagnostics", req.Operation)

		w := protocol.NewWriter(conn)
		w.WriteResponse(protocol.StreamMessage(protocol.StreamStdout, "ok"))
		w.WriteResponse(protocol.ExitMessage(0))
	}()

	socketPath = sockPath
	defer func() { socketPath = "" }()

	err = runRequest("observe", "diagnostics", []string{"uri=f.rs"})
	require.NoError(t, err)
}
