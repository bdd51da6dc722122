package lspclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"weaver/internal/logging"
)

// StdioRegistry starts one language server subprocess per language on
// first use and reuses it thereafter, matching spec §5's "process-wide,
// guarded by mutual exclusion" LSP host policy. Grounded on
// internal/mcp/transport_stdio.go's StdioTransport (stdin/stdout pipes,
// scanner-based reader goroutine, request/response correlation), adapted
// from MCP's length-prefixed-by-newline JSONL framing to LSP's
// Content-Length-header framing.
type StdioRegistry struct {
	mu      sync.Mutex
	command map[string][]string // language -> argv
	clients map[string]*stdioClient
}

// NewStdioRegistry builds a registry that launches command[language] on
// the first ClientFor call for that language.
func NewStdioRegistry(command map[string][]string) *StdioRegistry {
	return &StdioRegistry{command: command, clients: make(map[string]*stdioClient)}
}

func (r *StdioRegistry) ClientFor(language string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[language]; ok {
		return c, nil
	}
	argv, ok := r.command[language]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("no language server configured for %q", language)
	}
	c, err := startStdioClient(argv)
	if err != nil {
		return nil, err
	}
	r.clients[language] = c
	return c, nil
}

type stdioClient struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	nextID int
}

func startStdioClient(argv []string) (*stdioClient, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &stdioClient{cmd: cmd, stdin: stdin, reader: bufio.NewReader(stdout)}, nil
}

func (c *stdioClient) call(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := map[string]any{"jsonrpc": "2.0", "id": c.nextID, "method": method, "params": params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	if _, err := io.WriteString(c.stdin, frame); err != nil {
		return nil, err
	}
	return readLSPFrame(c.reader)
}

func (c *stdioClient) notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := map[string]any{"jsonrpc": "2.0", "method": method, "params": params}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	_, err = io.WriteString(c.stdin, frame)
	return err
}

func readLSPFrame(r *bufio.Reader) (json.RawMessage, error) {
	var length int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:")))
			if err != nil {
				return nil, fmt.Errorf("malformed Content-Length header: %w", err)
			}
			length = n
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Diagnose sends didOpen, pulls diagnostics with a textDocument/diagnostic
// request, then sends didClose, for a single ad-hoc content buffer.
func (c *stdioClient) Diagnose(ctx context.Context, language, uri string, content []byte) ([]Diagnostic, error) {
	log := logging.Get(logging.CategoryLock)

	if err := c.notify("textDocument/didOpen", map[string]any{
		"textDocument": map[string]any{
			"uri": uri, "languageId": language, "version": 1, "text": string(content),
		},
	}); err != nil {
		return nil, err
	}

	raw, err := c.call("textDocument/diagnostic", map[string]any{
		"textDocument": map[string]any{"uri": uri},
	})
	if err != nil {
		log.Warn("lsp diagnose call failed")
		_ = c.notify("textDocument/didClose", map[string]any{"textDocument": map[string]any{"uri": uri}})
		return nil, err
	}

	if err := c.notify("textDocument/didClose", map[string]any{
		"textDocument": map[string]any{"uri": uri},
	}); err != nil {
		return nil, err
	}

	return parseDiagnostics(raw)
}

func parseDiagnostics(raw json.RawMessage) ([]Diagnostic, error) {
	var result struct {
		Result struct {
			Items []struct {
				Range struct {
					Start struct{ Line int `json:"line"` } `json:"start"`
				} `json:"range"`
				Severity int    `json:"severity"`
				Message  string `json:"message"`
			} `json:"items"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse diagnostics response: %w", err)
	}
	diags := make([]Diagnostic, 0, len(result.Result.Items))
	for _, item := range result.Result.Items {
		sev := Severity(item.Severity)
		if sev == 0 {
			sev = SeverityError
		}
		diags = append(diags, Diagnostic{
			Severity: sev,
			Message:  item.Message,
			Line:     item.Range.Start.Line + 1,
		})
	}
	return diags, nil
}

func (c *stdioClient) Close(language string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return nil
}
