// Package main is the weaver client: a thin CLI that dials the weaverd
// socket, sends one request, and streams the response back to stdout and
// stderr.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"weaver/internal/config"
	"weaver/internal/daemon"
	"weaver/internal/protocol"
)

var (
	configPath      string
	socketPath      string
	uriFlag         string
	positionFlag    string
	providerFlag    string
	refactoringFlag string
	payloadFile     string
	watchFlag       bool
)

var rootCmd = &cobra.Command{
	Use:   "weaver",
	Short: "weaver talks to the weaverd code-intelligence daemon",
	Long: `weaver is the client half of Weaver: a thin command-line tool that
frames one request as a line of JSON, sends it to weaverd over its socket,
and streams the response back.

Run "weaver observe|act|verify <operation> [args...]" to issue a request.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SetOut(os.Stderr)
		cmd.Usage()
		return errBareInvocation
	},
}

// errBareInvocation signals main to exit non-zero without printing another
// error line; the usage text already went to stderr.
var errBareInvocation = fmt.Errorf("")

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a JSON or YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Listener endpoint override, tcp://host:port or a Unix socket path")

	for _, domain := range []string{"observe", "act", "verify"} {
		rootCmd.AddCommand(newDomainCmd(domain))
	}
	rootCmd.AddCommand(newDaemonCmd())
}

// newDaemonCmd builds the `weaver daemon status [--watch]` command group,
// the sole consumer of internal/daemon's ReadHealth and HealthWatcher.
func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Inspect the weaverd daemon's runtime state",
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Print the daemon's health snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStatus(watchFlag)
		},
	}
	status.Flags().BoolVar(&watchFlag, "watch", false, "Keep printing the health snapshot as it changes")
	cmd.AddCommand(status)
	return cmd
}

// newDomainCmd builds the `weaver <domain> <operation> [args...]` subcommand
// shared by all three domains; the operation name and pass-through arguments
// are not validated client-side, since the closed operation taxonomy lives
// in the daemon's router and its UnknownOperation response.
func newDomainCmd(domainName string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   domainName + " <operation> [KEY=VALUE...]",
		Short: fmt.Sprintf("Issue a %s request", domainName),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(domainName, args[0], args[1:])
		},
	}
	cmd.Flags().StringVar(&uriFlag, "uri", "", "Target file URI")
	cmd.Flags().StringVar(&positionFlag, "position", "", "LINE:COL, 1-indexed")
	cmd.Flags().StringVar(&providerFlag, "provider", "", "Plugin provider name")
	cmd.Flags().StringVar(&refactoringFlag, "refactoring", "", "Refactoring operation name")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Path to a file whose contents become the request payload; \"-\" reads stdin")
	return cmd
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		if err != errBareInvocation {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// runRequest builds the wire Request, dials the configured endpoint, writes
// the request line, and streams the response until the exit message,
// exiting with its status code.
func runRequest(domainName, operation string, positional []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}

	payload, err := readPayload(payloadFile)
	if err != nil {
		return err
	}

	req := protocol.Request{
		Domain:    domainName,
		Operation: operation,
		Arguments: buildArguments(positional),
		Payload:   payload,
	}

	paths := daemon.Paths{Dir: cfg.RuntimeDir}
	network, address := resolveDialTarget(cfg.SocketPath, paths.DefaultSocket())

	conn, err := net.Dial(network, address)
	if err != nil {
		return fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	status, err := streamResponse(conn)
	if err != nil {
		return err
	}
	if status != 0 {
		os.Exit(status)
	}
	return nil
}

// runDaemonStatus prints the daemon's current health snapshot and, when
// watch is set, keeps printing it as internal/daemon's fsnotify-backed
// HealthWatcher reports changes, until SIGINT/SIGTERM.
func runDaemonStatus(watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()

	paths := daemon.Paths{Dir: cfg.RuntimeDir}

	health, err := daemon.ReadHealth(paths)
	if err != nil {
		return fmt.Errorf("read daemon health: %w", err)
	}
	if err := printHealth(health); err != nil {
		return err
	}
	if !watch {
		return nil
	}

	watcher, err := daemon.NewHealthWatcher(paths)
	if err != nil {
		return fmt.Errorf("watch daemon health: %w", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var printErr error
	watchErr := watcher.Watch(ctx, func(h daemon.Health) {
		if printErr == nil {
			printErr = printHealth(h)
		}
	})
	if printErr != nil {
		return printErr
	}
	if watchErr != nil && watchErr != context.Canceled {
		return watchErr
	}
	return nil
}

func printHealth(h daemon.Health) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode health: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}

// buildArguments flattens CLI flags and positional KEY=VALUE arguments into
// the request's ordered Arguments list, per the wire contract's
// "--uri, --position, --provider, --refactoring, and positional KEY=VALUE
// arguments pass through as the request's arguments[]".
func buildArguments(positional []string) []string {
	var args []string
	if uriFlag != "" {
		args = append(args, "--uri", uriFlag)
	}
	if positionFlag != "" {
		args = append(args, "--position", positionFlag)
	}
	if providerFlag != "" {
		args = append(args, "--provider", providerFlag)
	}
	if refactoringFlag != "" {
		args = append(args, "--refactoring", refactoringFlag)
	}
	args = append(args, positional...)
	return args
}

func readPayload(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin payload: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read payload file %s: %w", path, err)
	}
	return string(data), nil
}

// resolveDialTarget mirrors internal/daemon's endpoint resolution so the
// client connects to the same address the daemon bound, without importing
// the daemon's unexported endpoint type.
func resolveDialTarget(socketPath, defaultSocket string) (network, address string) {
	if strings.HasPrefix(socketPath, "tcp://") {
		return "tcp", strings.TrimPrefix(socketPath, "tcp://")
	}
	if socketPath != "" {
		return "unix", socketPath
	}
	return "unix", defaultSocket
}

// streamResponse reads response lines until the exit message, printing
// stream chunks to the matching stdout/stderr and returning the exit
// status.
func streamResponse(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return 0, fmt.Errorf("decode response: %w", err)
		}
		switch msg.Kind {
		case protocol.KindStream:
			switch msg.Stream {
			case protocol.StreamStderr:
				fmt.Fprintln(os.Stderr, msg.Data)
			default:
				fmt.Fprintln(os.Stdout, msg.Data)
			}
		case protocol.KindExit:
			return msg.Status, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	return 0, fmt.Errorf("connection closed before exit message")
}
