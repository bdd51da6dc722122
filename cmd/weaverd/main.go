// Package main is the weaverd daemon entry point: it loads configuration,
// wires the plugin registry, sandbox, locks, transaction harness, and
// router, then serves the socket until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"weaver/internal/config"
	"weaver/internal/daemon"
	"weaver/internal/lock"
	"weaver/internal/logging"
	"weaver/internal/lspclient"
	"weaver/internal/plugin"
	"weaver/internal/refactor"
	"weaver/internal/router"
	"weaver/internal/sandbox"
	"weaver/internal/txn"
)

var (
	verbose    bool
	configPath string
	workspace  string
	socketPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "weaverd",
	Short: "weaverd is the Weaver code-intelligence daemon",
	Long: `weaverd listens for client requests on a Unix-domain socket (or TCP,
for non-Unix hosts) and serves verify/act/observe operations over a
workspace, backed by a plugin registry, a sandboxed subprocess runner,
and a syntactic+semantic double lock on every mutation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		if err := logging.Initialize(verbose); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runDaemon,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a JSON or YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace root (overrides config)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Listener endpoint override, tcp://host:port or a Unix socket path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if workspace != "" {
		abs, err := filepath.Abs(workspace)
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}
		cfg.WorkspaceRoot = abs
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if verbose {
		cfg.Verbose = true
	}

	r, err := buildRouter(cfg)
	if err != nil {
		return err
	}

	d := daemon.New(cfg, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		d.Shutdown()
	}()

	return d.Run(ctx)
}

// buildRouter assembles the registry, sandbox, locks, and transaction
// harness a Router needs, loading plugin manifests from cfg.PluginDir and
// LSP client configuration from cfg.LanguageServers.
func buildRouter(cfg config.Config) (*router.Router, error) {
	registry := plugin.NewRegistry()
	if cfg.PluginDir != "" {
		manifests, err := plugin.LoadManifestDir(cfg.PluginDir)
		if err != nil {
			return nil, fmt.Errorf("load plugin manifests from %s: %w", cfg.PluginDir, err)
		}
		for _, m := range manifests {
			if err := registry.Register(m); err != nil {
				return nil, fmt.Errorf("register plugin %s: %w", m.Name, err)
			}
		}
	}

	envPolicy := sandbox.EnvPolicy(cfg.Sandbox.EnvPolicy)
	if envPolicy == "" {
		envPolicy = sandbox.EnvIsolated
	}
	sb := sandbox.New(sandbox.Policy{
		AllowedExecutables: cfg.Sandbox.AllowedExecutables,
		AllowedPaths:       cfg.Sandbox.AllowedPaths,
		Env:                envPolicy,
		EnvAllowList:       cfg.Sandbox.EnvAllowList,
	})
	runner := plugin.NewRunner(registry, sb,
		time.Duration(cfg.PluginTimeoutMS)*time.Millisecond,
		time.Duration(cfg.PluginKillGraceMS)*time.Millisecond)

	syntactic, err := lock.NewSyntacticLock()
	if err != nil {
		return nil, fmt.Errorf("build syntactic lock: %w", err)
	}

	lspRegistry := lspclient.NewStdioRegistry(cfg.LanguageServers)
	semantic := lock.NewSemanticLock(lspRegistry, languageForExtension, cfg.SemanticLock.FailOnWarnings)

	harness := txn.New(cfg.WorkspaceRoot, syntactic, semantic)
	refactorExec := refactor.New(cfg.WorkspaceRoot, registry, runner, harness)

	return router.New(cfg.WorkspaceRoot, registry, runner, harness, refactorExec, syntactic, semantic), nil
}

// languageForExtension maps a file's extension to the language name used to
// key cfg.LanguageServers and plugin manifests' Languages lists.
func languageForExtension(uri string) (string, bool) {
	switch strings.ToLower(filepath.Ext(strings.TrimPrefix(uri, "file://"))) {
	case ".rs":
		return "rust", true
	case ".py":
		return "python", true
	case ".ts", ".tsx":
		return "typescript", true
	case ".go":
		return "go", true
	default:
		return "", false
	}
}
