package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/evexec/internal/config"
	"github.com/mattjoyce/evexec/internal/coordinator"
	"github.com/mattjoyce/evexec/internal/dispatch"
	"github.com/mattjoyce/evexec/internal/events"
	"github.com/mattjoyce/evexec/internal/executor"
	"github.com/mattjoyce/evexec/internal/lock"
	"github.com/mattjoyce/evexec/internal/log"
	"github.com/mattjoyce/evexec/internal/pipeline"
	"github.com/mattjoyce/evexec/internal/webhook"
	"github.com/mattjoyce/evexec/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: evexec version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("evexec %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `evexec - participant build and test executor

Usage:
  evexec <noun> <action> [flags]

System Commands:
  system start      Start the webhook listener and workers in foreground

Config Commands:
  config check      Validate syntax, policy, and integrity
  config show       Print the effective configuration (secrets redacted)
  config lock       Record the config file hash in .checksums

General:
  version           Show version information (--json)
  help              Show this help message

Flags:
  --config <path>   Config file or directory. Discovery order when omitted:
                    $EVEXEC_CONFIG, ~/.config/evexec/config.yaml,
                    /etc/evexec/config.yaml, ./config.yaml

Environment overrides:
  EVEXEC_WORKERS, EVEXEC_WORKSPACE_ROOT, EVEXEC_LISTEN, EVEXEC_LOG_LEVEL,
  EVEXEC_LOG_FORMAT, EVEXEC_STRATEGY
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func runSystemNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stdout, "Usage: evexec system start [--config PATH]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "start":
		return runStart(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stdout, "Usage: evexec config <check|show|lock> [--config PATH]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "show":
		return runConfigShow(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

// loadConfig parses --config and loads the discovered file.
func loadConfig(name string, args []string) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	path, err := config.Discover(*configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(context.Background(), path)
}

func runConfigCheck(args []string) int {
	cfg, err := loadConfig("config check", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}

	integrity := "verified"
	if err := config.VerifyChecksum(cfg.SourcePath); errors.Is(err, config.ErrNoChecksums) {
		integrity = "unlocked (run 'evexec config lock')"
	}
	fmt.Printf("Config OK: %s\n", cfg.SourcePath)
	fmt.Printf("integrity: %s\n", integrity)
	fmt.Printf("workers: %d, strategy: %s, workspace: %s, endpoints: %d\n",
		cfg.Workers.Count, cfg.Coordinator.Strategy, cfg.Workspace.Root, len(cfg.Webhooks.Endpoints))
	return 0
}

func runConfigShow(args []string) int {
	cfg, err := loadConfig("config show", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	data, err := yaml.Marshal(redacted(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	out.Tokens = make(map[string]string, len(cfg.Tokens))
	for k := range cfg.Tokens {
		out.Tokens[k] = "<redacted>"
	}
	out.Webhooks.Endpoints = append([]config.WebhookEndpoint(nil), cfg.Webhooks.Endpoints...)
	for i := range out.Webhooks.Endpoints {
		if out.Webhooks.Endpoints[i].Secret != "" {
			out.Webhooks.Endpoints[i].Secret = "<redacted>"
		}
	}
	return &out
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	// Validate before trusting the file.
	if _, err := config.Parse(context.Background(), data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}

	manifest, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s -> %s\n", path, manifest)
	return 0
}

func runStart(args []string) int {
	cfg, err := loadConfig("start", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := startService(ctx, cfg); err != nil {
		log.Error("evexec failed", "error", err)
		return 1
	}
	return 0
}

// serviceStats is reported under "stats" by GET /healthz.
type serviceStats struct {
	Pool        dispatch.Stats    `json:"pool"`
	Coordinator coordinator.Stats `json:"coordinator"`
}

// startService wires every component and blocks until ctx is cancelled or
// the webhook listener fails.
func startService(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")
	logger.Info("evexec starting", "version", version, "config", cfg.SourcePath)

	layout, err := workspace.NewLayout(cfg.Workspace.Root, cfg.Workspace.ParentDir, cfg.Workspace.TasksPath)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if err := layout.Prepare(ctx); err != nil {
		return err
	}

	instanceLock, err := lock.AcquireWorkspaceLock(layout.Root)
	if err != nil {
		return fmt.Errorf("another instance may be running: %w", err)
	}
	defer instanceLock.Release()
	logger.Info("acquired workspace lock", "path", instanceLock.Path())

	strategy, err := coordinator.ParseStrategy(cfg.Coordinator.Strategy)
	if err != nil {
		return err
	}
	hookCfg, err := webhook.FromGlobalConfig(cfg.Webhooks, cfg.Tokens)
	if err != nil {
		return fmt.Errorf("webhooks: %w", err)
	}

	hub := events.NewHub(cfg.Webhooks.EventsBuffer)
	defer hub.Close()

	runner := pipeline.NewRunner(
		executor.New(log.Get()),
		layout,
		pipeline.Options{
			GitHost:         cfg.Pipeline.GitHost,
			PullRemote:      cfg.Pipeline.PullRemote,
			PullBranch:      cfg.Pipeline.PullBranch,
			BuildCommand:    cfg.Pipeline.BuildCommand,
			TestCommand:     cfg.Pipeline.TestCommand,
			FailFast:        cfg.Pipeline.FailFast,
			StepTimeout:     cfg.Pipeline.StepTimeout,
			NetworkAttempts: cfg.Pipeline.NetworkAttempts,
			NetworkBackoff:  cfg.Pipeline.NetworkBackoff,
		},
		hub,
		log.Get(),
	)

	pool := dispatch.New(cfg.Workers.Count, log.Get())
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop()

	coord := coordinator.New(ctx, pool, lock.NewRegistry(log.Get()), runner, hub, coordinator.Config{
		Strategy:              strategy,
		SerializeRegistration: cfg.Coordinator.SerializeRegistration,
	}, log.Get())

	server := webhook.New(hookCfg, coord, hub, log.Get()).WithStats(func() any {
		return serviceStats{Pool: pool.Stats(), Coordinator: coord.Stats()}
	})
	logger.Info("evexec running (press Ctrl+C to stop)",
		"workers", cfg.Workers.Count,
		"strategy", string(strategy),
		"workspace", layout.Root,
	)

	err = server.Start(ctx)
	stats := coord.Stats()
	logger.Info("evexec stopped",
		"keys", stats.Keys,
		"runs", stats.Runs,
		"coalesced", stats.Coalesced,
		"resubmits", stats.Resubmits,
	)
	return err
}
