package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/paysink/internal/config"
	"github.com/mattjoyce/paysink/internal/lock"
	"github.com/mattjoyce/paysink/internal/log"
	"github.com/mattjoyce/paysink/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "paysink",
		Short:         "Payment webhook ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config file or directory (env PAYSINK_CONFIG)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newSystemCmd(load),
		newConfigCmd(load),
		newSecretCmd(load),
		newEventCmd(load),
		newJobCmd(load),
		newVersionCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("PAYSINK_CONFIG")); p != "" {
		return p
	}
	return "config.yaml"
}

type configLoader func() (*config.Config, error)

func newSystemCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Run the service",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the webhook listener, workers and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runStart(cmd.Context(), cfg)
		},
	})
	cmd.AddCommand(newWatchCmd(load))
	return cmd
}

func newWatchCmd(load configLoader) *cobra.Command {
	var apiURL, token string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live activity from a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if apiURL == "" {
				cfg, err := load()
				if err != nil {
					return fmt.Errorf("no --url given and config unavailable: %w", err)
				}
				apiURL = apiURLFromListen(cfg.API.Listen)
			}
			if token == "" {
				token = os.Getenv("PAYSINK_API_TOKEN")
			}
			p := tea.NewProgram(watch.New(apiURL, token), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&apiURL, "url", "", "admin API base URL (default derived from api.listen)")
	cmd.Flags().StringVar(&token, "token", "", "admin API token (default $PAYSINK_API_TOKEN)")
	return cmd
}

// apiURLFromListen turns a listen address into a dialable URL.
func apiURLFromListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func runStart(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("paysink starting",
		"version", version,
		"config", cfg.SourceFile,
		"environment", cfg.Service.Environment,
		"config_checksum", cfg.Checksum,
	)

	lockPath := lock.PathFor(cfg.State.Path)
	instanceLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire instance lock (another instance may be running)", "path", lockPath, "error", err)
		return err
	}
	defer instanceLock.Release()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log.Get())
	if err != nil {
		logger.Error("failed to initialise", "error", err)
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	logger.Info("paysink running (press Ctrl+C to stop)", "webhooks", cfg.Webhooks.Listen)
	if err := a.run(ctx); err != nil {
		return err
	}
	logger.Info("paysink stopped")
	return nil
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func newVersionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := currentVersionInfo()
			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to render version JSON: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "paysink %s\n", info.Version)
			fmt.Fprintf(out, "commit: %s\n", info.Commit)
			fmt.Fprintf(out, "built_at: %s\n", info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output version metadata as JSON")
	return cmd
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

var errNoSecret = errors.New("secret is empty: pass --secret-env or pipe it on stdin")
