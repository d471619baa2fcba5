package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zmedgyes/charon-proxy/cmd/roster-debugger"
	"github.com/zmedgyes/charon-proxy/cmd/rules"
	"github.com/zmedgyes/charon-proxy/pkg/api"
	"github.com/zmedgyes/charon-proxy/pkg/config"
	"github.com/zmedgyes/charon-proxy/pkg/controller"
	"github.com/zmedgyes/charon-proxy/pkg/metrics"
	"github.com/zmedgyes/charon-proxy/pkg/proxy"
	"github.com/zmedgyes/charon-proxy/pkg/registry"
	"github.com/zmedgyes/charon-proxy/pkg/resolver"
	"github.com/zmedgyes/charon-proxy/pkg/roster"
	"github.com/zmedgyes/charon-proxy/pkg/shutdown"
	"github.com/zmedgyes/charon-proxy/pkg/store"
)

var (
	cfg = config.Config{}
)

var rootCmd = &cobra.Command{
	Use:           "charon-proxy [command]",
	Short:         "Forwards local ports to VPN clients while they are connected",
	Long:          `Keeps one proxy listener per forwarding rule whose owner is connected to the VPN, following clients as their addresses change`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to controller when no command is specified
		return runController(cmd, args)
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
}

func init() {
	addGlobalFlags(rootCmd)
	addControllerFlags(rootCmd)
	addControllerFlags(controllerCmd)

	rulesListCmd.Flags().StringP("user", "u", "", "Only list rules owned by this user")
	rulesListCmd.Flags().StringP("output", "o", rules.OutputText, "Output format: text, json")
	rulesAddCmd.Flags().StringP("rules", "r", "", "Rules to add (format: 'local-port:user:remote-port', comma-separated)")
	rulesAddCmd.Flags().StringP("rules-file", "f", "", "Path to a rules file (YAML/JSON)")
	rulesRemoveCmd.Flags().StringP("user", "u", "", "Owner of the rule [REQUIRED]")
	rulesRemoveCmd.Flags().IntP("port", "p", 0, "Local port of the rule [REQUIRED]")
	_ = rulesRemoveCmd.MarkFlagRequired("user")
	_ = rulesRemoveCmd.MarkFlagRequired("port")
	rulesCmd.AddCommand(rulesListCmd, rulesAddCmd, rulesRemoveCmd, rulesPortsCmd)

	rosterDebuggerCmd.Flags().StringP("output", "o", "text", "Output format: text, json")
	rosterDebuggerCmd.Flags().IntP("history", "H", 10, "Number of changes to track per client")
	rosterDebuggerCmd.Flags().DurationP("interval", "i", 0, "Polling interval, 0 prints the roster once")

	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(rosterDebuggerCmd)

	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// controllerCmd runs the reconciler and the proxies
var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the port forwarding controller",
	Long:  `Periodically join forwarding rules with connected VPN clients and keep a proxy running for each match`,
	RunE:  runController,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage forwarding rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List forwarding rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		output, _ := cmd.Flags().GetString("output")
		return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
			return rules.List(ctx, s, user, output, cmd.OutOrStdout())
		})
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add forwarding rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		rulesStr, _ := cmd.Flags().GetString("rules")
		rulesFile, _ := cmd.Flags().GetString("rules-file")

		toAdd, err := parseRuleFlags(rulesStr, rulesFile)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
			return rules.Add(ctx, s, toAdd, cmd.OutOrStdout())
		})
	},
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a forwarding rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		port, _ := cmd.Flags().GetInt("port")
		return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
			return rules.Remove(ctx, s, user, port, cmd.OutOrStdout())
		})
	},
}

var rulesPortsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List local ports that already have a rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
			return rules.Ports(ctx, s, cmd.OutOrStdout())
		})
	},
}

// rosterDebuggerCmd prints VPN client transitions
var rosterDebuggerCmd = &cobra.Command{
	Use:   "roster-debugger",
	Short: "Run the VPN roster debugger",
	Long:  `Parse the OpenVPN status log and report clients connecting, disconnecting and changing address`,
	RunE:  runRosterDebugger,
}

// addGlobalFlags registers flags shared by every command. Values are only
// applied when set explicitly so the config file and environment keep their
// precedence.
func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML or JSON config file")
	cmd.PersistentFlags().String("database", config.DefaultDatabasePath, "SQLite rule database (env: CHARON_DATABASE_PATH)")
	cmd.PersistentFlags().String("status-log", config.DefaultStatusLogPath, "OpenVPN status log (env: CHARON_STATUS_LOG_PATH)")
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging (env: DEBUG)")
	cmd.PersistentFlags().String("log-level", "info", "Log level: trace, debug, info, warn, error (env: LOG_LEVEL, default: info)")
}

func addControllerFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("sync-interval", config.DefaultSyncInterval, "Reconciliation interval (env: CHARON_SYNC_INTERVAL)")
	cmd.Flags().Duration("upstream-timeout", config.DefaultUpstreamTimeout, "Bound on each rule store and roster read (env: CHARON_UPSTREAM_TIMEOUT)")
	cmd.Flags().Duration("shutdown-timeout", config.DefaultShutdownTimeout, "Forced exit after this long in shutdown (env: CHARON_SHUTDOWN_TIMEOUT)")
	cmd.Flags().Duration("dial-timeout", config.DefaultDialTimeout, "Timeout dialling a client (env: CHARON_DIAL_TIMEOUT)")
	cmd.Flags().String("listen-host", "", "Address proxies bind on, empty for all (env: CHARON_LISTEN_HOST)")
	cmd.Flags().String("proxy-mode", config.ProxyModeHTTP, "Forwarding mode: http or tcp (env: CHARON_PROXY_MODE)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, empty to disable (env: CHARON_METRICS_ADDR)")
}

// loadConfig layers defaults, the config file, the environment and
// explicitly set flags, in increasing precedence
func loadConfig(cmd *cobra.Command) error {
	cfg = config.Config{}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return err
		}
	}
	cfg.Load()

	flags := cmd.Flags()
	if flags.Changed("database") {
		cfg.DatabasePath, _ = flags.GetString("database")
	}
	if flags.Changed("status-log") {
		cfg.StatusLogPath, _ = flags.GetString("status-log")
	}
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Lookup("sync-interval") != nil {
		if flags.Changed("sync-interval") {
			cfg.SyncInterval, _ = flags.GetDuration("sync-interval")
		}
		if flags.Changed("upstream-timeout") {
			cfg.UpstreamTimeout, _ = flags.GetDuration("upstream-timeout")
		}
		if flags.Changed("shutdown-timeout") {
			cfg.ShutdownTimeout, _ = flags.GetDuration("shutdown-timeout")
		}
		if flags.Changed("dial-timeout") {
			cfg.DialTimeout, _ = flags.GetDuration("dial-timeout")
		}
		if flags.Changed("listen-host") {
			cfg.ListenHost, _ = flags.GetString("listen-host")
		}
		if flags.Changed("proxy-mode") {
			cfg.ProxyMode, _ = flags.GetString("proxy-mode")
		}
		if flags.Changed("metrics-addr") {
			cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
		}
	}

	// Validate final configuration
	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLogging(cfg.SlogLevel())
	return nil
}

func setupLogging(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	ctrllog.SetLogger(logr.FromSlogHandler(handler))
}

func withStore(ctx context.Context, fn func(ctx context.Context, s *store.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// parseRuleFlags reads rules from exactly one of the inline string or file
func parseRuleFlags(rulesStr, rulesFile string) ([]api.ForwardRule, error) {
	switch {
	case rulesStr != "" && rulesFile != "":
		return nil, fmt.Errorf("cannot specify both --rules and --rules-file")
	case rulesFile != "":
		return rules.LoadRulesFromFile(rulesFile)
	case rulesStr != "":
		return rules.ParseRulesString(rulesStr)
	default:
		return nil, fmt.Errorf("one of --rules or --rules-file is required")
	}
}

func runController(cmd *cobra.Command, args []string) error {
	logger := ctrllog.Log.WithValues("component", "main")
	ctx := ctrllog.IntoContext(context.Background(), ctrllog.Log)

	ruleStore, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open rule store: %w", err)
	}

	reg := registry.New()
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry, reg.Len)

	lifecycle := proxy.NewManager(reg, proxy.Options{
		Mode:        cfg.ProxyMode,
		ListenHost:  cfg.ListenHost,
		DialTimeout: cfg.DialTimeout,
		Metrics:     m,
	})
	desired := resolver.New(ruleStore, roster.NewStatusFileReader(cfg.StatusLogPath), cfg.UpstreamTimeout, m)
	reconciler := controller.NewReconciler(desired, lifecycle, reg, m, nil)
	defer reconciler.Close()
	scheduler := controller.NewPeriodicReconciler(reconciler, cfg.SyncInterval, nil)

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()

	coordinator := shutdown.New(shutdown.Options{Timeout: cfg.ShutdownTimeout},
		shutdown.Step{Name: "scheduler", Run: func(context.Context) error { return scheduler.Stop() }},
		shutdown.Step{Name: "proxies", Run: lifecycle.StopAll},
		shutdown.Step{Name: "rule store", Run: func(context.Context) error { return ruleStore.Close() }},
		shutdown.Step{Name: "metrics", Run: func(context.Context) error { stopMetrics(); return nil }},
	)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.MetricsAddr, promRegistry); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "Metrics server failed")
			}
		}()
	}

	go func() {
		defer coordinator.Recover(ctx)
		if err := scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(err, "Periodic reconciler failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	logger.Info("Starting port forwarding controller",
		"database", cfg.DatabasePath,
		"status_log", cfg.StatusLogPath,
		"mode", cfg.ProxyMode,
		"interval", cfg.SyncInterval.String())

	if err := coordinator.Watch(ctx, sigCh, func() { scheduler.Trigger() }); err != nil {
		logger.Error(err, "Shutdown finished with errors")
	}
	// Teardown errors are logged; the process still exits cleanly
	return nil
}

func runRosterDebugger(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	history, _ := cmd.Flags().GetInt("history")
	interval, _ := cmd.Flags().GetDuration("interval")

	if output != "text" && output != "json" {
		return fmt.Errorf("invalid output format %q (must be text or json)", output)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return rosterdebugger.Run(ctrllog.IntoContext(ctx, ctrllog.Log), rosterdebugger.Config{
		StatusLogPath: cfg.StatusLogPath,
		OutputFormat:  strings.ToLower(output),
		HistorySize:   history,
		PollInterval:  interval,
	}, cmd.OutOrStdout())
}

func Execute() error {
	return rootCmd.Execute()
}
