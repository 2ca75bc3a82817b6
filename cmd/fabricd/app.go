package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/fabricd"
	"pkt.systems/fabricd/internal/loggingutil"
	"pkt.systems/fabricd/internal/version"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("FABRICD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "fabricd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the daemon rather
// than a subcommand. Daemon failures are logged; subcommand failures go to
// stderr as plain text.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(arg string) *pflag.Flag {
		if name, ok := strings.CutPrefix(arg, "--"); ok {
			if f := root.Flags().Lookup(name); f != nil {
				return f
			}
			return root.PersistentFlags().Lookup(name)
		}
		short := strings.TrimPrefix(arg, "-")
		if len(short) != 1 {
			return nil
		}
		if f := root.Flags().ShorthandLookup(short); f != nil {
			return f
		}
		return root.PersistentFlags().ShorthandLookup(short)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "-") && arg != "-":
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(arg)
			if flag == nil {
				// Unknown flag: cobra fails either way, decide by what follows.
				for _, rest := range args[i+1:] {
					if isSubcommandToken(root, rest) {
						return false
					}
				}
				return true
			}
			if flag.NoOptDefVal == "" {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := fabricd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, fabricd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(os.ExpandEnv(p))
}

// serverFlagNames lists the daemon flags that are also read from
// FABRICD_* environment variables and the config file.
var serverFlagNames = []string{
	"config",
	"listen", "listen-proto", "topology", "topology-wait", "restart",
	"sim-train-delay", "max-sessions", "session-idle-timeout", "hello-timeout",
	"operation-timeout", "shutdown-timeout",
	"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window",
	"connguard-block-duration", "connguard-probe-timeout",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fabricd",
		Short:         "fabricd manages NVLink fabric partitions and serves the fabric manager client protocol",
		SilenceErrors: true,
		Example: `
  # Serve on the default port with the topology written by fabric discovery
  fabricd --topology /var/run/fabricd/topology.yaml

  # Same-host clients only, over a unix socket
  fabricd --listen-proto unix --listen /var/run/fabricd.sock

  # Resume after a restart; a client must replay the active partitions
  fabricd --restart

  # Inspect and drive a running daemon
  fabricd client list --server 10.0.0.5
  fabricd client activate 3
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if !ok {
				return fmt.Errorf("invalid log level %q", logLevel)
			}
			logger = logger.LogLevel(level)
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to fabricd",
				"version", version.Current(),
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg, shutdownTimeout, err := bindConfig()
			if err != nil {
				return err
			}
			server, err := fabricd.NewServer(cfg, fabricd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdown := func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}
			stopped := make(chan struct{})
			defer close(stopped)
			go func() {
				select {
				case <-ctx.Done():
					shutdown()
				case <-stopped:
				}
			}()
			err = server.Start()
			if err != nil {
				shutdown()
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.fabricd/"+fabricd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "daemon log level (trace|debug|info|warn|error)")

	flags := cmd.Flags()
	flags.String("listen", fabricd.DefaultListen, "listen address (socket path with --listen-proto unix)")
	flags.String("listen-proto", fabricd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("topology", fabricd.DefaultTopologyPath, "fabric topology YAML; requests fail with NOT_CONFIGURED until it exists")
	flags.Duration("topology-wait", fabricd.DefaultTopologyWait, "give up when the topology is not available within this duration (0 waits forever)")
	flags.Bool("restart", false, "start in restart mode and wait for the activated partition set")
	flags.Duration("sim-train-delay", 0, "time the simulated driver spends on every link transition")
	flags.Int("max-sessions", fabricd.DefaultMaxSessions, "maximum concurrent client sessions")
	flags.Duration("session-idle-timeout", fabricd.DefaultSessionIdleTimeout, "close sessions without traffic after this duration")
	flags.Duration("hello-timeout", fabricd.DefaultHelloTimeout, "maximum wait for the hello of a new session")
	flags.Duration("operation-timeout", fabricd.DefaultOperationTimeout, "maximum duration of one partition activation or deactivation")
	flags.Duration("shutdown-timeout", fabricd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.Bool("connguard-enabled", true, "block hosts that repeatedly fail the session handshake")
	flags.Int("connguard-failure-threshold", fabricd.DefaultGuardFailureThreshold, "failed handshakes before a host is blocked")
	flags.Duration("connguard-failure-window", fabricd.DefaultGuardFailureWindow, "window used to count failed handshakes")
	flags.Duration("connguard-block-duration", fabricd.DefaultGuardBlockDuration, "how long a host stays blocked")
	flags.Duration("connguard-probe-timeout", fabricd.DefaultGuardProbeTimeout, "wait for the first byte of a new TCP session")
	flags.String("metrics-listen", fabricd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", fabricd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("FABRICD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range serverFlagNames {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig() (fabricd.Config, time.Duration, error) {
	cfg := fabricd.Config{
		Listen:                 viper.GetString("listen"),
		ListenProto:            viper.GetString("listen-proto"),
		TopologyPath:           viper.GetString("topology"),
		TopologyWait:           viper.GetDuration("topology-wait"),
		RestartMode:            viper.GetBool("restart"),
		SimTrainDelay:          viper.GetDuration("sim-train-delay"),
		MaxSessions:            viper.GetInt("max-sessions"),
		SessionIdleTimeout:     viper.GetDuration("session-idle-timeout"),
		HelloTimeout:           viper.GetDuration("hello-timeout"),
		OperationTimeout:       viper.GetDuration("operation-timeout"),
		GuardDisabled:          !viper.GetBool("connguard-enabled"),
		GuardFailureThreshold:  viper.GetInt("connguard-failure-threshold"),
		GuardFailureWindow:     viper.GetDuration("connguard-failure-window"),
		GuardBlockDuration:     viper.GetDuration("connguard-block-duration"),
		GuardProbeTimeout:      viper.GetDuration("connguard-probe-timeout"),
		MetricsListen:          viper.GetString("metrics-listen"),
		PprofListen:            viper.GetString("pprof-listen"),
		EnableProfilingMetrics: viper.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:           viper.GetString("otlp-endpoint"),
	}
	if strings.EqualFold(strings.TrimSpace(cfg.ListenProto), "unix") && cfg.Listen != "" {
		expanded, err := expandPath(cfg.Listen)
		if err != nil {
			return fabricd.Config{}, 0, fmt.Errorf("expand socket path %q: %w", cfg.Listen, err)
		}
		cfg.Listen = expanded
	}
	if topo, err := expandPath(cfg.TopologyPath); err == nil && topo != "" {
		cfg.TopologyPath = topo
	}
	shutdownTimeout := viper.GetDuration("shutdown-timeout")
	if shutdownTimeout <= 0 {
		shutdownTimeout = fabricd.DefaultShutdownTimeout
	}
	if err := cfg.Validate(); err != nil {
		return fabricd.Config{}, 0, err
	}
	return cfg, shutdownTimeout, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
