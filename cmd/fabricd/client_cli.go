package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/fabricd/api"
	"pkt.systems/fabricd/client"
	"pkt.systems/fabricd/internal/loggingutil"
	"pkt.systems/pslog"
)

const (
	clientServerKey   = "client.server"
	clientUnixKey     = "client.unix"
	clientTimeoutKey  = "client.timeout"
	clientOutputKey   = "client.output"
	clientLogLevelKey = "client.log_level"

	defaultClientServer  = "127.0.0.1"
	defaultClientTimeout = 5 * time.Second
)

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	server   string
	unix     bool
	timeout  time.Duration
	output   string
	logLevel string
}

func loadClientConfig() (clientCLIConfig, error) {
	cfg := clientCLIConfig{
		server:   strings.TrimSpace(viper.GetString(clientServerKey)),
		unix:     viper.GetBool(clientUnixKey),
		timeout:  viper.GetDuration(clientTimeoutKey),
		output:   strings.ToLower(strings.TrimSpace(viper.GetString(clientOutputKey))),
		logLevel: strings.ToLower(strings.TrimSpace(viper.GetString(clientLogLevelKey))),
	}
	if cfg.server == "" {
		cfg.server = defaultClientServer
	}
	if cfg.timeout <= 0 {
		cfg.timeout = defaultClientTimeout
	}
	switch cfg.output {
	case "", "text":
		cfg.output = "text"
	case "json":
	default:
		return clientCLIConfig{}, fmt.Errorf("unsupported output %q (text or json)", cfg.output)
	}
	return cfg, nil
}

func (c clientCLIConfig) logger() (pslog.Logger, error) {
	switch c.logLevel {
	case "", "none", "off", "disabled":
		return pslog.NoopLogger(), nil
	}
	level, ok := pslog.ParseLevel(c.logLevel)
	if !ok {
		return nil, fmt.Errorf("invalid client log level %q", c.logLevel)
	}
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("FABRICD_CLIENT_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: level}),
		pslog.WithEnvWriter(os.Stderr),
	)
	return loggingutil.WithSubsystem(logger, "client.cli").LogLevel(level), nil
}

// withSession runs fn on a fresh session and tears the library down
// afterwards.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, sess *client.Session, cfg clientCLIConfig) error) error {
	cmd.SilenceUsage = true
	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	logger, err := cfg.logger()
	if err != nil {
		return err
	}
	lib := client.NewLibrary(client.WithLogger(logger))
	if err := lib.Init(); err != nil {
		return err
	}
	defer lib.Shutdown()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
	defer cancel()
	params := api.NewConnectParams(cfg.server, uint32(cfg.timeout/time.Millisecond), cfg.unix)
	sess, err := lib.Connect(ctx, params)
	if err != nil {
		return err
	}
	defer lib.Disconnect(sess)
	return fn(ctx, sess, cfg)
}

func newClientCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "client",
		Aliases: []string{"c"},
		Short:   "Query and drive a running fabricd",
	}
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultClientServer, "daemon address (host, host:port or a socket path with --unix)")
	flags.Bool("unix", false, "treat --server as a unix socket path")
	flags.Duration("timeout", defaultClientTimeout, "connect and request timeout")
	flags.StringP("output", "o", "text", "output format (text|json)")
	flags.String("client-log-level", "none", "client log level (trace|debug|info|warn|error|none)")

	mustBindFlag(clientServerKey, "FABRICD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientUnixKey, "FABRICD_CLIENT_UNIX", flags.Lookup("unix"))
	mustBindFlag(clientTimeoutKey, "FABRICD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientOutputKey, "FABRICD_CLIENT_OUTPUT", flags.Lookup("output"))
	mustBindFlag(clientLogLevelKey, "FABRICD_CLIENT_LOG_LEVEL", flags.Lookup("client-log-level"))

	cmd.AddCommand(
		newClientListCommand(),
		newClientUnsupportedCommand(),
		newClientFailedLinksCommand(),
		newClientActivateCommand(),
		newClientDeactivateCommand(),
		newClientRestoreCommand(),
	)
	return cmd
}

func newClientListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List supported fabric partitions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, sess *client.Session, cfg clientCLIConfig) error {
				list := api.NewFabricPartitionList()
				if err := sess.GetSupportedFabricPartitions(ctx, list); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if cfg.output == "json" {
					return writeJSON(out, list)
				}
				fmt.Fprintf(out, "%-6s %-8s %-5s %-8s %s\n", "ID", "ACTIVE", "GPUS", "NVLINKS", "BANDWIDTH")
				for _, p := range list.Partitions {
					var links, maxLinks uint32
					var bandwidth uint64
					for _, g := range p.GPUs {
						links += g.NumNVLinksAvailable
						maxLinks += g.MaxNumNVLinks
						bandwidth += uint64(g.NumNVLinksAvailable) * uint64(g.NVLinkLineRateMBps)
					}
					fmt.Fprintf(out, "%-6d %-8t %-5d %-8s %s\n",
						p.PartitionID, p.IsActive, len(p.GPUs),
						fmt.Sprintf("%d/%d", links, maxLinks), formatLineRate(bandwidth))
				}
				return nil
			})
		},
	}
}

func newClientUnsupportedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unsupported",
		Short: "List partitions this host cannot activate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, sess *client.Session, cfg clientCLIConfig) error {
				list := api.NewUnsupportedFabricPartitionList()
				if err := sess.GetUnsupportedFabricPartitions(ctx, list); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if cfg.output == "json" {
					return writeJSON(out, list)
				}
				fmt.Fprintf(out, "%-6s %s\n", "ID", "GPU PHYSICAL IDS")
				for _, p := range list.Partitions {
					ids := make([]string, len(p.GPUPhysicalIDs))
					for i, id := range p.GPUPhysicalIDs {
						ids[i] = strconv.FormatUint(uint64(id), 10)
					}
					fmt.Fprintf(out, "%-6d %s\n", p.PartitionID, strings.Join(ids, ","))
				}
				return nil
			})
		},
	}
}

func newClientFailedLinksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "failed-links",
		Short: "Show GPUs and NVSwitches with failed NVLink ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, sess *client.Session, cfg clientCLIConfig) error {
				report := api.NewNvlinkFailedDevices()
				if err := sess.GetNvlinkFailedDevices(ctx, report); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if cfg.output == "json" {
					return writeJSON(out, report)
				}
				if len(report.GPUs) == 0 && len(report.Switches) == 0 {
					fmt.Fprintln(out, "no failed nvlinks")
					return nil
				}
				writeFailed := func(kind string, devices []api.NvlinkFailedDeviceInfo) {
					for _, dev := range devices {
						ports := make([]string, len(dev.PortNums))
						for i, p := range dev.PortNums {
							ports[i] = strconv.FormatUint(uint64(p), 10)
						}
						fmt.Fprintf(out, "%-6s %s %s ports=%s\n", kind, dev.UUID, dev.PCIBusID, strings.Join(ports, ","))
					}
				}
				writeFailed("gpu", report.GPUs)
				writeFailed("switch", report.Switches)
				return nil
			})
		},
	}
}

func newClientActivateCommand() *cobra.Command {
	var vfs []string
	cmd := &cobra.Command{
		Use:   "activate PARTITION_ID",
		Short: "Activate a fabric partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePartitionID(args[0])
			if err != nil {
				return err
			}
			devices := make([]api.PciDevice, 0, len(vfs))
			for _, raw := range vfs {
				dev, err := api.ParsePciDevice(raw)
				if err != nil {
					return err
				}
				devices = append(devices, dev)
			}
			return withSession(cmd, func(ctx context.Context, sess *client.Session, cfg clientCLIConfig) error {
				if len(devices) > 0 {
					err = sess.ActivateFabricPartitionWithVFs(ctx, id, devices)
				} else {
					err = sess.ActivateFabricPartition(ctx, id)
				}
				if err != nil {
					return err
				}
				return writeResult(cmd.OutOrStdout(), cfg, "activated", id)
			})
		},
	}
	cmd.Flags().StringSliceVar(&vfs, "vf", nil, "virtual function PCI address to bind, one per partition GPU in order")
	return cmd
}

func newClientDeactivateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate PARTITION_ID",
		Short: "Deactivate a fabric partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePartitionID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, func(ctx context.Context, sess *client.Session, cfg clientCLIConfig) error {
				if err := sess.DeactivateFabricPartition(ctx, id); err != nil {
					return err
				}
				return writeResult(cmd.OutOrStdout(), cfg, "deactivated", id)
			})
		},
	}
}

func newClientRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [PARTITION_ID...]",
		Short: "Tell a daemon in restart mode which partitions are still active",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]api.PartitionID, 0, len(args))
			for _, arg := range args {
				for _, field := range strings.Split(arg, ",") {
					if field = strings.TrimSpace(field); field == "" {
						continue
					}
					id, err := parsePartitionID(field)
					if err != nil {
						return err
					}
					ids = append(ids, id)
				}
			}
			return withSession(cmd, func(ctx context.Context, sess *client.Session, cfg clientCLIConfig) error {
				if err := sess.SetActivatedFabricPartitions(ctx, api.NewActivatedFabricPartitionList(ids...)); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if cfg.output == "json" {
					return writeJSON(out, map[string]any{"restored": ids})
				}
				_, err := fmt.Fprintf(out, "restored %d active partition(s)\n", len(ids))
				return err
			})
		},
	}
}

func parsePartitionID(raw string) (api.PartitionID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, api.Errorf(api.StatusBadParam, "parse partition id", "%q is not a partition id", raw)
	}
	return api.PartitionID(n), nil
}

func writeResult(out io.Writer, cfg clientCLIConfig, action string, id api.PartitionID) error {
	if cfg.output == "json" {
		return writeJSON(out, map[string]any{"partition_id": id, "result": action})
	}
	_, err := fmt.Fprintf(out, "partition %d %s\n", id, action)
	return err
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatLineRate renders an aggregate NVLink rate given in MBps.
func formatLineRate(mbps uint64) string {
	if mbps == 0 {
		return "-"
	}
	return strings.ReplaceAll(humanize.Bytes(mbps*1_000_000), " ", "") + "/s"
}
