// netcfgd is the network configuration daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/psaab/netcfgd/pkg/daemon"
	"github.com/psaab/netcfgd/pkg/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "netcfgd: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		opts       daemon.Options
		logLevel   string
		syslogAddr string
	)
	cmd := &cobra.Command{
		Use:           "netcfgd",
		Short:         "Declarative network configuration daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := logging.Configure(logLevel, syslogAddr)
			if err != nil {
				return err
			}
			defer h.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := daemon.New(opts).Run(ctx); err != nil {
				slog.Error("daemon failed", "err", err)
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.ConfigFile, "config", "c", daemon.DefaultConfigFile, "configuration file")
	f.StringVar(&opts.DefaultConfig, "default-config", "", "configuration applied when the configuration file is unusable")
	f.StringVar(&opts.StateDir, "state-dir", daemon.DefaultStateDir, "directory for the configuration history database")
	f.StringVar(&opts.APIAddr, "api-addr", daemon.DefaultAPIAddr, "HTTP API listen address (empty disables)")
	f.StringVar(&opts.GRPCAddr, "grpc-addr", daemon.DefaultGRPCAddr, "gRPC health listen address (empty disables)")
	f.StringSliceVar(&opts.APITokens, "api-token", nil, "bearer token accepted by the HTTP API (repeatable)")
	f.BoolVar(&opts.Watch, "watch", false, "apply the configuration file whenever it changes")
	f.DurationVar(&opts.ReapplyDelay, "reapply-delay", daemon.DefaultReapplyDelay, "quiet period before an event-driven reapply")
	f.DurationVar(&opts.SelfHealInterval, "self-heal-interval", 0, "periodic reapply of dirty instances (0 disables)")
	f.StringVar(&opts.EventLog, "event-log", "", "JSON-lines journal of passes and events")
	f.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	f.StringVar(&syslogAddr, "syslog", "", "forward logs to a syslog server (host[:port])")
	return cmd
}
