// netcfgctl is the operator client for netcfgd. Without a subcommand it
// starts an interactive shell.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "netcfgctl: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		addr     string
		token    string
		grpcAddr string
	)
	c := &ctl{out: os.Stdout}

	root := &cobra.Command{
		Use:           "netcfgctl",
		Short:         "Control a running netcfgd",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if token == "" {
				token = os.Getenv("NETCFGD_TOKEN")
			}
			c.c = newClient(addr, token)
			c.grpcAddr = grpcAddr
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd.Context(), c)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&addr, "addr", "127.0.0.1:8080", "netcfgd HTTP API address")
	pf.StringVar(&token, "token", "", "API token (default $NETCFGD_TOKEN)")
	pf.StringVar(&grpcAddr, "grpc-addr", "127.0.0.1:50051", "netcfgd gRPC health address")

	root.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show daemon status",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return c.status(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "wan",
			Short: "Show WAN link readiness",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return c.wan(cmd.Context()) },
		},
		pluginsCmd(c),
		configCmd(c),
		reapplyCmd(c),
		eventsCmd(c),
		&cobra.Command{
			Use:   "history",
			Short: "List accepted configurations, most recent first",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return c.history(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "rollback [n]",
			Short: "Re-apply the n-th previous configuration (default 1)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n := 1
				if len(args) == 1 {
					var err error
					if n, err = strconv.Atoi(args[0]); err != nil {
						return fmt.Errorf("invalid rollback index %q", args[0])
					}
				}
				return c.rollback(cmd.Context(), n)
			},
		},
		&cobra.Command{
			Use:   "health [wan]",
			Short: "Query the gRPC health service for the uplink or one WAN",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				name := ""
				if len(args) == 1 {
					name = args[0]
				}
				return c.health(cmd.Context(), name)
			},
		},
	)
	return root
}

func pluginsCmd(c *ctl) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "plugins [category/name]",
		Short: "List instances, or show one instance with its state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return c.plugin(cmd.Context(), args[0])
			}
			return c.plugins(cmd.Context(), category)
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only list this category")
	return cmd
}

func configCmd(c *ctl) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Show or change the configuration"}

	var comment string
	apply := &cobra.Command{
		Use:   "apply FILE",
		Short: "Apply a configuration file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.configApply(cmd.Context(), args[0], false, comment)
		},
	}
	apply.Flags().StringVarP(&comment, "comment", "m", "", "history comment")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the active configuration as YAML",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return c.configShow(cmd.Context()) },
		},
		apply,
		&cobra.Command{
			Use:   "dry-run FILE",
			Short: "Plan a configuration file without applying it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.configApply(cmd.Context(), args[0], true, "")
			},
		},
	)
	return cmd
}

func reapplyCmd(c *ctl) *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "reapply",
		Short: "Re-apply instances marked changed",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.reapply(cmd.Context(), now) },
	}
	cmd.Flags().BoolVar(&now, "now", false, "run the pass immediately and print it")
	return cmd
}

func eventsCmd(c *ctl) *cobra.Command {
	var (
		kind   string
		n      int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent passes and events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !follow {
				return c.events(cmd.Context(), kind, n)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := c.follow(ctx, kind); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "pass, wan or event")
	cmd.Flags().IntVarP(&n, "count", "n", 50, "number of records")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new records")
	return cmd
}
