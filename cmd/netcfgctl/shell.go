package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

var errExit = errors.New("exit")

var shellHelp = []struct{ cmd, desc string }{
	{"status", "daemon status"},
	{"wan", "WAN link readiness"},
	{"plugins [category | category/name]", "list instances or show one"},
	{"config show", "active configuration"},
	{"config apply FILE [comment]", "apply a configuration file"},
	{"config dry-run FILE", "plan a configuration file"},
	{"reapply [now]", "re-apply changed instances"},
	{"events [pass|wan|event] [n]", "recent records"},
	{"follow [pass|wan|event]", "stream records until Ctrl-C"},
	{"history", "accepted configurations"},
	{"rollback [n]", "restore the n-th previous configuration"},
	{"health [wan]", "gRPC health of the uplink or one WAN"},
	{"exit", "leave the shell"},
}

func shellCompleter() *readline.PrefixCompleter {
	kinds := func() []readline.PrefixCompleterInterface {
		return []readline.PrefixCompleterInterface{
			readline.PcItem("pass"), readline.PcItem("wan"), readline.PcItem("event"),
		}
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("status"),
		readline.PcItem("wan"),
		readline.PcItem("plugins"),
		readline.PcItem("config",
			readline.PcItem("show"),
			readline.PcItem("apply", readline.PcItemDynamic(listFiles)),
			readline.PcItem("dry-run", readline.PcItemDynamic(listFiles)),
		),
		readline.PcItem("reapply", readline.PcItem("now")),
		readline.PcItem("events", kinds()...),
		readline.PcItem("follow", kinds()...),
		readline.PcItem("history"),
		readline.PcItem("rollback"),
		readline.PcItem("health"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

// listFiles completes YAML files in the working directory.
func listFiles(string) []string {
	var out []string
	for _, pat := range []string{"*.yaml", "*.yml"} {
		m, _ := filepath.Glob(pat)
		out = append(out, m...)
	}
	return out
}

// shellCmd tracks the running command so Ctrl-C can cancel it.
type shellCmd struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *shellCmd) start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return ctx
}

func (s *shellCmd) end() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

// interrupt cancels the running command. It reports whether there was one.
func (s *shellCmd) interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func runShell(ctx context.Context, c *ctl) error {
	if err := c.status(ctx); err != nil {
		return fmt.Errorf("cannot reach netcfgd: %w", err)
	}
	fmt.Fprintln(c.out)

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "netcfgd> ",
		HistoryFile:     filepath.Join(home, ".netcfgctl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    shellCompleter(),
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	c.out = rl.Stdout()

	var running shellCmd
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if running.interrupt() {
				fmt.Fprintln(os.Stderr, "\n^C (command cancelled)")
			}
		}
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmdCtx := running.start(ctx)
		err = c.dispatch(cmdCtx, strings.Fields(line))
		running.end()
		switch {
		case errors.Is(err, errExit):
			return nil
		case errors.Is(err, context.Canceled):
		case err != nil:
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
		}
	}
}

// dispatch runs one shell command line.
func (c *ctl) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}
	intArg := func(i, def int) (int, error) {
		if i >= len(args) {
			return def, nil
		}
		n, err := strconv.Atoi(args[i])
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", args[i])
		}
		return n, nil
	}

	switch args[0] {
	case "status":
		return c.status(ctx)
	case "wan":
		return c.wan(ctx)
	case "plugins":
		if strings.Contains(arg(1), "/") {
			return c.plugin(ctx, arg(1))
		}
		return c.plugins(ctx, arg(1))
	case "config":
		switch arg(1) {
		case "show", "":
			return c.configShow(ctx)
		case "apply":
			if arg(2) == "" {
				return errors.New("usage: config apply FILE [comment]")
			}
			return c.configApply(ctx, arg(2), false, strings.Join(args[3:], " "))
		case "dry-run":
			if arg(2) == "" {
				return errors.New("usage: config dry-run FILE")
			}
			return c.configApply(ctx, arg(2), true, "")
		}
		return fmt.Errorf("unknown config command %q", arg(1))
	case "reapply":
		return c.reapply(ctx, arg(1) == "now")
	case "events":
		n, err := intArg(2, 20)
		if err != nil {
			return err
		}
		return c.events(ctx, arg(1), n)
	case "follow":
		if err := c.follow(ctx, arg(1)); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	case "history":
		return c.history(ctx)
	case "rollback":
		n, err := intArg(1, 1)
		if err != nil {
			return err
		}
		return c.rollback(ctx, n)
	case "health":
		return c.health(ctx, arg(1))
	case "help", "?":
		for _, h := range shellHelp {
			c.printf("  %-36s %s\n", h.cmd, h.desc)
		}
		return nil
	case "exit", "quit":
		return errExit
	}
	return fmt.Errorf("unknown command %q (try help)", args[0])
}
