package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/olliecrow/claude_usage_monitor/internal/config"
	"github.com/olliecrow/claude_usage_monitor/internal/server"
	"github.com/olliecrow/claude_usage_monitor/internal/tui"
)

type rootOptions struct {
	configPath   string
	claudeDir    string
	remoteSource string
	interval     time.Duration
	displayMode  string
	logLevel     string
	logFile      string
	historyFile  string

	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	o := &rootOptions{stdout: stdout, stderr: stderr}
	var tuiFlags tuiOptions

	root := &cobra.Command{
		Use:   config.AppName,
		Short: "Track Claude subscription usage from local logs and the claude.ai usage endpoint.",
		Long: "Track Claude subscription usage in a terminal user interface (TUI), a local HTTP API, " +
			"or one-shot commands. The monitor only reads Claude data; it never modifies it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.runTUI(cmd, tuiFlags)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: 2, err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", config.DefaultPath(), "path to the YAML config file")
	pf.StringVar(&o.claudeDir, "claude-dir", "", "Claude data directory (default from config, ~/.claude)")
	pf.StringVar(&o.remoteSource, "remote", "", "remote source: auto, web, file or none")
	pf.DurationVar(&o.interval, "interval", 0, "poll interval (minimum 10s)")
	pf.StringVar(&o.displayMode, "display", "", "title display mode: all, session or weekly")
	pf.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&o.logFile, "log-file", "", "rotating log file path")
	pf.StringVar(&o.historyFile, "history-file", "", "usage history file path")

	addTUIFlags(root, &tuiFlags)

	root.AddCommand(
		o.newTUICommand(),
		o.newServeCommand(),
		o.newStatusCommand(),
		o.newHistoryCommand(),
		o.newDoctorCommand(),
		o.newConfigCommand(),
		newCompletionCommand(root),
	)
	return root
}

// loadConfig reads the config file and applies flags the user set. A
// malformed file is reported and the defaults are used.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(o.stderr, "warning: %v (using defaults)\n", err)
	}
	flags := cmd.Flags()
	if flags.Changed("claude-dir") {
		cfg.ClaudeDir = config.ExpandHome(o.claudeDir)
	}
	if flags.Changed("remote") {
		cfg.Remote.Source = o.remoteSource
	}
	if flags.Changed("interval") {
		if o.interval < 10*time.Second {
			return cfg, usageError("--interval must be at least 10s")
		}
		cfg.PollInterval = o.interval
	}
	if flags.Changed("display") {
		switch mode := strings.ToLower(strings.TrimSpace(o.displayMode)); mode {
		case config.DisplayAll, config.DisplaySession, config.DisplayWeekly:
			cfg.DisplayMode = mode
		default:
			return cfg, usageError("unsupported display mode %q (want all, session or weekly)", o.displayMode)
		}
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = config.ExpandHome(o.logFile)
	}
	if flags.Changed("history-file") {
		cfg.HistoryFile = config.ExpandHome(o.historyFile)
	}
	return cfg, nil
}

func (o *rootOptions) open(cmd *cobra.Command, logStderr io.Writer) (*app, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logStderr)
}

type tuiOptions struct {
	noColor     bool
	noAltScreen bool
}

func addTUIFlags(cmd *cobra.Command, opts *tuiOptions) {
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable color styling")
	cmd.Flags().BoolVar(&opts.noAltScreen, "no-alt-screen", false, "disable alternate screen mode")
}

func (o *rootOptions) newTUICommand() *cobra.Command {
	var opts tuiOptions
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Run the terminal user interface (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.runTUI(cmd, opts)
		},
	}
	addTUIFlags(cmd, &opts)
	return cmd
}

func (o *rootOptions) runTUI(cmd *cobra.Command, opts tuiOptions) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return &exitError{code: 1, err: errors.New("interactive TUI requires a TTY")}
	}
	a, err := o.open(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.scheduler.Run(egCtx)
	})
	eg.Go(func() error {
		defer cancel()
		return tui.Run(egCtx, tui.Options{
			State:       a.scheduler.State(),
			Refresher:   a.scheduler,
			History:     a.history,
			DisplayMode: a.cfg.DisplayMode,
			WindowCap:   a.cfg.EstimatedWindowCap,
			NoColor:     opts.noColor,
			AltScreen:   !opts.noAltScreen,
		})
	})
	return eg.Wait()
}

func (o *rootOptions) newServeCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the poller headless and serve the local HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.open(cmd, o.stderr)
			if err != nil {
				return err
			}
			defer a.Close()
			if cmd.Flags().Changed("listen") {
				a.cfg.Server.Listen = listen
			}

			srv, err := server.New(server.Options{
				State:       a.scheduler.State(),
				Refresher:   a.scheduler,
				History:     a.history,
				Logger:      a.logger,
				DisplayMode: a.cfg.DisplayMode,
			})
			if err != nil {
				return err
			}

			eg, egCtx := errgroup.WithContext(cmd.Context())
			eg.Go(func() error {
				return a.scheduler.Run(egCtx)
			})
			eg.Go(func() error {
				return srv.ListenAndServe(egCtx, a.cfg.Server.Listen)
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config, 127.0.0.1:7319)")
	return cmd
}

func (o *rootOptions) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if _, err := os.Stat(o.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", o.configPath)
			}
			if err := config.Save(o.configPath, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(o.stdout, "wrote %s\n", o.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(o.stdout, o.configPath)
		},
	}

	cmd.AddCommand(initCmd, pathCmd)
	return cmd
}

func newCompletionCommand(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh]",
		Short:     "Print a shell completion script",
		ValidArgs: []string{"bash", "zsh"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return usageError("completion accepts zero or one shell argument (bash or zsh)")
			}
			shell := "bash"
			if len(args) == 1 {
				shell = strings.TrimSpace(args[0])
			}
			switch shell {
			case "bash":
				return root.GenBashCompletionV2(cmd.OutOrStdout(), true)
			case "zsh":
				return root.GenZshCompletion(cmd.OutOrStdout())
			default:
				return usageError("unsupported shell %q (expected bash or zsh)", shell)
			}
		},
	}
}
