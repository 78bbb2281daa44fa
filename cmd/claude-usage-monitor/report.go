package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/olliecrow/claude_usage_monitor/internal/doctor"
	"github.com/olliecrow/claude_usage_monitor/internal/history"
	"github.com/olliecrow/claude_usage_monitor/internal/monitor"
	"github.com/olliecrow/claude_usage_monitor/internal/remote"
	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

var (
	passStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}
	return nil
}

func (o *rootOptions) newStatusCommand() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Run one refresh cycle and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.open(cmd, o.stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			u := a.scheduler.RunCycle(cmd.Context())
			if jsonOutput {
				return writeJSON(o.stdout, u)
			}
			printStatusHuman(o.stdout, u, a.cfg.DisplayMode)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the published update as JSON")
	return cmd
}

func printStatusHuman(w io.Writer, u monitor.Update, displayMode string) {
	snap := u.Snapshot
	fmt.Fprintln(w, monitor.FormatTitle(u.Status, snap, displayMode))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "status:        %s (%d consecutive cycles without remote update)\n", u.Status, u.Health.ConsecutiveFailures)
	if snap.RemoteConnected {
		fmt.Fprintf(w, "five-hour:     %.0f%% (resets in %s)\n", snap.SessionPercent, lo.CoalesceOrEmpty(monitor.FormatReset(snap.SessionResetMinutes), "n/a"))
		fmt.Fprintf(w, "weekly:        %.0f%% all models, %.0f%% sonnet\n", snap.WeeklyAllPercent, snap.WeeklySonnetPercent)
		if snap.MonthlyLimit > 0 {
			fmt.Fprintf(w, "extra usage:   $%.2f of $%.2f\n", snap.MonthlyCost, snap.MonthlyLimit)
		}
	}
	fmt.Fprintf(w, "active date:   %s (%s)\n", lo.CoalesceOrEmpty(snap.ActiveDate, "n/a"), snap.TodaySource)
	fmt.Fprintf(w, "activity:      %d messages, %d tool calls, %d sessions\n", snap.TodayMessages, snap.TodayToolCalls, snap.TodaySessions)
	models := []string{usage.ModelOpus, usage.ModelSonnet, usage.ModelHaiku}
	parts := lo.Map(models, func(m string, _ int) string {
		return fmt.Sprintf("%s %d", m, snap.ModelTokens[m])
	})
	fmt.Fprintf(w, "tokens:        %d (%s)\n", snap.TodayTokens, strings.Join(parts, ", "))
	fmt.Fprintf(w, "five-hour est: %d tokens, %.0f%% of estimated cap\n", snap.Tokens5h, snap.UsagePercent)
	fmt.Fprintf(w, "last 7 days:   %v\n", snap.WeeklyTokens)
}

func (o *rootOptions) newHistoryCommand() *cobra.Command {
	var (
		jsonOutput bool
		since      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the recorded remote usage history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return err
			}
			entries := history.NewStore(afero.NewOsFs(), cfg.HistoryFile, nil).Load()
			if since > 0 {
				cutoff := time.Now().Add(-since)
				entries = lo.Filter(entries, func(e history.Entry, _ int) bool {
					return !e.Timestamp.Before(cutoff)
				})
			}
			if jsonOutput {
				return writeJSON(o.stdout, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(o.stdout, "no history recorded yet")
				return nil
			}
			fmt.Fprintf(o.stdout, "%-20s %8s %8s %8s\n", "timestamp", "5h", "weekly", "sonnet")
			for _, e := range entries {
				fmt.Fprintf(o.stdout, "%-20s %7.0f%% %7.0f%% %7.0f%%\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"),
					e.SessionPercent, e.WeeklyAllPercent, e.WeeklySonnetPercent)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output entries as JSON")
	cmd.Flags().DurationVar(&since, "since", 0, "only show entries newer than this (e.g. 24h)")
	return cmd
}

func (o *rootOptions) newDoctorCommand() *cobra.Command {
	var (
		jsonOutput bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run setup and source checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if timeout <= 0 {
				return usageError("--timeout must be > 0")
			}
			a, err := o.open(cmd, o.stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var prober doctor.Prober
			if a.remoteMode != remote.ModeNone {
				prober = a.fetcher
			}
			report := doctor.Run(ctx, doctor.Options{
				Fs:          a.fs,
				ClaudeDir:   a.cfg.ClaudeDir,
				Scanner:     a.builder.Scanner(),
				CachePath:   a.builder.CachePath(),
				HistoryPath: a.cfg.HistoryFile,
				Remote:      prober,
			})

			if jsonOutput {
				if err := writeJSON(o.stdout, report); err != nil {
					return err
				}
			} else {
				printDoctorHuman(o.stdout, report)
			}
			if !report.Healthy() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output doctor report as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "doctor timeout")
	return cmd
}

func printDoctorHuman(w io.Writer, report doctor.Report) {
	fmt.Fprintln(w, "claude usage monitor doctor")
	fmt.Fprintln(w)
	for _, c := range report.Checks {
		state := failStyle.Render("FAIL")
		if c.OK {
			state = passStyle.Render("PASS")
		}
		fmt.Fprintf(w, "[%s] %s\n", state, c.Name)
		fmt.Fprintf(w, "  %s\n", dimStyle.Render(c.Details))
	}
}
