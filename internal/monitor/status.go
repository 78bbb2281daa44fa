package monitor

import (
	"fmt"
	"math"
	"strings"

	"github.com/olliecrow/claude_usage_monitor/internal/config"
	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

// FailureThreshold is the number of consecutive cycles without a remote
// update after which the user has to act.
const FailureThreshold uint = 3

// Status is the display state derived from health and the snapshot.
type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusConnected      Status = "connected"
	StatusActionRequired Status = "action_required"
)

// Health tracks cycles that completed without a remote update.
type Health struct {
	ConsecutiveFailures uint `json:"consecutive_failures"`
}

func (h Health) record(changed bool) Health {
	if changed {
		return Health{}
	}
	return Health{ConsecutiveFailures: h.ConsecutiveFailures + 1}
}

func DeriveStatus(h Health, snap usage.Snapshot) Status {
	switch {
	case h.ConsecutiveFailures >= FailureThreshold:
		return StatusActionRequired
	case snap.RemoteConnected:
		return StatusConnected
	default:
		return StatusInitializing
	}
}

// FormatTitle renders the one-line status shown by the dashboard header and
// the status command.
func FormatTitle(status Status, snap usage.Snapshot, mode string) string {
	switch status {
	case StatusActionRequired:
		return "login required"
	case StatusConnected:
	default:
		return "loading..."
	}

	session := formatSession(snap)
	weekly := fmt.Sprintf("wk %d%%", int64(snap.WeeklyAllPercent))
	switch mode {
	case config.DisplaySession:
		return session
	case config.DisplayWeekly:
		return weekly
	default:
		return session + " | " + weekly
	}
}

func formatSession(snap usage.Snapshot) string {
	var b strings.Builder
	if snap.SessionPercent >= 100 {
		b.WriteString("5h 100%")
	} else {
		fmt.Fprintf(&b, "5h %d%%", int64(snap.SessionPercent))
	}
	if reset := FormatReset(snap.SessionResetMinutes); reset != "" {
		fmt.Fprintf(&b, " (%s)", reset)
	}
	if snap.SessionPercent >= 100 && snap.MonthlyCost > 0 && snap.MonthlyLimit > 0 {
		remaining := snap.MonthlyLimit - snap.MonthlyCost
		if remaining >= 0 {
			fmt.Fprintf(&b, " | $%.0f left", remaining)
		} else {
			fmt.Fprintf(&b, " | $%.0f over", math.Abs(remaining))
		}
	}
	return b.String()
}

// FormatReset renders a countdown in minutes as Nm, Nh or NhMm. Zero or
// negative values render as empty.
func FormatReset(minutes int64) string {
	switch {
	case minutes <= 0:
		return ""
	case minutes < 60:
		return fmt.Sprintf("%dm", minutes)
	case minutes%60 == 0:
		return fmt.Sprintf("%dh", minutes/60)
	default:
		return fmt.Sprintf("%dh%dm", minutes/60, minutes%60)
	}
}
