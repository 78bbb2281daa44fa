package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/olliecrow/claude_usage_monitor/internal/config"
	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

func TestDeriveStatus(t *testing.T) {
	t.Parallel()
	connected := usage.Snapshot{RemoteConnected: true}

	require.Equal(t, StatusInitializing, DeriveStatus(Health{}, usage.Snapshot{}))
	require.Equal(t, StatusInitializing, DeriveStatus(Health{ConsecutiveFailures: 2}, usage.Snapshot{}))
	require.Equal(t, StatusConnected, DeriveStatus(Health{ConsecutiveFailures: 2}, connected))
	require.Equal(t, StatusActionRequired, DeriveStatus(Health{ConsecutiveFailures: 3}, connected))
	require.Equal(t, StatusActionRequired, DeriveStatus(Health{ConsecutiveFailures: 3}, usage.Snapshot{}))
}

func TestHealthRecord(t *testing.T) {
	t.Parallel()
	h := Health{}
	h = h.record(false)
	h = h.record(false)
	require.EqualValues(t, 2, h.ConsecutiveFailures)
	require.Zero(t, h.record(true).ConsecutiveFailures)
}

func TestFormatTitle(t *testing.T) {
	t.Parallel()
	snap := usage.Snapshot{
		SessionPercent:      42.7,
		SessionResetMinutes: 130,
		WeeklyAllPercent:    17.2,
		RemoteConnected:     true,
	}

	cases := []struct {
		name   string
		status Status
		snap   usage.Snapshot
		mode   string
		want   string
	}{
		{"loading", StatusInitializing, snap, config.DisplayAll, "loading..."},
		{"login", StatusActionRequired, snap, config.DisplayAll, "login required"},
		{"all", StatusConnected, snap, config.DisplayAll, "5h 42% (2h10m) | wk 17%"},
		{"unknown mode is all", StatusConnected, snap, "", "5h 42% (2h10m) | wk 17%"},
		{"session", StatusConnected, snap, config.DisplaySession, "5h 42% (2h10m)"},
		{"weekly", StatusConnected, snap, config.DisplayWeekly, "wk 17%"},
		{
			"credits left", StatusConnected,
			usage.Snapshot{SessionPercent: 100, WeeklyAllPercent: 60, MonthlyCost: 12.4, MonthlyLimit: 50},
			config.DisplaySession, "5h 100% | $38 left",
		},
		{
			"credits over", StatusConnected,
			usage.Snapshot{SessionPercent: 100, SessionResetMinutes: 45, MonthlyCost: 55, MonthlyLimit: 50},
			config.DisplaySession, "5h 100% (45m) | $5 over",
		},
		{
			"no limit known", StatusConnected,
			usage.Snapshot{SessionPercent: 100, MonthlyCost: 12},
			config.DisplaySession, "5h 100%",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, FormatTitle(tc.status, tc.snap, tc.mode))
		})
	}
}

func TestFormatReset(t *testing.T) {
	t.Parallel()
	for minutes, want := range map[int64]string{
		-5:  "",
		0:   "",
		1:   "1m",
		59:  "59m",
		60:  "1h",
		61:  "1h1m",
		300: "5h",
	} {
		require.Equal(t, want, FormatReset(minutes), "minutes=%d", minutes)
	}
}
