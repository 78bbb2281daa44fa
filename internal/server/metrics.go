package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"github.com/olliecrow/claude_usage_monitor/internal/monitor"
)

var (
	sessionPercentDesc      = prometheus.NewDesc("claude_usage_session_percent", "Remote 5-hour session utilization.", nil, nil)
	weeklyAllPercentDesc    = prometheus.NewDesc("claude_usage_weekly_all_percent", "Remote 7-day utilization across all models.", nil, nil)
	weeklySonnetPercentDesc = prometheus.NewDesc("claude_usage_weekly_sonnet_percent", "Remote 7-day Sonnet utilization.", nil, nil)
	resetMinutesDesc        = prometheus.NewDesc("claude_usage_session_reset_minutes", "Minutes until the 5-hour window resets.", nil, nil)
	monthlyCostDesc         = prometheus.NewDesc("claude_usage_monthly_cost_dollars", "Extra usage spent this month.", nil, nil)
	monthlyLimitDesc        = prometheus.NewDesc("claude_usage_monthly_limit_dollars", "Extra usage monthly limit.", nil, nil)

	todayMessagesDesc  = prometheus.NewDesc("claude_usage_today_messages", "Messages on the active date.", nil, nil)
	todayToolCallsDesc = prometheus.NewDesc("claude_usage_today_tool_calls", "Tool calls on the active date.", nil, nil)
	todayTokensDesc    = prometheus.NewDesc("claude_usage_today_tokens", "Tokens on the active date.", nil, nil)
	modelTokensDesc    = prometheus.NewDesc("claude_usage_model_tokens", "Tokens on the active date by model family.", []string{"model"}, nil)
	tokens5hDesc       = prometheus.NewDesc("claude_usage_tokens_5h", "Tokens in the trailing five hours.", nil, nil)
	usagePercentDesc   = prometheus.NewDesc("claude_usage_estimated_window_percent", "Trailing five hour tokens against the estimated window cap.", nil, nil)

	remoteConnectedDesc = prometheus.NewDesc("claude_usage_remote_connected", "1 once a remote payload has been accepted.", nil, nil)
	failuresDesc        = prometheus.NewDesc("claude_usage_consecutive_failures", "Cycles in a row without a remote update.", nil, nil)
	actionRequiredDesc  = prometheus.NewDesc("claude_usage_action_required", "1 when the remote source needs user action.", nil, nil)
	cyclesDesc          = prometheus.NewDesc("claude_usage_cycles_total", "Completed refresh cycles.", nil, nil)
	lastUpdatedDesc     = prometheus.NewDesc("claude_usage_last_updated_timestamp_seconds", "Time of the last accepted remote update.", nil, nil)
)

// Collector reports the latest published update on every scrape.
type Collector struct {
	state *monitor.State
}

var _ prometheus.Collector = new(Collector)

func NewCollector(state *monitor.State) *Collector {
	return &Collector{state: state}
}

func (*Collector) Describe(descCh chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		sessionPercentDesc, weeklyAllPercentDesc, weeklySonnetPercentDesc, resetMinutesDesc,
		monthlyCostDesc, monthlyLimitDesc, todayMessagesDesc, todayToolCallsDesc, todayTokensDesc,
		modelTokensDesc, tokens5hDesc, usagePercentDesc, remoteConnectedDesc, failuresDesc,
		actionRequiredDesc, cyclesDesc, lastUpdatedDesc,
	} {
		descCh <- d
	}
}

func (c *Collector) Collect(metricsCh chan<- prometheus.Metric) {
	u := c.state.Current()
	snap := u.Snapshot

	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		metricsCh <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}

	gauge(todayMessagesDesc, float64(snap.TodayMessages))
	gauge(todayToolCallsDesc, float64(snap.TodayToolCalls))
	gauge(todayTokensDesc, float64(snap.TodayTokens))
	for _, model := range lo.Keys(snap.ModelTokens) {
		gauge(modelTokensDesc, float64(snap.ModelTokens[model]), model)
	}
	gauge(tokens5hDesc, float64(snap.Tokens5h))
	gauge(usagePercentDesc, snap.UsagePercent)

	gauge(remoteConnectedDesc, lo.Ternary(snap.RemoteConnected, 1.0, 0.0))
	gauge(failuresDesc, float64(u.Health.ConsecutiveFailures))
	gauge(actionRequiredDesc, lo.Ternary(u.Status == monitor.StatusActionRequired, 1.0, 0.0))
	metricsCh <- prometheus.MustNewConstMetric(cyclesDesc, prometheus.CounterValue, float64(u.Cycle))

	if !snap.RemoteConnected {
		return
	}
	gauge(sessionPercentDesc, snap.SessionPercent)
	gauge(weeklyAllPercentDesc, snap.WeeklyAllPercent)
	gauge(weeklySonnetPercentDesc, snap.WeeklySonnetPercent)
	gauge(resetMinutesDesc, float64(snap.SessionResetMinutes))
	gauge(monthlyCostDesc, snap.MonthlyCost)
	gauge(monthlyLimitDesc, snap.MonthlyLimit)
	gauge(lastUpdatedDesc, float64(snap.LastUpdated.Unix()))
}
