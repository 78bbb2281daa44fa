package usage

import (
	"errors"
	"maps"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// WeeklySlots is the number of calendar days in the weekly token series.
const WeeklySlots = 7

// TodaySource records which input populated the today-scoped fields.
type TodaySource string

const (
	TodaySourceNone  TodaySource = "none"
	TodaySourceCache TodaySource = "cache"
	TodaySourceLogs  TodaySource = "logs"
)

// ModelTokens maps a normalized model name to a token count.
type ModelTokens map[string]int64

func (m ModelTokens) Total() int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

func (m ModelTokens) add(model string, tokens int64) {
	m[model] += tokens
}

func (m ModelTokens) merge(other ModelTokens) {
	for k, v := range other {
		m[k] += v
	}
}

// RemotePayload is the externally obtained quota read-out. Any field may be
// zero. A non-empty Error means the payload must not update a snapshot.
type RemotePayload struct {
	SessionPercent      float64 `json:"session_percent"`
	SessionResetMinutes int64   `json:"session_reset_minutes"`
	WeeklyAllPercent    float64 `json:"weekly_all_percent"`
	WeeklySonnetPercent float64 `json:"weekly_sonnet_percent"`
	MonthlyCost         float64 `json:"monthly_cost"`
	MonthlyLimit        float64 `json:"monthly_limit"`
	Error               string  `json:"error,omitempty"`
}

// Err converts the payload's error discriminant into a Go error.
func (p RemotePayload) Err() error {
	if msg := strings.TrimSpace(p.Error); msg != "" {
		return errors.New(msg)
	}
	return nil
}

// RemoteResult is either an accepted payload or the reason there is none.
type RemoteResult struct {
	Payload *RemotePayload
	Err     error
}

func RemoteOK(p RemotePayload) RemoteResult {
	if err := p.Err(); err != nil {
		return RemoteResult{Err: err}
	}
	return RemoteResult{Payload: &p}
}

func RemoteFailed(err error) RemoteResult {
	if err == nil {
		err = errors.New("remote payload unavailable")
	}
	return RemoteResult{Err: err}
}

func (r RemoteResult) OK() bool {
	return r.Err == nil && r.Payload != nil
}

// Snapshot is the aggregate published usage state.
type Snapshot struct {
	ActiveDate     string      `json:"active_date"`
	TodaySource    TodaySource `json:"today_source"`
	TodayMessages  int64       `json:"today_messages"`
	TodayToolCalls int64       `json:"today_tool_calls"`
	TodaySessions  int64       `json:"today_sessions"`
	TodayTokens    int64       `json:"today_tokens"`
	ModelTokens    ModelTokens `json:"model_tokens"`

	WeeklyTokens [WeeklySlots]int64 `json:"weekly_tokens"`
	Tokens5h     int64              `json:"tokens_5h"`
	UsagePercent float64            `json:"usage_percent"`

	SessionPercent      float64 `json:"session_percent"`
	SessionResetMinutes int64   `json:"session_reset_minutes"`
	WeeklyAllPercent    float64 `json:"weekly_all_percent"`
	WeeklySonnetPercent float64 `json:"weekly_sonnet_percent"`
	MonthlyCost         float64 `json:"monthly_cost"`
	MonthlyLimit        float64 `json:"monthly_limit"`

	RemoteConnected  bool      `json:"remote_connected"`
	LastUpdated      time.Time `json:"last_updated"`
	LocalRefreshedAt time.Time `json:"local_refreshed_at"`
}

// Clone returns a copy that shares no mutable state with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.ModelTokens = maps.Clone(s.ModelTokens)
	if out.ModelTokens == nil {
		out.ModelTokens = ModelTokens{}
	}
	return out
}

// DailyActivity is one day of activity counts.
type DailyActivity struct {
	Date          string `json:"date"`
	MessageCount  int64  `json:"messageCount"`
	ToolCallCount int64  `json:"toolCallCount"`
	SessionCount  int64  `json:"sessionCount"`
}

func dayOf(t time.Time) string {
	return t.Format(dayLayout)
}
