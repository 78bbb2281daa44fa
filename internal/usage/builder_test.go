package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testClaudeDir = "/home/u/.claude"

func newTestBuilder(t *testing.T, fs afero.Fs, now time.Time) (*Builder, *quartz.Mock) {
	t.Helper()
	mClock := quartz.NewMock(t)
	mClock.Set(now)
	b := NewBuilder(BuilderOptions{
		Fs:        fs,
		ClaudeDir: testClaudeDir,
		WindowCap: 1000,
		Location:  time.UTC,
		Clock:     mClock,
		Logger:    slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	})
	return b, mClock
}

func writeStatsCache(t *testing.T, fs afero.Fs, body string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, testClaudeDir+"/"+StatsCacheFileName, []byte(body), 0o600))
}

func TestBuilderPrefersCacheForToday(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	writeStatsCache(t, fs, `{
		"dailyActivity": [{"date": "2026-03-02", "messageCount": 9, "sessionCount": 2, "toolCallCount": 4}],
		"dailyModelTokens": [
			{"date": "2026-03-02", "tokensByModel": {"claude-opus-4": 600, "claude-sonnet-4": 400}},
			{"date": "2026-02-26", "tokensByModel": {"claude-opus-4": 70}},
			{"date": "2026-02-23", "tokensByModel": {"claude-opus-4": 999}}
		]
	}`)
	writeIndex(t, fs, testClaudeDir+"/projects", "p",
		indexFixture{FullPath: "/logs/today.jsonl", Created: "2026-03-02T10:00:00Z", Modified: "2026-03-02T11:00:00Z"},
	)
	writeLog(t, fs, "/logs/today.jsonl",
		assistantLine(now.Add(-6*time.Hour), "claude-opus-4", 5000, 0),
		assistantLine(now.Add(-time.Hour), "claude-opus-4", 300, 200),
	)

	b, _ := newTestBuilder(t, fs, now)
	view := b.Local(context.Background())

	require.Equal(t, "2026-03-02", view.ActiveDate)
	require.Equal(t, TodaySourceCache, view.TodaySource)
	require.EqualValues(t, 9, view.TodayMessages)
	require.EqualValues(t, 4, view.TodayToolCalls)
	require.EqualValues(t, 2, view.TodaySessions)
	require.EqualValues(t, 1000, view.TodayTokens)
	require.Equal(t, ModelTokens{ModelOpus: 600, ModelSonnet: 400}, view.ModelTokens)
	require.Equal(t, [WeeklySlots]int64{0, 0, 70, 0, 0, 0, 1000}, view.WeeklyTokens)
	require.EqualValues(t, 500, view.Tokens5h)
	require.InDelta(t, 50.0, view.UsagePercent, 0.0001)
}

func TestBuilderFallsBackToLogs(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	writeIndex(t, fs, testClaudeDir+"/projects", "p",
		indexFixture{FullPath: "/logs/a.jsonl", Created: "2026-03-02T08:00:00Z", Modified: "2026-03-02T11:00:00Z"},
		indexFixture{FullPath: "/logs/b.jsonl", Created: "2026-03-01T08:00:00Z", Modified: "2026-03-02T09:00:00Z"},
	)
	writeLog(t, fs, "/logs/a.jsonl",
		userLine(now.Add(-4*time.Hour)),
		assistantLine(now.Add(-4*time.Hour), "claude-sonnet-4", 2000, 500),
	)
	writeLog(t, fs, "/logs/b.jsonl",
		userLine(now.Add(-3*time.Hour)),
		assistantLine(now.Add(-3*time.Hour), "claude-opus-4", 100, 100),
	)

	b, _ := newTestBuilder(t, fs, now)
	view := b.Local(context.Background())

	require.Equal(t, "2026-03-02", view.ActiveDate)
	require.Equal(t, TodaySourceLogs, view.TodaySource)
	require.EqualValues(t, 4, view.TodayMessages)
	require.EqualValues(t, 2, view.TodaySessions)
	require.EqualValues(t, 2700, view.TodayTokens)
	require.Equal(t, ModelTokens{ModelSonnet: 2500, ModelOpus: 200}, view.ModelTokens)
	require.EqualValues(t, 2700, view.Tokens5h)
	require.Equal(t, 100.0, view.UsagePercent)
	require.Equal(t, [WeeklySlots]int64{}, view.WeeklyTokens)
}

func TestBuilderResolvesMostRecentActiveDay(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	now := time.Date(2026, 3, 2, 0, 15, 0, 0, time.UTC)
	writeStatsCache(t, fs, `{
		"dailyActivity": [
			{"date": "2026-02-27", "messageCount": 3, "sessionCount": 1, "toolCallCount": 1}
		],
		"dailyModelTokens": [{"date": "2026-02-27", "tokensByModel": {"claude-haiku-4-5": 80}}]
	}`)
	writeIndex(t, fs, testClaudeDir+"/projects", "p",
		indexFixture{FullPath: "/logs/y.jsonl", Created: "2026-03-01T20:00:00Z", Modified: "2026-03-01T22:00:00Z", MessageCount: intPtr(2)},
	)
	writeLog(t, fs, "/logs/y.jsonl",
		userLine(time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)),
		assistantLine(time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC), "claude-sonnet-4", 40, 2),
	)

	b, _ := newTestBuilder(t, fs, now)
	view := b.Local(context.Background())

	require.Equal(t, "2026-03-01", view.ActiveDate)
	require.Equal(t, TodaySourceLogs, view.TodaySource)
	require.EqualValues(t, 2, view.TodayMessages)
	require.EqualValues(t, 42, view.TodayTokens)
	require.Zero(t, view.Tokens5h)
	require.Zero(t, view.UsagePercent)
}

func TestBuilderWithNoData(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuilder(t, afero.NewMemMapFs(), time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	view := b.Local(context.Background())

	require.Equal(t, "2026-03-02", view.ActiveDate)
	require.Equal(t, TodaySourceNone, view.TodaySource)
	require.Len(t, view.WeeklyTokens, WeeklySlots)
	require.Equal(t, [WeeklySlots]int64{}, view.WeeklyTokens)
	require.Zero(t, view.TodayTokens)
	require.Empty(t, view.ModelTokens)
}

func TestBuilderMergeRemote(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	b, mClock := newTestBuilder(t, fs, now)
	ctx := context.Background()

	snap := b.Build(ctx, Snapshot{}, RemoteOK(RemotePayload{
		SessionPercent:      42,
		SessionResetMinutes: 130,
		WeeklyAllPercent:    17,
		WeeklySonnetPercent: 9,
		MonthlyCost:         12.5,
		MonthlyLimit:        50,
	}))
	require.True(t, snap.RemoteConnected)
	require.Equal(t, now, snap.LastUpdated)
	require.Equal(t, 42.0, snap.SessionPercent)
	require.EqualValues(t, 130, snap.SessionResetMinutes)
	require.Equal(t, 50.0, snap.MonthlyLimit)

	mClock.Advance(time.Minute)
	failed := b.Build(ctx, snap, RemoteFailed(errors.New("timeout")))
	require.True(t, failed.RemoteConnected)
	require.Equal(t, snap.LastUpdated, failed.LastUpdated)
	require.Equal(t, 42.0, failed.SessionPercent)
	require.Equal(t, now.Add(time.Minute), failed.LocalRefreshedAt)

	rejected := b.Build(ctx, snap, RemoteOK(RemotePayload{SessionPercent: 99, Error: "not logged in"}))
	require.Equal(t, 42.0, rejected.SessionPercent)
	require.Equal(t, snap.LastUpdated, rejected.LastUpdated)

	again := b.Build(ctx, failed, RemoteOK(RemotePayload{SessionPercent: 50}))
	require.True(t, again.LastUpdated.After(snap.LastUpdated))
	require.Equal(t, 50.0, again.SessionPercent)
}

func TestBuilderMergeDoesNotAliasModelTokens(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuilder(t, afero.NewMemMapFs(), time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	local := LocalView{ModelTokens: ModelTokens{ModelOpus: 1}}
	snap := b.Merge(Snapshot{}, local, RemoteResult{})
	local.ModelTokens[ModelOpus] = 5
	require.EqualValues(t, 1, snap.ModelTokens[ModelOpus])
	require.False(t, snap.RemoteConnected)
}

func TestUsagePercentClamped(t *testing.T) {
	t.Parallel()
	require.Zero(t, UsagePercent(0, 1000))
	require.Zero(t, UsagePercent(-5, 1000))
	require.Zero(t, UsagePercent(500, 0))
	require.InDelta(t, 25.0, UsagePercent(250, 1000), 0.0001)
	require.Equal(t, 100.0, UsagePercent(1000, 1000))
	require.Equal(t, 100.0, UsagePercent(1<<40, 1000))
}
