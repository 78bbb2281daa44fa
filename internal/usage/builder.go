package usage

import (
	"context"
	"path/filepath"
	"slices"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

const (
	// DefaultEstimatedWindowCap is the assumed token allowance of one
	// five-hour window.
	DefaultEstimatedWindowCap int64 = 88_000

	trailingWindow = 5 * time.Hour
)

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	Fs afero.Fs
	// ClaudeDir holds stats-cache.json and projects/.
	ClaudeDir string
	// ExtraProjectDirs are additional projects roots to scan.
	ExtraProjectDirs []string
	WindowCap        int64
	Concurrency      int
	Location         *time.Location
	Clock            quartz.Clock
	Logger           slog.Logger
}

// Builder computes snapshots from local logs, the stats cache and a remote
// result. It never fails: missing inputs degrade to zero values.
type Builder struct {
	fs         afero.Fs
	scanner    *LogScanner
	aggregator *EventAggregator
	cachePath  string
	windowCap  int64
	loc        *time.Location
	clock      quartz.Clock
	logger     slog.Logger
}

func NewBuilder(opts BuilderOptions) *Builder {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.WindowCap == 0 {
		opts.WindowCap = DefaultEstimatedWindowCap
	}
	roots := append([]string{filepath.Join(opts.ClaudeDir, "projects")}, opts.ExtraProjectDirs...)
	return &Builder{
		fs:         opts.Fs,
		scanner:    NewLogScanner(opts.Fs, roots, opts.Location),
		aggregator: NewEventAggregator(opts.Fs, opts.Concurrency),
		cachePath:  filepath.Join(opts.ClaudeDir, StatsCacheFileName),
		windowCap:  opts.WindowCap,
		loc:        opts.Location,
		clock:      opts.Clock,
		logger:     opts.Logger.Named("builder"),
	}
}

func (b *Builder) Scanner() *LogScanner { return b.scanner }

func (b *Builder) CachePath() string { return b.cachePath }

// LocalView holds the locally derived snapshot fields.
type LocalView struct {
	ActiveDate     string
	TodaySource    TodaySource
	TodayMessages  int64
	TodayToolCalls int64
	TodaySessions  int64
	TodayTokens    int64
	ModelTokens    ModelTokens
	WeeklyTokens   [WeeklySlots]int64
	Tokens5h       int64
	UsagePercent   float64
	RefreshedAt    time.Time
}

// Local resolves the active date, fills the today-scoped fields, the
// trailing five-hour count and the weekly series.
func (b *Builder) Local(ctx context.Context) LocalView {
	now := b.clock.Now("usage", "local").In(b.loc)
	today := dayOf(now)
	cache, hasCache := ReadStatsCache(b.fs, b.cachePath)

	var todayAgg *Aggregate
	todayPaths := b.scanner.Scan(today)
	active := today
	if !cache.HasActivity(today) {
		agg := b.aggregator.Aggregate(ctx, todayPaths, nil)
		todayAgg = &agg
		if agg.Messages == 0 && agg.Tokens == 0 {
			active = b.latestActiveDay(cache, today)
		}
	}

	view := LocalView{
		ActiveDate:   active,
		TodaySource:  TodaySourceNone,
		ModelTokens:  ModelTokens{},
		WeeklyTokens: b.weeklySeries(cache, now),
		RefreshedAt:  now,
	}

	switch {
	case cache.HasActivity(active):
		activity, _ := cache.Activity(active)
		view.TodaySource = TodaySourceCache
		view.TodayMessages = activity.MessageCount
		view.TodayToolCalls = activity.ToolCallCount
		view.TodaySessions = activity.SessionCount
		view.ModelTokens.merge(cache.Tokens(active))
		view.TodayTokens = view.ModelTokens.Total()
	default:
		var agg Aggregate
		paths := todayPaths
		if active == today && todayAgg != nil {
			agg = *todayAgg
		} else {
			paths = b.scanner.Scan(active)
			agg = b.aggregator.Aggregate(ctx, paths, nil)
		}
		if len(paths) > 0 {
			view.TodaySource = TodaySourceLogs
		}
		view.TodayMessages = agg.Messages
		view.TodayToolCalls = agg.ToolCalls
		view.TodaySessions = agg.Sessions
		view.TodayTokens = agg.Tokens
		view.ModelTokens.merge(agg.ModelTokens)
		if agg.SkippedLines > 0 {
			b.logger.Debug(ctx, "skipped malformed log lines",
				slog.F("day", active),
				slog.F("lines", agg.SkippedLines),
			)
		}
	}

	if active == today {
		cutoff := now.Add(-trailingWindow)
		view.Tokens5h = b.aggregator.Aggregate(ctx, todayPaths, &cutoff).Tokens
	}
	view.UsagePercent = UsagePercent(view.Tokens5h, b.windowCap)

	b.logger.Debug(ctx, "local usage refreshed",
		slog.F("active_date", view.ActiveDate),
		slog.F("source", view.TodaySource),
		slog.F("stats_cache", hasCache),
		slog.F("messages", view.TodayMessages),
		slog.F("tokens", view.TodayTokens),
		slog.F("tokens_5h", view.Tokens5h),
	)
	return view
}

// Merge applies local fields and, when the remote result is accepted, the
// remote fields onto a copy of prev.
func (b *Builder) Merge(prev Snapshot, local LocalView, remote RemoteResult) Snapshot {
	out := prev.Clone()
	out.ActiveDate = local.ActiveDate
	out.TodaySource = local.TodaySource
	out.TodayMessages = local.TodayMessages
	out.TodayToolCalls = local.TodayToolCalls
	out.TodaySessions = local.TodaySessions
	out.TodayTokens = local.TodayTokens
	out.ModelTokens = ModelTokens{}
	out.ModelTokens.merge(local.ModelTokens)
	out.WeeklyTokens = local.WeeklyTokens
	out.Tokens5h = local.Tokens5h
	out.UsagePercent = local.UsagePercent
	out.LocalRefreshedAt = local.RefreshedAt

	if !remote.OK() {
		return out
	}
	p := remote.Payload
	out.SessionPercent = p.SessionPercent
	out.SessionResetMinutes = p.SessionResetMinutes
	out.WeeklyAllPercent = p.WeeklyAllPercent
	out.WeeklySonnetPercent = p.WeeklySonnetPercent
	out.MonthlyCost = p.MonthlyCost
	out.MonthlyLimit = p.MonthlyLimit
	out.RemoteConnected = true

	// lastUpdated must move on every accepted update.
	stamp := b.clock.Now("usage", "merge")
	if !stamp.After(prev.LastUpdated) {
		stamp = prev.LastUpdated.Add(time.Nanosecond)
	}
	out.LastUpdated = stamp
	return out
}

// Build runs Local then Merge.
func (b *Builder) Build(ctx context.Context, prev Snapshot, remote RemoteResult) Snapshot {
	return b.Merge(prev, b.Local(ctx), remote)
}

func (b *Builder) latestActiveDay(cache *StatsCache, today string) string {
	days := lo.Filter(append(cache.ActiveDays(), b.scanner.ActiveDays()...), func(day string, _ int) bool {
		return day < today
	})
	if len(days) == 0 {
		return today
	}
	return slices.Max(days)
}

func (b *Builder) weeklySeries(cache *StatsCache, now time.Time) [WeeklySlots]int64 {
	var series [WeeklySlots]int64
	y, m, d := now.Date()
	for i := range WeeklySlots {
		day := time.Date(y, m, d-(WeeklySlots-1-i), 12, 0, 0, 0, b.loc)
		series[i] = cache.Tokens(dayOf(day)).Total()
	}
	return series
}

// UsagePercent converts a token count into a share of windowCap, clamped
// to [0, 100].
func UsagePercent(tokens, windowCap int64) float64 {
	if windowCap <= 0 || tokens <= 0 {
		return 0
	}
	pct := float64(tokens) / float64(windowCap) * 100
	return min(pct, 100)
}
