package usage

import (
	"encoding/json"
	"slices"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// StatsCacheFileName is the precomputed daily summary Claude Code maintains.
const StatsCacheFileName = "stats-cache.json"

type rawStatsCache struct {
	DailyActivity         []DailyActivity `json:"dailyActivity"`
	DailyActivitySnake    []DailyActivity `json:"daily_activity"`
	DailyModelTokens      []dailyTokens   `json:"dailyModelTokens"`
	DailyModelTokensSnake []dailyTokens   `json:"daily_model_tokens"`
}

type dailyTokens struct {
	Date          string           `json:"date"`
	TokensByModel map[string]int64 `json:"tokensByModel"`
}

// StatsCache is the decoded daily summary, keyed by calendar date.
type StatsCache struct {
	activity map[string]DailyActivity
	tokens   map[string]ModelTokens
}

// ReadStatsCache loads the cache at path. A missing or malformed file
// yields ok=false.
func ReadStatsCache(fs afero.Fs, path string) (*StatsCache, bool) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, false
	}
	var raw rawStatsCache
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}

	activity := raw.DailyActivity
	if len(activity) == 0 {
		activity = raw.DailyActivitySnake
	}
	tokens := raw.DailyModelTokens
	if len(tokens) == 0 {
		tokens = raw.DailyModelTokensSnake
	}

	cache := &StatsCache{
		activity: make(map[string]DailyActivity, len(activity)),
		tokens:   make(map[string]ModelTokens, len(tokens)),
	}
	for _, a := range activity {
		if a.Date == "" {
			continue
		}
		prev := cache.activity[a.Date]
		prev.Date = a.Date
		prev.MessageCount += a.MessageCount
		prev.ToolCallCount += a.ToolCallCount
		prev.SessionCount += a.SessionCount
		cache.activity[a.Date] = prev
	}
	for _, t := range tokens {
		if t.Date == "" {
			continue
		}
		bucket, ok := cache.tokens[t.Date]
		if !ok {
			bucket = ModelTokens{}
			cache.tokens[t.Date] = bucket
		}
		for model, count := range t.TokensByModel {
			bucket.add(NormalizeModel(model), count)
		}
	}
	return cache, true
}

// Activity returns the activity summary for day.
func (c *StatsCache) Activity(day string) (DailyActivity, bool) {
	if c == nil {
		return DailyActivity{}, false
	}
	a, ok := c.activity[day]
	return a, ok
}

// Tokens returns the per-model tokens recorded for day.
func (c *StatsCache) Tokens(day string) ModelTokens {
	if c == nil {
		return nil
	}
	return c.tokens[day]
}

// HasActivity reports whether the cache holds a non-zero entry for day.
func (c *StatsCache) HasActivity(day string) bool {
	if a, ok := c.Activity(day); ok && a.MessageCount > 0 {
		return true
	}
	return c.Tokens(day).Total() > 0
}

// ActiveDays returns days with a non-zero entry, oldest first.
func (c *StatsCache) ActiveDays() []string {
	if c == nil {
		return nil
	}
	days := lo.Filter(lo.Uniq(append(lo.Keys(c.activity), lo.Keys(c.tokens)...)), func(day string, _ int) bool {
		return c.HasActivity(day)
	})
	slices.Sort(days)
	return days
}
