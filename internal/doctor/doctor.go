// Package doctor runs setup checks against the local data directories and
// the configured remote sources.
package doctor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/olliecrow/claude_usage_monitor/internal/remote"
	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details"`
	// Remote marks checks of a remote source. Any one passing is enough.
	Remote bool `json:"remote,omitempty"`
}

type Report struct {
	Checks []Check `json:"checks"`
}

// Prober fetches from each configured remote source independently.
type Prober interface {
	Probe(ctx context.Context) []remote.ProbeResult
}

type Options struct {
	Fs          afero.Fs
	ClaudeDir   string
	Scanner     *usage.LogScanner
	CachePath   string
	HistoryPath string
	Remote      Prober
}

func Run(ctx context.Context, opts Options) Report {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	var checks []Check
	checks = append(checks, checkClaudeDir(opts.Fs, opts.ClaudeDir))
	if opts.Scanner != nil {
		checks = append(checks, checkSessionIndex(opts.Scanner))
	}
	checks = append(checks, checkStatsCache(opts.Fs, opts.CachePath))
	checks = append(checks, checkHistoryWritable(opts.Fs, opts.HistoryPath))
	if opts.Remote != nil {
		for _, res := range opts.Remote.Probe(ctx) {
			checks = append(checks, checkProbe(res))
		}
	}
	return Report{Checks: checks}
}

// Healthy reports whether the local checks pass and, when any remote
// source is configured, at least one of them answered.
func (r Report) Healthy() bool {
	var remoteSeen, remoteOK bool
	for _, c := range r.Checks {
		if c.Remote {
			remoteSeen = true
			remoteOK = remoteOK || c.OK
			continue
		}
		if !c.OK {
			return false
		}
	}
	return !remoteSeen || remoteOK
}

func checkClaudeDir(fs afero.Fs, dir string) Check {
	info, err := fs.Stat(dir)
	if err != nil {
		return Check{Name: "claude dir", Details: fmt.Sprintf("cannot read %s: %v", dir, err)}
	}
	if !info.IsDir() {
		return Check{Name: "claude dir", Details: fmt.Sprintf("%s is not a directory", dir)}
	}
	return Check{Name: "claude dir", OK: true, Details: dir}
}

func checkSessionIndex(scanner *usage.LogScanner) Check {
	files := scanner.IndexFiles()
	if len(files) == 0 {
		return Check{Name: "session index", Details: "no " + usage.IndexFileName + " found under the project directories"}
	}
	days := scanner.ActiveDays()
	details := fmt.Sprintf("%d index files, %d sessions", len(files), len(scanner.Refs()))
	if len(days) > 0 {
		details += fmt.Sprintf(", latest active day %s", days[len(days)-1])
	}
	return Check{Name: "session index", OK: true, Details: details}
}

func checkStatsCache(fs afero.Fs, path string) Check {
	cache, ok := usage.ReadStatsCache(fs, path)
	if !ok {
		return Check{Name: "stats cache", Details: fmt.Sprintf("%s missing or unreadable; today falls back to session logs", path)}
	}
	days := cache.ActiveDays()
	if len(days) == 0 {
		return Check{Name: "stats cache", OK: true, Details: fmt.Sprintf("%s has no activity yet", path)}
	}
	return Check{
		Name:    "stats cache",
		OK:      true,
		Details: fmt.Sprintf("%s: %d active days, latest %s", path, len(days), days[len(days)-1]),
	}
}

func checkHistoryWritable(fs afero.Fs, path string) Check {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: "history file", Details: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	f, err := afero.TempFile(fs, dir, ".doctor-*")
	if err != nil {
		return Check{Name: "history file", Details: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	name := f.Name()
	_ = f.Close()
	_ = fs.Remove(name)
	return Check{Name: "history file", OK: true, Details: path}
}

func checkProbe(res remote.ProbeResult) Check {
	name := res.Source + " fetch"
	if res.Err != nil {
		return Check{Name: name, Remote: true, Details: res.Err.Error()}
	}
	p := res.Payload
	return Check{
		Name:   name,
		OK:     true,
		Remote: true,
		Details: fmt.Sprintf(
			"5h=%.0f%% weekly=%.0f%% sonnet=%.0f%% reset=%dm",
			p.SessionPercent, p.WeeklyAllPercent, p.WeeklySonnetPercent, p.SessionResetMinutes,
		),
	}
}
