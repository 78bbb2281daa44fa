package usage

import (
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// IndexFileName is the per-project session index written by Claude Code.
const IndexFileName = "sessions-index.json"

type sessionIndex struct {
	Entries []sessionIndexEntry `json:"entries"`
}

type sessionIndexEntry struct {
	SessionID    string `json:"sessionId"`
	FullPath     string `json:"fullPath"`
	Created      string `json:"created"`
	Modified     string `json:"modified"`
	MessageCount *int   `json:"messageCount"`
	ProjectPath  string `json:"projectPath"`
}

// SessionLogRef points at one session log discovered through an index.
type SessionLogRef struct {
	Path         string
	CreatedDate  string
	ModifiedDate string
	hasMessages  bool
}

// LogScanner enumerates session logs through the per-project index files
// found under each projects root.
type LogScanner struct {
	fs    afero.Fs
	roots []string
	loc   *time.Location
}

func NewLogScanner(fs afero.Fs, roots []string, loc *time.Location) *LogScanner {
	if loc == nil {
		loc = time.Local
	}
	return &LogScanner{
		fs:    fs,
		roots: lo.Uniq(lo.Compact(roots)),
		loc:   loc,
	}
}

// IndexFiles returns every readable-looking index file path, sorted.
func (s *LogScanner) IndexFiles() []string {
	var out []string
	for _, root := range s.roots {
		entries, err := afero.ReadDir(s.fs, root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			candidate := filepath.Join(root, entry.Name(), IndexFileName)
			if ok, _ := afero.Exists(s.fs, candidate); ok {
				out = append(out, candidate)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Refs returns every session reference across all index files. Malformed
// or missing index files contribute nothing.
func (s *LogScanner) Refs() []SessionLogRef {
	var refs []SessionLogRef
	for _, idx := range s.rawEntries() {
		for _, entry := range idx {
			path := strings.TrimSpace(entry.FullPath)
			if path == "" {
				continue
			}
			refs = append(refs, SessionLogRef{
				Path:         path,
				CreatedDate:  s.entryDate(entry.Created),
				ModifiedDate: s.entryDate(entry.Modified),
				hasMessages:  entry.MessageCount == nil || *entry.MessageCount > 0,
			})
		}
	}
	return refs
}

// Scan returns the log paths whose index entry was created or modified on
// day (YYYY-MM-DD). Paths referenced by more than one index appear once.
func (s *LogScanner) Scan(day string) []string {
	var paths []string
	for _, idx := range s.rawEntries() {
		for _, entry := range idx {
			path := strings.TrimSpace(entry.FullPath)
			if path == "" {
				continue
			}
			if s.matchesDay(entry.Created, day) || s.matchesDay(entry.Modified, day) {
				paths = append(paths, path)
			}
		}
	}
	return lo.Uniq(paths)
}

// ActiveDays returns the distinct days on which indexed sessions recorded
// messages, oldest first.
func (s *LogScanner) ActiveDays() []string {
	var days []string
	for _, ref := range s.Refs() {
		if !ref.hasMessages {
			continue
		}
		days = append(days, ref.CreatedDate, ref.ModifiedDate)
	}
	days = lo.Uniq(lo.Compact(days))
	slices.Sort(days)
	return days
}

func (s *LogScanner) rawEntries() [][]sessionIndexEntry {
	var out [][]sessionIndexEntry
	for _, indexPath := range s.IndexFiles() {
		data, err := afero.ReadFile(s.fs, indexPath)
		if err != nil {
			continue
		}
		var idx sessionIndex
		if err := json.Unmarshal(data, &idx); err != nil {
			continue
		}
		out = append(out, idx.Entries)
	}
	return out
}

// matchesDay accepts either the raw date prefix of the timestamp or its
// local calendar date.
func (s *LogScanner) matchesDay(raw, day string) bool {
	raw = strings.TrimSpace(raw)
	if len(raw) < len(dayLayout) {
		return false
	}
	if raw[:len(dayLayout)] == day {
		return true
	}
	if t, ok := parseTimestamp(raw); ok {
		return dayOf(t.In(s.loc)) == day
	}
	return false
}

func (s *LogScanner) entryDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if t, ok := parseTimestamp(raw); ok {
		return dayOf(t.In(s.loc))
	}
	if len(raw) >= len(dayLayout) {
		if _, err := time.Parse(dayLayout, raw[:len(dayLayout)]); err == nil {
			return raw[:len(dayLayout)]
		}
	}
	return ""
}

func parseTimestamp(raw string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
