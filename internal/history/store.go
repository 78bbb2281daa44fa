// Package history keeps a rolling, file-backed series of remote usage
// percentages for trend display.
package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/natefinch/atomic"
	"github.com/spf13/afero"
)

const DefaultRetention = 7 * 24 * time.Hour

// Entry is one recorded remote read-out.
type Entry struct {
	Timestamp           time.Time `json:"timestamp"`
	SessionPercent      float64   `json:"session_percent"`
	WeeklyAllPercent    float64   `json:"weekly_all_percent"`
	WeeklySonnetPercent float64   `json:"weekly_sonnet_percent"`
}

// Store persists the series as a JSON array, rewritten on every append.
type Store struct {
	mu        sync.Mutex
	fs        afero.Fs
	path      string
	clock     quartz.Clock
	retention time.Duration
}

func NewStore(fs afero.Fs, path string, clock quartz.Clock) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Store{fs: fs, path: path, clock: clock, retention: DefaultRetention}
}

func (s *Store) Path() string {
	return s.path
}

// Append records a new entry stamped now and drops every entry older than
// the retention window measured from now.
func (s *Store) Append(sessionPercent, weeklyAllPercent, weeklySonnetPercent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now("history", "append")
	cutoff := now.Add(-s.retention)

	entries := s.load()
	entries = append(entries, Entry{
		Timestamp:           now,
		SessionPercent:      sessionPercent,
		WeeklyAllPercent:    weeklyAllPercent,
		WeeklySonnetPercent: weeklySonnetPercent,
	})
	kept := entries[:0]
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}

	data, err := json.MarshalIndent(kept, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	if err := s.replaceFile(data); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// replaceFile swaps the history file for data in one rename.
func (s *Store) replaceFile(data []byte) error {
	if _, ok := s.fs.(*afero.OsFs); ok {
		return atomic.WriteFile(s.path, bytes.NewReader(data))
	}
	f, err := afero.TempFile(s.fs, filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = s.fs.Rename(tmp, s.path)
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
	}
	return err
}

// Load returns the persisted series. A missing or unreadable file yields an
// empty series and individually corrupt records are skipped.
func (s *Store) Load() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() []Entry {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return []Entry{}
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return []Entry{}
	}
	out := make([]Entry, 0, len(raw))
	for _, rec := range raw {
		var e Entry
		if err := json.Unmarshal(rec, &e); err != nil || e.Timestamp.IsZero() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Exists reports whether the history file has been written.
func (s *Store) Exists() bool {
	ok, _ := afero.Exists(s.fs, s.path)
	return ok
}
