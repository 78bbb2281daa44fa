package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const historyPath = "/state/history.json"

func writeEntries(t *testing.T, fs afero.Fs, path string, entries []Entry) {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, data, 0o600))
}

func TestAppendPrunesOlderThanRetention(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fs := afero.NewMemMapFs()
	path := historyPath
	writeEntries(t, fs, path, []Entry{
		{Timestamp: now.Add(-10 * 24 * time.Hour), SessionPercent: 1},
		{Timestamp: now.Add(-3 * 24 * time.Hour), SessionPercent: 2},
	})

	mClock := quartz.NewMock(t)
	mClock.Set(now)
	store := NewStore(fs, path, mClock)
	require.NoError(t, store.Append(42, 17, 9))

	got := store.Load()
	require.Len(t, got, 2)
	require.True(t, got[0].Timestamp.Equal(now.Add(-3*24*time.Hour)))
	require.Equal(t, 2.0, got[0].SessionPercent)
	require.True(t, got[1].Timestamp.Equal(now))
	require.Equal(t, Entry{Timestamp: got[1].Timestamp, SessionPercent: 42, WeeklyAllPercent: 17, WeeklySonnetPercent: 9}, got[1])
}

func TestAppendKeepsEntryAtRetentionBoundary(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fs := afero.NewMemMapFs()
	path := historyPath
	writeEntries(t, fs, path, []Entry{{Timestamp: now.Add(-DefaultRetention)}})

	mClock := quartz.NewMock(t)
	mClock.Set(now)
	store := NewStore(fs, path, mClock)
	require.NoError(t, store.Append(1, 1, 1))
	require.Len(t, store.Load(), 2)
}

func TestAppendCreatesMissingFile(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	path := "/state/nested/dir/history.json"
	store := NewStore(fs, path, quartz.NewMock(t))
	require.False(t, store.Exists())
	require.Empty(t, store.Load())

	require.NoError(t, store.Append(5, 6, 7))
	require.True(t, store.Exists())
	require.Len(t, store.Load(), 1)

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw[0], "session_percent")
	require.Contains(t, raw[0], "weekly_all_percent")
	require.Contains(t, raw[0], "weekly_sonnet_percent")
}

func TestCorruptHistoryIsTreatedAsEmpty(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, historyPath, []byte("not json"), 0o600))

	store := NewStore(fs, historyPath, quartz.NewMock(t))
	require.Empty(t, store.Load())
	require.NoError(t, store.Append(1, 2, 3))
	require.Len(t, store.Load(), 1)
}

func TestLoadSkipsCorruptRecords(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fs := afero.NewMemMapFs()
	path := historyPath
	require.NoError(t, afero.WriteFile(fs, path, []byte(`[
		{"timestamp": "2026-03-09T12:00:00Z", "session_percent": 10, "weekly_all_percent": 1, "weekly_sonnet_percent": 0},
		{"timestamp": "yesterday", "session_percent": 20},
		"garbage",
		{"timestamp": "2026-03-10T11:00:00Z", "session_percent": 30, "weekly_all_percent": 2, "weekly_sonnet_percent": 1}
	]`), 0o600))

	mClock := quartz.NewMock(t)
	mClock.Set(now)
	got := NewStore(fs, path, mClock).Load()
	require.Len(t, got, 2)
	require.Equal(t, 10.0, got[0].SessionPercent)
	require.Equal(t, 30.0, got[1].SessionPercent)
}

func TestLoadAppliesNoFiltering(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fs := afero.NewMemMapFs()
	path := historyPath
	writeEntries(t, fs, path, []Entry{{Timestamp: now.Add(-30 * 24 * time.Hour)}})

	mClock := quartz.NewMock(t)
	mClock.Set(now)
	require.Len(t, NewStore(fs, path, mClock).Load(), 1)
}

func TestAppendFailureIsReported(t *testing.T) {
	t.Parallel()
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	store := NewStore(fs, historyPath, quartz.NewMock(t))
	require.Error(t, store.Append(1, 2, 3))
	require.False(t, store.Exists())
}

func TestAppendWritesThroughOsFs(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	store := NewStore(afero.NewOsFs(), path, quartz.NewMock(t))
	require.NoError(t, store.Append(5, 6, 7))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	require.Equal(t, 5.0, entries[0].SessionPercent)

	dirEntries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, dirEntries, 1)
}

func TestStoreSharesFilesystemWithCaller(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	store := NewStore(fs, historyPath, quartz.NewMock(t))
	require.NoError(t, store.Append(1, 2, 3))

	names, err := afero.Glob(fs, "/state/*")
	require.NoError(t, err)
	require.Equal(t, []string{historyPath}, names)
}
