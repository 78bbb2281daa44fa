package usage

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type indexFixture struct {
	FullPath     string `json:"fullPath"`
	Created      string `json:"created"`
	Modified     string `json:"modified"`
	MessageCount *int   `json:"messageCount,omitempty"`
}

func writeIndex(t *testing.T, fs afero.Fs, root, project string, entries ...indexFixture) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"version": 1, "entries": entries})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, project, IndexFileName), data, 0o600))
}

func intPtr(v int) *int { return &v }

func TestLogScannerMatchesCreatedOrModifiedDate(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	root := "/home/u/.claude/projects"
	writeIndex(t, fs, root, "-proj-a",
		indexFixture{FullPath: "/logs/a1.jsonl", Created: "2026-03-02T09:00:00Z", Modified: "2026-03-02T10:00:00Z"},
		indexFixture{FullPath: "/logs/a2.jsonl", Created: "2026-03-01T09:00:00Z", Modified: "2026-03-02T01:00:00Z"},
		indexFixture{FullPath: "/logs/a3.jsonl", Created: "2026-03-01T09:00:00Z", Modified: "2026-03-01T10:00:00Z"},
	)
	writeIndex(t, fs, root, "-proj-b",
		indexFixture{FullPath: "/logs/b1.jsonl", Created: "2026-03-02T23:00:00Z", Modified: "2026-03-03T00:30:00Z"},
	)

	scanner := NewLogScanner(fs, []string{root}, time.UTC)
	require.ElementsMatch(t, []string{"/logs/a1.jsonl", "/logs/a2.jsonl", "/logs/b1.jsonl"}, scanner.Scan("2026-03-02"))
	require.ElementsMatch(t, []string{"/logs/a2.jsonl", "/logs/a3.jsonl"}, scanner.Scan("2026-03-01"))
	require.Empty(t, scanner.Scan("2026-02-28"))
}

func TestLogScannerSkipsMalformedIndexes(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	root := "/projects"
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, "broken", IndexFileName), []byte("{not json"), 0o600))
	writeIndex(t, fs, root, "good",
		indexFixture{FullPath: "/logs/ok.jsonl", Created: "2026-03-02T09:00:00Z", Modified: "2026-03-02T09:00:00Z"},
		indexFixture{FullPath: "", Created: "2026-03-02T09:00:00Z"},
	)

	scanner := NewLogScanner(fs, []string{root, "/missing/root"}, time.UTC)
	require.Equal(t, []string{"/logs/ok.jsonl"}, scanner.Scan("2026-03-02"))
}

func TestLogScannerDedupesAcrossIndexes(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	entry := indexFixture{FullPath: "/logs/shared.jsonl", Created: "2026-03-02T09:00:00Z", Modified: "2026-03-02T09:00:00Z"}
	writeIndex(t, fs, "/r1", "p", entry)
	writeIndex(t, fs, "/r2", "p", entry)

	scanner := NewLogScanner(fs, []string{"/r1", "/r2", "/r1"}, time.UTC)
	require.Equal(t, []string{"/logs/shared.jsonl"}, scanner.Scan("2026-03-02"))
}

func TestLogScannerLocalCalendarDate(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	writeIndex(t, fs, "/r", "p",
		indexFixture{FullPath: "/logs/late.jsonl", Created: "2026-03-03T02:00:00Z", Modified: "2026-03-03T02:00:00Z"},
	)
	loc := time.FixedZone("UTC-5", -5*60*60)

	scanner := NewLogScanner(fs, []string{"/r"}, loc)
	require.Equal(t, []string{"/logs/late.jsonl"}, scanner.Scan("2026-03-03"))
	require.Equal(t, []string{"/logs/late.jsonl"}, scanner.Scan("2026-03-02"))
}

func TestLogScannerActiveDaysIgnoresEmptySessions(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	writeIndex(t, fs, "/r", "p",
		indexFixture{FullPath: "/logs/1.jsonl", Created: "2026-02-27T09:00:00Z", Modified: "2026-02-28T09:00:00Z", MessageCount: intPtr(4)},
		indexFixture{FullPath: "/logs/2.jsonl", Created: "2026-03-01T09:00:00Z", Modified: "2026-03-01T09:00:00Z", MessageCount: intPtr(0)},
	)

	scanner := NewLogScanner(fs, []string{"/r"}, time.UTC)
	require.Equal(t, []string{"2026-02-27", "2026-02-28"}, scanner.ActiveDays())
}
