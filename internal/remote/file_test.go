package remote

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestFileSourceReadsFreshPayload(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/run/payload.json", []byte(`{
		"session_percent": 64,
		"session_reset_minutes": 95,
		"weekly_all_percent": 31,
		"weekly_sonnet_percent": 12,
		"monthly_cost": 4.2,
		"monthly_limit": 20
	}`), 0o600))
	require.NoError(t, fs.Chtimes("/run/payload.json", now.Add(-time.Minute), now.Add(-time.Minute)))

	mClock := quartz.NewMock(t)
	mClock.Set(now)
	payload, err := NewFileSource(fs, "/run/payload.json", 10*time.Minute, mClock).Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 64.0, payload.SessionPercent)
	require.EqualValues(t, 95, payload.SessionResetMinutes)
	require.Equal(t, 4.2, payload.MonthlyCost)
}

func TestFileSourceRejectsStalePayload(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/p.json", []byte(`{"session_percent": 1}`), 0o600))
	require.NoError(t, fs.Chtimes("/p.json", now.Add(-time.Hour), now.Add(-time.Hour)))

	mClock := quartz.NewMock(t)
	mClock.Set(now)
	_, err := NewFileSource(fs, "/p.json", 10*time.Minute, mClock).Fetch(context.Background())
	require.ErrorIs(t, err, ErrStalePayload)
}

func TestFileSourceSurfacesScraperError(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/p.json", []byte(`{"error": "Could not find usage data", "session_percent": 0}`), 0o600))
	require.NoError(t, fs.Chtimes("/p.json", now, now))

	mClock := quartz.NewMock(t)
	mClock.Set(now)
	_, err := NewFileSource(fs, "/p.json", 0, mClock).Fetch(context.Background())
	require.ErrorContains(t, err, "Could not find usage data")
}

func TestFileSourceMissingOrMalformed(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	mClock := quartz.NewMock(t)

	_, err := NewFileSource(fs, "", 0, mClock).Fetch(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewFileSource(fs, "/missing.json", 0, mClock).Fetch(context.Background())
	require.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/bad.json", []byte(`{`), 0o600))
	require.NoError(t, fs.Chtimes("/bad.json", mClock.Now(), mClock.Now()))
	_, err = NewFileSource(fs, "/bad.json", 0, mClock).Fetch(context.Background())
	require.ErrorContains(t, err, "decode")
}
