package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticEnv(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func newTestWebSource(t *testing.T, baseURL, orgID string, now time.Time) *WebSource {
	t.Helper()
	mClock := quartz.NewMock(t)
	mClock.Set(now)
	return NewWebSource(WebOptions{
		BaseURL:        baseURL,
		OrganizationID: orgID,
		Clock:          mClock,
		Logger:         slogtest.Make(t, nil),
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
		},
		LookupEnv: staticEnv(map[string]string{DefaultSessionKeyEnv: "sk-ant-sid01-test"}),
	})
}

func TestWebSourceMapsUsageResponse(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/organizations/org-1/usage", r.URL.Path)
		cookie, err := r.Cookie("sessionKey")
		if assert.NoError(t, err) {
			assert.Equal(t, "sk-ant-sid01-test", cookie.Value)
		}
		fmt.Fprintf(w, `{
			"five_hour": {"utilization": 42, "resets_at": %q},
			"seven_day": {"utilization": 17.5, "resets_at": null},
			"seven_day_sonnet": {"utilization": 9, "resets_at": null},
			"extra_usage": {"is_enabled": true, "monthly_limit": 5000, "used_credits": 1250, "utilization": 25}
		}`, now.Add(2*time.Hour+9*time.Minute+30*time.Second).Format(time.RFC3339))
	}))
	t.Cleanup(srv.Close)

	payload, err := newTestWebSource(t, srv.URL, "org-1", now).Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42.0, payload.SessionPercent)
	require.EqualValues(t, 130, payload.SessionResetMinutes)
	require.Equal(t, 17.5, payload.WeeklyAllPercent)
	require.Equal(t, 9.0, payload.WeeklySonnetPercent)
	require.Equal(t, 12.5, payload.MonthlyCost)
	require.Equal(t, 50.0, payload.MonthlyLimit)
	require.Empty(t, payload.Error)
}

func TestWebSourceDiscoversOrganization(t *testing.T) {
	t.Parallel()
	var orgCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/organizations":
			orgCalls.Add(1)
			_, _ = w.Write([]byte(`[{"uuid": "org-9", "name": "Personal"}]`))
		case "/api/organizations/org-9/usage":
			_, _ = w.Write([]byte(`{"five_hour": {"utilization": 3}, "seven_day": {"utilization": 4}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	src := newTestWebSource(t, srv.URL, "", time.Now())
	for range 2 {
		payload, err := src.Fetch(context.Background())
		require.NoError(t, err)
		require.Equal(t, 3.0, payload.SessionPercent)
		require.Zero(t, payload.SessionResetMinutes)
	}
	require.EqualValues(t, 1, orgCalls.Load())
}

func TestWebSourceRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream busy", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"five_hour": {"utilization": 1}, "seven_day": {"utilization": 2}}`))
	}))
	t.Cleanup(srv.Close)

	payload, err := newTestWebSource(t, srv.URL, "org-1", time.Now()).Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2.0, payload.WeeklyAllPercent)
	require.EqualValues(t, 3, calls.Load())
}

func TestWebSourceUnauthorizedIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid session"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestWebSource(t, srv.URL, "org-1", time.Now()).Fetch(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	require.EqualValues(t, 1, calls.Load())
}

func TestWebSourceRequiresSessionKey(t *testing.T) {
	t.Parallel()
	src := NewWebSource(WebOptions{
		BaseURL:   "http://127.0.0.1:1",
		Logger:    slogtest.Make(t, nil),
		LookupEnv: staticEnv(nil),
	})
	_, err := src.Fetch(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorContains(t, err, DefaultSessionKeyEnv)
}

func TestWebSourceRejectsEmptyResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	_, err := newTestWebSource(t, srv.URL, "org-1", time.Now()).Fetch(context.Background())
	require.ErrorContains(t, err, "missing")
}
