package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

const (
	DefaultWebBaseURL    = "https://claude.ai"
	DefaultSessionKeyEnv = "CLAUDE_SESSION_KEY"

	maxResponseBytes = 1_000_000
	webRetries       = 2
)

// ErrUnauthorized means the session cookie was rejected.
var ErrUnauthorized = errors.New("session key rejected")

// WebOptions configures a WebSource.
type WebOptions struct {
	BaseURL        string
	OrganizationID string
	// SessionKeyEnv names the environment variable holding the sessionKey
	// cookie value.
	SessionKeyEnv string
	HTTPClient    *http.Client
	Clock         quartz.Clock
	Logger        slog.Logger
	// NewBackOff overrides the retry policy for transient failures.
	NewBackOff func() backoff.BackOff
	// LookupEnv overrides os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// WebSource reads quota utilization from the claude.ai usage endpoint.
type WebSource struct {
	baseURL    string
	mu         sync.Mutex
	orgID      string
	keyEnv     string
	httpClient *http.Client
	clock      quartz.Clock
	logger     slog.Logger
	newBackOff func() backoff.BackOff
	lookupEnv  func(string) (string, bool)
}

func NewWebSource(opts WebOptions) *WebSource {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultWebBaseURL
	}
	if opts.SessionKeyEnv == "" {
		opts.SessionKeyEnv = DefaultSessionKeyEnv
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), webRetries)
		}
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	return &WebSource{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		orgID:      strings.TrimSpace(opts.OrganizationID),
		keyEnv:     opts.SessionKeyEnv,
		httpClient: opts.HTTPClient,
		clock:      opts.Clock,
		logger:     opts.Logger.Named("web"),
		newBackOff: opts.NewBackOff,
		lookupEnv:  opts.LookupEnv,
	}
}

func (s *WebSource) Name() string {
	return "web"
}

func (s *WebSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

type usageResponse struct {
	FiveHour       *usageBucket `json:"five_hour"`
	SevenDay       *usageBucket `json:"seven_day"`
	SevenDaySonnet *usageBucket `json:"seven_day_sonnet"`
	SevenDayOpus   *usageBucket `json:"seven_day_opus"`
	ExtraUsage     *extraUsage  `json:"extra_usage"`
}

type usageBucket struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resets_at"`
}

// extraUsage amounts are reported in cents.
type extraUsage struct {
	IsEnabled    bool     `json:"is_enabled"`
	MonthlyLimit *float64 `json:"monthly_limit"`
	UsedCredits  *float64 `json:"used_credits"`
	Utilization  *float64 `json:"utilization"`
}

type organization struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

func (s *WebSource) Fetch(ctx context.Context) (usage.RemotePayload, error) {
	key, err := s.sessionKey()
	if err != nil {
		return usage.RemotePayload{}, err
	}

	s.mu.Lock()
	orgID := s.orgID
	s.mu.Unlock()
	if orgID == "" {
		orgID, err = s.discoverOrganization(ctx, key)
		if err != nil {
			return usage.RemotePayload{}, err
		}
	}

	var resp usageResponse
	endpoint := fmt.Sprintf("%s/api/organizations/%s/usage", s.baseURL, url.PathEscape(orgID))
	if err := s.getJSON(ctx, endpoint, key, &resp); err != nil {
		return usage.RemotePayload{}, err
	}
	if resp.FiveHour == nil && resp.SevenDay == nil {
		return usage.RemotePayload{}, errors.New("usage response missing five_hour and seven_day")
	}
	return s.toPayload(resp), nil
}

func (s *WebSource) sessionKey() (string, error) {
	key, ok := s.lookupEnv(s.keyEnv)
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", fmt.Errorf("%w: environment variable %s is empty", ErrNotConfigured, s.keyEnv)
	}
	return key, nil
}

func (s *WebSource) discoverOrganization(ctx context.Context, key string) (string, error) {
	var orgs []organization
	if err := s.getJSON(ctx, s.baseURL+"/api/organizations", key, &orgs); err != nil {
		return "", fmt.Errorf("discover organization: %w", err)
	}
	for _, org := range orgs {
		if id := strings.TrimSpace(org.UUID); id != "" {
			s.logger.Debug(ctx, "discovered organization", slog.F("org", id), slog.F("name", org.Name))
			s.mu.Lock()
			s.orgID = id
			s.mu.Unlock()
			return id, nil
		}
	}
	return "", errors.New("discover organization: no organizations returned")
}

func (s *WebSource) getJSON(ctx context.Context, endpoint, key string, out any) error {
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.AddCookie(&http.Cookie{Name: "sessionKey", Value: key})
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "claude-usage-monitor/0.1")
		req.Header.Set("anthropic-client-platform", "web_claude_ai")

		res, err := s.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			s.logger.Debug(ctx, "usage request failed", slog.F("attempt", attempt), slog.Error(err))
			return fmt.Errorf("usage request failed: %w", err)
		}
		defer res.Body.Close()

		body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("read usage response: %w", err)
		}

		switch {
		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: HTTP %d", ErrUnauthorized, res.StatusCode))
		case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("usage endpoint returned HTTP %d: %s", res.StatusCode, summarizeBody(body))
		case res.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("usage endpoint returned HTTP %d: %s", res.StatusCode, summarizeBody(body)))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode usage response: %w", err))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx))
}

func (s *WebSource) toPayload(resp usageResponse) usage.RemotePayload {
	var p usage.RemotePayload
	if resp.FiveHour != nil {
		p.SessionPercent = resp.FiveHour.Utilization
		p.SessionResetMinutes = s.minutesUntil(resp.FiveHour.ResetsAt)
	}
	if resp.SevenDay != nil {
		p.WeeklyAllPercent = resp.SevenDay.Utilization
	}
	if resp.SevenDaySonnet != nil {
		p.WeeklySonnetPercent = resp.SevenDaySonnet.Utilization
	}
	if extra := resp.ExtraUsage; extra != nil && extra.IsEnabled {
		if extra.UsedCredits != nil {
			p.MonthlyCost = *extra.UsedCredits / 100
		}
		if extra.MonthlyLimit != nil {
			p.MonthlyLimit = *extra.MonthlyLimit / 100
		}
	}
	return p
}

func (s *WebSource) minutesUntil(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	resetAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0
	}
	remaining := resetAt.Sub(s.clock.Now("remote", "reset"))
	if remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(remaining.Minutes()))
}
