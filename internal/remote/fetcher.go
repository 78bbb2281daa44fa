package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/spf13/afero"

	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

const DefaultFetchTimeout = 30 * time.Second

// Mode selects which sources a Fetcher consults.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeWeb  Mode = "web"
	ModeFile Mode = "file"
	ModeNone Mode = "none"
)

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeAuto, ModeWeb, ModeFile, ModeNone:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unsupported remote source %q (want auto, web, file or none)", raw)
	}
}

// Options configures a Fetcher built by New.
type Options struct {
	Mode          Mode
	Web           WebOptions
	PayloadFile   string
	PayloadMaxAge time.Duration
	Fs            afero.Fs
	Clock         quartz.Clock
	Timeout       time.Duration
	Logger        slog.Logger
}

// Fetcher consults a primary source and, when it fails, a fallback. Every
// call is bounded by its own timeout.
type Fetcher struct {
	primary  Source
	fallback Source
	timeout  time.Duration
	logger   slog.Logger
}

// New builds a Fetcher for opts.Mode. In auto mode the web endpoint is
// primary and the payload file, when configured, is the fallback.
func New(opts Options) *Fetcher {
	logger := opts.Logger.Named("remote")
	opts.Web.Logger = logger
	if opts.Web.Clock == nil {
		opts.Web.Clock = opts.Clock
	}
	file := func() Source {
		return NewFileSource(opts.Fs, opts.PayloadFile, opts.PayloadMaxAge, opts.Clock)
	}

	f := &Fetcher{timeout: opts.Timeout, logger: logger}
	switch opts.Mode {
	case ModeWeb:
		f.primary = NewWebSource(opts.Web)
	case ModeFile:
		f.primary = file()
	case ModeNone:
		f.primary = nopSource{}
	default:
		f.primary = NewWebSource(opts.Web)
		if strings.TrimSpace(opts.PayloadFile) != "" {
			f.fallback = file()
		}
	}
	if f.timeout <= 0 {
		f.timeout = DefaultFetchTimeout
	}
	return f
}

// NewWithSources is the constructor used when sources are built elsewhere.
func NewWithSources(primary, fallback Source, timeout time.Duration, logger slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{primary: primary, fallback: fallback, timeout: timeout, logger: logger.Named("remote")}
}

// Fetch returns the payload as an accepted or failed result. It never
// panics and never blocks past the configured timeout.
func (f *Fetcher) Fetch(ctx context.Context) usage.RemoteResult {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	payload, source, err := fetchWithFallback(ctx, f.primary, f.fallback)
	if err != nil {
		f.logger.Debug(ctx, "remote fetch failed", slog.Error(err))
		return usage.RemoteFailed(err)
	}
	f.logger.Debug(ctx, "remote fetch succeeded",
		slog.F("source", source),
		slog.F("session_percent", payload.SessionPercent),
		slog.F("weekly_all_percent", payload.WeeklyAllPercent),
	)
	return usage.RemoteOK(payload)
}

// Sources lists the configured source names, primary first.
func (f *Fetcher) Sources() []string {
	var names []string
	if f.primary != nil {
		names = append(names, f.primary.Name())
	}
	if f.fallback != nil {
		names = append(names, f.fallback.Name())
	}
	return names
}

// ProbeResult is the outcome of fetching from a single source.
type ProbeResult struct {
	Source  string
	Payload usage.RemotePayload
	Err     error
}

// Probe fetches from every configured source independently, each under the
// fetch timeout. Used by setup checks.
func (f *Fetcher) Probe(ctx context.Context) []ProbeResult {
	var results []ProbeResult
	for _, src := range []Source{f.primary, f.fallback} {
		if src == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		payload, err := fetchChecked(pctx, src)
		cancel()
		results = append(results, ProbeResult{Source: src.Name(), Payload: payload, Err: err})
	}
	return results
}

func fetchWithFallback(ctx context.Context, primary, fallback Source) (usage.RemotePayload, string, error) {
	if primary == nil {
		return usage.RemotePayload{}, "", errors.New("missing primary source")
	}

	payload, primaryErr := fetchChecked(ctx, primary)
	if primaryErr == nil {
		return payload, primary.Name(), nil
	}
	if fallback == nil {
		return usage.RemotePayload{}, "", fmt.Errorf("primary source %q failed: %w", primary.Name(), primaryErr)
	}

	payload, fallbackErr := fetchChecked(ctx, fallback)
	if fallbackErr == nil {
		return payload, fallback.Name(), nil
	}
	return usage.RemotePayload{}, "", fmt.Errorf(
		"primary source %q failed: %v; fallback source %q failed: %w",
		primary.Name(), primaryErr, fallback.Name(), fallbackErr,
	)
}

func fetchChecked(ctx context.Context, src Source) (payload usage.RemotePayload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source %q panicked: %v", src.Name(), r)
		}
	}()
	payload, err = src.Fetch(ctx)
	if err != nil {
		return usage.RemotePayload{}, err
	}
	if err := payload.Err(); err != nil {
		return usage.RemotePayload{}, err
	}
	return payload, nil
}

func (f *Fetcher) Close() error {
	var firstErr error
	for _, src := range []Source{f.primary, f.fallback} {
		if src == nil {
			continue
		}
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
