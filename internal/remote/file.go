package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"

	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

const DefaultPayloadMaxAge = 10 * time.Minute

// ErrStalePayload is returned when the payload file was not rewritten
// within the allowed age.
var ErrStalePayload = errors.New("payload file is stale")

// FileSource reads a payload written by an external scraper.
type FileSource struct {
	fs     afero.Fs
	path   string
	maxAge time.Duration
	clock  quartz.Clock
}

func NewFileSource(fs afero.Fs, path string, maxAge time.Duration, clock quartz.Clock) *FileSource {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if maxAge <= 0 {
		maxAge = DefaultPayloadMaxAge
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &FileSource{fs: fs, path: strings.TrimSpace(path), maxAge: maxAge, clock: clock}
}

func (s *FileSource) Name() string {
	return "file"
}

func (s *FileSource) Close() error {
	return nil
}

func (s *FileSource) Fetch(ctx context.Context) (usage.RemotePayload, error) {
	if s.path == "" {
		return usage.RemotePayload{}, fmt.Errorf("%w: payload file path is empty", ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return usage.RemotePayload{}, err
	}

	info, err := s.fs.Stat(s.path)
	if err != nil {
		return usage.RemotePayload{}, fmt.Errorf("stat payload file: %w", err)
	}
	age := s.clock.Now("remote", "file").Sub(info.ModTime())
	if age > s.maxAge {
		return usage.RemotePayload{}, fmt.Errorf("%w: last written %s ago", ErrStalePayload, age.Truncate(time.Second))
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return usage.RemotePayload{}, fmt.Errorf("read payload file: %w", err)
	}
	var payload usage.RemotePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return usage.RemotePayload{}, fmt.Errorf("decode payload file: %w", err)
	}
	if err := payload.Err(); err != nil {
		return usage.RemotePayload{}, fmt.Errorf("scraper reported: %w", err)
	}
	return payload, nil
}
