package remote

import (
	"context"
	"errors"
	"strings"

	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

// ErrNotConfigured is returned by sources missing required settings.
var ErrNotConfigured = errors.New("remote source not configured")

// Source produces one remote usage payload per call.
type Source interface {
	Name() string
	Fetch(context.Context) (usage.RemotePayload, error)
	Close() error
}

// nopSource always reports that no remote read-out is available.
type nopSource struct{}

func (nopSource) Name() string { return "none" }

func (nopSource) Fetch(context.Context) (usage.RemotePayload, error) {
	return usage.RemotePayload{}, ErrNotConfigured
}

func (nopSource) Close() error { return nil }

func summarizeBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 180 {
		return s[:180] + "..."
	}
	return s
}
