// Package monitor drives the refresh loop, tracks remote health and holds
// the published usage state.
package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/time/rate"

	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultInitialDelay = 5 * time.Second
	// RefreshCooldown bounds how often a manual refresh may start a cycle.
	RefreshCooldown = 10 * time.Second
)

// Phase is the scheduler's cycle state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhasePolling
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePolling:
		return "polling"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// SnapshotBuilder computes local fields and merges remote results.
type SnapshotBuilder interface {
	Local(ctx context.Context) usage.LocalView
	Merge(prev usage.Snapshot, local usage.LocalView, remote usage.RemoteResult) usage.Snapshot
}

// RemoteFetcher obtains the remote payload. It is expected to bound its
// own duration.
type RemoteFetcher interface {
	Fetch(ctx context.Context) usage.RemoteResult
}

// HistoryRecorder persists accepted remote read-outs.
type HistoryRecorder interface {
	Append(sessionPercent, weeklyAllPercent, weeklySonnetPercent float64) error
}

type Options struct {
	Builder      SnapshotBuilder
	Remote       RemoteFetcher
	History      HistoryRecorder
	State        *State
	Clock        quartz.Clock
	Logger       slog.Logger
	Interval     time.Duration
	InitialDelay time.Duration
}

// Scheduler runs one cycle at a time: local aggregation, remote fetch,
// merge, health bookkeeping, history append, publish.
type Scheduler struct {
	builder      SnapshotBuilder
	remote       RemoteFetcher
	history      HistoryRecorder
	state        *State
	clock        quartz.Clock
	logger       slog.Logger
	interval     time.Duration
	initialDelay time.Duration

	cycleMu sync.Mutex
	phase   atomic.Int32
	trigger chan struct{}
	limiter *rate.Limiter
}

func NewScheduler(opts Options) *Scheduler {
	if opts.State == nil {
		opts.State = NewState()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.InitialDelay < 0 {
		opts.InitialDelay = 0
	}
	return &Scheduler{
		builder:      opts.Builder,
		remote:       opts.Remote,
		history:      opts.History,
		state:        opts.State,
		clock:        opts.Clock,
		logger:       opts.Logger.Named("scheduler"),
		interval:     opts.Interval,
		initialDelay: opts.InitialDelay,
		trigger:      make(chan struct{}, 1),
		limiter:      rate.NewLimiter(rate.Every(RefreshCooldown), 1),
	}
}

func (s *Scheduler) State() *State { return s.state }

func (s *Scheduler) Phase() Phase { return Phase(s.phase.Load()) }

// Run waits for the initial delay and then runs cycles until ctx is done.
// The next cycle starts one interval after the previous one finished, or
// earlier when a manual refresh is accepted.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info(ctx, "scheduler started",
		slog.F("interval", s.interval),
		slog.F("initial_delay", s.initialDelay),
	)
	defer s.logger.Info(context.Background(), "scheduler stopped")

	if !s.wait(ctx, s.initialDelay, "initial") {
		return nil
	}
	for {
		s.RunCycle(ctx)
		if !s.wait(ctx, s.interval, "interval") {
			return nil
		}
	}
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration, tag string) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	t := s.clock.NewTimer(d, "scheduler", tag)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-s.trigger:
		return true
	}
}

// TriggerRefresh asks Run to start a cycle now. It refuses while a cycle
// is in flight or already requested, and at most once per RefreshCooldown.
// A refused request leaves the cooldown untouched.
func (s *Scheduler) TriggerRefresh() bool {
	if s.Phase() == PhasePolling || len(s.trigger) > 0 {
		return false
	}
	if !s.limiter.Allow() {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunCycle performs a single refresh and publishes the result. It never
// returns an error: every failure is folded into health and logs.
func (s *Scheduler) RunCycle(ctx context.Context) Update {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	s.phase.Store(int32(PhasePolling))
	defer s.phase.Store(int32(PhaseIdle))
	// A request accepted just before this cycle is served by it.
	select {
	case <-s.trigger:
	default:
	}

	prev := s.state.Current()
	before := prev.Snapshot.LastUpdated
	start := s.clock.Now("scheduler", "cycle")

	next, remoteErr := s.refresh(ctx, prev.Snapshot)
	changed := !next.LastUpdated.Equal(before)
	health := prev.Health.record(changed)

	if changed && s.history != nil {
		if err := s.history.Append(next.SessionPercent, next.WeeklyAllPercent, next.WeeklySonnetPercent); err != nil {
			s.logger.Warn(ctx, "append history", slog.Error(err))
		}
	}

	u := Update{
		Snapshot: next,
		Health:   health,
		Status:   DeriveStatus(health, next),
		Cycle:    prev.Cycle + 1,
		At:       s.clock.Now("scheduler", "publish"),
	}
	s.state.publish(u)

	fields := []slog.Field{
		slog.F("cycle", u.Cycle),
		slog.F("status", u.Status),
		slog.F("remote_updated", changed),
		slog.F("consecutive_failures", health.ConsecutiveFailures),
		slog.F("active_date", next.ActiveDate),
		slog.F("duration", u.At.Sub(start)),
	}
	if remoteErr != nil {
		fields = append(fields, slog.Error(remoteErr))
	}
	switch {
	case u.Status != prev.Status && u.Status == StatusActionRequired:
		s.logger.Warn(ctx, "remote source stopped updating", fields...)
	case u.Status != prev.Status:
		s.logger.Info(ctx, "status changed", fields...)
	default:
		s.logger.Debug(ctx, "cycle finished", fields...)
	}
	return u
}

func (s *Scheduler) refresh(ctx context.Context, prev usage.Snapshot) (next usage.Snapshot, remoteErr error) {
	next = prev.Clone()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "poll cycle panicked",
				slog.F("panic", fmt.Sprint(r)),
				slog.F("stack", string(debug.Stack())),
			)
			next = prev.Clone()
			remoteErr = fmt.Errorf("cycle panicked: %v", r)
		}
	}()

	local := s.builder.Local(ctx)
	remote := usage.RemoteFailed(fmt.Errorf("remote source not configured"))
	if s.remote != nil {
		remote = s.remote.Fetch(ctx)
	}
	return s.builder.Merge(prev, local, remote), remote.Err
}
