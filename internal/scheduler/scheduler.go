// Package scheduler triggers full runs on a cron expression and performs
// periodic housekeeping.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/knifezred/123strm/internal/config"
	"github.com/knifezred/123strm/internal/logging"
	"github.com/knifezred/123strm/internal/pan"
	"github.com/knifezred/123strm/internal/runner"
)

// housekeepInterval paces config-reload checks, URL cache sweeps and
// token heartbeats.
const housekeepInterval = 30 * time.Second

// Scheduler arms a single-shot timer for the next cron occurrence and
// re-arms it after every firing. Parsing uses the standard five-field
// cron format.
type Scheduler struct {
	cfg    *config.Manager
	runner *runner.Runner
	urls   *pan.URLCache

	mu       sync.Mutex
	cronExpr string
	sched    cron.Schedule
	timer    *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. urls may be nil when no redirect cache is in
// use.
func New(cfg *config.Manager, r *runner.Runner, urls *pan.URLCache) *Scheduler {
	return &Scheduler{cfg: cfg, runner: r, urls: urls}
}

// Start parses the configured cron expression, arms the first firing and
// begins housekeeping. When running_on_start is set a full run is kicked
// off immediately.
func (s *Scheduler) Start() error {
	settings := s.cfg.Settings()

	sched, err := cron.ParseStandard(settings.Cron)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.mu.Lock()
	s.cronExpr = settings.Cron
	s.sched = sched
	s.arm(ctx)
	s.mu.Unlock()

	if settings.RunningOnStart {
		go s.runner.RunAll(ctx)
	}

	go s.housekeep(ctx)
	return nil
}

// Stop cancels the armed timer and waits for housekeeping to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	<-s.done
}

// NextRun returns when the armed timer will fire.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(time.Now())
}

// arm schedules the next firing. Callers hold s.mu.
func (s *Scheduler) arm(ctx context.Context) {
	next := s.sched.Next(time.Now())
	wait := time.Until(next)
	logging.Info("next scheduled run",
		zap.Time("at", next), zap.Duration("in", wait))

	s.timer = time.AfterFunc(wait, func() {
		if ctx.Err() != nil {
			return
		}
		s.runner.RunAll(ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		if ctx.Err() == nil {
			s.arm(ctx)
		}
	})
}

// housekeep periodically reloads changed configuration, re-arming the
// timer when the cron expression changed, sweeps expired redirect URLs
// and keeps access tokens warm.
func (s *Scheduler) housekeep(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(housekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if reloaded, err := s.cfg.CheckReload(); err != nil {
			logging.Warn("config reload check failed", zap.Error(err))
		} else if reloaded {
			logging.Info("configuration reloaded")
			s.rearmIfCronChanged(ctx)
		}

		if s.urls != nil {
			s.urls.Sweep()
		}

		s.runner.Heartbeat(ctx)
	}
}

func (s *Scheduler) rearmIfCronChanged(ctx context.Context) {
	expr := s.cfg.Settings().Cron

	s.mu.Lock()
	defer s.mu.Unlock()
	if expr == s.cronExpr {
		return
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		logging.Error("invalid cron expression, keeping previous schedule",
			zap.String("cron", expr), zap.Error(err))
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.cronExpr = expr
	s.sched = sched
	s.arm(ctx)
}
