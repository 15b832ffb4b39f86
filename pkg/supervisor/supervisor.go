package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/metrics"
	"github.com/collateralvault/vaultmirror/pkg/retry"
	"go.uber.org/zap"
)

// Task is a long-running background loop. It should return only when ctx is done.
type Task func(ctx context.Context) error

type Config struct {
	// Backoff spaces restarts; the delay grows with consecutive quick failures.
	Backoff retry.Config
	// MaxRestarts within Window before the supervisor waits out the full MaxDelay.
	MaxRestarts int
	Window      time.Duration
	// StableAfter resets the failure streak when a run lasted at least this long.
	StableAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Backoff: retry.Config{
			InitialDelay:  time.Second,
			MaxDelay:      time.Minute,
			Multiplier:    2,
			JitterEnabled: true,
		},
		MaxRestarts: 5,
		Window:      time.Minute,
		StableAfter: time.Minute,
	}
}

// Supervisor keeps named tasks running until its context is cancelled,
// restarting any that exit or panic.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger
	wg     sync.WaitGroup
}

func New(cfg Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger.With(zap.String("component", "supervisor"))}
}

// Go starts supervising task in its own goroutine.
func (s *Supervisor) Go(ctx context.Context, name string, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(ctx, name, task)
	}()
}

// Wait blocks until every supervised task has stopped.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, name string, task Task) {
	log := s.logger.With(zap.String("task", name))
	var (
		streak   int
		restarts []time.Time
	)

	for {
		started := time.Now()
		err := runSafely(ctx, task)
		if ctx.Err() != nil {
			log.Info("Task stopped")
			return
		}
		if err == nil {
			err = errors.New("exited without error")
		}

		if s.cfg.StableAfter > 0 && time.Since(started) >= s.cfg.StableAfter {
			streak = 0
		}
		streak++

		now := time.Now()
		restarts = append(restarts, now)
		restarts = trim(restarts, now.Add(-s.cfg.Window))

		delay := retry.Delay(s.cfg.Backoff, streak)
		if s.cfg.MaxRestarts > 0 && len(restarts) > s.cfg.MaxRestarts {
			delay = s.cfg.Backoff.MaxDelay
			log.Error("Task is crash looping, holding off",
				zap.Int("restarts_in_window", len(restarts)),
				zap.Duration("window", s.cfg.Window))
		}

		metrics.TaskRestarts.WithLabelValues(name).Inc()
		log.Error("Task exited unexpectedly, restarting",
			zap.Error(err),
			zap.Int("attempt", streak),
			zap.Duration("delay", delay))

		if retry.Sleep(ctx, delay) != nil {
			log.Info("Task stopped")
			return
		}
	}
}

func trim(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

func runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return task(ctx)
}
