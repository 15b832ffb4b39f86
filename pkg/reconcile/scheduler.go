package reconcile

import (
	"context"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap to cron's logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler takes hourly and daily snapshots on cron specs (with seconds).
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	logger     *zap.Logger
	timeout    time.Duration
}

func NewScheduler(ctx context.Context, r *Reconciler, hourlySpec, dailySpec string, logger *zap.Logger) (*Scheduler, error) {
	logger = logger.With(zap.String("component", "snapshot_scheduler"))
	cl := cronLogger{sugar: logger.Sugar()}
	s := &Scheduler{
		cron:       cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl)),
		reconciler: r,
		logger:     logger,
		timeout:    30 * time.Minute,
	}

	jobs := map[mirror.SnapshotType]string{
		mirror.SnapshotHourly: hourlySpec,
		mirror.SnapshotDaily:  dailySpec,
	}
	for typ, spec := range jobs {
		if spec == "" {
			continue
		}
		typ := typ
		if _, err := s.cron.AddFunc(spec, func() {
			// keep each run bounded
			rctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			if _, err := s.reconciler.Snapshot(rctx, typ); err != nil {
				s.logger.Warn("Scheduled snapshot failed", zap.String("type", string(typ)), zap.Error(err))
			}
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Snapshot scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
