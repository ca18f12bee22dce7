package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/canopy-network/dappscope/pkg/logging"
	"github.com/canopy-network/dappscope/pkg/metrics"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/utils"
)

// DefaultCronSpec runs five minutes after UTC midnight; the seconds field comes first.
const DefaultCronSpec = "0 5 0 * * *"

// Scheduler builds and stores the snapshot of the previous UTC day on a cron schedule.
type Scheduler struct {
	Loader  *Loader
	Builder Builder
	Store   Store

	Cron     *cron.Cron
	CronSpec string
	Timeout  time.Duration

	clock  utils.Clock
	logger *zap.Logger
}

func NewScheduler(loader *Loader, builder Builder, st Store, clock utils.Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Scheduler{
		Loader:   loader,
		Builder:  builder,
		Store:    st,
		CronSpec: DefaultCronSpec,
		Timeout:  5 * time.Minute,
		clock:    clock,
		logger:   logging.OrNop(logger),
	}
}

// RunOnce builds the snapshot for date from the current aggregates and stores it,
// replacing any earlier snapshot for the same date.
func (s *Scheduler) RunOnce(ctx context.Context, date time.Time) (analytics.DailySnapshot, error) {
	snap, err := s.run(ctx, date)
	metrics.RecordSnapshot(err)
	return snap, err
}

func (s *Scheduler) run(ctx context.Context, date time.Time) (analytics.DailySnapshot, error) {
	aggs, err := s.Loader.Load(ctx)
	if err != nil {
		return analytics.DailySnapshot{}, err
	}
	snap, err := s.Builder.Build(date, aggs)
	if err != nil {
		return analytics.DailySnapshot{}, fmt.Errorf("build snapshot %s: %w", date.Format(analytics.DateLayout), err)
	}
	if err := s.Store.Save(ctx, snap); err != nil {
		return analytics.DailySnapshot{}, fmt.Errorf("save snapshot %s: %w", snap.Date, err)
	}
	s.logger.Info("Daily snapshot stored",
		zap.String("date", snap.Date),
		zap.Uint64("new_users", snap.NewUsers),
		zap.Uint64("active_users", snap.ActiveUsers),
		zap.Uint64("sessions", snap.TotalSessions),
	)
	return snap, nil
}

// Setup registers the daily job on a seconds-enabled cron.
func (s *Scheduler) Setup(ctx context.Context) error {
	s.Cron = cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := s.Cron.AddFunc(s.CronSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, s.Timeout)
		defer cancel()
		yesterday := s.clock.Now().AddDate(0, 0, -1)
		if _, err := s.RunOnce(rctx, yesterday); err != nil {
			s.logger.Error("Daily snapshot failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule snapshots %q: %w", s.CronSpec, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.Cron.Start()
	s.logger.Info("Snapshot cron started", zap.String("cronSpec", s.CronSpec))
}

func (s *Scheduler) Stop() {
	if s.Cron != nil {
		<-s.Cron.Stop().Done()
	}
}
