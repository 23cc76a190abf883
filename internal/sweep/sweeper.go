// Package sweep deletes superseded index entries once they are older than a
// grace period. Entries are found through the stale ledger, so a sweep only
// touches columns that were explicitly marked stale.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	"golang.org/x/time/rate"
)

// Triggers label sweep runs in metrics and logs.
const (
	TriggerInterval = "interval"
	TriggerRequest  = "request"
	TriggerManual   = "manual"
)

type Config struct {
	Interval      time.Duration
	GracePeriod   time.Duration
	BatchSize     int
	RatePerSecond float64
}

// Report summarises one sweep.
type Report struct {
	Trigger  string        `json:"trigger"`
	Examined int           `json:"examined"`
	Deleted  int           `json:"deleted"`
	Duration time.Duration `json:"duration"`
}

type Sweeper struct {
	entries *index.Store
	clock   *store.Clock
	cfg     Config
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// running serialises sweeps; a ledger line must not be reaped twice
	// concurrently.
	running sync.Mutex
}

func New(entries *index.Store, clock *store.Clock, cfg Config, m *metrics.Metrics) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	limit := rate.Inf
	burst := cfg.BatchSize
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = max(1, int(cfg.RatePerSecond))
	}
	return &Sweeper{
		entries: entries,
		clock:   clock,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  slog.Default().With("component", "sweeper"),
		now:     time.Now,
	}
}

// Sweep reaps every ledger record marked before now minus the grace
// period. Running it again with nothing new to reap deletes nothing.
func (s *Sweeper) Sweep(ctx context.Context, trigger string) (Report, error) {
	s.running.Lock()
	defer s.running.Unlock()

	start := time.Now()
	rep := Report{Trigger: trigger}
	err := s.sweep(ctx, &rep)
	rep.Duration = time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.SweepRunsTotal.WithLabelValues(trigger, status).Inc()
	}
	s.logger.Info("sweep finished",
		"trigger", trigger,
		"examined", rep.Examined,
		"deleted", rep.Deleted,
		"duration_ms", rep.Duration.Milliseconds(),
		"error", err,
	)
	return rep, err
}

func (s *Sweeper) sweep(ctx context.Context, rep *Report) error {
	cutoff := s.now().Add(-s.cfg.GracePeriod).UnixMicro()
	if cutoff <= 0 {
		return nil
	}
	for {
		recs, err := s.entries.StaleLedger(ctx, uint64(cutoff), s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := s.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("sweep throttle: %w", err)
			}
			stamp, err := s.clock.Next()
			if err != nil {
				return err
			}
			deleted, err := s.entries.Reap(ctx, rec, stamp.Timestamp)
			if err != nil {
				return err
			}
			rep.Examined++
			if deleted {
				rep.Deleted++
				if s.metrics != nil {
					s.metrics.SweepDeletedTotal.Inc()
				}
			}
		}
		if len(recs) < s.cfg.BatchSize {
			break
		}
	}
	if gc, ok := s.entries.Backend().(store.GarbageCollector); ok && rep.Deleted > 0 {
		if err := gc.CollectGarbage(ctx); err != nil {
			s.logger.Warn("garbage collection failed", "error", err)
		}
	}
	return nil
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("sweeper started", "interval", s.cfg.Interval, "grace_period", s.cfg.GracePeriod)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, TriggerInterval); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic sweep failed", "error", err)
			}
		}
	}
}
