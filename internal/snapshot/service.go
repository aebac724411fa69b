package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/opscenter/internal/marketplace"
	"github.com/mbd888/opscenter/internal/metrics"
	"github.com/mbd888/opscenter/internal/retry"
	"github.com/mbd888/opscenter/internal/traces"
)

const (
	// StaleAfter is how old yesterday's snapshot may get before Refresh
	// recomputes it.
	StaleAfter = 2 * time.Hour

	// MaxBackfillDays bounds a single backfill run.
	MaxBackfillDays = 365

	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
)

// Service computes snapshots from marketplace data.
type Service struct {
	source   marketplace.Source
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	loc      *time.Location
	attempts int
	delay    time.Duration
}

// NewService creates a snapshot service. Days are UTC calendar days unless
// WithLocation says otherwise.
func NewService(source marketplace.Source, store Store, logger *slog.Logger) *Service {
	return &Service{
		source:   source,
		store:    store,
		logger:   logger,
		now:      time.Now,
		loc:      time.UTC,
		attempts: defaultRetryAttempts,
		delay:    defaultRetryDelay,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLocation sets the timezone whose calendar days are snapshotted.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

// WithRetry configures Refresh's retry policy.
func (s *Service) WithRetry(attempts int, baseDelay time.Duration) *Service {
	s.attempts = attempts
	s.delay = baseDelay
	return s
}

// Store returns the underlying snapshot store.
func (s *Service) Store() Store {
	return s.store
}

// Today is the current calendar day.
func (s *Service) Today() time.Time {
	return Day(s.now(), s.loc)
}

// ComputeForDate aggregates the marketplace activity of date's calendar day
// (its UTC year, month and day, in the service location) and upserts the row.
func (s *Service) ComputeForDate(ctx context.Context, date time.Time) (*Snapshot, error) {
	day := Day(date, time.UTC)
	ctx, span := traces.StartSpan(ctx, "snapshot.ComputeForDate", traces.Date(day.Format(DateLayout)))
	defer span.End()

	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc)
	stats, err := s.source.DayStats(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		metrics.SnapshotRefreshTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to aggregate %s: %w", day.Format(DateLayout), err)
	}

	snap := &Snapshot{
		Date:               day,
		Revenue:            stats.Revenue.Round(2),
		RevenueDelivered:   stats.RevenueDelivered.Round(2),
		OrderCount:         stats.OrderCount,
		DeliveredCount:     stats.DeliveredCount,
		CancelledCount:     stats.CancelledCount,
		NewUsers:           stats.NewUsers,
		ActiveCustomers:    stats.ActiveCustomers,
		AvgDeliveryMinutes: stats.AvgDeliveryMinutes,
		ComplaintsTotal:    stats.ComplaintsTotal,
		ComplaintsPending:  stats.ComplaintsPending,
		ActiveShops:        stats.ActiveShops,
		ShopsWithOrders:    stats.ShopsWithOrders,
		ComputedAt:         s.now().UTC(),
	}
	if err := s.store.Upsert(ctx, snap); err != nil {
		metrics.SnapshotRefreshTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SnapshotRefreshTotal.WithLabelValues("ok").Inc()
	return snap, nil
}

// Refresh recomputes today, and yesterday when it is missing or older
// than StaleAfter. Each computation is retried with backoff.
func (s *Service) Refresh(ctx context.Context) error {
	today := s.Today()
	if err := s.computeWithRetry(ctx, today); err != nil {
		return err
	}

	yesterday := today.AddDate(0, 0, -1)
	stale, err := s.isStale(ctx, yesterday)
	if err != nil {
		return err
	}
	if !stale {
		return nil
	}
	return s.computeWithRetry(ctx, yesterday)
}

func (s *Service) computeWithRetry(ctx context.Context, day time.Time) error {
	policy := retry.Policy{Attempts: s.attempts, BaseDelay: s.delay, MaxDelay: 30 * time.Second}
	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		_, err := s.ComputeForDate(ctx, day)
		if err != nil {
			s.logger.Warn("snapshot computation failed",
				"date", day.Format(DateLayout), "attempt", attempt, "error", err)
		}
		return err
	})
}

func (s *Service) isStale(ctx context.Context, day time.Time) (bool, error) {
	snap, err := s.store.Get(ctx, day)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return s.now().Sub(snap.ComputedAt) > StaleAfter, nil
}

// Backfill computes the last days days, today included. A failed day is
// logged and skipped. It returns how many days were written.
func (s *Service) Backfill(ctx context.Context, days int) (int, error) {
	if days <= 0 || days > MaxBackfillDays {
		return 0, fmt.Errorf("days must be between 1 and %d", MaxBackfillDays)
	}

	today := s.Today()
	done := 0
	for i := 0; i < days; i++ {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		day := today.AddDate(0, 0, -i)
		if _, err := s.ComputeForDate(ctx, day); err != nil {
			s.logger.Error("backfill day failed", "date", day.Format(DateLayout), "error", err)
			continue
		}
		done++
	}
	s.logger.Info("snapshot backfill finished", "days", days, "written", done)
	return done, nil
}

// Daily returns the stored snapshots of the last days days, oldest first.
func (s *Service) Daily(ctx context.Context, days int) ([]*Snapshot, error) {
	today := s.Today()
	return s.store.Range(ctx, today.AddDate(0, 0, -(days-1)), today)
}
