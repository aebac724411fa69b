package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/opscenter/internal/metrics"
	"github.com/mbd888/opscenter/internal/pagination"
	"github.com/mbd888/opscenter/internal/syncutil"
	"github.com/mbd888/opscenter/internal/traces"
)

// Service applies the alert lifecycle on top of a Store.
type Service struct {
	store  Store
	logger *slog.Logger
	locks  syncutil.IDLocks
	now    func() time.Time
}

// NewService creates an alert service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() Store {
	return s.store
}

// Create scores and persists a new active alert. It returns false without
// error when an open alert already exists for the same (type, target).
func (s *Service) Create(ctx context.Context, a *Alert) (bool, error) {
	now := s.now()
	a.Status = StatusActive
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	ScoreAndStamp(a)

	if err := s.store.Create(ctx, a); err != nil {
		if errors.Is(err, ErrDuplicateOpen) {
			return false, nil
		}
		return false, err
	}

	metrics.AlertsCreatedTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	s.logger.Info("fraud alert created",
		"id", a.ID,
		"type", a.Type,
		"severity", a.Severity,
		"target_type", a.Target.Type,
		"target_id", a.Target.ID,
		"risk_score", a.RiskScoreValue(),
	)
	return true, nil
}

// Get returns an alert by id.
func (s *Service) Get(ctx context.Context, id int64) (*Alert, error) {
	return s.store.Get(ctx, id)
}

// Transition applies a review action by actor.
func (s *Service) Transition(ctx context.Context, id int64, action Action, actor, note string) (*Alert, error) {
	ctx, span := traces.StartSpan(ctx, "alerts.Transition",
		traces.AlertID(id), traces.Actor(actor))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrAlertNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load alert")
		}
		return nil, err
	}

	from := a.Status
	if err := a.Apply(action, actor, note, s.now()); err != nil {
		return nil, fmt.Errorf("%w: %s cannot %s", err, from, action)
	}

	if err := s.store.Update(ctx, a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update alert")
		return nil, err
	}

	metrics.AlertTransitionsTotal.WithLabelValues(string(a.Status)).Inc()
	s.logger.Info("fraud alert transitioned",
		"id", a.ID,
		"from", from,
		"to", a.Status,
		"actor", actor,
	)
	return a, nil
}

// Page is one page of the alert listing with headline counts.
type Page struct {
	Alerts        []*Alert
	Total         int
	Page          int
	Pages         int
	ActiveCount   int
	CriticalCount int
}

// List returns page (1-based) of alerts matching f.
func (s *Service) List(ctx context.Context, f Filter, page int) (*Page, error) {
	p := pagination.New(page, PageSize)
	f.Limit = p.Limit()
	f.Offset = p.Offset()

	items, total, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	active, critical, err := s.store.CountActive(ctx)
	if err != nil {
		return nil, err
	}

	return &Page{
		Alerts:        items,
		Total:         total,
		Page:          p.Number,
		Pages:         pagination.TotalPages(total, PageSize),
		ActiveCount:   active,
		CriticalCount: critical,
	}, nil
}

// Summary aggregates active alerts.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	return s.store.Summary(ctx)
}
