// Package detector runs the fraud and anomaly rules over marketplace data
// and turns their findings into deduplicated alerts.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/opscenter/internal/alerts"
	"github.com/mbd888/opscenter/internal/marketplace"
	"github.com/mbd888/opscenter/internal/metrics"
	"github.com/mbd888/opscenter/internal/syncutil"
	"github.com/mbd888/opscenter/internal/traces"
)

// Notifier receives every alert a run creates.
type Notifier interface {
	Publish(ctx context.Context, a *alerts.Alert) error
}

// Result is the outcome of one RunAll. A rule appears in Errors when it
// failed; alerts it created before failing still appear in Created.
type Result struct {
	Created map[alerts.Type][]*alerts.Alert
	Errors  map[alerts.Type]error
	rules   []alerts.Type
}

// NewAlerts counts alerts created by every rule.
func (r *Result) NewAlerts() int {
	n := 0
	for _, created := range r.Created {
		n += len(created)
	}
	return n
}

// Details reports per rule whether a system rule fired or how many alerts a
// per-customer rule created.
func (r *Result) Details() map[string]any {
	out := make(map[string]any, len(r.rules))
	for _, t := range r.rules {
		if isSystemRule(t) {
			out[string(t)] = len(r.Created[t]) > 0
		} else {
			out[string(t)] = len(r.Created[t])
		}
	}
	return out
}

// ErrorMessages flattens Errors for API responses.
func (r *Result) ErrorMessages() map[string]string {
	out := make(map[string]string, len(r.Errors))
	for t, err := range r.Errors {
		out[string(t)] = err.Error()
	}
	return out
}

// Detector evaluates rules and persists their candidates.
type Detector struct {
	source     marketplace.Source
	alerts     *alerts.Service
	rules      []Rule
	thresholds Thresholds
	notifier   Notifier
	logger     *slog.Logger
	runs       *syncutil.Gate // one RunAll at a time across timer and manual scans
	now        func() time.Time
}

// New creates a detector running DefaultRules(t).
func New(source marketplace.Source, svc *alerts.Service, t Thresholds, logger *slog.Logger) *Detector {
	return &Detector{
		source:     source,
		alerts:     svc,
		rules:      DefaultRules(t),
		thresholds: t,
		logger:     logger,
		runs:       syncutil.NewGate(),
		now:        time.Now,
	}
}

// WithNotifier publishes created alerts to n.
func (d *Detector) WithNotifier(n Notifier) *Detector {
	d.notifier = n
	return d
}

// WithRules replaces the rule set.
func (d *Detector) WithRules(rules ...Rule) *Detector {
	d.rules = rules
	return d
}

// WithClock overrides the time source. Used by tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// RunAll evaluates every rule once. Rule failures are isolated: they are
// logged, counted and reported in the result while the remaining rules run.
// The only error returned is ctx ending while waiting for a concurrent run.
func (d *Detector) RunAll(ctx context.Context) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "detector.RunAll")
	defer span.End()

	unlock, err := d.runs.Enter(ctx)
	if err != nil {
		return nil, fmt.Errorf("detector run aborted: %w", err)
	}
	defer unlock()

	now := d.now()
	res := &Result{
		Created: make(map[alerts.Type][]*alerts.Alert),
		Errors:  make(map[alerts.Type]error),
	}
	for _, r := range d.rules {
		name := r.Name()
		res.rules = append(res.rules, name)

		created, err := d.runRule(ctx, r, now)
		if len(created) > 0 {
			res.Created[name] = created
		}
		if err != nil {
			res.Errors[name] = err
			d.logger.Error("detection rule failed", "rule", name, "error", err)
		}
	}

	for _, created := range res.Created {
		for _, a := range created {
			d.publish(ctx, a)
		}
	}

	if len(res.Errors) > 0 {
		span.SetStatus(codes.Error, "one or more rules failed")
	}
	d.logger.Info("fraud scan complete",
		"new_alerts", res.NewAlerts(),
		"failed_rules", len(res.Errors),
	)
	return res, nil
}

func (d *Detector) runRule(ctx context.Context, r Rule, now time.Time) (created []*alerts.Alert, err error) {
	name := string(r.Name())
	ctx, span := traces.StartSpan(ctx, "detector.Rule", traces.Rule(name))
	defer span.End()

	done := metrics.ObserveRule(name)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rule panicked: %v", rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rule failed")
		}
		done(err)
	}()

	candidates, err := r.Evaluate(ctx, &Input{Source: d.source, Now: now})
	for _, c := range candidates {
		ok, perr := d.persist(ctx, c)
		if perr != nil {
			return created, fmt.Errorf("failed to persist alert: %w", perr)
		}
		if ok {
			created = append(created, c.Alert)
		}
	}
	return created, err
}

// persist creates c unless an equivalent alert is already open.
func (d *Detector) persist(ctx context.Context, c Candidate) (bool, error) {
	a := c.Alert
	store := d.alerts.Store()

	if !c.DedupSince.IsZero() {
		exists, err := store.ExistsSince(ctx, a.Type, []alerts.Status{alerts.StatusActive}, c.DedupSince)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	} else {
		open, err := store.FindOpen(ctx, a.Type, a.Target)
		if err != nil {
			return false, err
		}
		if open != nil {
			return false, nil
		}
	}
	return d.alerts.Create(ctx, a)
}

func (d *Detector) publish(ctx context.Context, a *alerts.Alert) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Publish(ctx, a); err != nil {
		d.logger.Warn("failed to publish alert", "id", a.ID, "type", a.Type, "error", err)
	}
}

// SpikeCheck measures the current order rate without persisting anything.
// It returns nil when orders are not spiking.
func (d *Detector) SpikeCheck(ctx context.Context) (*Spike, error) {
	return MeasureSpike(ctx, d.source, d.now(), d.thresholds.OrderSpike)
}
