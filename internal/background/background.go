// Package background runs the five long-lived maintenance loops of
// SPEC_FULL.md §4.9 — alert recycler, alert watchdog, mail dispatcher,
// budget maintainer, and log-queue consumer — each ticking on its own
// jittered period under one errgroup.Group, following internal/app.App.Run's
// concurrency idiom and internal/proxy/middleware.go's panic-recovery
// pattern generalized from one HTTP request to one loop iteration.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-gateway/internal/budgetcache"
	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/mailer"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/usage"
)

const (
	alertRecyclerPeriod  = 60 * time.Second
	alertWatchdogPeriod  = 10 * time.Second
	mailDispatchPeriod   = 10 * time.Second
	budgetMaintainPeriod = 10 * time.Second
	logConsumePeriod     = 2 * time.Second
	logBatchSize         = 25
)

// Runner holds every dependency the five loops read and write.
type Runner struct {
	Store  *configstore.Store
	Budget *budgetcache.Store
	Usage  *usage.Writer
	Queue  *queue.Store
	Mailer *mailer.Mailer
	Logger *logger.Logger
	Log    *slog.Logger

	// ClickHouseBulkInsert, when set, receives each drained log batch for a
	// bulk insert alongside the slog sink (§4.9 item 5's "and, when
	// ClickHouse is configured, a bulk insert"). Optional.
	ClickHouseBulkInsert func(context.Context, []queue.LogRecord) error
}

// New builds a Runner. log defaults to slog.Default() when nil.
func New(store *configstore.Store, budget *budgetcache.Store, usageWriter *usage.Writer, q *queue.Store, m *mailer.Mailer, l *logger.Logger, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{Store: store, Budget: budget, Usage: usageWriter, Queue: q, Mailer: m, Logger: l, Log: log}
}

// Run starts all five loops and blocks until ctx is cancelled. Each loop
// goroutine never returns an error to the group — a failing iteration is
// logged and retried on the next tick, not treated as fatal — so Run only
// returns once ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { r.runLoop(gctx, "alert_recycler", alertRecyclerPeriod, r.recycleAlerts); return nil })
	g.Go(func() error { r.runLoop(gctx, "alert_watchdog", alertWatchdogPeriod, r.watchAlerts); return nil })
	g.Go(func() error { r.runLoop(gctx, "mail_dispatcher", mailDispatchPeriod, r.dispatchMail); return nil })
	g.Go(func() error { r.runLoop(gctx, "budget_maintainer", budgetMaintainPeriod, r.maintainBudgets); return nil })
	g.Go(func() error { r.runLoop(gctx, "log_consumer", logConsumePeriod, r.consumeLogs); return nil })

	return g.Wait()
}

// runLoop ticks fn immediately, then every period+jitter, until ctx is
// cancelled. Each tick is individually panic-recovered so one bad iteration
// never takes the loop down (§4.9 "errors must be logged per-iteration and
// not terminate the loop").
func (r *Runner) runLoop(ctx context.Context, name string, period time.Duration, fn func(context.Context) error) {
	for {
		r.tick(ctx, name, fn)
		select {
		case <-ctx.Done():
			return
		case <-time.After(period + jitter()):
		}
	}
}

func (r *Runner) tick(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.Log.Error("background_loop_panic", slog.String("loop", name), slog.Any("panic", rec))
		}
	}()
	if err := fn(ctx); err != nil {
		r.Log.Error("background_loop_error", slog.String("loop", name), slog.String("error", err.Error()))
	}
}

func jitter() time.Duration {
	return time.Duration(rand.Float64() * float64(time.Second))
}

// nextWindow advances a watched window to the next aligned boundary after
// prevEnds, in loc, per the alert's period — the Go analogue of the
// original's PeriodBoundary relativedelta table, reduced to the three
// periods configstore.BudgetPeriod recognizes.
func nextWindow(period configstore.BudgetPeriod, loc *time.Location, prevStarts, prevEnds time.Time) (time.Time, time.Time) {
	switch period {
	case configstore.BudgetMinutely:
		start := prevEnds.In(loc).Truncate(time.Minute)
		return start, start.Add(time.Minute)
	case configstore.BudgetMonthly:
		t := prevEnds.In(loc)
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0)
	default: // BudgetCustom: preserve the previous window's length.
		d := prevEnds.Sub(prevStarts)
		if d <= 0 {
			d = 24 * time.Hour
		}
		return prevEnds, prevEnds.Add(d)
	}
}

func loadLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// windowStart returns the start of the current aligned window for a budget
// at `now`, per its Period — used by the budget maintainer to scope its
// usage.CostSince query.
func windowStart(period configstore.BudgetPeriod, now time.Time) time.Time {
	switch period {
	case configstore.BudgetMinutely:
		return now.Truncate(time.Minute)
	case configstore.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return now.Add(-24 * time.Hour)
	}
}

func alertLimit(ctx context.Context, store *configstore.Store, a configstore.AlertDoc) float64 {
	if !a.IsPercent {
		return a.Threshold
	}
	budget, err := store.BudgetForWatched(ctx, a.WatchedID)
	if err != nil || budget == nil {
		return 0
	}
	return budget.Amount * a.Threshold / 100
}

func moneyCtx(name string, limit, used float64) map[string]string {
	return map[string]string{
		"name":  name,
		"limit": fmt.Sprintf("%.3f", limit),
		"used":  fmt.Sprintf("%.3f", used),
	}
}
