package background

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/budgetcache"
	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/mailer"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
)

const mailRetryMax = 5
const mailRetryAfter = 5 * time.Minute

// recycleAlerts implements §4.9 item 1: every alert whose window has
// closed gets its used cost recorded and its window advanced.
func (r *Runner) recycleAlerts(ctx context.Context) error {
	alerts, err := r.Store.FindAlerts(ctx)
	if err != nil {
		return fmt.Errorf("background: find alerts: %w", err)
	}
	now := time.Now()
	for _, a := range alerts {
		if !a.EndsAt.Before(now) {
			continue
		}
		used, err := r.Usage.CostSince(ctx, a.WatchedID, a.StartsAt)
		if err != nil {
			r.Log.Error("alert_recycler_cost", slog.String("alert_id", a.ID.String()), slog.String("error", err.Error()))
			used = 0
		}
		if used > 0 {
			r.Log.Info("alert_recycled", slog.String("alert_id", a.ID.String()), slog.Float64("used", used))
		}

		loc := loadLocation(a.Timezone)
		a.StartsAt, a.EndsAt = nextWindow(a.Period, loc, a.StartsAt, a.EndsAt)
		a.Used = 0
		a.State = configstore.ThresholdOk
		if err := r.Store.UpdateAlert(ctx, a); err != nil {
			return fmt.Errorf("background: update alert %s: %w", a.ID, err)
		}
	}
	return nil
}

// watchAlerts implements §4.9 item 2: recompute used cost for every alert
// and trigger a mail when an Ok alert crosses its threshold.
func (r *Runner) watchAlerts(ctx context.Context) error {
	alerts, err := r.Store.FindAlerts(ctx)
	if err != nil {
		return fmt.Errorf("background: find alerts: %w", err)
	}
	for _, a := range alerts {
		used, err := r.Usage.CostSince(ctx, a.WatchedID, a.StartsAt)
		if err != nil {
			r.Log.Error("alert_watchdog_cost", slog.String("alert_id", a.ID.String()), slog.String("error", err.Error()))
			continue
		}
		if used != a.Used {
			a.Used = used
			if err := r.Store.UpdateAlert(ctx, a); err != nil {
				return fmt.Errorf("background: update alert %s: %w", a.ID, err)
			}
		}
		if a.State != configstore.ThresholdOk {
			continue
		}
		limit := alertLimit(ctx, r.Store, a)
		if limit <= 0 || used <= limit {
			continue
		}

		a.State = configstore.ThresholdExceeded
		if err := r.Store.UpdateAlert(ctx, a); err != nil {
			return fmt.Errorf("background: trigger alert %s: %w", a.ID, err)
		}
		r.Log.Warn("alert_triggered", slog.String("alert_id", a.ID.String()), slog.Float64("used", used), slog.Float64("limit", limit))

		if r.Queue == nil {
			continue
		}
		if err := r.Queue.EnqueueMail(queue.MailRecord{
			Key:          fmt.Sprintf("alert:%s", a.ID),
			Recipients:   a.Recipients,
			Subject:      fmt.Sprintf("Exceeded: alert %s (used $%.3f of $%.3f)", a.ID, used, limit),
			TemplateBody: "Alert {{.name}} exceeded its budget: spent ${{.used}} against a limit of ${{.limit}}.",
			Context:      moneyCtx(a.ID.String(), limit, used),
			SendAt:       time.Now(),
			RetryAfter:   mailRetryAfter,
			RetryMax:     mailRetryMax,
		}); err != nil {
			return fmt.Errorf("background: enqueue alert mail: %w", err)
		}
	}
	return nil
}

// dispatchMail implements §4.9 item 3: pop due mail, render and send it,
// deleting on success and rescheduling on failure.
func (r *Runner) dispatchMail(ctx context.Context) error {
	if r.Queue == nil || r.Mailer == nil {
		return nil
	}
	due, err := r.Queue.DueMail(time.Now())
	if err != nil {
		return fmt.Errorf("background: due mail: %w", err)
	}
	for _, m := range due {
		if err := r.sendOneMail(ctx, m); err != nil {
			r.Log.Error("mail_dispatch_failed", slog.String("mail_id", m.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runner) sendOneMail(ctx context.Context, m queue.MailRecord) error {
	body, err := mailer.Render(m.TemplateBody, m.Context)
	if err != nil {
		return r.rescheduleMail(m, err)
	}
	if err := r.Mailer.Send(ctx, m.Recipients, m.Subject, body); err != nil {
		return r.rescheduleMail(m, err)
	}
	return r.Queue.DeleteMail(m.ID)
}

func (r *Runner) rescheduleMail(m queue.MailRecord, sendErr error) error {
	m.Attempts++
	m.SendAt = time.Now().Add(m.RetryAfter)
	if err := r.Queue.UpdateMail(m); err != nil {
		return fmt.Errorf("reschedule mail %s after %v: %w", m.ID, sendErr, err)
	}
	return fmt.Errorf("send mail %s: %w", m.ID, sendErr)
}

// maintainBudgets implements §4.9 item 4: recompute current usage for every
// limited budget and refresh its budget-cache entry.
func (r *Runner) maintainBudgets(ctx context.Context) error {
	budgets, err := r.Store.FindBudgets(ctx, true)
	if err != nil {
		return fmt.Errorf("background: find budgets: %w", err)
	}
	now := time.Now()
	for _, b := range budgets {
		start := b.StartsAt
		if start == nil {
			s := windowStart(b.Period, now)
			start = &s
		}
		used, err := r.Usage.CostSince(ctx, b.WatchedID, *start)
		if err != nil {
			r.Log.Error("budget_maintainer_cost", slog.String("budget_id", b.ID.String()), slog.String("error", err.Error()))
			continue
		}
		entry := budgetcache.Entry{Usage: used, Budget: b.Amount, Remaining: b.Amount - used}
		if err := r.Budget.Put(b.WatchedID, entry); err != nil {
			return fmt.Errorf("background: put budget cache %s: %w", b.WatchedID, err)
		}
	}
	return nil
}

// consumeLogs implements §4.9 item 5: drain up to 25 queued log records and
// hand them to the async slog sink (and, if configured, a ClickHouse bulk
// insert), deleting from the queue only after that hand-off succeeds.
func (r *Runner) consumeLogs(ctx context.Context) error {
	if r.Queue == nil {
		return nil
	}
	return r.Queue.DrainLogBatch(logBatchSize, func(batch []queue.LogRecord) error {
		for _, rec := range batch {
			if r.Logger != nil {
				r.Logger.WriteRaw(ctx, logger.RawEntry{
					Level:     rec.Level,
					Message:   rec.Message,
					Fields:    rec.Fields,
					CreatedAt: rec.CreatedAt,
				})
			}
		}
		if r.ClickHouseBulkInsert != nil {
			return r.ClickHouseBulkInsert(ctx, batch)
		}
		return nil
	})
}
