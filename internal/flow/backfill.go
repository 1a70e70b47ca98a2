package flow

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/champion-data/champion/internal/errs"
)

// FlowBuilder materializes a flow for one logical date.
type FlowBuilder func(date time.Time) *Flow

// BackfillResult pairs one date with its run outcome.
type BackfillResult struct {
	Date   time.Time
	Report *RunReport
	Err    error
}

// Backfill executes one independent run per calendar date in [from, to],
// bounded by parallelism. A failed date never blocks other dates;
// cancellation stops launching new dates and waits for in-flight runs.
func (e *Engine) Backfill(ctx context.Context, build FlowBuilder, from, to time.Time, parallelism int) ([]BackfillResult, error) {
	const op = "flow.backfill"
	if to.Before(from) {
		return nil, errs.Newf(errs.Config, op, "backfill range inverted: %s after %s",
			from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	if parallelism <= 0 {
		parallelism = e.parallelism
	}

	var dates []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	log.Info().Str("from", from.Format("2006-01-02")).Str("to", to.Format("2006-01-02")).
		Int("dates", len(dates)).Int("parallelism", parallelism).Msg("backfill started")

	results := make([]BackfillResult, len(dates))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	for i, date := range dates {
		if ctx.Err() != nil {
			results[i] = BackfillResult{Date: date, Err: errs.Wrap(errs.Cancelled, op, ctx.Err())}
			continue
		}
		wg.Add(1)
		go func(i int, date time.Time) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			f := build(date)
			rep, err := e.Execute(ctx, f, map[string]string{"date": date.Format("2006-01-02")})
			results[i] = BackfillResult{Date: date, Report: rep, Err: err}
		}(i, date)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	log.Info().Int("dates", len(dates)).Int("failed", failed).Msg("backfill finished")
	if ctx.Err() != nil {
		return results, errs.Wrap(errs.Cancelled, op, ctx.Err())
	}
	if failed > 0 {
		return results, errs.Newf(errs.Unknown, op, "%d of %d backfill dates failed", failed, len(dates))
	}
	return results, nil
}
