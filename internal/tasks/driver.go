package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/birdsonghq/dawn-chorus/internal/budget"
	"github.com/birdsonghq/dawn-chorus/internal/db"
	"github.com/birdsonghq/dawn-chorus/internal/digest"
	"github.com/birdsonghq/dawn-chorus/internal/observability"
)

// Driver runs exactly one state-machine step per tick. It reads the phase,
// dispatches the matching handler and stops; progress across phases only
// happens over successive ticks.
type Driver struct {
	store     StoreInterface
	processor ProcessorInterface
}

// NewDriver creates a driver over the store and phase handlers.
func NewDriver(store StoreInterface, processor ProcessorInterface) *Driver {
	if store == nil {
		panic("task store is required")
	}
	if processor == nil {
		panic("task processor is required")
	}
	return &Driver{store: store, processor: processor}
}

// Tick runs one step for today's task.
func (d *Driver) Tick(ctx context.Context) error {
	return d.Run(ctx, TaskDate(time.Now()))
}

// Run executes one tick for the given date: archive yesterday if it
// published, load or create the day's task, then run the single handler its
// phase calls for. Each invocation gets a fresh subrequest meter; nothing
// carries over in memory.
func (d *Driver) Run(ctx context.Context, date string) error {
	if _, err := time.Parse(digest.DateLayout, date); err != nil {
		return fmt.Errorf("invalid task date %q: %w", date, err)
	}

	tickID := uuid.New().String()
	start := time.Now()

	span := sentry.StartSpan(ctx, "tasks.tick")
	defer span.Finish()
	span.SetTag("tick_id", tickID)
	span.SetTag("task_date", date)

	d.rolloverPreviousDay(ctx, date)

	task, err := d.store.GetOrCreateTask(ctx, date)
	if err != nil {
		return d.finishTick(ctx, span, tickID, date, "", "load_task", start, nil, err)
	}

	meter := budget.NewMeter()
	phase := task.Phase
	action := "none"

	switch phase {
	case db.PhaseInit:
		action = "fetch_list"
		err = d.processor.FetchList(ctx, task, meter)
	case db.PhaseListFetched:
		// A zero-article day stays in list_fetched; keep re-fetching until
		// the window has stories.
		if task.Total == 0 {
			action = "fetch_list"
			err = d.processor.FetchList(ctx, task, meter)
		} else {
			action = "process_batch"
			err = d.processor.ProcessBatch(ctx, task, meter)
		}
	case db.PhaseProcessing:
		action = "process_batch"
		err = d.processor.ProcessBatch(ctx, task, meter)
	case db.PhaseAggregating:
		action = "aggregate"
		err = d.processor.Aggregate(ctx, task, meter)
	case db.PhasePublished, db.PhaseArchived:
		// Terminal for the driver; only the archival rollover touches it.
	default:
		err = fmt.Errorf("unknown task phase %q for date %s", phase, date)
	}

	return d.finishTick(ctx, span, tickID, date, phase, action, start, meter, err)
}

// rolloverPreviousDay archives yesterday's task when it published, and warns
// when it never got that far. An unfinished previous day is never processed
// automatically; the retry and trigger controls exist for that.
func (d *Driver) rolloverPreviousDay(ctx context.Context, date string) {
	yesterday, err := previousDate(date)
	if err != nil {
		return
	}

	archived, err := d.store.ArchiveIfPublished(ctx, yesterday)
	if err != nil {
		log.Error().Err(err).Str("task_date", yesterday).Msg("Failed to archive previous day's task")
		return
	}
	if archived {
		log.Info().Str("task_date", yesterday).Msg("Archived published task")
		return
	}

	progress, err := d.store.GetProgress(ctx, yesterday)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Error().Err(err).Str("task_date", yesterday).Msg("Failed to check previous day's task")
		}
		return
	}

	if progress.Task.Phase != db.PhasePublished && progress.Task.Phase != db.PhaseArchived {
		log.Warn().
			Str("task_date", yesterday).
			Str("phase", string(progress.Task.Phase)).
			Int("completed", progress.Articles.Completed).
			Int("failed", progress.Articles.Failed).
			Msg("StaleTaskWarning: previous day's task is unfinished; run POST /trigger?date= to resume it")
	}
}

func (d *Driver) finishTick(ctx context.Context, span *sentry.Span, tickID, date string, phase db.Phase, action string, start time.Time, meter *budget.Meter, err error) error {
	duration := time.Since(start)
	used := 0
	if meter != nil {
		used = meter.Used()
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		sentry.CaptureException(err)
	}

	observability.RecordTick(ctx, observability.TickMetrics{
		Phase:    string(phase),
		Action:   action,
		Status:   status,
		Duration: duration,
	})

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Str("tick_id", tickID).
		Str("task_date", date).
		Str("phase", string(phase)).
		Str("action", action).
		Int("subrequests", used).
		Dur("duration", duration).
		Msg("Tick finished")

	return err
}
