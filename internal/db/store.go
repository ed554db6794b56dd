package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultProcessingTimeout is how long a row may sit in processing
	// before a claim treats it as abandoned and reclaims it.
	DefaultProcessingTimeout = 5 * time.Minute

	// DefaultMaxRetries is the per-article retry ceiling applied by RetryFailed.
	DefaultMaxRetries = 3

	// recentBatchLimit caps the batch records returned by GetProgress.
	recentBatchLimit = 10
)

// Store is the PostgreSQL task store. All mutations run inside single
// transactions through Execute; handlers never hold row references across
// ticks, so the store is the only authoritative state.
type Store struct {
	db                *sql.DB
	processingTimeout time.Duration
	maxRetries        int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithProcessingTimeout overrides the stuck-processing reclaim threshold.
func WithProcessingTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.processingTimeout = d
		}
	}
}

// WithMaxRetries overrides the per-article retry ceiling.
func WithMaxRetries(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewStore creates a task store over an open database connection.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:                db,
		processingTimeout: DefaultProcessingTimeout,
		maxRetries:        DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs a database operation in a transaction
func (s *Store) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

const dailyTaskColumns = `task_date, phase, total, completed, failed, created_at, updated_at, published_at`

func scanDailyTask(row *sql.Row) (*DailyTask, error) {
	var task DailyTask
	err := row.Scan(
		&task.TaskDate, &task.Phase, &task.Total, &task.Completed,
		&task.Failed, &task.CreatedAt, &task.UpdatedAt, &task.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetOrCreateTask returns the task row for the date, inserting a fresh init
// row when none exists. Concurrent creators race on the insert but converge
// on the same row.
func (s *Store) GetOrCreateTask(ctx context.Context, date string) (*DailyTask, error) {
	var task *DailyTask

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO daily_tasks (task_date, phase, total, completed, failed, created_at, updated_at)
			VALUES ($1, $2, 0, 0, 0, $3, $3)
			ON CONFLICT (task_date) DO NOTHING
		`, date, PhaseInit, now)
		if err != nil {
			return fmt.Errorf("failed to insert task row: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT `+dailyTaskColumns+`
			FROM daily_tasks
			WHERE task_date = $1
		`, date)

		task, err = scanDailyTask(row)
		if err != nil {
			return fmt.Errorf("failed to read task row: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return task, nil
}

// AdvancePhase moves the task from one phase to another with compare-and-swap
// semantics: the update applies only while the task is still in the expected
// phase, so two racing ticks cannot both commit the same transition.
func (s *Store) AdvancePhase(ctx context.Context, date string, from, to Phase) error {
	return s.Execute(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE daily_tasks
			SET phase = $1, updated_at = $2
			WHERE task_date = $3 AND phase = $4
		`, to, time.Now().Unix(), date, from)
		if err != nil {
			return fmt.Errorf("failed to advance phase: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: %s not in phase %s", ErrPhaseMismatch, date, from)
		}

		log.Debug().
			Str("task_date", date).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Task phase advanced")
		return nil
	})
}

// BulkInsertArticles writes the day's workload in one transaction and sets
// the task total. Inserting twice for the same date is an error; the list
// fetch handler relies on this to stay re-entrant.
func (s *Store) BulkInsertArticles(ctx context.Context, date string, articles []Article) error {
	span := sentry.StartSpan(ctx, "store.bulk_insert_articles")
	defer span.Finish()
	span.SetData("article_count", len(articles))

	return s.Execute(ctx, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM articles WHERE task_date = $1
		`, date).Scan(&existing); err != nil {
			return fmt.Errorf("failed to count existing articles: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("%w: %s has %d articles", ErrDuplicateTask, date, existing)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO articles (
				task_date, story_id, rank, url, title_en, title_zh, score,
				published_time, status, retry_count, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $10)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare article insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().Unix()
		for _, a := range articles {
			_, err = stmt.ExecContext(ctx,
				date, a.StoryID, a.Rank, a.URL, a.TitleEn, a.TitleZh,
				a.Score, a.PublishedTime, ArticleStatusPending, now)
			if err != nil {
				return fmt.Errorf("failed to insert article %d: %w", a.StoryID, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE daily_tasks
			SET total = $1, updated_at = $2
			WHERE task_date = $3
		`, len(articles), now, date)
		if err != nil {
			return fmt.Errorf("failed to set task total: %w", err)
		}

		return nil
	})
}

const articleColumns = `id, task_date, story_id, rank, url, title_en, title_zh, score,
		published_time, content_summary_zh, comment_summary_zh, status,
		error_message, retry_count, created_at, updated_at`

func scanArticles(rows *sql.Rows) ([]Article, error) {
	var articles []Article
	for rows.Next() {
		var a Article
		err := rows.Scan(
			&a.ID, &a.TaskDate, &a.StoryID, &a.Rank, &a.URL, &a.TitleEn,
			&a.TitleZh, &a.Score, &a.PublishedTime, &a.ContentSummaryZh,
			&a.CommentSummaryZh, &a.Status, &a.ErrorMessage, &a.RetryCount,
			&a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// ClaimPendingBatch atomically transitions up to n pending articles to
// processing and returns them in rank order. The claim first locks the task
// row, serialising concurrent claimants per date, then refuses to take
// anything while another batch is still live: the loser of a race sees zero
// rows and an empty slice is not an error. Rows stuck in processing longer
// than the processing timeout no longer count as live and are reclaimed
// alongside fresh pending rows, which recovers work abandoned by an aborted
// tick. At most one batch is ever in flight per date.
func (s *Store) ClaimPendingBatch(ctx context.Context, date string, n int) ([]Article, error) {
	span := sentry.StartSpan(ctx, "store.claim_pending_batch")
	defer span.Finish()
	span.SetData("batch_size", n)

	var claimed []Article

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		var phase Phase
		err := tx.QueryRowContext(ctx, `
			SELECT phase FROM daily_tasks WHERE task_date = $1 FOR UPDATE
		`, date).Scan(&phase)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock task row: %w", err)
		}

		now := time.Now().Unix()
		staleBefore := now - int64(s.processingTimeout.Seconds())

		rows, err := tx.QueryContext(ctx, `
			UPDATE articles
			SET status = $1, updated_at = $2
			WHERE id IN (
				SELECT id FROM articles
				WHERE task_date = $3
				  AND (status = $4 OR (status = $1 AND updated_at < $5))
				  AND NOT EXISTS (
					SELECT 1 FROM articles live
					WHERE live.task_date = $3
					  AND live.status = $1
					  AND live.updated_at >= $5
				  )
				ORDER BY rank
				LIMIT $6
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+articleColumns+`
		`, ArticleStatusProcessing, now, date, ArticleStatusPending, staleBefore, n)
		if err != nil {
			return fmt.Errorf("failed to claim batch: %w", err)
		}
		defer rows.Close()

		claimed, err = scanArticles(rows)
		return err
	})
	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		return nil, err
	}

	if len(claimed) > 0 {
		log.Debug().
			Str("task_date", date).
			Int("claimed", len(claimed)).
			Int("requested", n).
			Msg("Claimed pending batch")
	}

	return claimed, nil
}

// CompleteArticles writes the outcomes of one processed batch and bumps the
// task counters in the same transaction. Every row must still be in
// processing status; a mismatch means the claim expired and another tick took
// the row over, in which case nothing is committed.
func (s *Store) CompleteArticles(ctx context.Context, date string, updates []ArticleUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	span := sentry.StartSpan(ctx, "store.complete_articles")
	defer span.Finish()
	span.SetData("update_count", len(updates))

	return s.Execute(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		var completed, failed int

		for _, u := range updates {
			var result sql.Result
			var err error

			switch u.Status {
			case ArticleStatusCompleted:
				result, err = tx.ExecContext(ctx, `
					UPDATE articles
					SET status = $1, title_zh = $2, content_summary_zh = $3,
						comment_summary_zh = $4, error_message = NULL, updated_at = $5
					WHERE id = $6 AND status = $7
				`, ArticleStatusCompleted, u.TitleZh, u.ContentSummaryZh,
					u.CommentSummaryZh, now, u.ID, ArticleStatusProcessing)
				completed++

			case ArticleStatusFailed:
				// Keep any pre-translated title so a retry can reuse it
				result, err = tx.ExecContext(ctx, `
					UPDATE articles
					SET status = $1, error_message = $2, updated_at = $3
					WHERE id = $4 AND status = $5
				`, ArticleStatusFailed, u.ErrorMessage, now, u.ID, ArticleStatusProcessing)
				failed++

			default:
				return fmt.Errorf("unexpected article outcome status %q for id %d", u.Status, u.ID)
			}

			if err != nil {
				return fmt.Errorf("failed to update article %d: %w", u.ID, err)
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read affected rows: %w", err)
			}
			if rows == 0 {
				return fmt.Errorf("%w: article %d not in processing", ErrStatusMismatch, u.ID)
			}
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE daily_tasks
			SET completed = completed + $1, failed = failed + $2, updated_at = $3
			WHERE task_date = $4
		`, completed, failed, now, date)
		if err != nil {
			return fmt.Errorf("failed to update task counters: %w", err)
		}

		return nil
	})
}

// ListCompleted returns the completed articles for a date in rank order.
func (s *Store) ListCompleted(ctx context.Context, date string) ([]Article, error) {
	var articles []Article

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+articleColumns+`
			FROM articles
			WHERE task_date = $1 AND status = $2
			ORDER BY rank
		`, date, ArticleStatusCompleted)
		if err != nil {
			return fmt.Errorf("failed to list completed articles: %w", err)
		}
		defer rows.Close()

		articles, err = scanArticles(rows)
		return err
	})
	if err != nil {
		return nil, err
	}

	return articles, nil
}

// RecordBatch appends an observability row for an executed batch. The batch
// index is assigned here so callers carry no cross-tick bookkeeping.
func (s *Store) RecordBatch(ctx context.Context, rec BatchRecord) error {
	return s.Execute(ctx, func(tx *sql.Tx) error {
		var errMsg interface{}
		if rec.ErrorMessage != nil && *rec.ErrorMessage != "" {
			errMsg = *rec.ErrorMessage
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_batches (
				task_date, batch_index, article_count, subrequest_count,
				duration_ms, status, error_message, created_at
			)
			SELECT $1, COALESCE(MAX(batch_index), 0) + 1, $2, $3, $4, $5, $6, $7
			FROM task_batches WHERE task_date = $1
		`, rec.TaskDate, rec.ArticleCount, rec.SubrequestCount,
			rec.DurationMs, rec.Status, errMsg, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to record batch: %w", err)
		}
		return nil
	})
}

// RetryFailed resets failed articles below the retry ceiling back to pending
// and returns how many were requeued. Rows at the ceiling are poison and left
// untouched. When anything is requeued the task drops its failed counter by
// the same amount and re-enters the processing phase so the next tick picks
// the rows up, even if the digest was already published.
func (s *Store) RetryFailed(ctx context.Context, date string) (int, error) {
	span := sentry.StartSpan(ctx, "store.retry_failed")
	defer span.Finish()

	var requeued int64

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()

		result, err := tx.ExecContext(ctx, `
			UPDATE articles
			SET status = $1, retry_count = retry_count + 1,
				error_message = NULL, updated_at = $2
			WHERE task_date = $3 AND status = $4 AND retry_count < $5
		`, ArticleStatusPending, now, date, ArticleStatusFailed, s.maxRetries)
		if err != nil {
			return fmt.Errorf("failed to requeue failed articles: %w", err)
		}

		requeued, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if requeued == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE daily_tasks
			SET failed = failed - $1, phase = $2, updated_at = $3
			WHERE task_date = $4
		`, requeued, PhaseProcessing, now, date)
		if err != nil {
			return fmt.Errorf("failed to update task counters: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Info().
		Str("task_date", date).
		Int64("requeued", requeued).
		Msg("Requeued failed articles")

	return int(requeued), nil
}

// MarkPublished records a successful publish: phase becomes published and
// the publish time is set. Republishing the same date refreshes the time.
func (s *Store) MarkPublished(ctx context.Context, date string) error {
	return s.Execute(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		result, err := tx.ExecContext(ctx, `
			UPDATE daily_tasks
			SET phase = $1, published_at = $2, updated_at = $2
			WHERE task_date = $3
		`, PhasePublished, now, date)
		if err != nil {
			return fmt.Errorf("failed to mark task published: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("no task found for date %s", date)
		}
		return nil
	})
}

// ArchiveIfPublished moves a published task to archived. It reports whether
// the transition happened; anything other than published is a no-op.
func (s *Store) ArchiveIfPublished(ctx context.Context, date string) (bool, error) {
	var archived bool

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE daily_tasks
			SET phase = $1, updated_at = $2
			WHERE task_date = $3 AND phase = $4
		`, PhaseArchived, time.Now().Unix(), date, PhasePublished)
		if err != nil {
			return fmt.Errorf("failed to archive task: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		archived = rows > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	if archived {
		log.Info().Str("task_date", date).Msg("Archived published task")
	}
	return archived, nil
}

// GetProgress returns the task row, the per-status article counts and the
// most recent batch records for a date. Returns sql.ErrNoRows when no task
// exists for the date.
func (s *Store) GetProgress(ctx context.Context, date string) (*TaskProgress, error) {
	var progress TaskProgress

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+dailyTaskColumns+`
			FROM daily_tasks
			WHERE task_date = $1
		`, date)

		task, err := scanDailyTask(row)
		if err != nil {
			return err
		}
		progress.Task = *task

		if err := tx.QueryRowContext(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE status = 'pending'),
				COUNT(*) FILTER (WHERE status = 'processing'),
				COUNT(*) FILTER (WHERE status = 'completed'),
				COUNT(*) FILTER (WHERE status = 'failed')
			FROM articles
			WHERE task_date = $1
		`, date).Scan(
			&progress.Articles.Pending, &progress.Articles.Processing,
			&progress.Articles.Completed, &progress.Articles.Failed,
		); err != nil {
			return fmt.Errorf("failed to count article statuses: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, task_date, batch_index, article_count, subrequest_count,
				duration_ms, status, error_message, created_at
			FROM task_batches
			WHERE task_date = $1
			ORDER BY batch_index DESC
			LIMIT $2
		`, date, recentBatchLimit)
		if err != nil {
			return fmt.Errorf("failed to list batch records: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var rec BatchRecord
			err := rows.Scan(
				&rec.ID, &rec.TaskDate, &rec.BatchIndex, &rec.ArticleCount,
				&rec.SubrequestCount, &rec.DurationMs, &rec.Status,
				&rec.ErrorMessage, &rec.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to scan batch record: %w", err)
			}
			progress.Batches = append(progress.Batches, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return &progress, nil
}
