package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/birdsonghq/dawn-chorus/internal/budget"
	"github.com/birdsonghq/dawn-chorus/internal/db"
	"github.com/birdsonghq/dawn-chorus/internal/digest"
	"github.com/birdsonghq/dawn-chorus/internal/filter"
	"github.com/birdsonghq/dawn-chorus/internal/hackernews"
	"github.com/birdsonghq/dawn-chorus/internal/observability"
	"github.com/birdsonghq/dawn-chorus/internal/publish"
)

// fetchListPlannedCalls is the planned cost of a list tick: one story search,
// one batch translation, one spare.
const fetchListPlannedCalls = 3

// Processor owns the phase handlers. Each handler is entered only in its
// matching phase, commits at most one phase transition, and is safe to enter
// twice with the same state.
type Processor struct {
	store      StoreInterface
	news       NewsInterface
	fetcher    FetcherInterface
	llm        LLMInterface
	publishers []publish.Publisher
	filter     filter.Filter
	config     Config
}

// NewProcessor creates a processor over the given collaborators.
func NewProcessor(store StoreInterface, news NewsInterface, articleFetcher FetcherInterface, llm LLMInterface, publishers []publish.Publisher, contentFilter filter.Filter, config Config) *Processor {
	if store == nil {
		panic("task store is required")
	}
	if news == nil {
		panic("news client is required")
	}
	if articleFetcher == nil {
		panic("article fetcher is required")
	}
	if llm == nil {
		panic("llm client is required")
	}
	if contentFilter == nil {
		contentFilter = filter.Noop{}
	}

	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.StoryLimit <= 0 {
		config.StoryLimit = defaults.StoryLimit
	}
	if config.CommentLimit <= 0 {
		config.CommentLimit = defaults.CommentLimit
	}
	if config.TimeWindowHours <= 0 {
		config.TimeWindowHours = defaults.TimeWindowHours
	}

	return &Processor{
		store:      store,
		news:       news,
		fetcher:    articleFetcher,
		llm:        llm,
		publishers: publishers,
		filter:     contentFilter,
		config:     config,
	}
}

// FetchList builds the day's workload: the top stories from the previous UTC
// day, filtered, ranked by score and stored pending. One LLM batch call
// pre-translates every title; if that call fails in any way the titles stay
// null and are translated inline during processing.
func (p *Processor) FetchList(ctx context.Context, task *db.DailyTask, meter *budget.Meter) error {
	span := sentry.StartSpan(ctx, "tasks.fetch_list")
	defer span.Finish()
	span.SetTag("task_date", task.TaskDate)

	if err := p.config.Budget.AssertWithinBudget(fetchListPlannedCalls); err != nil {
		return err
	}

	window := hackernews.WindowBefore(time.Now().UTC(), p.config.TimeWindowHours)
	meter.Inc()
	stories, err := p.news.FetchStories(ctx, window, p.config.StoryLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch story list: %w", err)
	}

	stories = p.filter.Apply(stories)
	titles := p.translateAllTitles(ctx, stories, meter)

	articles := make([]db.Article, 0, len(stories))
	for i, story := range stories {
		article := db.Article{
			StoryID:       story.ID,
			Rank:          i + 1,
			URL:           story.URL,
			TitleEn:       story.Title,
			Score:         story.Points,
			PublishedTime: story.CreatedAt.Unix(),
		}
		if titles != nil {
			if title := strings.TrimSpace(titles[i]); title != "" {
				article.TitleZh = &title
			}
		}
		articles = append(articles, article)
	}

	if err := p.store.BulkInsertArticles(ctx, task.TaskDate, articles); err != nil {
		if !errors.Is(err, db.ErrDuplicateTask) {
			return fmt.Errorf("failed to store article list: %w", err)
		}
		// An earlier tick stored the list but died before the phase advance;
		// fall through and advance now.
		log.Warn().
			Str("task_date", task.TaskDate).
			Msg("Article list already stored, resuming phase advance")
	}

	if task.Phase == db.PhaseInit {
		if err := p.store.AdvancePhase(ctx, task.TaskDate, db.PhaseInit, db.PhaseListFetched); err != nil {
			if errors.Is(err, db.ErrPhaseMismatch) {
				log.Debug().Str("task_date", task.TaskDate).Msg("Another tick advanced the task first")
				return nil
			}
			return err
		}
	}

	log.Info().
		Str("task_date", task.TaskDate).
		Int("stories", len(articles)).
		Time("window_start", window.Start).
		Time("window_end", window.End).
		Msg("Fetched daily story list")

	return nil
}

// translateAllTitles fills every title in one batch call. Returns nil on any
// failure or shape mismatch so the caller leaves titles untranslated.
func (p *Processor) translateAllTitles(ctx context.Context, stories []hackernews.Story, meter *budget.Meter) []string {
	if len(stories) == 0 {
		return nil
	}

	titles := make([]string, len(stories))
	for i, story := range stories {
		titles[i] = story.Title
	}

	meter.Inc()
	translated, err := p.llm.TranslateTitles(ctx, titles)
	if err != nil || len(translated) != len(titles) {
		log.Warn().
			Err(err).
			Int("titles", len(titles)).
			Int("translated", len(translated)).
			Msg("Batch title translation failed, deferring to inline translation")
		return nil
	}
	return translated
}

// ProcessBatch claims up to batchSize articles and enriches them in parallel.
// An empty claim either means another tick holds a live batch (skip) or that
// nothing is left to do, which advances the task to aggregating.
func (p *Processor) ProcessBatch(ctx context.Context, task *db.DailyTask, meter *budget.Meter) error {
	span := sentry.StartSpan(ctx, "tasks.process_batch")
	defer span.Finish()
	span.SetTag("task_date", task.TaskDate)

	if err := p.config.Budget.AssertWithinBudget(p.config.Budget.EstimateCalls(p.config.BatchSize)); err != nil {
		return err
	}

	claimed, err := p.store.ClaimPendingBatch(ctx, task.TaskDate, p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim batch: %w", err)
	}

	if len(claimed) == 0 {
		return p.finishProcessing(ctx, task)
	}

	if task.Phase == db.PhaseListFetched {
		err := p.store.AdvancePhase(ctx, task.TaskDate, db.PhaseListFetched, db.PhaseProcessing)
		if err != nil && !errors.Is(err, db.ErrPhaseMismatch) {
			return err
		}
	}

	start := time.Now()
	updates := p.enrichBatch(ctx, claimed, meter)

	if err := p.store.CompleteArticles(ctx, task.TaskDate, updates); err != nil {
		return fmt.Errorf("failed to write batch outcomes: %w", err)
	}

	completed, failed := 0, 0
	firstErr := ""
	for _, update := range updates {
		if update.Status == db.ArticleStatusCompleted {
			completed++
		} else {
			failed++
			if firstErr == "" {
				firstErr = update.ErrorMessage
			}
		}
	}

	duration := time.Since(start)
	rec := db.BatchRecord{
		TaskDate:        task.TaskDate,
		ArticleCount:    len(claimed),
		SubrequestCount: meter.Used(),
		DurationMs:      duration.Milliseconds(),
		Status:          batchStatus(completed, failed),
	}
	if failed > 0 {
		msg := fmt.Sprintf("%d of %d articles failed: %s", failed, len(claimed), firstErr)
		rec.ErrorMessage = &msg
	}

	if err := p.store.RecordBatch(ctx, rec); err != nil {
		// Batch records are observability; losing one does not undo the
		// processed work.
		log.Error().Err(err).Str("task_date", task.TaskDate).Msg("Failed to record batch")
	}

	observability.RecordBatch(ctx, observability.BatchMetrics{
		Status:      string(rec.Status),
		Articles:    len(claimed),
		Subrequests: meter.Used(),
		Duration:    duration,
	})

	log.Info().
		Str("task_date", task.TaskDate).
		Int("claimed", len(claimed)).
		Int("completed", completed).
		Int("failed", failed).
		Int("subrequests", meter.Used()).
		Dur("duration", duration).
		Msg("Processed batch")

	return nil
}

func batchStatus(completed, failed int) db.BatchStatus {
	switch {
	case failed == 0:
		return db.BatchStatusSuccess
	case completed == 0:
		return db.BatchStatusFailed
	default:
		return db.BatchStatusPartial
	}
}

// finishProcessing decides what an empty claim means. While pending or live
// processing rows remain the batch belongs to another tick and this one just
// skips; once every row is resolved the task moves to aggregating.
func (p *Processor) finishProcessing(ctx context.Context, task *db.DailyTask) error {
	progress, err := p.store.GetProgress(ctx, task.TaskDate)
	if err != nil {
		return fmt.Errorf("failed to check task progress: %w", err)
	}

	if progress.Articles.Pending > 0 || progress.Articles.Processing > 0 {
		log.Debug().
			Str("task_date", task.TaskDate).
			Int("pending", progress.Articles.Pending).
			Int("processing", progress.Articles.Processing).
			Msg("Batch in flight elsewhere, skipping tick")
		return nil
	}

	if err := p.store.AdvancePhase(ctx, task.TaskDate, task.Phase, db.PhaseAggregating); err != nil {
		if errors.Is(err, db.ErrPhaseMismatch) {
			log.Debug().Str("task_date", task.TaskDate).Msg("Another tick advanced the task first")
			return nil
		}
		return err
	}

	log.Info().
		Str("task_date", task.TaskDate).
		Int("completed", progress.Articles.Completed).
		Int("failed", progress.Articles.Failed).
		Msg("All batches processed, task ready to aggregate")

	return nil
}

// enrichBatch runs the per-article pipeline in parallel, bounded by the batch
// size. Every claimed article resolves to exactly one update; a failure never
// aborts the rest of the batch.
func (p *Processor) enrichBatch(ctx context.Context, claimed []db.Article, meter *budget.Meter) []db.ArticleUpdate {
	updates := make([]db.ArticleUpdate, len(claimed))

	var g errgroup.Group
	g.SetLimit(p.config.BatchSize)
	for i, article := range claimed {
		g.Go(func() error {
			updates[i] = p.enrichArticle(ctx, article, meter)
			return nil
		})
	}
	_ = g.Wait()

	return updates
}

// enrichArticle runs one article through fetch, comment lookup, translation
// and summarisation. The outcome is a value, never an error: any failed step
// turns into a failed update with a concise stage-prefixed message.
func (p *Processor) enrichArticle(ctx context.Context, article db.Article, meter *budget.Meter) db.ArticleUpdate {
	ctx, span := observability.StartArticleSpan(ctx, observability.ArticleSpanInfo{
		TaskDate: article.TaskDate,
		StoryID:  article.StoryID,
		Rank:     article.Rank,
		URL:      article.URL,
	})
	defer span.End()

	update := db.ArticleUpdate{ID: article.ID}
	fail := func(stage string, err error) db.ArticleUpdate {
		log.Warn().
			Err(err).
			Str("task_date", article.TaskDate).
			Int64("story_id", article.StoryID).
			Str("stage", stage).
			Msg("Article enrichment failed")
		update.Status = db.ArticleStatusFailed
		update.ErrorMessage = fmt.Sprintf("%s: %v", stage, err)
		return update
	}

	meter.Inc()
	content, err := p.fetcher.Fetch(ctx, article.URL)
	if err != nil {
		return fail("fetch", err)
	}

	meter.Inc()
	comments, err := p.news.FetchComments(ctx, article.StoryID, p.config.CommentLimit)
	if err != nil {
		return fail("comments", err)
	}

	titleZh := ""
	if article.TitleZh != nil {
		titleZh = strings.TrimSpace(*article.TitleZh)
	}
	if titleZh == "" {
		meter.Inc()
		titleZh, err = p.llm.TranslateTitle(ctx, article.TitleEn)
		if err != nil {
			return fail("translate", err)
		}
	}

	meter.Inc()
	contentSummary, err := p.llm.SummariseArticle(ctx, article.TitleEn, content.Text)
	if err != nil {
		return fail("summarise article", err)
	}

	// A story with no comments completes without a comment summary; the
	// digest simply omits the block.
	commentSummary := ""
	if len(comments) > 0 {
		texts := make([]string, len(comments))
		for i, comment := range comments {
			texts[i] = comment.Text
		}
		meter.Inc()
		commentSummary, err = p.llm.SummariseComments(ctx, article.TitleEn, texts)
		if err != nil {
			return fail("summarise comments", err)
		}
	}

	update.Status = db.ArticleStatusCompleted
	update.TitleZh = titleZh
	update.ContentSummaryZh = contentSummary
	update.CommentSummaryZh = commentSummary
	return update
}

// Aggregate publishes the finished day. It only runs once every article is
// resolved; a publisher failure leaves the phase alone so the next tick
// simply tries again.
func (p *Processor) Aggregate(ctx context.Context, task *db.DailyTask, meter *budget.Meter) error {
	span := sentry.StartSpan(ctx, "tasks.aggregate")
	defer span.Finish()
	span.SetTag("task_date", task.TaskDate)

	if err := p.config.Budget.AssertWithinBudget(len(p.publishers)); err != nil {
		return err
	}

	if task.Completed+task.Failed != task.Total {
		return fmt.Errorf("task %s is not fully resolved: completed=%d failed=%d total=%d",
			task.TaskDate, task.Completed, task.Failed, task.Total)
	}

	return p.publishDigest(ctx, task.TaskDate, meter)
}

// ForcePublish publishes whatever is completed right now, skipping the
// fully-resolved gate. Used by the manual control endpoint.
func (p *Processor) ForcePublish(ctx context.Context, date string, meter *budget.Meter) error {
	span := sentry.StartSpan(ctx, "tasks.force_publish")
	defer span.Finish()
	span.SetTag("task_date", date)

	return p.publishDigest(ctx, date, meter)
}

func (p *Processor) publishDigest(ctx context.Context, date string, meter *budget.Meter) error {
	articles, err := p.store.ListCompleted(ctx, date)
	if err != nil {
		return fmt.Errorf("failed to load completed articles: %w", err)
	}
	if len(articles) == 0 {
		return fmt.Errorf("%w: %s", ErrNoCompletedArticles, date)
	}

	doc, err := buildDocument(date, articles)
	if err != nil {
		return err
	}

	for _, pub := range p.publishers {
		meter.Inc()
		if err := pub.Publish(ctx, doc); err != nil {
			return fmt.Errorf("publisher %s failed: %w", pub.Name(), err)
		}
	}

	if err := p.store.MarkPublished(ctx, date); err != nil {
		return fmt.Errorf("failed to mark task published: %w", err)
	}

	log.Info().
		Str("task_date", date).
		Str("digest", doc.Filename()).
		Int("articles", len(articles)).
		Int("publishers", len(p.publishers)).
		Msg("Published daily digest")

	return nil
}

// buildDocument maps completed store rows into the rendered digest document.
// The digest date is the day the stories were published, one day before the
// task date.
func buildDocument(date string, rows []db.Article) (*digest.Document, error) {
	digestDate, err := digest.DigestDateFor(date)
	if err != nil {
		return nil, err
	}

	doc := &digest.Document{DigestDate: digestDate}
	for _, row := range rows {
		article := digest.Article{
			Rank:          row.Rank,
			TitleEn:       row.TitleEn,
			URL:           row.URL,
			PublishedTime: time.Unix(row.PublishedTime, 0).UTC(),
		}
		if row.TitleZh != nil {
			article.TitleZh = *row.TitleZh
		}
		if row.ContentSummaryZh != nil {
			article.ContentSummaryZh = *row.ContentSummaryZh
		}
		if row.CommentSummaryZh != nil {
			article.CommentSummaryZh = *row.CommentSummaryZh
		}
		doc.Articles = append(doc.Articles, article)
	}

	return doc, nil
}
