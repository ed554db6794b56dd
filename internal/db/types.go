package db

import "errors"

// Phase is the lifecycle state of a DailyTask. Phases advance monotonically;
// the only repeated entry is aggregating retrying after a publisher failure.
type Phase string

const (
	PhaseInit        Phase = "init"
	PhaseListFetched Phase = "list_fetched"
	PhaseProcessing  Phase = "processing"
	PhaseAggregating Phase = "aggregating"
	PhasePublished   Phase = "published"
	PhaseArchived    Phase = "archived"
)

// ArticleStatus tracks a single article through enrichment.
// Transitions: pending → processing → {completed, failed}; failed → pending
// only through the retry control.
type ArticleStatus string

const (
	ArticleStatusPending    ArticleStatus = "pending"
	ArticleStatusProcessing ArticleStatus = "processing"
	ArticleStatusCompleted  ArticleStatus = "completed"
	ArticleStatusFailed     ArticleStatus = "failed"
)

// BatchStatus summarises the outcome of one processed batch.
type BatchStatus string

const (
	BatchStatusSuccess BatchStatus = "success"
	BatchStatusPartial BatchStatus = "partial"
	BatchStatusFailed  BatchStatus = "failed"
)

var (
	// ErrPhaseMismatch is returned by AdvancePhase when the task is no longer
	// in the expected phase (a concurrent tick won the transition).
	ErrPhaseMismatch = errors.New("task phase mismatch")

	// ErrStatusMismatch is returned by CompleteArticles when a row is not in
	// processing status (claim expired and another tick took it over).
	ErrStatusMismatch = errors.New("article status mismatch")

	// ErrDuplicateTask is returned by BulkInsertArticles when articles
	// already exist for the date.
	ErrDuplicateTask = errors.New("articles already exist for task date")
)

// DailyTask is one row per UTC calendar day
type DailyTask struct {
	TaskDate    string `json:"task_date"`
	Phase       Phase  `json:"phase"`
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	PublishedAt *int64 `json:"published_at,omitempty"`
}

// Article is one row per story in a day's workload
type Article struct {
	ID               int64         `json:"id"`
	TaskDate         string        `json:"task_date"`
	StoryID          int64         `json:"story_id"`
	Rank             int           `json:"rank"`
	URL              string        `json:"url"`
	TitleEn          string        `json:"title_en"`
	TitleZh          *string       `json:"title_zh,omitempty"`
	Score            int           `json:"score"`
	PublishedTime    int64         `json:"published_time"`
	ContentSummaryZh *string       `json:"content_summary_zh,omitempty"`
	CommentSummaryZh *string       `json:"comment_summary_zh,omitempty"`
	Status           ArticleStatus `json:"status"`
	ErrorMessage     *string       `json:"error_message,omitempty"`
	RetryCount       int           `json:"retry_count"`
	CreatedAt        int64         `json:"created_at"`
	UpdatedAt        int64         `json:"updated_at"`
}

// ArticleUpdate carries one enrichment outcome back to the store. For a
// completed article all three outputs must be non-empty; for a failed one
// only ErrorMessage is written and any pre-translated title is kept.
type ArticleUpdate struct {
	ID               int64
	Status           ArticleStatus
	TitleZh          string
	ContentSummaryZh string
	CommentSummaryZh string
	ErrorMessage     string
}

// BatchRecord is the append-only observability row for one executed batch
type BatchRecord struct {
	ID              int64       `json:"id"`
	TaskDate        string      `json:"task_date"`
	BatchIndex      int         `json:"batch_index"`
	ArticleCount    int         `json:"article_count"`
	SubrequestCount int         `json:"subrequest_count"`
	DurationMs      int64       `json:"duration_ms"`
	Status          BatchStatus `json:"status"`
	ErrorMessage    *string     `json:"error_message,omitempty"`
	CreatedAt       int64       `json:"created_at"`
}

// StatusCounts is the per-status article breakdown for a date
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// TaskProgress is the read model served by the status endpoint
type TaskProgress struct {
	Task     DailyTask     `json:"task"`
	Articles StatusCounts  `json:"articles"`
	Batches  []BatchRecord `json:"recent_batches"`
}
