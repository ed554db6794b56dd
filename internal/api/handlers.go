package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/birdsonghq/dawn-chorus/internal/budget"
	"github.com/birdsonghq/dawn-chorus/internal/db"
	"github.com/birdsonghq/dawn-chorus/internal/digest"
	"github.com/birdsonghq/dawn-chorus/internal/tasks"
)

// Version is the application version, set at build time via ldflags
var Version = "dev"

// StoreInterface defines the task store operations the control API depends on
type StoreInterface interface {
	GetProgress(ctx context.Context, date string) (*db.TaskProgress, error)
	RetryFailed(ctx context.Context, date string) (int, error)
	NotifyTick(ctx context.Context, date string)
}

// ProcessorInterface exposes the out-of-band publish path
type ProcessorInterface interface {
	ForcePublish(ctx context.Context, date string, meter *budget.Meter) error
}

// DriverInterface runs a single scheduler pass on demand
type DriverInterface interface {
	Run(ctx context.Context, date string) error
}

// DBClient provides access to the underlying database for health checks
type DBClient interface {
	GetDB() *sql.DB
}

// Handler holds dependencies for the control API
type Handler struct {
	Store     StoreInterface
	Processor ProcessorInterface
	Driver    DriverInterface
	DB        DBClient

	// AuthToken guards the mutating endpoints when non-empty.
	AuthToken string
}

// NewHandler creates a new API handler with the given dependencies
func NewHandler(store StoreInterface, processor ProcessorInterface, driver DriverInterface, dbClient DBClient) *Handler {
	return &Handler{
		Store:     store,
		Processor: processor,
		Driver:    driver,
		DB:        dbClient,
	}
}

// SetupRoutes registers all API routes on the given mux
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health endpoints
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	// Task control endpoints
	mux.HandleFunc("/status", h.StatusHandler)
	mux.Handle("/retry", h.requireAuth(http.HandlerFunc(h.RetryHandler)))
	mux.Handle("/force-publish", h.requireAuth(http.HandlerFunc(h.ForcePublishHandler)))
	mux.Handle("/trigger", h.requireAuth(http.HandlerFunc(h.TriggerHandler)))
}

// HealthCheck returns service liveness
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteHealthy(w, r, "dawn-chorus", Version)
}

// DatabaseHealthCheck verifies database connectivity
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sqlDB := h.DB.GetDB()
	if sqlDB == nil {
		WriteUnhealthy(w, r, "database", errors.New("database not initialised"))
		return
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		WriteUnhealthy(w, r, "database", err)
		return
	}

	WriteHealthy(w, r, "database", Version)
}

// StatusHandler reports the phase and article progress for a task date.
// GET /status?date=YYYY-MM-DD, defaulting to today's task.
func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	progress, err := h.Store.GetProgress(r.Context(), date)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			NotFound(w, r, fmt.Sprintf("No task found for %s", date))
			return
		}
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, progress, "")
}

// RetryHandler requeues a date's failed articles and nudges the scheduler so
// the next pass picks them up straight away.
// POST /retry?date=YYYY-MM-DD, defaulting to today's task.
func (h *Handler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	requeued, err := h.Store.RetryFailed(r.Context(), date)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	if requeued > 0 {
		h.Store.NotifyTick(r.Context(), date)
	}

	logger := loggerWithRequest(r)
	logger.Info().
		Str("task_date", date).
		Int("requeued", requeued).
		Msg("Requeued failed articles")

	WriteSuccess(w, r, map[string]interface{}{
		"date":     date,
		"requeued": requeued,
	}, "Failed articles requeued")
}

// ForcePublishHandler publishes whatever has completed for the date, skipping
// the all-resolved gate. Refuses to publish an empty digest.
// POST /force-publish?date=YYYY-MM-DD, defaulting to today's task.
func (h *Handler) ForcePublishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	meter := budget.NewMeter()
	if err := h.Processor.ForcePublish(r.Context(), date, meter); err != nil {
		if errors.Is(err, tasks.ErrNoCompletedArticles) {
			BadRequest(w, r, fmt.Sprintf("Nothing to publish for %s: no completed articles", date))
			return
		}
		InternalError(w, r, err)
		return
	}

	logger := loggerWithRequest(r)
	logger.Info().
		Str("task_date", date).
		Int("subrequests", meter.Used()).
		Msg("Force-published digest")

	WriteSuccess(w, r, map[string]interface{}{
		"date":        date,
		"subrequests": meter.Used(),
	}, "Digest published")
}

// TriggerHandler runs one driver pass synchronously, exactly as a scheduler
// tick would. POST /trigger?date=YYYY-MM-DD, defaulting to today's task.
func (h *Handler) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	if err := h.Driver.Run(r.Context(), date); err != nil {
		InternalError(w, r, err)
		return
	}

	// The tick itself succeeded; the progress read is informational.
	progress, err := h.Store.GetProgress(r.Context(), date)
	if err != nil {
		WriteSuccess(w, r, map[string]interface{}{"date": date}, "Tick completed")
		return
	}

	WriteSuccess(w, r, progress, "Tick completed")
}

// dateParam reads the optional date query parameter, defaulting to today's
// task date in UTC. Writes a 400 and returns false on a malformed value.
func dateParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := r.URL.Query().Get("date")
	if date == "" {
		return tasks.TaskDate(time.Now()), true
	}

	if _, err := time.Parse(digest.DateLayout, date); err != nil {
		BadRequest(w, r, fmt.Sprintf("Invalid date %q, expected YYYY-MM-DD", date))
		return "", false
	}

	return date, true
}
