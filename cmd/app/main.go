package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"runtime/trace"

	"github.com/birdsonghq/dawn-chorus/internal/api"
	"github.com/birdsonghq/dawn-chorus/internal/budget"
	"github.com/birdsonghq/dawn-chorus/internal/db"
	"github.com/birdsonghq/dawn-chorus/internal/fetcher"
	"github.com/birdsonghq/dawn-chorus/internal/filter"
	"github.com/birdsonghq/dawn-chorus/internal/hackernews"
	"github.com/birdsonghq/dawn-chorus/internal/llm"
	"github.com/birdsonghq/dawn-chorus/internal/observability"
	"github.com/birdsonghq/dawn-chorus/internal/publish"
	"github.com/birdsonghq/dawn-chorus/internal/tasks"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port      string // HTTP port to listen on
	Env       string // Environment (development/production)
	SentryDSN string // Sentry DSN for error tracking
	LogLevel  string // Log level (debug, info, warn, error)

	FlightRecorderEnabled bool   // Flight recorder for performance debugging
	ObservabilityEnabled  bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr           string // Address for Prometheus metrics endpoint (":9090" style)
	OTLPEndpoint          string // OTLP HTTP endpoint for trace export
	OTLPHeaders           string // Comma separated headers for OTLP exporter
	OTLPInsecure          bool   // Disable TLS verification for OTLP exporter

	BatchSize         int           // Articles claimed per scheduler pass
	MaxRetryCount     int           // Retry ceiling per article
	SubrequestLimit   int           // Outbound-call ceiling per pass
	SubrequestBuffer  int           // Reserved margin under the ceiling
	CronInterval      time.Duration // Scheduler cadence
	ProcessingTimeout time.Duration // Stuck-processing reclaim threshold
	StoryLimit        int           // Target stories per day
	TimeWindowHours   int           // Candidate age ceiling
	ContentFilterLvl  string        // off, low, medium or high

	APIAuthToken string // Optional bearer token for mutating endpoints
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	// Load configuration
	config := &Config{
		Port:                  getEnvWithDefault("PORT", "8080"),
		Env:                   getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:             os.Getenv("SENTRY_DSN"),
		LogLevel:              getEnvWithDefault("LOG_LEVEL", "info"),
		FlightRecorderEnabled: getEnvWithDefault("FLIGHT_RECORDER_ENABLED", "false") == "true",
		ObservabilityEnabled:  getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:           getEnvWithDefault("METRICS_ADDRESS", ":9090"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:           os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:          getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",

		BatchSize:         getEnvInt("TASK_BATCH_SIZE", 6),
		MaxRetryCount:     getEnvInt("MAX_RETRY_COUNT", 3),
		SubrequestLimit:   getEnvInt("SUBREQUEST_LIMIT", 50),
		SubrequestBuffer:  getEnvInt("SUBREQUEST_BUFFER", 20),
		CronInterval:      time.Duration(getEnvInt("CRON_INTERVAL_MINUTES", 10)) * time.Minute,
		ProcessingTimeout: time.Duration(getEnvInt("PROCESSING_TIMEOUT_SECONDS", 300)) * time.Second,
		StoryLimit:        getEnvInt("HN_STORY_LIMIT", 30),
		TimeWindowHours:   getEnvInt("HN_TIME_WINDOW_HOURS", 24),
		ContentFilterLvl:  os.Getenv("CONTENT_FILTER_LEVEL"),

		APIAuthToken: os.Getenv("API_AUTH_TOKEN"),
	}

	// Start flight recorder if enabled
	if config.FlightRecorderEnabled {
		f, err := os.Create("trace.out")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create trace file")
		}

		if err := trace.Start(f); err != nil {
			log.Fatal().Err(err).Msg("failed to start flight recorder")
		}
		log.Info().Msg("Flight recorder enabled, writing to trace.out")

		// Defer closing the trace and the file to the shutdown sequence
		defer func() {
			trace.Stop()
			f.Close()
			log.Info().Msg("Flight recorder stopped and trace file closed.")
		}()
	}

	setupLogging(config)

	// Reject a batch size the subrequest budget cannot cover before anything
	// else starts.
	budgetCfg := budget.DefaultConfig()
	budgetCfg.SubrequestLimit = config.SubrequestLimit
	budgetCfg.SubrequestBuffer = config.SubrequestBuffer

	if err := budgetCfg.ValidateBatchSize(config.BatchSize); err != nil {
		log.Fatal().Err(err).
			Int("batch_size", config.BatchSize).
			Int("subrequest_limit", config.SubrequestLimit).
			Int("subrequest_buffer", config.SubrequestBuffer).
			Msg("Invalid task batch size")
	}

	contentFilter, err := filter.FromLevel(config.ContentFilterLvl)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid content filter level")
	}

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			// Ensure Sentry flushes before application exits
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
	)

	if config.ObservabilityEnabled {
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "dawn-chorus",
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              config.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	// Connect to PostgreSQL
	pgDB, err := db.InitFromEnvWithRetry(context.Background())
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	store := db.NewStore(pgDB.GetDB(),
		db.WithProcessingTimeout(config.ProcessingTimeout),
		db.WithMaxRetries(config.MaxRetryCount),
	)

	// Upstream clients
	hn := hackernews.New(os.Getenv("HN_SEARCH_URL"))

	fetcherCfg := fetcher.DefaultConfig()
	fetcherCfg.RenderAPIURL = os.Getenv("RENDER_API_URL")
	fetcherCfg.RenderAPIToken = os.Getenv("RENDER_API_TOKEN")
	articleFetcher := fetcher.New(fetcherCfg)

	llmCfg := llm.DefaultConfig()
	llmCfg.BaseURL = os.Getenv("LLM_API_URL")
	llmCfg.APIKey = os.Getenv("LLM_API_KEY")
	if model := os.Getenv("LLM_MODEL"); model != "" {
		llmCfg.Model = model
	}
	if rps := getEnvInt("LLM_RATE_LIMIT_RPS", 0); rps > 0 {
		llmCfg.RequestsPerSecond = float64(rps)
	}
	if llmCfg.APIKey == "" {
		log.Warn().Msg("LLM API key not configured, summarisation will fail")
	}
	llmClient := llm.New(llmCfg)

	publishers := buildPublishers()
	if len(publishers) == 0 {
		if config.Env == "production" {
			log.Fatal().Msg("No publishers configured, set GITHUB_TOKEN or SLACK_TOKEN")
		}
		log.Warn().Msg("No publishers configured, digests will be marked published without delivery")
	}

	tasksCfg := tasks.Config{
		BatchSize:       config.BatchSize,
		StoryLimit:      config.StoryLimit,
		CommentLimit:    getEnvInt("HN_COMMENT_LIMIT", hackernews.DefaultCommentLimit),
		TimeWindowHours: config.TimeWindowHours,
		Budget:          budgetCfg,
	}

	processor := tasks.NewProcessor(store, hn, articleFetcher, llmClient, publishers, contentFilter, tasksCfg)
	driver := tasks.NewDriver(store, processor)

	scheduler := tasks.NewScheduler(driver, config.CronInterval, pgDB.GetConfig().ConnectionString())
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	// Create API handler with dependencies
	apiHandler := api.NewHandler(store, processor, driver, pgDB)
	apiHandler.AuthToken = config.APIAuthToken

	// Create HTTP multiplexer
	mux := http.NewServeMux()

	// Setup API routes
	apiHandler.SetupRoutes(mux)

	// Create a rate limiter
	limiter := api.NewRateLimiter(rate.Limit(10), 20)

	// Add middleware in reverse order (outermost first)
	var handler http.Handler = limiter.Middleware(mux)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = observability.WrapHandler(handler, obsProviders)

	// Create a new HTTP server
	server := &http.Server{
		Addr:    ":" + config.Port,
		Handler: handler,
	}

	// Channel to listen for termination signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal when the server has shut down
	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")

		// Create shutdown context with timeout
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

		defer cancel()

		// Stop accepting new requests
		if err := server.Shutdown(ctx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	// Start the server
	log.Info().Str("port", config.Port).Msg("Starting server")

	// Print helpful development URLs
	baseURL := fmt.Sprintf("http://localhost:%s", config.Port)
	log.Info().Msg("🌅 Dawn Chorus ready")
	log.Info().Str("health", baseURL+"/health").Msg("Health check")
	log.Info().Str("status", baseURL+"/status").Msg("Task status")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done // Wait for the shutdown process to complete
	log.Info().Msg("Server stopped")
}

// buildPublishers assembles the configured digest destinations. Each publisher
// is optional; misconfigured ones are fatal rather than silently skipped.
func buildPublishers() []publish.Publisher {
	var publishers []publish.Publisher

	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		owner, repo, ok := strings.Cut(os.Getenv("GITHUB_REPO"), "/")
		if !ok || owner == "" || repo == "" {
			log.Fatal().Msg("GITHUB_REPO must be set as owner/name when GITHUB_TOKEN is configured")
		}

		publishers = append(publishers, publish.NewGitHubPublisher(&publish.GitHubConfig{
			Token:      token,
			Owner:      owner,
			Repo:       repo,
			Branch:     os.Getenv("GITHUB_BRANCH"),
			PathPrefix: getEnvWithDefault("GITHUB_CONTENT_DIR", "_posts"),
		}))
		log.Info().Str("repo", owner+"/"+repo).Msg("GitHub publisher enabled")
	}

	if token := os.Getenv("SLACK_TOKEN"); token != "" {
		channel := os.Getenv("SLACK_CHANNEL_ID")
		if channel == "" {
			log.Fatal().Msg("SLACK_CHANNEL_ID is required when SLACK_TOKEN is configured")
		}

		publishers = append(publishers, publish.NewSlackPublisher(token, channel))
		log.Info().Str("channel", channel).Msg("Slack publisher enabled")
	}

	return publishers
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	// Configure log level
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		// In production, use JSON logs with a service tag
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "dawn-chorus").
			Logger()
	}
}
