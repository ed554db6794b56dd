package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	// If we have a DatabaseURL, use it directly
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	// Otherwise use the individual components
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	// Validate required fields
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	// Set defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	// Statement timeout so no query outlives a tick window
	client, err := sql.Open("pgx", AugmentDSNWithTimeout(config.ConnectionString(), 30000))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	// Test connection
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Initialise schema
	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables.
// DATABASE_URL takes precedence; otherwise the POSTGRES_* components are used.
func InitFromEnv() (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	// Use defaults if not set
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "dawn_chorus"
	}

	return New(config)
}

// setupSchema creates the daily task, article and batch tables.
// Timestamps are stored as Unix seconds so comparisons in claim queries are
// plain integer arithmetic.
func setupSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS daily_tasks (
			task_date TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			published_at BIGINT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create daily_tasks table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS articles (
			id BIGSERIAL PRIMARY KEY,
			task_date TEXT NOT NULL REFERENCES daily_tasks(task_date),
			story_id BIGINT NOT NULL,
			rank INTEGER NOT NULL,
			url TEXT NOT NULL,
			title_en TEXT NOT NULL,
			title_zh TEXT,
			score INTEGER NOT NULL DEFAULT 0,
			published_time BIGINT NOT NULL DEFAULT 0,
			content_summary_zh TEXT,
			comment_summary_zh TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE(task_date, story_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create articles table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS task_batches (
			id BIGSERIAL PRIMARY KEY,
			task_date TEXT NOT NULL REFERENCES daily_tasks(task_date),
			batch_index INTEGER NOT NULL,
			article_count INTEGER NOT NULL,
			subrequest_count INTEGER NOT NULL,
			duration_ms BIGINT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at BIGINT NOT NULL,
			UNIQUE(task_date, batch_index)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create task_batches table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_articles_date_status ON articles(task_date, status)`)
	if err != nil {
		return fmt.Errorf("failed to create article date/status index: %w", err)
	}

	// Optimised index for batch claiming: pending rows in rank order
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_articles_pending_claim_order ON articles (task_date, rank) WHERE status = 'pending'`)
	if err != nil {
		return fmt.Errorf("failed to create pending claim index: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_daily_tasks_phase ON daily_tasks(phase)`)
	if err != nil {
		return fmt.Errorf("failed to create daily task phase index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}

// Serialise converts data to JSON string representation.
// It is named with British English spelling for consistency.
func Serialise(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialise data")
		return "{}"
	}
	return string(data)
}
