package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// TickChannel is the Postgres notification channel the scheduler listens on.
// Control operations fire a notification here so a waiting scheduler reacts
// immediately instead of at the next cron boundary.
const TickChannel = "digest_ticks"

// NotifyTick nudges the scheduler for a date. Delivery is best effort: a
// missed notification just means the work waits for the next timer tick, so
// failures are logged and swallowed.
func (s *Store) NotifyTick(ctx context.Context, date string) {
	err := s.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, TickChannel, date)
		if err != nil {
			return fmt.Errorf("failed to notify tick: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("task_date", date).Msg("Tick notification failed")
	}
}
