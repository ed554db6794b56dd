package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/birdsonghq/dawn-chorus/internal/db"
)

// DefaultInterval is the cron cadence between ticks.
const DefaultInterval = 10 * time.Minute

// Scheduler produces ticks: one immediately on start, one per interval, and
// one whenever a control endpoint nudges it through Postgres NOTIFY. Ticks
// are single flight; a nudge during a running tick is dropped because the
// running tick already observes the latest state.
type Scheduler struct {
	driver   *Driver
	interval time.Duration
	connStr  string

	stopCh   chan struct{}
	notifyCh chan struct{}
	wg       sync.WaitGroup
	stopping atomic.Bool
	ticking  atomic.Bool
}

// NewScheduler creates a scheduler for the driver. An empty connStr disables
// the LISTEN path and leaves only the timer cadence.
func NewScheduler(driver *Driver, interval time.Duration, connStr string) *Scheduler {
	if driver == nil {
		panic("task driver is required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Scheduler{
		driver:   driver,
		interval: interval,
		connStr:  connStr,
		stopCh:   make(chan struct{}),
		notifyCh: make(chan struct{}, 1),
	}
}

// Start launches the tick loop and, when configured, the notification
// listener.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Starting task scheduler")

	s.wg.Add(1)
	go s.run(ctx)

	if s.connStr != "" {
		s.wg.Add(1)
		go s.listenForTicks(ctx)
	}
}

// Stop stops the scheduler and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	log.Debug().Msg("Stopping task scheduler")
	close(s.stopCh)
	s.wg.Wait()
	log.Debug().Msg("Task scheduler stopped")
}

// Notify nudges the scheduler to tick soon (non-blocking).
func (s *Scheduler) Notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
		// Channel already has notification pending
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// First tick straight away so a restart resumes without waiting out the
	// interval.
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.notifyCh:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.stopping.Load() {
		return
	}
	if !s.ticking.CompareAndSwap(false, true) {
		log.Debug().Msg("Tick already running, skipping")
		return
	}
	defer s.ticking.Store(false)

	// The driver logs its own outcome.
	_ = s.driver.Tick(ctx)
}

func (s *Scheduler) listenForTicks(ctx context.Context) {
	defer s.wg.Done()

	// Configure listener with simple error handling
	listener := pq.NewListener(s.connStr,
		10*time.Second, // Min reconnect interval
		time.Minute,    // Max reconnect interval
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("Database notification error")
			}
		})

	err := listener.Listen(db.TickChannel)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start listening for tick notifications")
		return
	}

	// Ensure listener is closed when we're done
	defer listener.Close()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection dropped; pq reconnects on its own and the
				// timer keeps ticks flowing meanwhile.
				log.Warn().Msg("Tick listener connection lost")
				continue
			}
			s.Notify()
		case <-time.After(90 * time.Second):
			// Check connection is alive
			if err := listener.Ping(); err != nil {
				log.Error().Err(err).Msg("Tick listener ping failed")
			}
		}
	}
}
