// Package scheduler implements background tasks for Adjutant: the
// periodic watch commands and daily command-history pruning.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adjutant-project/adjutant/internal/config"
	"github.com/adjutant-project/adjutant/internal/events"
	"github.com/adjutant-project/adjutant/internal/history"
)

// Executor runs one console command; satisfied by the console manager.
type Executor interface {
	Execute(ctx context.Context, serverName, command string) (string, error)
	Names() []string
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.Bus
	console  Executor
	store    *history.Store // nil disables pruning
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, eventBus *events.Bus, console Executor, store *history.Store) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		console:  console,
		store:    store,
	}
}

// Start begins running all scheduled tasks and blocks until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	data := s.cfg.GetApplicationData()

	if data.Watch.Enabled && len(data.Watch.Commands) > 0 {
		go s.runWatchLoop(ctx)
	}

	if s.store != nil && data.History.RetentionDays > 0 {
		go s.runPruneLoop(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runWatchLoop executes the configured watch commands on every
// server at the configured interval.
func (s *Scheduler) runWatchLoop(ctx context.Context) {
	data := s.cfg.GetApplicationData()

	interval := time.Duration(data.Watch.IntervalSec) * time.Second
	if interval < time.Second {
		interval = time.Second
	}

	log.Info().
		Dur("interval", interval).
		Strs("commands", data.Watch.Commands).
		Msg("watch loop scheduled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runWatch(ctx)
		}
	}
}

// runWatch performs one round of watch commands. Servers are polled
// sequentially; a down server costs one command timeout per round.
func (s *Scheduler) runWatch(ctx context.Context) {
	commands := s.cfg.GetApplicationData().Watch.Commands

	for _, server := range s.console.Names() {
		for _, command := range commands {
			start := time.Now()
			out, err := s.console.Execute(ctx, server, command)
			if err != nil {
				log.Warn().
					Err(err).
					Str("server", server).
					Str("command", command).
					Msg("watch command failed")
				continue
			}

			s.eventBus.Emit(ctx, events.Event{
				Type:   events.EventWatchResult,
				Source: "scheduler",
				Payload: events.WatchResultPayload{
					Server:     server,
					Command:    command,
					Response:   out,
					DurationMS: time.Since(start).Milliseconds(),
				},
			})
		}
	}
}

// runPruneLoop trims old history once at startup and daily after.
func (s *Scheduler) runPruneLoop(ctx context.Context) {
	s.runPrune()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPrune()
		}
	}
}

// runPrune deletes history entries older than the retention window.
func (s *Scheduler) runPrune() {
	retentionDays := s.cfg.GetApplicationData().History.RetentionDays
	retention := time.Duration(retentionDays) * 24 * time.Hour

	removed, err := s.store.Prune(retention)
	if err != nil {
		log.Warn().Err(err).Msg("history prune failed")
		return
	}

	log.Info().
		Int64("removed", removed).
		Int("retention_days", retentionDays).
		Msg("history pruned")
}
