package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCleanupAge      = 30 * 24 * time.Hour
	DefaultMaxMessages     = 500
	DefaultCleanupSchedule = "0 3 * * *" // daily at 03:00
)

// Cleanup deletes stale sessions and prunes over-long histories on a cron
// schedule.
type Cleanup struct {
	manager     *Manager
	cleanupAge  time.Duration
	maxMessages int
	schedule    string
	cron        *cron.Cron
}

// NewCleanup creates a cleanup handler for the manager.
func NewCleanup(manager *Manager, cleanupAge time.Duration) *Cleanup {
	if cleanupAge == 0 {
		cleanupAge = DefaultCleanupAge
	}

	return &Cleanup{
		manager:     manager,
		cleanupAge:  cleanupAge,
		maxMessages: DefaultMaxMessages,
		schedule:    DefaultCleanupSchedule,
	}
}

// SetSchedule overrides the cron schedule. Must be called before Start.
func (c *Cleanup) SetSchedule(schedule string) {
	c.schedule = schedule
}

// Start runs one cleanup pass and schedules the recurring ones.
func (c *Cleanup) Start() error {
	if c.cron != nil {
		return fmt.Errorf("cleanup is already running")
	}

	runner := cron.New()
	if _, err := runner.AddFunc(c.schedule, func() {
		if err := c.cleanupOldSessions(); err != nil {
			log.Error().Err(err).Msg("Failed to cleanup old sessions")
		}
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", c.schedule, err)
	}

	runner.Start()
	c.cron = runner

	go func() {
		if err := c.cleanupOldSessions(); err != nil {
			log.Error().Err(err).Msg("Failed to cleanup old sessions")
		}
	}()

	log.Info().
		Dur("cleanup_age", c.cleanupAge).
		Str("schedule", c.schedule).
		Msg("Session cleanup started")

	return nil
}

// Stop stops the cleanup schedule, waiting for a running pass to finish.
func (c *Cleanup) Stop() error {
	if c.cron == nil {
		return fmt.Errorf("cleanup is not running")
	}

	<-c.cron.Stop().Done()
	c.cron = nil

	log.Info().Msg("Session cleanup stopped")

	return nil
}

// cleanupOldSessions prunes every session and deletes the ones untouched for
// longer than cleanupAge.
func (c *Cleanup) cleanupOldSessions() error {
	ctx := context.Background()

	sessions, err := c.manager.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	now := time.Now()
	deleted := 0

	for _, sessionKey := range sessions {
		if err := c.manager.Prune(ctx, sessionKey, c.maxMessages); err != nil {
			log.Warn().
				Str("session_key", sessionKey).
				Err(err).
				Msg("Failed to prune session")
		}

		info, err := c.manager.Info(ctx, sessionKey)
		if err != nil {
			log.Warn().
				Str("session_key", sessionKey).
				Err(err).
				Msg("Failed to get session info")
			continue
		}

		lastModified, ok := info["lastModified"].(time.Time)
		if !ok {
			continue
		}

		age := now.Sub(lastModified)
		if age >= c.cleanupAge {
			if err := c.manager.Delete(ctx, sessionKey); err != nil {
				log.Error().
					Str("session_key", sessionKey).
					Err(err).
					Msg("Failed to delete session")
				continue
			}
			deleted++

			log.Debug().
				Str("session_key", sessionKey).
				Dur("age", age).
				Msg("Stale session deleted")
		}
	}

	if deleted > 0 {
		log.Info().
			Int("deleted", deleted).
			Msg("Cleaned up old sessions")
	}

	return nil
}

// IsRunning returns whether the cleanup schedule is active.
func (c *Cleanup) IsRunning() bool {
	return c.cron != nil
}

// SetMaxMessages sets max messages retained per session after pruning.
func (c *Cleanup) SetMaxMessages(maxMessages int) {
	c.maxMessages = maxMessages
}

// CleanupNow immediately runs one cleanup pass.
func (c *Cleanup) CleanupNow() error {
	return c.cleanupOldSessions()
}
