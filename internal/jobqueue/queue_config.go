/*
Package jobqueue configuration - tunable parameters for the River job queue.

Conversation checkpoints are small and idempotent (the newest write wins), so
the defaults favour many quick attempts over long backoff. Failed jobs keep
their error history in River's river_job table.

Database requirements:
  - PostgreSQL with River's schema applied (see JobQueue.Migrate)
  - the channel_chatbot table created by database.EnsureSchema
*/
package jobqueue

import (
	"strings"
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	// Number of concurrent workers writing checkpoints
	MaxWorkers int

	// Attempts per job before River discards it
	MaxAttempts int

	// Maximum time a single checkpoint write may run
	JobTimeout time.Duration
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:  10,
		MaxAttempts: 5,
		JobTimeout:  30 * time.Second,
	}
}

// DevelopmentQueueConfig returns a configuration for local runs
func DevelopmentQueueConfig() *QueueConfig {
	config := DefaultQueueConfig()

	config.MaxWorkers = 2
	config.MaxAttempts = 2
	config.JobTimeout = 10 * time.Second

	return config
}

// QueueConfigForLevel picks the development preset when logging at debug,
// which is how local runs are started.
func QueueConfigForLevel(level string) *QueueConfig {
	if strings.EqualFold(strings.TrimSpace(level), "debug") {
		return DevelopmentQueueConfig()
	}
	return DefaultQueueConfig()
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
