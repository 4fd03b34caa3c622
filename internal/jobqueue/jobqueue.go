// Package jobqueue persists conversation checkpoints asynchronously through a
// River queue backed by Postgres. For tunables see queue_config.go.
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/siliconchat/internal/conversation"
)

// CheckpointStore writes a history as of a point in time, ignoring writes
// older than what is stored. conversation.SQLStore implements it.
type CheckpointStore interface {
	SaveAt(ctx context.Context, key conversation.Key, history []conversation.ChatMessage, at time.Time) error
}

// PersistHistoryArgs represents the arguments for a checkpoint job
type PersistHistoryArgs struct {
	Platform  string                     `json:"platform"`
	ChannelID string                     `json:"channel_id"`
	History   []conversation.ChatMessage `json:"history"`
	SavedAt   time.Time                  `json:"saved_at"`
}

// Kind returns the job kind for River
func (PersistHistoryArgs) Kind() string {
	return "persist_history"
}

// PersistHistoryWorker handles checkpoint jobs
type PersistHistoryWorker struct {
	river.WorkerDefaults[PersistHistoryArgs]
	store  CheckpointStore
	config *QueueConfig
}

// Timeout bounds one attempt.
func (w *PersistHistoryWorker) Timeout(job *river.Job[PersistHistoryArgs]) time.Duration {
	return w.config.JobTimeout
}

// Work writes the checkpoint
func (w *PersistHistoryWorker) Work(ctx context.Context, job *river.Job[PersistHistoryArgs]) error {
	args := job.Args
	key := conversation.Key{Platform: args.Platform, ChannelID: args.ChannelID}

	if err := w.store.SaveAt(ctx, key, args.History, args.SavedAt); err != nil {
		log.Warn().
			Err(err).
			Str("channel", key.String()).
			Int("attempt", job.Attempt).
			Msg("checkpoint write failed")
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}

	log.Debug().
		Str("channel", key.String()).
		Int("messages", len(args.History)).
		Msg("checkpoint written")
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
	now    func() time.Time
}

// NewJobQueue creates a new job queue instance
func NewJobQueue(ctx context.Context, databaseURL string, store CheckpointStore, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &PersistHistoryWorker{store: store, config: config})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
		now:    time.Now,
	}, nil
}

// Migrate applies River's own schema migrations.
func (jq *JobQueue) Migrate(ctx context.Context) error {
	return MigratePool(ctx, jq.pool)
}

// MigratePool applies River's schema migrations on pool.
func MigratePool(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	for _, v := range res.Versions {
		log.Info().Int("version", v.Version).Msg("applied River migration")
	}
	return nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and closes the pool
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}

// Persist queues a checkpoint of history. It satisfies session.Persister.
func (jq *JobQueue) Persist(ctx context.Context, key conversation.Key, history []conversation.ChatMessage) error {
	args := PersistHistoryArgs{
		Platform:  key.Platform,
		ChannelID: key.ChannelID,
		History:   history,
		SavedAt:   jq.now(),
	}

	_, err := jq.client.Insert(ctx, args, &river.InsertOpts{MaxAttempts: jq.config.MaxAttempts})
	if err != nil {
		return fmt.Errorf("failed to queue checkpoint for %s: %w", key, err)
	}

	return nil
}
