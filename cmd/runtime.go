package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/siliconchat/internal/affection"
	"github.com/siliconchat/internal/config"
	"github.com/siliconchat/internal/conversation"
	"github.com/siliconchat/internal/database"
	"github.com/siliconchat/internal/jobqueue"
	"github.com/siliconchat/internal/llm"
	"github.com/siliconchat/internal/logging"
	"github.com/siliconchat/internal/metrics"
	"github.com/siliconchat/internal/quota"
	"github.com/siliconchat/internal/retry"
	"github.com/siliconchat/internal/session"
)

// loadConfig reads the file named by the global --config flag and sets up
// logging from it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(logging.Options{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	return cfg, nil
}

// newLLMClient builds the completion client from the startup snapshot.
// Timeout, retries and rate limit are not picked up on reload.
func newLLMClient(cfg *config.Config, m *metrics.Metrics) *llm.Client {
	return llm.NewClient(
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithRetry(retry.CompletionRetryConfig(cfg.LLM.MaxRetries)),
		llm.WithRateLimit(cfg.LLM.RequestsPerSecond),
		llm.WithReplyCap(cfg.LLM.ReplyCap),
		llm.WithMetrics(m),
		llm.WithLogger(log.Logger),
	)
}

// runtime is the set of long-lived components a command runs with.
type runtime struct {
	cfg      *config.Config
	holder   *config.Holder
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	db   *sql.DB
	jobs *jobqueue.JobQueue

	conversations conversation.Store
	sessions      *session.Registry
	ledger        *quota.Ledger
	tracker       *affection.Tracker
	client        *llm.Client
}

func databaseURL(cfg *config.Config) (string, error) {
	if url := strings.TrimSpace(cfg.Storage.DatabaseURL); url != "" {
		return url, nil
	}
	return database.LoadDatabaseURL()
}

// newRuntime opens storage for the configured driver and wires the core
// components. With postgres and async_persist, conversation writes go
// through the job queue, which the caller must Start.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	holder, err := config.NewHolder(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	rt := &runtime{cfg: cfg, holder: holder, registry: reg, metrics: m}

	var (
		quotaStore     quota.Store
		affectionStore affection.Store
		persister      session.Persister
	)

	switch cfg.Storage.Driver {
	case "memory":
		rt.conversations = conversation.NewInMemoryStore()
		quotaStore = quota.NewInMemoryStore()
		affectionStore = affection.NewInMemoryStore()

	case "postgres", "sqlite":
		url := ""
		if cfg.Storage.Driver == "postgres" {
			if url, err = databaseURL(cfg); err != nil {
				return nil, err
			}
		}
		db, dialect, err := database.Open(ctx, cfg.Storage.Driver, url, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
		}
		rt.db = db

		convStore := conversation.NewSQLStore(db, dialect)
		rt.conversations = convStore
		quotaStore = quota.NewSQLStore(db, dialect)
		affectionStore = affection.NewSQLStore(db, dialect)

		if cfg.Storage.AsyncPersist {
			if cfg.Storage.Driver != "postgres" {
				log.Warn().Msg("async_persist needs postgres, persisting synchronously")
				break
			}
			jobs, err := jobqueue.NewJobQueue(ctx, url, convStore, jobqueue.QueueConfigForLevel(cfg.Logging.Level))
			if err != nil {
				rt.Close(ctx)
				return nil, err
			}
			rt.jobs = jobs
			if err := jobs.Migrate(ctx); err != nil {
				rt.Close(ctx)
				return nil, err
			}
			persister = jobs
		}

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	rt.sessions = session.NewRegistry(rt.conversations, persister, holder, m)
	rt.ledger = quota.NewLedger(quotaStore, cfg.Quota.DefaultMaxTokens, m)
	rt.tracker = affection.NewTracker(affectionStore, cfg.Affection.Cooldown, cfg.Affection.MaxFavorable, m)
	rt.client = newLLMClient(cfg, m)

	log.Info().
		Str("driver", cfg.Storage.Driver).
		Bool("async_persist", rt.jobs != nil).
		Str("model", cfg.LLM.Model).
		Msg("runtime ready")
	return rt, nil
}

func (rt *runtime) Close(ctx context.Context) {
	if rt.jobs != nil {
		if err := rt.jobs.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to stop job queue")
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}
}
