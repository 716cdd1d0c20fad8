// conduit-worker is the background execution process: it claims flow tasks
// from the Redis queue and drives the flow engine against Postgres, exactly
// as a foreground caller would.
//
// Usage:
//
//	conduit-worker --config conduit.yaml
//
// Configuration can also arrive via environment variables (DATABASE_URL,
// REDIS_URL, provider API keys); see internal/config.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/conversation"
	"github.com/haasonsaas/conduit/internal/flow"
	"github.com/haasonsaas/conduit/internal/llm"
	"github.com/haasonsaas/conduit/internal/llm/cache"
	"github.com/haasonsaas/conduit/internal/llm/ledger"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/taskqueue"
	"github.com/haasonsaas/conduit/pkg/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "conduit-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("CONDUIT_CONFIG"), "path to config file")
	workerID := flag.String("worker-id", "", "worker identifier (default: generated)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.DSN == "" {
		return fmt.Errorf("database DSN is required (set database.dsn or DATABASE_URL)")
	}
	ledgerStore, err := ledger.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer ledgerStore.Close()
	if err := ledgerStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}

	flowStore := flow.NewPostgresStoreWithDB(ledgerStore.DB())
	if err := flowStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("apply flow schema: %w", err)
	}
	convStore := conversation.NewPostgresStoreWithDB(ledgerStore.DB())
	if err := convStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("apply conversation schema: %w", err)
	}

	var respCache *cache.Cache
	if cfg.Cache.Enabled {
		respCache, err = cache.New(cfg.Cache.Dir, cfg.Cache.TTL(), cfg.Cache.MaxSizeBytes(), logger)
		if err != nil {
			return fmt.Errorf("open response cache: %w", err)
		}
	}

	llmService := llm.New(cfg, ledgerStore, respCache, logger)
	engine := flow.NewEngine(flowStore, llmService, logger)

	rdb, err := openRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	queue := taskqueue.NewService(rdb, cfg.Queue.Name, logger)
	worker := taskqueue.NewWorker(queue, rdb, taskqueue.WorkerConfig{
		ID:                *workerID,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		Version:           version,
	}, logger)

	registry := flow.NewRegistry()
	worker.RegisterHandler(taskqueue.DefaultTaskType, flowHandler(engine, queue, registry, logger, ""))
	for taskType, flowName := range cfg.Queue.Handlers {
		worker.RegisterHandler(taskType, flowHandler(engine, queue, registry, logger, flowName))
		logger.Info(ctx, "task type bound to flow", "task_type", taskType, "flow", flowName)
	}

	logger.Info(ctx, "worker ready",
		"worker_id", worker.ID(), "queue", cfg.Queue.Name)
	err = worker.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// version is stamped at build time via -ldflags.
var version = "dev"

// flowHandler executes a queued flow job: it resolves the flow from the
// registry, reports progress into the observation store as steps advance,
// and returns the run outputs. A non-empty fixedFlow pins the handler to
// that flow regardless of what the job names; the default handler passes
// empty and runs the job's flow.
func flowHandler(engine *flow.Engine, queue *taskqueue.Service, registry *flow.Registry, logger *observability.Logger, fixedFlow string) taskqueue.Handler {
	return func(ctx context.Context, job *taskqueue.Job) (map[string]any, error) {
		flowName := job.FlowName
		if fixedFlow != "" {
			flowName = fixedFlow
		}
		f, ok := registry.Lookup(flowName)
		if !ok {
			return nil, fmt.Errorf("flow %q is not registered", flowName)
		}

		reportStep := func(name string, order, total int) {
			pct := 0.0
			if total > 0 {
				pct = float64(order) / float64(total) * 100
			}
			if err := queue.UpdateTaskProgress(ctx, job.TaskID, pct, name); err != nil {
				logger.Warn(ctx, "task progress write failed", "error", err)
			}
		}

		if job.FlowRunID != "" {
			return engine.ExecuteRunWithProgress(ctx, f, job.FlowRunID, reportStep)
		}

		run, err := engine.CreateRun(ctx, flowName, job.Inputs, job.UserID, models.ExecutionBackground)
		if err != nil {
			return nil, err
		}
		return engine.ExecuteRunWithProgress(ctx, f, run.ID, reportStep)
	}
}

func openRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}
