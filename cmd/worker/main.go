package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/botq/internal/backoff"
	"github.com/SirClappington/botq/internal/config"
	"github.com/SirClappington/botq/internal/logging"
	"github.com/SirClappington/botq/internal/processor"
	"github.com/SirClappington/botq/internal/queue"
	"github.com/SirClappington/botq/internal/rag"
	"github.com/SirClappington/botq/internal/status"
	"github.com/SirClappington/botq/internal/storage"
	"github.com/SirClappington/botq/internal/supervisor"
	"github.com/SirClappington/botq/internal/worker"
)

var _ status.Store = (*storage.Store)(nil)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := storage.Migrate(cfg.PostgresDSN); err != nil {
		log.Error("migrate", zap.Error(err))
		return 1
	}

	// connections are lazy; the supervisor pings both before leasing
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("postgres config", zap.Error(err))
		return 1
	}
	store := storage.New(db)

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	q := queue.New(rdb,
		queue.WithPrefix(cfg.QueuePrefix),
		queue.WithBackoff(backoff.Jittered{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax}),
		queue.WithMaxAttempts(cfg.DefaultMaxAttempts),
	)

	embedder := rag.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel)
	events := processor.NewRedisPublisher(rdb, cfg.EventsChannel)
	reg := processor.NewRegistry(
		processor.NewGeneration(store, events, log),
		processor.NewTest(store, events, log),
		processor.NewIngest(store, embedder, rag.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap), log),
		processor.NewDeleteBot(store, store, log),
		processor.NewReEmbed(store, embedder, log),
	)

	opts := []worker.Option{
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithVisibilityTimeout(cfg.VisibilityTimeout()),
		worker.WithPollInterval(cfg.PollIntervalMin, cfg.PollIntervalMax),
	}
	if cfg.LeaseRateMax > 0 {
		opts = append(opts, worker.WithLeaseRate(cfg.LeaseRateMax, cfg.LeaseRateWindow))
	}
	pool := worker.NewPool(q, store, reg, log, opts...)

	sup := supervisor.New(pool, reg, log,
		supervisor.WithDrainTimeout(cfg.DrainTimeout),
		supervisor.WithDependency("postgres", store, func() error { store.Close(); return nil }),
		supervisor.WithDependency("redis", q, q.Close),
	)

	log.Info("worker starting",
		zap.String("worker_id", pool.WorkerID()),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Duration("visibility_timeout", cfg.VisibilityTimeout()),
	)
	if err := sup.Run(ctx); err != nil {
		log.Error("worker exited", zap.Error(err))
		return 1
	}
	log.Info("worker stopped")
	return 0
}
