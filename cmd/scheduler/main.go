package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/botq/internal/config"
	"github.com/SirClappington/botq/internal/logging"
	"github.com/SirClappington/botq/internal/maintenance"
	"github.com/SirClappington/botq/internal/queue"
	"github.com/SirClappington/botq/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres", zap.Error(err))
	}
	defer store.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	q := queue.New(rdb, queue.WithPrefix(cfg.QueuePrefix))
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		log.Fatal("redis", zap.Error(err))
	}

	m := maintenance.New(q, store, maintenance.NewAdvisoryElector(store, cfg.SchedulerLock), log, cfg.SchedulerTick, cfg.Retention)
	log.Info("scheduler starting", zap.Duration("tick", cfg.SchedulerTick), zap.Duration("retention", cfg.Retention))
	if err := m.Run(ctx); err != nil {
		log.Error("scheduler exited", zap.Error(err))
	}
}
