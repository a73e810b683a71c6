package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/botq/internal/api"
	"github.com/SirClappington/botq/internal/config"
	"github.com/SirClappington/botq/internal/logging"
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
	if err := serve(cfg, log); err != nil {
		log.Error("api exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func serve(cfg config.Config, log *zap.Logger) error {
	if cfg.JWTSigningKey == "" {
		return errors.New("api: JWT_SIGNING_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "api: postgres")
	}
	store := storage.New(db)
	defer store.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	q := queue.New(rdb, queue.WithPrefix(cfg.QueuePrefix), queue.WithMaxAttempts(cfg.DefaultMaxAttempts))
	defer q.Close()

	srv := api.NewServer(q, store, api.NewAuthenticator(cfg.JWTSigningKey), log, api.Options{
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})
	hs := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "api: listen")
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "api: shutdown")
	}
	log.Info("api stopped")
	return nil
}
