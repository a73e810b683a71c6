// Package api is the producer-facing HTTP surface: it validates and enqueues
// jobs and reports their status.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/SirClappington/botq/internal/domain"
	"github.com/SirClappington/botq/internal/queue"
)

type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	Ping(ctx context.Context) error
}

type StatusReader interface {
	Get(ctx context.Context, jobID string) (domain.StatusRecord, error)
}

type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	AllowedOrigins []string
}

type Server struct {
	queue  Queue
	status StatusReader
	auth   *Authenticator
	opts   Options
	log    *zap.Logger
}

func NewServer(q Queue, st StatusReader, auth *Authenticator, log *zap.Logger, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	return &Server{queue: q, status: st, auth: auth, opts: opts, log: log.With(zap.String("component", "api"))}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLog)
	r.Use(chimw.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireAuth(s.auth))

		r.Post("/jobs", s.enqueueJob)
		r.Get("/jobs/{id}", s.getJob)

		r.Route("/bots/{botID}", func(r chi.Router) {
			r.Post("/generate", s.generateBot)
			r.Post("/test", s.testBot)
			r.Post("/ingest", s.ingestDocument)
			r.Post("/reindex", s.reindexBot)
			r.Delete("/", s.deleteBot)
		})
	})

	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}
