package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	schema "portal/api/db"
	"portal/api/internal/app"
	"portal/api/internal/blob"
	"portal/api/internal/config"
	"portal/api/internal/kv"
	"portal/api/internal/logging"
	"portal/api/internal/search"
	"portal/api/internal/signal"
	"portal/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("prod")
		boot.Fatal().Err(err).Msg("config load failed")
	}
	log := logging.New(cfg.Env)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend).Msg("backend connection failed")
	}
	defer backend.Close()

	hub := signal.NewHub()
	var publisher signal.Publisher = hub
	if strings.TrimSpace(cfg.SignalChannel) != "" {
		relay, closeRelay, err := openRelay(cfg, backend, log)
		if err != nil {
			log.Fatal().Err(err).Msg("signal relay connection failed")
		}
		defer closeRelay()
		// Every process, this one included, receives its own events back through Redis.
		publisher = relay
		go func() {
			if err := relay.Forward(ctx, hub); err != nil {
				log.Error().Err(err).Msg("signal relay stopped")
			}
		}()
		log.Info().Str("channel", cfg.SignalChannel).Msg("relaying change signals through redis")
	}
	go logSignals(ctx, hub, log)

	var sink blob.Sink = blob.DataURISink{}
	if cfg.BlobStorageConfigured() {
		s3, err := blob.NewS3Sink(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Fatal().Err(err).Msg("object storage connection failed")
		}
		sink = s3
		log.Info().Str("bucket", cfg.S3Bucket).Msg("storing attachments in object storage")
	}

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
		engine = meili
	}
	searchService := search.NewService(engine, log)

	issues := store.New(backend, store.Options{
		Publisher:  publisher,
		Sink:       sink,
		Search:     searchService,
		Logger:     log,
		LatencyMin: cfg.LatencyMin,
		LatencyMax: cfg.LatencyMax,
	})
	if err := issues.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	if records, err := issues.SearchRecords(ctx); err != nil {
		log.Warn().Err(err).Msg("search reindex skipped")
	} else {
		searchService.Reindex(records)
	}

	httpServer := app.NewHTTPServer(issues, backend, log, app.Options{
		CORSOrigin: cfg.CORSOrigin,
		RateLimit:  cfg.RateLimit,
		JWTSecret:  []byte(cfg.JWTSecret),
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("backend", cfg.Backend).Msg("portal api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func openBackend(ctx context.Context, cfg config.Config, log zerolog.Logger) (kv.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		log.Warn().Msg("using in-memory backend, data is lost on exit")
		return kv.NewMemory(), nil
	case config.BackendRedis:
		r, err := kv.NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.BackendPostgres:
		db, err := kv.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := kv.ApplyMigrations(ctx, db, migrationsFS(cfg)); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return kv.NewPostgres(db), nil
	case config.BackendSQLite:
		db, err := kv.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// migrationsFS is the schema compiled into the binary unless a directory override is set.
func migrationsFS(cfg config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return schema.Migrations
}

// openRelay reuses the Redis connection of a Redis backend, or dials REDIS_URL.
func openRelay(cfg config.Config, backend kv.Backend, log zerolog.Logger) (*signal.RedisRelay, func(), error) {
	if r, ok := backend.(*kv.Redis); ok {
		return signal.NewRedisRelay(r.Client(), cfg.SignalChannel, log), func() {}, nil
	}
	r, err := kv.NewRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return signal.NewRedisRelay(r.Client(), cfg.SignalChannel, log), func() { _ = r.Close() }, nil
}

func logSignals(ctx context.Context, hub *signal.Hub, log zerolog.Logger) {
	events, cancel := hub.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			log.Debug().
				Str("kind", string(event.Kind)).
				Int("issue_id", event.IssueID).
				Int("notification_id", event.NotificationID).
				Msg("change signal")
		}
	}
}
