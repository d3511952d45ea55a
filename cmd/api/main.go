package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plenum/api/internal/app"
	"plenum/api/internal/archive"
	"plenum/api/internal/config"
	"plenum/api/internal/email"
	"plenum/api/internal/export"
	"plenum/api/internal/files"
	"plenum/api/internal/logger"
	"plenum/api/internal/search"
	"plenum/api/internal/session"
	"plenum/api/internal/store"
)

func main() {
	log := logger.New()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	pg := store.NewPostgresStore(db)

	var sessions *session.RedisStore
	if cfg.RedisURL != "" {
		sessions, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer sessions.Close()
		log.Info().Msg("refresh sessions backed by redis")
	}

	archiveSvc := archive.New(cfg.ArchiveDir)

	var searchSvc *search.Service
	pgfts := search.NewPgFTS(db)
	if cfg.MeiliURL != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		searchSvc = search.NewService(meili, pgfts, log)
		log.Info().Str("url", cfg.MeiliURL).Msg("meilisearch enabled")
	} else {
		searchSvc = search.NewService(nil, pgfts, log)
		log.Info().Msg("search backed by postgres full-text")
	}

	var uploads *files.Service
	if cfg.MinIOEndpoint != "" {
		uploads, err = files.New(ctx, files.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("object storage unavailable, uploads disabled")
			uploads = nil
		}
	}

	var mail *email.Service
	if cfg.SMTPHost != "" {
		mail = email.NewService(email.Config{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			From:      cfg.SMTPFrom,
			FromName:  cfg.SMTPFromName,
			EnableTLS: true,
		})
	} else {
		mail = email.NewService(email.Config{})
		log.Warn().Msg("smtp not configured, email delivery disabled")
	}

	var service *app.Service
	if sessions != nil {
		service = app.New(cfg, pg, sessions, archiveSvc, searchSvc, mail, log)
	} else {
		service = app.New(cfg, pg, nil, archiveSvc, searchSvc, mail, log)
	}

	if err := service.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("bootstrap failed")
	}

	exporter := export.NewService(pg)
	httpServer := app.NewHTTPServer(service, exporter, uploads, cfg.CORSOrigin, log)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
		os.Exit(1)
	}
}
