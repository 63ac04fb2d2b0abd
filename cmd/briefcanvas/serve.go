package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"briefcanvas/api/internal/app"
	"briefcanvas/api/internal/archive"
	"briefcanvas/api/internal/canvas"
	"briefcanvas/api/internal/config"
	"briefcanvas/api/internal/docstore"
	"briefcanvas/api/internal/editlock"
	"briefcanvas/api/internal/logging"
	"briefcanvas/api/internal/notify"
	"briefcanvas/api/internal/search"
	"briefcanvas/api/internal/snapshot"
	"briefcanvas/api/internal/store"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newServeCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	cmd.Flags().DurationVar(&cfg.LockTTL, "lock-ttl", cfg.LockTTL, "edit lock lifetime")
	cmd.Flags().StringVar(&cfg.SnapshotSchedule, "snapshot-schedule", cfg.SnapshotSchedule, `cron expression for periodic snapshots, e.g. "@every 15m"`)
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	checks := map[string]app.Pinger{}

	var (
		repo canvas.Repository
		pg   *store.PostgresStore
	)
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn().Msg("DATABASE_URL not set, using the in-process store; data is lost on exit")
		repo = store.NewMemoryStore()
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, store.Migrations())
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			log.Info().Strs("applied", applied).Msg("migrations applied")
		}
		pg = store.NewPostgresStore(db)
		repo = pg
	}

	var (
		emitter notify.Emitter = notify.Nop{}
		recent  app.RecentEvents
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisEmitter, err := notify.NewRedisEmitter(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisEmitter.Close()
		emitter, recent = redisEmitter, redisEmitter
		checks["redis"] = redisEmitter
		log.Info().Msg("publishing canvas events to redis")
	}

	var searchService *search.Service
	if handle := newSearch(ctx, cfg, pg, repo, log); handle != nil {
		defer handle.Close()
		searchService = handle.Service
		checks["search"] = pingFunc(func(context.Context) error {
			if !handle.Healthy() {
				return errors.New("search index unavailable")
			}
			return nil
		})
	}

	snapOpts := []snapshot.Option{snapshot.WithEmitter(emitter)}
	if cfg.Archive.Enabled() {
		archiveStore, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		}, log)
		if err != nil {
			return fmt.Errorf("snapshot archive: %w", err)
		}
		snapOpts = append(snapOpts, snapshot.WithArchiver(archiveStore))
		checks["archive"] = archiveStore
	}

	docOpts := []docstore.Option{docstore.WithEmitter(emitter)}
	if searchService != nil {
		docOpts = append(docOpts, docstore.WithIndexer(searchService))
	}
	docs := docstore.New(repo, log, docOpts...)
	locks := editlock.New(repo, log, editlock.WithTTL(cfg.LockTTL), editlock.WithEmitter(emitter))
	snaps := snapshot.New(repo, log, snapOpts...)

	var scheduler *snapshot.Scheduler
	if strings.TrimSpace(cfg.SnapshotSchedule) != "" {
		var err error
		scheduler, err = snapshot.NewScheduler(snaps, cfg.SnapshotSchedule, log)
		if err != nil {
			return err
		}
		scheduler.Start()
	}
	// Runs after the HTTP server has stopped: no new snapshot can start,
	// then pending archive uploads finish.
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if scheduler != nil {
			scheduler.Stop(stopCtx)
		}
		if err := snaps.Drain(stopCtx); err != nil {
			log.Warn().Err(err).Msg("snapshot archive uploads still running at exit")
		}
	}()

	service := app.New(cfg, repo, app.Components{
		Docs:      docs,
		Locks:     locks,
		Snapshots: snaps,
		Search:    searchService,
		Events:    recent,
		Checks:    checks,
	}, log)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Dur("lock_ttl", locks.TTL()).Msg("briefcanvas api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	return nil
}

// newSearch wires Meilisearch with the PostgreSQL full-text fallback. Either
// side may be missing; with neither, search is disabled.
func newSearch(ctx context.Context, cfg config.Config, pg *store.PostgresStore, members search.MemberLister, log zerolog.Logger) *searchHandle {
	var (
		index    search.Index
		fallback search.Fallback
		meili    *search.Meili
	)
	if pg != nil {
		fallback = search.NewPgFTS(pg.DB())
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		index = meili
	}
	if index == nil && fallback == nil {
		log.Info().Msg("search disabled")
		return nil
	}

	svc := search.NewService(index, fallback, log, search.WithMembers(members))
	if meili != nil && fallback != nil {
		go svc.ReindexAllFromPG(context.WithoutCancel(ctx))
	}
	return &searchHandle{Service: svc, meili: meili}
}

type searchHandle struct {
	*search.Service
	meili *search.Meili
}

func (h *searchHandle) Healthy() bool {
	return h.meili == nil || h.meili.Healthy()
}

func (h *searchHandle) Close() {
	if h.meili != nil {
		h.meili.Close()
	}
}
