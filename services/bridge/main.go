// Bridge runs the chat client core on the device and serves the local API the UI renders from.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mitalk/internal/api"
	"github.com/mitalk/internal/auth"
	"github.com/mitalk/internal/chat"
	"github.com/mitalk/internal/config"
	"github.com/mitalk/internal/handler"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/push"
	"github.com/mitalk/internal/repository"
	"github.com/mitalk/internal/socket"
	"github.com/mitalk/internal/startup"
	"github.com/mitalk/internal/storage"
	"github.com/mitalk/internal/storage/devstore"
	"github.com/mitalk/internal/storage/memory"
	redisstorage "github.com/mitalk/internal/storage/redis"
	"github.com/mitalk/internal/upload"
)

const (
	stageMaxAge   = time.Hour
	sweepInterval = 10 * time.Minute
)

func main() {
	logger.SetPrefix("bridge")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL for the archive and token store")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	logger.Info("starting bridge")

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
		cfg.ArchiveEnabled = true
		cfg.TokenStore = "postgres"
	}

	ctx := context.Background()

	var pool *pgxpool.Pool
	if cfg.ArchiveEnabled || cfg.TokenStore == "postgres" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = 4
		pool, err = startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second, "bridge: ")
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		defer pool.Close()
		migCtx, migCancel := context.WithTimeout(ctx, 30*time.Second)
		err = startup.RunMigrations(migCtx, pool)
		migCancel()
		if err != nil {
			logger.Errorf("migrations: %v", err)
			os.Exit(1)
		}
		logger.Info("database connected, migrations applied")
	}

	var redisClient *redisstorage.Client
	if cfg.TokenStore == "redis" {
		var err error
		redisClient, err = startup.ConnectRedisWithRetry(ctx, cfg.RedisURL, 30*time.Second, "bridge: ")
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}

	var store storage.TokenStore
	switch {
	case redisClient != nil:
		store = redisClient
	case cfg.TokenStore == "postgres":
		store = devstore.New(repository.NewTokenRepository(pool))
	default:
		store = memory.New()
	}
	defer store.Close()
	logger.Infof("token store: %s", cfg.TokenStore)

	var subs push.SubscriptionStore = push.NewMemoryStore()
	if redisClient != nil {
		subs = push.NewRedisStore(redisClient.Redis())
	}
	var notifier *push.Notifier
	if keys, err := push.EnsureVAPIDKeys(cfg.VAPIDKeysFile); err != nil {
		logger.Errorf("vapid keys: %v (push disabled)", err)
	} else {
		notifier = push.NewNotifier(subs, *keys, cfg.PushSubscriber)
	}

	apiClient := api.New(cfg.BaseURL, nil)
	sessions := auth.NewManager(apiClient, store)
	apiClient.SetAuth(sessions, sessions)

	limits := upload.LimitsFromConfig(cfg.Upload)
	chatCfg := chat.Config{
		Dialer:            socket.NewDialer(cfg.SocketURL, cfg.Socket),
		Uploader:          apiClient,
		Limits:            limits,
		DeletePlaceholder: cfg.DeletePlaceholder,
		Store:             store,
	}
	deps := handler.Deps{
		Sessions:          sessions,
		Backend:           apiClient,
		Limits:            limits,
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		BridgeSecret:      cfg.BridgeSecret,
		RateLimit:         cfg.BridgeRateLimit,
		TrustedProxies:    cfg.TrustedProxies,
		Socket:            cfg.Socket,
		DeletePlaceholder: cfg.DeletePlaceholder,
	}
	if cfg.ArchiveEnabled && pool != nil {
		archive := repository.NewArchive(pool)
		chatCfg.Archive = archive
		deps.Transcripts = archive
	}
	if notifier != nil {
		chatCfg.Notifier = notifier
		deps.Push = notifier
	}

	controller := chat.New(chatCfg)
	deps.Chat = controller

	if sessions.LoggedIn(ctx) {
		tok, _ := sessions.AccessToken(ctx)
		controller.SetAccessToken(tok)
	}

	stage, err := handler.NewStage(cfg.StageDir)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	deps.Stage = stage

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	var sweepWg sync.WaitGroup
	sweepWg.Add(1)
	go func() {
		defer sweepWg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n := stage.Sweep(stageMaxAge); n > 0 {
					logger.Infof("stage: swept %d files", n)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.BridgeAddr,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("bridge listening on %s, backend %s", cfg.BridgeAddr, cfg.BaseURL)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	controller.Close()
	logger.Info("chat controller stopped")
	sweepCancel()
	sweepWg.Wait()
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "mitalk"
		password = "mitalk_secret"
		database = "mitalk"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "mitalk-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.DatabaseURL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
