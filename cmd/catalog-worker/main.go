package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"catalogworker/internal/api"
	"catalogworker/internal/config"
	"catalogworker/internal/domain"
	"catalogworker/internal/eventbus"
	"catalogworker/internal/handlers/importer"
	"catalogworker/internal/handlers/publication"
	"catalogworker/internal/lock"
	"catalogworker/internal/platform"
	"catalogworker/internal/plugins"
	"catalogworker/internal/plugins/urlfetch"
	"catalogworker/internal/scheduler"
	"catalogworker/internal/secrets"
	"catalogworker/internal/store"
	"catalogworker/internal/worker"
)

func main() {
	var (
		configPath  = flag.String("config", "", "YAML config file")
		addr        = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath      = flag.String("db", "", "SQLite DB path (overrides config)")
		concurrency = flag.Int("concurrency", 0, "task slots (overrides config)")
		debug       = flag.Bool("debug", false, "serve pprof under /debug/pprof")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	if *concurrency > 0 {
		cfg.Worker.Concurrency = *concurrency
	}
	setupLogging(cfg)

	db, err := store.Open(cfg.DB, 5*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	// one pool serves redis locks and redis events
	var redisPool *redis.Pool
	if cfg.LockDriver == "redis" || cfg.RedisEvents {
		redisPool = lock.NewPool(cfg.RedisURL)
		defer redisPool.Close()
	}

	var locks lock.Manager
	if cfg.LockDriver == "redis" {
		locks = lock.NewRedis(redisPool, cfg.LockPrefix)
	} else {
		if err := lock.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure lock schema")
		}
		locks = lock.NewSQLite(db)
	}

	bus := eventbus.New()
	if cfg.RedisEvents {
		bus = eventbus.Mirror(bus, eventbus.NewRedis(redisPool, "catalog-worker:"))
	}

	cipher, err := secrets.New(cfg.CipherKey)
	if err != nil {
		log.Fatal().Err(err).Msg("cipher")
	}
	if cfg.CipherKey == "" {
		log.Warn().Msg(config.EnvCipherKey + " is not set; catalogs with secrets cannot run")
	}

	registry := plugins.NewRegistry(cfg.PluginsDir)
	registry.Register(urlfetch.ID, urlfetch.New)

	client := platform.NewClient(cfg.PlatformURL, cfg.PlatformAPIKey, cfg.PlatformTimeout)
	executors := map[domain.TaskType]worker.Executor{
		domain.TaskImport: &importer.Executor{
			Store:    repo,
			Plugins:  registry,
			Platform: client,
			Secrets:  cipher,
			Events:   bus,
			TmpRoot:  cfg.TmpDir,
		},
		domain.TaskPublication: &publication.Executor{
			Store:    repo,
			Plugins:  registry,
			Platform: client,
			Secrets:  cipher,
			Events:   bus,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go registry.WatchWithRestart(ctx)

	pool := worker.NewPool(cfg.Worker, repo, locks, scheduler.NewService(repo, bus), executors, bus)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			log.Error().Err(err).Msg("worker")
		}
	}()

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(api.Deps{
		Repo:    repo,
		Plugins: registry,
		Events:  bus,
		Cipher:  cipher,
		Stats:   pool.Stats,
		Debug:   *debug,
	})}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	// running tasks are never interrupted
	<-poolDone
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}
