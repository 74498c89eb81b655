// atlas is the control plane server: the REST API plus the scheduler
// that emits the periodic control loops.
package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/api"
	"github.com/campusweb/atlas/internal/backup"
	"github.com/campusweb/atlas/internal/code"
	"github.com/campusweb/atlas/internal/compose"
	"github.com/campusweb/atlas/internal/config"
	"github.com/campusweb/atlas/internal/dbadmin"
	"github.com/campusweb/atlas/internal/fanout"
	"github.com/campusweb/atlas/internal/notify"
	"github.com/campusweb/atlas/internal/secret"
	"github.com/campusweb/atlas/internal/store"
	"github.com/campusweb/atlas/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docs, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open document store")
	}
	defer closeStore()

	deps, err := buildDeps(cfg, docs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}
	engine := task.NewEngine(newBroker(cfg), deps)

	scheduler := task.NewScheduler(engine)
	scheduler.Start()
	defer scheduler.Stop()

	srv := api.New(cfg, deps, api.NewTokenVerifier(cfg))
	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("api server failed")
	}
	log.Info().Msg("atlas exiting")
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Client, func(), error) {
	pg, err := store.NewPostgres(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, nil, err
	}
	return store.NewClient(pg), pg.Close, nil
}

func newBroker(cfg *config.Config) *task.RedisBroker {
	return task.NewRedisBroker(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}))
}

func buildDeps(cfg *config.Config, docs *store.Client) (*task.Deps, error) {
	codec := secret.NewCodec(cfg.Crypto)
	repl := &fanout.RsyncReplicator{User: cfg.ServiceUser}
	codes := code.NewManager(cfg, code.GitRepository{}, repl, docs)
	comp := compose.NewComposer(cfg, docs, codes, repl, codec)

	run, err := fanout.NewSSHRunner(cfg)
	if err != nil {
		return nil, err
	}
	db, err := dbadmin.New(cfg, codec)
	if err != nil {
		return nil, err
	}
	return &task.Deps{
		Cfg:     cfg,
		Docs:    docs,
		Codes:   codes,
		Comp:    comp,
		DB:      db,
		Backups: backup.NewManager(cfg, docs, run, comp),
		Run:     run,
		Notify:  notify.NewNotifier(cfg),
	}, nil
}
