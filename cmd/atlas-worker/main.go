// atlas-worker consumes task queues. A deployment runs several, each
// pinned to a subset of queues with -queues.
package main

import (
	"context"
	"flag"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

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
	queuesFlag := flag.String("queues", strings.Join(task.Queues, ","), "comma-separated queues to consume")
	concurrency := flag.Int("concurrency", 2, "workers per queue")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.Logging.Level)

	queues := splitQueues(*queuesFlag)
	if len(queues) == 0 {
		log.Fatal().Str("queues", *queuesFlag).Msg("no valid queues selected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open document store")
	}
	defer pg.Close()

	deps, err := buildDeps(cfg, store.NewClient(pg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}
	broker := task.NewRedisBroker(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}))
	engine := task.NewEngine(broker, deps)

	log.Info().Strs("queues", queues).Int("concurrency", *concurrency).Msg("worker starting")
	engine.Work(ctx, queues, *concurrency)
	log.Info().Msg("worker exiting")
}

// splitQueues keeps only known queue names.
func splitQueues(s string) []string {
	known := map[string]bool{}
	for _, q := range task.Queues {
		known[q] = true
	}
	var out []string
	for _, q := range strings.Split(s, ",") {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if !known[q] {
			log.Warn().Str("queue", q).Msg("skipping unknown queue")
			continue
		}
		out = append(out, q)
	}
	return out
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
