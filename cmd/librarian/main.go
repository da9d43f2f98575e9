// Command librarian runs the library daemon: the feed loader, every enabled
// processor, and the optional Telegram bot and HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"librarian/internal/bot"
	"librarian/internal/config"
	"librarian/internal/httpapi"
	"librarian/internal/keys"
	"librarian/internal/llm"
	"librarian/internal/loader"
	"librarian/internal/logging"
	"librarian/internal/ontology"
	"librarian/internal/processor"
	"librarian/internal/quota"
	"librarian/internal/runner"
	"librarian/internal/scoring"
	"librarian/internal/storage"
	"librarian/internal/tags"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("librarian stopped", "error", err)
		os.Exit(1)
	}
	log.Info("librarian stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	pipeline, err := config.LoadPipeline(cfg.PipelinePath)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	defer func() { _ = store.Close() }()

	registry, err := llm.NewRegistry(
		llm.NewOpenAI(""),
		llm.NewAnthropic(""),
		llm.NewGemini("", http.DefaultClient),
		&llm.Fake{},
	)
	if err != nil {
		return err
	}

	statuses, closeStatuses, err := keyStatuses(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStatuses()

	ledger := quota.NewLedger(store, pipeline.Quota.Limits, log)
	selector := keys.NewSelector(store, ledger, statuses, cfg.CollectionKeys, cfg.GeneralAPIKey, log)

	normalizer, err := tags.BuildPipeline(pipeline.EnabledNormalizers())
	if err != nil {
		return fmt.Errorf("build tag pipeline: %w", err)
	}
	onto := ontology.New(store, log)

	workers, err := buildWorkers(pipeline, cfg, processor.LLMDeps{
		Registry: registry,
		Keys:     selector,
		Ledger:   ledger,
		Log:      log,
	}, store, normalizer, onto, log)
	if err != nil {
		return err
	}

	rules := scoring.NewService(store, log)
	ranker := scoring.NewRanker(rules, store, onto)
	feedLoader := loader.New(store, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		feedLoader.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return runner.New(workers, log).Run(ctx)
	})

	if cfg.TelegramBotToken != "" {
		b, err := bot.New(cfg.TelegramBotToken, bot.Deps{
			Store:     store,
			Rules:     rules,
			Ranker:    ranker,
			Tags:      onto,
			Loader:    feedLoader,
			Providers: registry.Names(),
		}, cfg, log)
		if err != nil {
			return fmt.Errorf("create bot: %w", err)
		}
		g.Go(func() error {
			b.Run(ctx)
			return nil
		})
	} else {
		log.Info("telegram bot disabled")
	}

	if cfg.HTTPAddr != "" {
		router := httpapi.NewRouter(httpapi.NewHandler(store, onto, ranker, ledger, log))
		g.Go(func() error {
			return httpapi.Serve(ctx, cfg.HTTPAddr, router, log)
		})
	}

	log.Info("librarian started", "processors", len(workers))
	return g.Wait()
}

func keyStatuses(ctx context.Context, cfg *config.Config, log *slog.Logger) (keys.Statuses, func(), error) {
	if cfg.RedisURL == "" {
		log.Info("api key statuses kept in memory")
		return keys.NewMemoryStatuses(), func() {}, nil
	}
	rs, err := keys.NewRedisStatuses(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	log.Info("api key statuses shared through redis")
	return rs, func() { _ = rs.Close() }, nil
}

func buildWorkers(
	pipeline *config.Pipeline,
	cfg *config.Config,
	deps processor.LLMDeps,
	store *storage.SQLite,
	normalizer *tags.Pipeline,
	onto *ontology.Ontology,
	log *slog.Logger,
) ([]*runner.Worker, error) {
	opts := runner.Options{
		LockDir:     cfg.LockDir,
		Idle:        time.Duration(pipeline.Runner.IdleSeconds) * time.Second,
		RetryMax:    time.Duration(pipeline.Runner.RetryMaxSeconds) * time.Second,
		MaxAttempts: pipeline.Runner.MaxEntryAttempts,
	}

	var workers []*runner.Worker
	for _, pc := range pipeline.EnabledProcessors() {
		proc, err := processor.Build(pc, deps)
		if err != nil {
			return nil, err
		}
		workers = append(workers, runner.NewWorker(pc.ID, pc.Name, pc.BatchSize, pc.Workers, proc, store, normalizer, onto, opts, log))
	}
	return workers, nil
}
