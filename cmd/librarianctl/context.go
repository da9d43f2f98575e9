package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"librarian/internal/config"
	"librarian/internal/ontology"
	"librarian/internal/quota"
	"librarian/internal/scoring"
	"librarian/internal/storage"
)

type commandContext struct {
	dbFlag       *string
	pipelineFlag *string

	pipelineOnce sync.Once
	pipeline     *config.Pipeline
	pipelineErr  error
}

func newCommandContext(dbFlag, pipelineFlag *string) *commandContext {
	return &commandContext{
		dbFlag:       dbFlag,
		pipelineFlag: pipelineFlag,
	}
}

func (c *commandContext) ensurePipeline() (*config.Pipeline, error) {
	c.pipelineOnce.Do(func() {
		var path string
		if c.pipelineFlag != nil {
			path = strings.TrimSpace(*c.pipelineFlag)
		}
		c.pipeline, c.pipelineErr = config.LoadPipeline(path)
	})
	return c.pipeline, c.pipelineErr
}

// services bundles what the admin commands operate on. The logger discards
// output so command results are the only thing written.
type services struct {
	store  *storage.SQLite
	onto   *ontology.Ontology
	rules  *scoring.Service
	ranker *scoring.Ranker
	ledger *quota.Ledger
}

func (c *commandContext) withServices(fn func(*services) error) error {
	pipeline, err := c.ensurePipeline()
	if err != nil {
		return err
	}
	path := strings.TrimSpace(*c.dbFlag)
	if path == "" {
		return fmt.Errorf("database path is required (--db or DATABASE_PATH)")
	}
	store, err := storage.NewSQLite(path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", path, err)
	}
	defer func() { _ = store.Close() }()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	onto := ontology.New(store, log)
	rules := scoring.NewService(store, log)
	return fn(&services{
		store:  store,
		onto:   onto,
		rules:  rules,
		ranker: scoring.NewRanker(rules, store, onto),
		ledger: quota.NewLedger(store, pipeline.Quota.Limits, log),
	})
}

// resolveProcessor accepts either a processor id or its configured name.
func (c *commandContext) resolveProcessor(arg string) (config.ProcessorConfig, error) {
	pipeline, err := c.ensurePipeline()
	if err != nil {
		return config.ProcessorConfig{}, err
	}
	arg = strings.TrimSpace(arg)
	id, idErr := strconv.ParseInt(arg, 10, 64)
	for _, pc := range pipeline.Processors {
		if (idErr == nil && pc.ID == id) || pc.Name == arg {
			return pc, nil
		}
	}
	return config.ProcessorConfig{}, fmt.Errorf("unknown processor %q", arg)
}
