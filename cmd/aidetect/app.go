package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/aidetect/internal/config"
	"github.com/dshills/aidetect/internal/llmdetect"
	"github.com/dshills/aidetect/internal/logging"
	"github.com/dshills/aidetect/internal/patterns"
	"github.com/dshills/aidetect/internal/runner"
	"github.com/dshills/aidetect/internal/store"
)

// app holds the wired engine for one command invocation.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *store.DB
	reg     *patterns.Registry
	batcher *llmdetect.Batcher
	runner  *runner.Runner
}

// newApp loads configuration and wires the store, registry, batcher, and
// runner. withLLM commands get a live provider; the rest skip provider setup
// so they work without API keys.
func newApp(configPath string, withLLM bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return nil, err
	}

	var batcher *llmdetect.Batcher
	if withLLM && cfg.LLM.Enabled {
		prov, err := llmdetect.NewProvider(cfg.LLM.Provider, cfg.LLM.Model)
		if err != nil {
			db.Close()
			return nil, err
		}
		opts := llmdetect.Options{
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout(),
		}
		batcher = llmdetect.NewBatcher(prov, opts, int64(cfg.LLM.MaxInFlight), log)
	}

	return &app{
		cfg:     cfg,
		log:     log,
		db:      db,
		reg:     reg,
		batcher: batcher,
		runner:  runner.New(db, reg, cfg.Aggregate, batcher, log),
	}, nil
}

func (a *app) close() {
	if a.batcher != nil {
		a.batcher.Close()
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("closing store", zap.Error(err))
	}
	_ = a.log.Sync()
}

func loadRegistry(cfg *config.Config) (*patterns.Registry, error) {
	if cfg.PatternFile != "" {
		reg, err := patterns.LoadFile(cfg.PatternFile)
		if err != nil {
			return nil, fmt.Errorf("load pattern file: %w", err)
		}
		return reg, nil
	}
	return patterns.Builtin()
}
