// Package commands implements the contentflow CLI: task submission and
// inspection commands plus the long-running serve and worker processes.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dshills/contentflow/adapter"
	"github.com/dshills/contentflow/config"
	"github.com/dshills/contentflow/content"
	"github.com/dshills/contentflow/quality"
	"github.com/dshills/contentflow/queue"
	"github.com/dshills/contentflow/store"
)

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.Path)
	case "mysql":
		return store.NewMySQLStore(cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildQueue(cfg *config.Config, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemQueue(), nil
	case "nats":
		return queue.NewNATSQueue(cfg.Queue.URL, logger)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func buildDeps(cfg *config.Config, st store.Store, logger *slog.Logger) (*content.Deps, error) {
	pricing := adapter.Pricing{
		InputPerMTok:  cfg.LLM.InputPerMTok,
		OutputPerMTok: cfg.LLM.OutputPerMTok,
	}

	var chat adapter.ChatClient
	var err error
	switch cfg.LLM.Provider {
	case "openai":
		chat, err = adapter.NewOpenAIChat(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL, pricing)
	case "anthropic":
		chat, err = adapter.NewAnthropicChat(cfg.LLM.APIKey, cfg.LLM.Model, 0, pricing)
	default:
		err = fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if err != nil {
		return nil, err
	}

	var search adapter.SearchClient
	if cfg.Search.Endpoint != "" {
		search = adapter.NewHTTPSearchClient(cfg.Search.Endpoint, cfg.Search.APIKey,
			adapter.WithSearchLogger(logger))
	} else {
		// No search configured: the research step runs degraded.
		search = &adapter.MockSearch{}
	}

	var image adapter.ImageClient
	switch cfg.Image.Provider {
	case "mock":
		image = &adapter.MockImage{}
	case "http":
		image = adapter.NewHTTPImageClient(cfg.Image.Endpoint, cfg.Image.APIKey, cfg.Image.Model, nil)
	default:
		return nil, fmt.Errorf("unknown image provider %q", cfg.Image.Provider)
	}

	gate := quality.NewGate(quality.NewEvaluator(chat, cfg.Workflow.PassThreshold, logger), st, cfg.Workflow.ForcePass, logger)

	return &content.Deps{
		Chat:       chat,
		Search:     search,
		Image:      image,
		Gate:       gate,
		ImageDir:   cfg.Image.Dir,
		MaxRetries: cfg.Workflow.MaxRetries,
		Logger:     logger,
	}, nil
}
