package main

import (
	"os"

	"github.com/kirillkom/hansen-persona-rag/internal/config"
	"github.com/kirillkom/hansen-persona-rag/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stderr, "indexer", cfg.LogLevel, cfg.LogFormat)

	if err := newRootCommand(cfg, logger).Execute(); err != nil {
		os.Exit(1)
	}
}
