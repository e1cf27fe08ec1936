package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kirillkom/hansen-persona-rag/internal/config"
	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
	"github.com/kirillkom/hansen-persona-rag/internal/core/ports"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/knowledge"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/resilience"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/vector/pgvector"
	"github.com/kirillkom/hansen-persona-rag/internal/infrastructure/vector/qdrant"
)

// newRootCommand builds the offline tooling: corpus embedding, index
// upserts and the event tail.
func newRootCommand(cfg config.Config, logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:          "indexer",
		Short:        "Offline tooling for the knowledge base",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfg.KnowledgePath, "path", cfg.KnowledgePath, "corpus file or directory")

	root.AddCommand(newImportCommand(&cfg, logger))
	root.AddCommand(newEmbedCommand(&cfg, logger))
	root.AddCommand(newUpsertCommand(&cfg, logger))
	root.AddCommand(newEventsCommand(&cfg, logger))
	return root
}

func newImportCommand(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var (
		output   string
		category string
		size     int
		overlap  int
	)
	cmd := &cobra.Command{
		Use:   "import <file.md|file.txt>...",
		Short: "Split text documents into corpus chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var chunks []domain.KnowledgeChunk
			for _, path := range args {
				imported, err := knowledge.ImportFile(path, knowledge.ImportOptions{
					Category:  category,
					ChunkSize: size,
					Overlap:   overlap,
				})
				if err != nil {
					return err
				}
				chunks = append(chunks, imported...)
			}
			if err := knowledge.Validate(chunks); err != nil {
				return err
			}
			target := output
			if target == "" {
				target = cfg.KnowledgePath
			}
			if err := knowledge.WriteFile(target, chunks); err != nil {
				return err
			}
			logger.Info("corpus_imported", "documents", len(args), "chunks", len(chunks), "output", target)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "corpus file to write (defaults to --path)")
	cmd.Flags().StringVar(&category, "category", "", "category for every chunk: dosing, protocol or faq")
	cmd.Flags().IntVar(&size, "chunk-size", 900, "maximum runes per chunk")
	cmd.Flags().IntVar(&overlap, "overlap", 120, "runes shared by consecutive chunks")
	return cmd
}

func newEmbedCommand(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	var (
		output    string
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Fill missing chunk embeddings and write the corpus back",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chunks, err := knowledge.LoadPath(cfg.KnowledgePath)
			if err != nil {
				return err
			}
			target := output
			if target == "" {
				if info, err := os.Stat(cfg.KnowledgePath); err == nil && info.IsDir() {
					return fmt.Errorf("--output is required when --path is a directory")
				}
				target = cfg.KnowledgePath
			}

			executor := resilience.NewExecutor(resilience.Config{
				Retry:          resilience.RetryPolicy{MaxAttempts: cfg.ResilienceRetryAttempts},
				BreakerEnabled: false,
			})
			embedder := ollama.NewEmbedder(ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel), executor)

			embedded, count, err := knowledge.EnsureEmbeddings(cmd.Context(), embedder, chunks, batchSize)
			if err != nil {
				return err
			}
			if err := knowledge.WriteFile(target, embedded); err != nil {
				return err
			}
			logger.Info("corpus_embedded", "chunks", len(embedded), "embedded", count, "output", target)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "file to write (defaults to --path when it is a file)")
	cmd.Flags().IntVar(&batchSize, "batch", 32, "texts per embedding request")
	return cmd
}

func newUpsertCommand(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Load embedded chunks into the configured vector index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chunks, err := knowledge.LoadPath(cfg.KnowledgePath)
			if err != nil {
				return err
			}
			for _, chunk := range chunks {
				if len(chunk.Embedding) == 0 {
					return domain.WrapError(domain.ErrInvalidInput, "upsert", fmt.Errorf("chunk %s has no embedding, run embed first", chunk.ID))
				}
			}

			writer, closeFn, err := openIndexWriter(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := writer.UpsertChunks(cmd.Context(), chunks); err != nil {
				return err
			}
			logger.Info("index_upserted", "backend", cfg.VectorIndex, "chunks", len(chunks))
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.VectorIndex, "index", cfg.VectorIndex, "qdrant or pgvector")
	return cmd
}

func openIndexWriter(ctx context.Context, cfg config.Config) (ports.VectorIndexWriter, func(), error) {
	switch cfg.VectorIndex {
	case "qdrant":
		executor := resilience.NewExecutor(resilience.Config{
			Retry:          resilience.RetryPolicy{MaxAttempts: cfg.ResilienceRetryAttempts},
			BreakerEnabled: false,
		})
		return qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, executor), func() {}, nil
	case "pgvector":
		db, err := pgvector.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		store := pgvector.NewStore(db, cfg.PGVectorDimensions)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("vector index %q does not accept upserts", cfg.VectorIndex)
	}
}

func newEventsCommand(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	events := &cobra.Command{
		Use:   "events",
		Short: "Inspect published observability events",
	}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print events from NATS as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.EventsNATSURL == "" {
				return fmt.Errorf("EVENTS_NATS_URL is not set")
			}
			publisher, err := nats.New(cfg.EventsNATSURL, cfg.EventsNATSPrefix)
			if err != nil {
				return err
			}
			defer publisher.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			encoder := json.NewEncoder(cmd.OutOrStdout())
			logger.Info("events_tail_started", "prefix", cfg.EventsNATSPrefix)
			return publisher.SubscribeEvents(ctx, func(_ context.Context, event domain.Event) error {
				return encoder.Encode(event)
			})
		},
	}
	events.AddCommand(tail)
	return events
}
