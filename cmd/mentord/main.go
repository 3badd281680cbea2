// Package main implements the mentord daemon and its maintenance commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mentorlabs/mentord/internal/confidence"
	"github.com/mentorlabs/mentord/internal/config"
	"github.com/mentorlabs/mentord/internal/embeddings"
	"github.com/mentorlabs/mentord/internal/httpapi"
	"github.com/mentorlabs/mentord/internal/knowledge"
	"github.com/mentorlabs/mentord/internal/llm"
	"github.com/mentorlabs/mentord/internal/logging"
	"github.com/mentorlabs/mentord/internal/memory"
	"github.com/mentorlabs/mentord/internal/pipeline"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mentord",
	Short:   "Math mentoring pipeline daemon",
	Long:    `mentord solves math problems through a parse-route-solve-verify-explain pipeline grounded in a local knowledge index, with confidence-gated human review.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/mentord/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(solveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(statsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

var solveCmd = &cobra.Command{
	Use:   "solve [problem text]",
	Short: "Solve a single problem and print the outcome as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSolve,
}

var indexCmd = &cobra.Command{
	Use:   "index [corpus dir]",
	Short: "Build the knowledge index from a directory of reference files",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndex,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print memory store statistics",
	RunE:  runStats,
}

// app bundles the wired components behind the commands.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	orch   *pipeline.Orchestrator
	store  *memory.Store
	index  *knowledge.Index
}

func buildApp(needModel bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embedding.BaseURL,
		Model:   cfg.Embedding.Model,
		APIKey:  cfg.Embedding.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing embeddings: %w", err)
	}

	index, err := knowledge.NewIndex(knowledge.Config{
		Path:       cfg.Knowledge.Path,
		Collection: cfg.Knowledge.Collection,
	}, embedder, logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("opening knowledge index: %w", err)
	}

	store, err := memory.Open(memory.Config{Path: cfg.Memory.Path}, embedder, logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}

	var client llm.Client
	if needModel {
		c, err := llm.NewOpenAIClient(llm.Config{
			BaseURL:    cfg.LLM.BaseURL,
			Model:      cfg.LLM.Model,
			APIKey:     cfg.LLM.APIKey,
			Timeout:    cfg.LLM.Timeout,
			MaxRetries: cfg.LLM.MaxRetries,
			RateLimit:  cfg.LLM.RateLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing llm client: %w", err)
		}
		client = c
	}

	zlog := logger.Underlying()
	retriever := knowledge.NewRetriever(index, cfg.Knowledge.MinScore, zlog)
	orch := pipeline.NewOrchestrator(
		pipeline.NewParser(client, zlog,
			pipeline.WithClarificationThreshold(cfg.Pipeline.ClarificationThreshold)),
		pipeline.NewSolver(client, retriever, store, zlog,
			pipeline.WithTopK(cfg.Knowledge.TopK),
			pipeline.WithMemoryThreshold(cfg.Memory.SimilarityThreshold)),
		pipeline.NewVerifier(client, zlog),
		pipeline.NewExplainer(client, zlog),
		store,
		pipeline.Config{
			HITLThreshold: cfg.Pipeline.HITLThreshold,
			StageTimeout:  cfg.Pipeline.StageTimeout,
			Weights: confidence.Weights{
				Retrieval:    cfg.Pipeline.Weights.Retrieval,
				Citation:     cfg.Pipeline.Weights.Citation,
				Generative:   cfg.Pipeline.Weights.Generative,
				Verification: cfg.Pipeline.Weights.Verification,
			},
		},
		zlog,
	)

	return &app{cfg: cfg, logger: logger, orch: orch, store: store, index: index}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn(context.Background(), "closing memory store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	srv := httpapi.NewServer(httpapi.Config{
		Host: a.cfg.Server.Host,
		Port: a.cfg.Server.Port,
	}, a.orch, a.store, a.logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		a.logger.Info(cmd.Context(), "shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func runSolve(cmd *cobra.Command, args []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	outcome := a.orch.Run(cmd.Context(), args[0], pipeline.SourceText)
	out, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	count, err := a.index.IngestDir(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("building index: %w", err)
	}
	fmt.Printf("indexed %d chunks (%d total in collection)\n", count, a.index.Count())
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.store.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
