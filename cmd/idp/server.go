package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/rohit280101/AI-IDP/internal/api"
	"github.com/rohit280101/AI-IDP/internal/blob"
	"github.com/rohit280101/AI-IDP/internal/classify"
	"github.com/rohit280101/AI-IDP/internal/config"
	"github.com/rohit280101/AI-IDP/internal/engine"
	"github.com/rohit280101/AI-IDP/internal/extract"
	"github.com/rohit280101/AI-IDP/internal/ingest"
	"github.com/rohit280101/AI-IDP/internal/pipeline"
	"github.com/rohit280101/AI-IDP/internal/ratelimit"
	"github.com/rohit280101/AI-IDP/internal/reranking"
	"github.com/rohit280101/AI-IDP/internal/retrieval"
	"github.com/rohit280101/AI-IDP/internal/search"
	"github.com/rohit280101/AI-IDP/internal/storage"
	"github.com/rohit280101/AI-IDP/internal/vectorindex"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the idp server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running idp server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show idp system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve document search over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "idp.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogHandler(w io.Writer, cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// openIndex loads the vector index snapshot. An inconsistent snapshot is
// reported and replaced by an empty index so the server can still start;
// `idp reindex` rebuilds it from stored text.
func openIndex(cfg config.Config) (*vectorindex.Index, error) {
	index, err := vectorindex.Open(cfg.IndexDir(), cfg.Engine.Dimension)
	if err == nil {
		return index, nil
	}
	if !errors.Is(err, vectorindex.ErrIntegrity) && !errors.Is(err, vectorindex.ErrDimensionMismatch) {
		return nil, fmt.Errorf("opening vector index: %w", err)
	}
	slog.Error("vector index snapshot unusable, starting empty; run `idp reindex`", "dir", cfg.IndexDir(), "error", err)
	return vectorindex.New(cfg.Engine.Dimension, cfg.IndexDir()), nil
}

func detectEngine(cfg config.Config) (engine.Engine, error) {
	eng, err := engine.Detect(engine.DetectConfig{
		Backend:       cfg.Engine.Backend,
		OllamaBaseURL: cfg.Engine.OllamaBaseURL,
		OpenAIBaseURL: cfg.Engine.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.Engine.OpenAIAPIKey,
		Dimensions:    cfg.Engine.Dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	return eng, nil
}

// newSearchEngine builds the search engine, with LLM reranking when a
// rerank model is configured.
func newSearchEngine(cfg config.Config, eng engine.Engine, embedder *retrieval.Embedder, index *vectorindex.Index, store *storage.Store) *search.Engine {
	e := search.New(embedder, index, store)
	if cfg.Search.RerankModel == "" {
		return e
	}
	return e.WithReranker(reranking.New(eng, cfg.Search.RerankModel,
		reranking.WithTimeout(cfg.Search.RerankTimeout),
		reranking.WithPassages(func(id string) (string, error) {
			doc, err := store.GetDocument(id)
			if err != nil {
				return "", err
			}
			return doc.Text(), nil
		}),
	))
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(newLogHandler(os.Stderr, cfg.Log)))

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("idp is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("idp is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := detectEngine(cfg)
	if err != nil {
		return err
	}
	if err := engine.EnsureReady(ctx, eng, os.Stderr,
		cfg.Engine.EmbedModel, cfg.Engine.ChatModel, cfg.Engine.VisionModel, cfg.Search.RerankModel); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	index, err := openIndex(cfg)
	if err != nil {
		return err
	}
	slog.Info("vector index loaded", "vectors", index.Len(), "dimension", index.Dimension())

	blobs, err := blob.Open(ctx, cfg.UploadLocation())
	if err != nil {
		return fmt.Errorf("opening upload storage: %w", err)
	}
	if c, ok := blobs.(io.Closer); ok {
		defer c.Close()
	}

	// Document pipeline.
	extractor := extract.New(
		extract.WithVision(eng, cfg.Engine.VisionModel),
		extract.WithMaxPages(cfg.Pipeline.MaxPDFPages),
	)
	classifier := classify.NewClassifier(eng, cfg.Engine.ChatModel, cfg.Pipeline.Labels).
		WithTimeout(cfg.Pipeline.ClassifyTimeout)
	embedder := retrieval.NewEmbedder(eng, cfg.Engine.EmbedModel, index)
	processor := pipeline.NewProcessor(store, blobs, extractor, embedder, classifier,
		pipeline.WithTimeouts(pipeline.StageTimeouts{
			Extract:  cfg.Pipeline.ExtractTimeout,
			Embed:    cfg.Pipeline.EmbedTimeout,
			Classify: cfg.Pipeline.ClassifyTimeout,
		}),
		pipeline.WithMaxBytes(int64(cfg.Pipeline.MaxUploadBytes)),
		pipeline.WithLogger(slog.Default()),
	)

	worker, err := ingest.NewWorker(store, processor, cfg.Worker.Concurrency, cfg.Worker.PollInterval)
	if err != nil {
		return err
	}
	workerDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()

	limiter := ratelimit.New()
	go limiter.Run(ctx, cfg.RateLimit.SweepInterval)

	handler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Blobs:     blobs,
		Search:    newSearchEngine(cfg, eng, embedder, index, store),
		Reindexer: embedder,
		Engine:    eng,
		Index:     index,
		Token:     apiToken,
		Limiter:   limiter,
		UploadLimit: api.Limit{
			Max:    cfg.RateLimit.UploadMax,
			Window: cfg.RateLimit.UploadWindow,
		},
		SearchLimit: api.Limit{
			Max:    cfg.RateLimit.SearchMax,
			Window: cfg.RateLimit.SearchWindow,
		},
		MaxUploadBytes: int64(cfg.Pipeline.MaxUploadBytes),
		Metrics:        api.NewMetrics(),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("idp listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			stop()
			<-workerDone
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	// In-flight jobs are interrupted and left running for the next start.
	<-workerDone
	return shutdownErr
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// stdout carries the protocol.
	slog.SetDefault(slog.New(newLogHandler(os.Stderr, cfg.Log)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := detectEngine(cfg)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	index, err := openIndex(cfg)
	if err != nil {
		return err
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Engine.EmbedModel, index)
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:   store,
		Search:  newSearchEngine(cfg, eng, embedder, index, store),
		Version: version,
	})

	slog.Info("MCP server started (stdio transport)", "vectors", index.Len())
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("idp is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop idp (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to idp (PID %d)", pid)
	return nil
}

type readyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/ready")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var report readyReport
		decodeErr := decodeJSONAnyStatus(resp, &report)
		running = true
		switch {
		case decodeErr != nil:
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		case report.Status == "ready":
			printStatus("Server", "running on port %d", cfg.Server.Port)
		default:
			printStatus("Server", "degraded on port %d", cfg.Server.Port)
		}
		for _, name := range []string{"database", "engine", "index"} {
			if v, ok := report.Checks[name]; ok {
				printStatus("  "+name, "%s", v)
			}
		}
	}

	printStatus("Backend", "%s", cfg.Engine.Backend)
	printStatus("Embed model", "%s (dim %d)", cfg.Engine.EmbedModel, cfg.Engine.Dimension)
	printStatus("Chat model", "%s", cfg.Engine.ChatModel)
	printStatus("Vision model", "%s", cfg.Engine.VisionModel)

	if running {
		if c, err := newAPIClient(); err == nil {
			var docs []struct {
				Status string `json:"status"`
			}
			if r, err := c.get(context.Background(), "/api/v1/documents?limit=100"); err == nil && decodeJSON(r, &docs) == nil {
				printStatus("Documents", "%s", countLabel(len(docs), 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Uploads", "%s", cfg.UploadLocation())
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
