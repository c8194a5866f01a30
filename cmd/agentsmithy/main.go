// Command agentsmithy runs the per-project coding-assistant server.
//
// Usage:
//
//	agentsmithy --workdir /abs/path/to/project [--ide vscode]
//
// Exit codes: 0 on normal shutdown, 2 on invalid arguments, 3 on
// startup failure (another server running, initialization error).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentsmithy/agentsmithy/pkg/config"
	"github.com/agentsmithy/agentsmithy/pkg/dialogs"
	"github.com/agentsmithy/agentsmithy/pkg/embedders"
	"github.com/agentsmithy/agentsmithy/pkg/llms"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
	"github.com/agentsmithy/agentsmithy/pkg/project"
	"github.com/agentsmithy/agentsmithy/pkg/rag"
	"github.com/agentsmithy/agentsmithy/pkg/runtime"
	"github.com/agentsmithy/agentsmithy/pkg/server"
	"github.com/agentsmithy/agentsmithy/pkg/vector"
)

const (
	exitOK          = 0
	exitInvalidArgs = 2
	exitStartup     = 3
)

// shutdownGrace bounds how long active streams get to finish their
// error/done pair during graceful shutdown.
const shutdownGrace = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		workdir string
		ide     string
	)
	fs := flag.NewFlagSet("agentsmithy", flag.ContinueOnError)
	fs.StringVar(&workdir, "workdir", "", "project directory (required, absolute path)")
	fs.StringVar(&ide, "ide", "", "IDE identifier injected into the system prompt")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitInvalidArgs
	}

	if workdir == "" {
		fmt.Fprintln(os.Stderr, "error: --workdir is required")
		fs.Usage()
		return exitInvalidArgs
	}
	if !filepath.IsAbs(workdir) {
		fmt.Fprintf(os.Stderr, "error: --workdir must be an absolute path, got %q\n", workdir)
		return exitInvalidArgs
	}

	// A project-local .env feeds config env overlays; absence is fine.
	_ = godotenv.Load(filepath.Join(workdir, ".env"))
	_ = godotenv.Load()

	logger.InitFromEnv()

	proj, err := project.New(workdir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInvalidArgs
	}
	if err := proj.EnsureStateDir(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitStartup
	}

	status := runtime.NewStatusManager(proj.StatusPath())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load config before anything that needs host/port. Validation
	// failures (typically a missing API key) are recorded in status.json
	// but do not block startup: clients need a reachable server to show
	// the error.
	var configErrors []string
	cfg, _, err := config.LoadFromWorkdir(ctx, proj.Root)
	if err != nil {
		configErrors = append(configErrors, err.Error())
		cfg = &config.Config{}
		cfg.ApplyEnv()
		cfg.SetDefaults()
	}

	if level, err := logger.ParseLevel(cfg.Logging.Level); err == nil {
		logger.Init(level, os.Stderr, cfg.Logging.Format)
	}

	port, err := runtime.EnsureSingleton(status, cfg.Server.Host, cfg.Server.Port, cfg.Server.MaxPortProbe, ide)
	if err != nil {
		status.UpdateServerStatus(runtime.ServerError, runtime.ServerUpdate{Error: err.Error()})
		logger.Error("Startup refused", "error", err)
		return exitStartup
	}
	status.SetConfigStatus(len(configErrors) == 0, configErrors)

	store, err := dialogs.Open(proj.DialogsDir(), proj.MessagesDBPath())
	if err != nil {
		status.UpdateServerStatus(runtime.ServerError, runtime.ServerUpdate{Error: err.Error()})
		logger.Error("Failed to open dialog store", "error", err)
		return exitStartup
	}
	defer store.Close()

	provider := llms.NewOpenAIProvider(&cfg.LLM)
	var summarizer llms.Provider
	if cfg.Summarization.Model != "" && cfg.Summarization.Model != cfg.LLM.Model {
		summaryCfg := cfg.LLM
		summaryCfg.Model = cfg.Summarization.Model
		summarizer = llms.NewOpenAIProvider(&summaryCfg)
	}

	indexer := buildIndexer(proj, cfg)

	srv := server.New(server.Options{
		Config:       cfg,
		Project:      proj,
		Store:        store,
		Provider:     provider,
		Summarizer:   summarizer,
		Indexer:      indexer,
		Status:       status,
		Port:         port,
		IDE:          ide,
		ConfigErrors: configErrors,
	})

	// Hot reload: rewrite of agentsmithy.yaml swaps the config in place.
	watchLoader := config.NewLoader(
		filepath.Join(proj.Root, config.FileName),
		config.WithOnChange(srv.ApplyConfig),
	)
	go func() {
		if err := watchLoader.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("Config watcher stopped", "error", err)
		}
	}()

	if indexer != nil {
		go runInitialScan(ctx, indexer, status)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(func() {
			status.UpdateServerStatus(runtime.ServerReady, runtime.ServerUpdate{})
			logger.Info("Server ready", "port", port, "workdir", proj.Root)
		})
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		status.UpdateServerStatus(runtime.ServerStopping, runtime.ServerUpdate{})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown did not complete cleanly", "error", err)
		}
		<-serveErr
		status.UpdateServerStatus(runtime.ServerStopped, runtime.ServerUpdate{})
		logger.Info("Server stopped")
		return exitOK

	case err := <-serveErr:
		if err != nil {
			status.UpdateServerStatus(runtime.ServerError, runtime.ServerUpdate{Error: err.Error()})
			logger.Error("Server failed", "error", err)
			return exitStartup
		}
		status.UpdateServerStatus(runtime.ServerStopped, runtime.ServerUpdate{})
		return exitOK
	}
}

// buildIndexer assembles the RAG pipeline, or returns nil when indexing
// is disabled or no embedding credentials are available.
func buildIndexer(proj *project.Project, cfg *config.Config) *rag.Indexer {
	if !cfg.RAG.IsEnabled() {
		return nil
	}
	embedderCfg := cfg.Embedder
	if embedderCfg.APIKey == "" {
		embedderCfg.APIKey = cfg.LLM.APIKey
	}
	embedder, err := embedders.NewOpenAIEmbedder(&embedderCfg)
	if err != nil {
		logger.Warn("Project indexing disabled", "reason", err)
		return nil
	}
	store, err := vector.NewChromemStore(proj.RAGDir())
	if err != nil {
		logger.Warn("Project indexing disabled", "reason", err)
		return nil
	}
	indexer, err := rag.NewIndexer(proj.Root, filepath.Dir(proj.RAGDir()), store, embedder, &cfg.RAG)
	if err != nil {
		logger.Warn("Project indexing disabled", "reason", err)
		return nil
	}
	return indexer
}

// runInitialScan indexes the project in the background, publishing
// progress into status.json.
func runInitialScan(ctx context.Context, indexer *rag.Indexer, status *runtime.StatusManager) {
	zero := 0
	status.UpdateScanStatus(runtime.ScanScanning, runtime.ScanUpdate{Progress: &zero})
	indexer.OnProgress = func(percent int) {
		p := percent
		status.UpdateScanStatus(runtime.ScanScanning, runtime.ScanUpdate{Progress: &p})
	}

	if _, err := indexer.InitialScan(ctx); err != nil {
		if ctx.Err() != nil {
			status.UpdateScanStatus(runtime.ScanCanceled, runtime.ScanUpdate{})
			return
		}
		status.UpdateScanStatus(runtime.ScanError, runtime.ScanUpdate{Error: err.Error()})
		logger.Warn("Initial project scan failed", "error", err)
		return
	}
	full := 100
	status.UpdateScanStatus(runtime.ScanDone, runtime.ScanUpdate{Progress: &full})
}
