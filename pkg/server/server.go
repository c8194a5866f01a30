// Package server exposes the HTTP surface: the SSE chat endpoint,
// dialog CRUD, checkpoint and session operations, tool-result access,
// and configuration.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentsmithy/agentsmithy/pkg/agent"
	"github.com/agentsmithy/agentsmithy/pkg/config"
	"github.com/agentsmithy/agentsmithy/pkg/dialogs"
	"github.com/agentsmithy/agentsmithy/pkg/llms"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
	"github.com/agentsmithy/agentsmithy/pkg/project"
	"github.com/agentsmithy/agentsmithy/pkg/rag"
	"github.com/agentsmithy/agentsmithy/pkg/runtime"
	"github.com/agentsmithy/agentsmithy/pkg/tools"
	"github.com/agentsmithy/agentsmithy/pkg/utils"
	"github.com/agentsmithy/agentsmithy/pkg/versioning"
)

// Options carries everything the server needs from the entry point.
type Options struct {
	Config       *config.Config
	Project      *project.Project
	Store        *dialogs.Store
	Provider     llms.Provider
	Summarizer   llms.Provider // summarization/title workload; falls back to Provider
	Indexer      *rag.Indexer  // nil when RAG is disabled
	Status       *runtime.StatusManager
	Port         int
	IDE          string
	ConfigErrors []string
}

// Server is the per-project HTTP server.
type Server struct {
	cfg        *config.Config
	proj       *project.Project
	store      *dialogs.Store
	provider   llms.Provider
	summarizer llms.Provider
	indexer    *rag.Indexer
	status     *runtime.StatusManager
	port       int
	ide        string

	cfgMu        sync.RWMutex
	configErrors []string

	httpServer *http.Server

	// shutdownCh closes when graceful shutdown begins; active turns
	// observe it as cancellation.
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	mu       sync.Mutex
	trackers map[string]*versioning.Tracker
	runners  map[string]*agent.Runner
	turns    map[string]chan struct{}
}

// New assembles the server and its router.
func New(opts Options) *Server {
	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = opts.Provider
	}
	s := &Server{
		cfg:          opts.Config,
		proj:         opts.Project,
		store:        opts.Store,
		provider:     opts.Provider,
		summarizer:   summarizer,
		indexer:      opts.Indexer,
		status:       opts.Status,
		port:         opts.Port,
		ide:          opts.IDE,
		configErrors: opts.ConfigErrors,
		shutdownCh:   make(chan struct{}),
		trackers:     make(map[string]*versioning.Tracker),
		runners:      make(map[string]*agent.Runner),
		turns:        make(map[string]chan struct{}),
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverMiddleware)
	r.Use(requestLogMiddleware)
	r.Use(corsMiddleware(s.cfg.Server.CORS))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)

		r.Route("/dialogs", func(r chi.Router) {
			r.Get("/", s.handleListDialogs)
			r.Post("/", s.handleCreateDialog)
			r.Get("/current", s.handleGetCurrentDialog)
			r.Patch("/current", s.handleSetCurrentDialog)

			r.Route("/{dialogID}", func(r chi.Router) {
				r.Get("/", s.handleGetDialog)
				r.Patch("/", s.handleUpdateDialog)
				r.Delete("/", s.handleDeleteDialog)
				r.Get("/history", s.handleHistory)
				r.Get("/tool-results", s.handleListToolResults)
				r.Get("/tool-results/{toolCallID}", s.handleGetToolResult)
				r.Get("/checkpoints", s.handleListCheckpoints)
				r.Post("/restore", s.handleRestore)
				r.Post("/approve", s.handleApprove)
				r.Post("/reset", s.handleReset)
				r.Get("/session", s.handleSession)
			})
		})

		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)
		r.Post("/config/rename", s.handleRenameProject)
	})

	return r
}

// ListenAndServe starts serving and blocks until the listener stops.
// ready is called once the listener is accepting connections.
func (s *Server) ListenAndServe(ready func()) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server listening", "addr", addr, "project", s.proj.Name)
	if ready != nil {
		ready()
	}
	err = s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown begins graceful shutdown: active streams observe the
// shutdown signal, emit their error/done pair, and the listener drains.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ShuttingDown reports whether graceful shutdown has begun.
func (s *Server) ShuttingDown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// trackerFor returns the cached versioning tracker for a dialog.
func (s *Server) trackerFor(dialogID string) (*versioning.Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trackers[dialogID]; ok {
		return t, nil
	}
	t, err := versioning.NewTracker(s.proj.Root, dialogID, s.store)
	if err != nil {
		return nil, err
	}
	s.trackers[dialogID] = t
	return t, nil
}

// runnerFor returns the cached turn runner for a dialog, building its
// tool registry and executor on first use.
func (s *Server) runnerFor(dialogID string) (*agent.Runner, error) {
	tracker, err := s.trackerFor(dialogID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[dialogID]; ok {
		return r, nil
	}

	runner := &agent.Runner{
		DialogID:          dialogID,
		Provider:          s.provider,
		Store:             s.store,
		Tracker:           tracker,
		Indexer:           s.indexer,
		MaxToolIterations: s.cfg.LLM.MaxToolIterations,
	}

	toolCtx := &tools.ToolContext{
		Workdir:           s.proj.Root,
		DialogID:          dialogID,
		Tracker:           tracker,
		Indexer:           s.indexer,
		Store:             s.store,
		Config:            &s.cfg.Tools,
		Titler:            s.summarizer,
		IsCurrentTurnCall: runner.IsCurrentTurnCall,
	}
	registry := tools.NewRegistry(toolCtx)

	runner.Registry = registry
	runner.Executor = agent.NewExecutor(registry)
	runner.Builder = agent.NewContextBuilder(s.proj, s.store, &s.cfg.Summarization, s.ide)

	if counter, err := utils.NewTokenCounter(s.cfg.LLM.Model); err == nil {
		runner.Summarizer = agent.NewSummarizer(s.summarizer, s.store, counter, &s.cfg.Summarization)
	} else {
		logger.Warn("Token counter unavailable, summarization disabled", "error", err)
	}

	s.runners[dialogID] = runner
	return runner, nil
}

// acquireTurn takes the per-dialog turn slot without blocking. The
// returned release function is nil when the dialog is busy.
func (s *Server) acquireTurn(dialogID string) func() {
	s.mu.Lock()
	slot, ok := s.turns[dialogID]
	if !ok {
		slot = make(chan struct{}, 1)
		s.turns[dialogID] = slot
	}
	s.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }
	default:
		return nil
	}
}

// forgetDialog drops cached per-dialog state after deletion.
func (s *Server) forgetDialog(dialogID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trackers, dialogID)
	delete(s.runners, dialogID)
	delete(s.turns, dialogID)
}
