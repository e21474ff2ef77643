package worker

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/lianues/buildcopy/internal/config"
	"github.com/lianues/buildcopy/internal/edit"
	"github.com/lianues/buildcopy/internal/gateway"
	"github.com/lianues/buildcopy/internal/history"
	"github.com/lianues/buildcopy/internal/prompt"
	"github.com/lianues/buildcopy/internal/snapshot"
	"github.com/lianues/buildcopy/internal/tokens"
	"github.com/lianues/buildcopy/internal/turn"
	"github.com/lianues/buildcopy/internal/watcher"
	"github.com/lianues/buildcopy/internal/worker/sse"
	"github.com/lianues/buildcopy/internal/workspace"
)

// maxRequestBody caps uploads; file writes carry whole source files.
const maxRequestBody = 32 * 1024 * 1024

// Service wires the edit pipeline to the HTTP surface.
type Service struct {
	version   string
	cfg       *config.Config
	reader    *workspace.Reader
	snapshots *snapshot.Store
	histStore *history.Store
	runner    *turn.Runner
	router    *chi.Mux
	server    *http.Server
	sseHub    *sse.Broadcaster
	fsWatcher *watcher.Watcher
	startTime time.Time

	// turnBusy serializes turns and applies: the workspace supports one
	// writer at a time.
	turnBusy atomic.Bool
}

// NewService assembles the workbench service for one workspace root.
func NewService(workspaceRoot, version string) (*Service, error) {
	config.Init(config.SettingsPath(workspaceRoot))
	cfg := config.Get()

	reader := workspace.NewReader(workspaceRoot)
	snapshots := snapshot.NewStore(reader)
	baseDir := filepath.Dir(workspaceRoot)
	composer := prompt.NewComposer(cfg, baseDir)
	applier := edit.NewApplier(workspaceRoot, snapshots)

	gw, err := gateway.New(cfg)
	if err != nil {
		// The service still serves files, history, and snapshots; chat
		// requests report the missing credentials.
		log.Warn().Err(err).Msg("Model gateway unavailable")
		gw = nil
	}

	estimator, err := tokens.NewEstimator()
	if err != nil {
		log.Warn().Err(err).Msg("Token estimator unavailable")
		estimator = nil
	}

	svc := &Service{
		version:   version,
		cfg:       cfg,
		reader:    reader,
		snapshots: snapshots,
		histStore: history.NewStore(filepath.Join(baseDir, history.DirName)),
		runner:    turn.NewRunner(cfg, reader, composer, gw, applier, estimator),
		router:    chi.NewRouter(),
		sseHub:    sse.NewBroadcaster(),
		startTime: time.Now(),
	}

	svc.setupMiddleware()
	svc.setupRoutes()
	return svc, nil
}

// setupMiddleware configures the HTTP middleware stack.
func (s *Service) setupMiddleware() {
	s.router.Use(RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(SecurityHeaders)
	s.router.Use(MaxBodySize(maxRequestBody))
	// No global timeout: the chat and events streams stay open.
}

// setupRoutes configures the HTTP routes.
func (s *Service) setupRoutes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/events", s.sseHub.HandleSSE)

	s.router.Get("/api/files", s.handleListFiles)
	s.router.Get("/api/file", s.handleReadFile)
	s.router.Put("/api/file", s.handleWriteFile)

	s.router.Post("/api/chat", s.handleChat)
	s.router.Post("/api/apply", s.handleApply)

	s.router.Get("/api/snapshots", s.handleListSnapshots)
	s.router.Post("/api/snapshots/restore", s.handleRestoreSnapshot)

	s.router.Get("/api/history", s.handleListHistory)
	s.router.Get("/api/history/{id}", s.handleGetHistory)
	s.router.Post("/api/history", s.handleCreateHistory)
	s.router.Delete("/api/history/{id}", s.handleDeleteHistory)
}

// Start binds the listener and the workspace watcher. An initial-state
// snapshot is recorded first so the pre-session workspace is always
// recoverable; it elides against the latest snapshot, so an unchanged
// workspace does not grow the chain.
func (s *Service) Start() error {
	label := time.Now().UTC().Format("20060102T150405Z") + "_initial"
	if _, err := s.snapshots.Create(label, false); err != nil {
		log.Warn().Err(err).Str("label", label).Msg("Initial snapshot failed")
	}

	fsw, err := watcher.New(s.reader.Root(), func(relPath string) {
		s.sseHub.Broadcast(map[string]any{
			"type": "fileChanged",
			"path": relPath,
		})
	})
	if err != nil {
		log.Warn().Err(err).Msg("Workspace watcher unavailable")
	} else if err := fsw.Start(); err != nil {
		log.Warn().Err(err).Msg("Workspace watcher failed to start")
	} else {
		s.fsWatcher = fsw
	}

	addr := fmt.Sprintf("127.0.0.1:%d", config.WorkerPort(s.cfg))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("workspace", s.reader.Root()).Msg("Workbench listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Shutdown stops the watcher and drains the HTTP server.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.fsWatcher != nil {
		s.fsWatcher.Stop()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
