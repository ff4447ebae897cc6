// Command troika runs the orchestrator service: the HTTP API, the push
// channel, the task ledger and queues, and the agent supervisor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	troikahttp "github.com/troika-dev/troika/internal/adapter/http"
	"github.com/troika-dev/troika/internal/adapter/repo"
	"github.com/troika-dev/troika/internal/adapter/ws"
	"github.com/troika-dev/troika/internal/config"
	"github.com/troika-dev/troika/internal/domain/orchconfig"
	"github.com/troika-dev/troika/internal/logger"
	"github.com/troika-dev/troika/internal/orchestrator"
	"github.com/troika-dev/troika/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	doc, err := orchconfig.Load(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("orchestration config: %w", err)
	}

	// Logging: JSON to stdout, teed into the log file and the in-memory
	// tail that feeds log_update deltas and subscriber replay.
	tail := logger.NewTail(cfg.Logging.TailSize)
	if err := os.MkdirAll(doc.Paths.Logs, 0o750); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(doc.Paths.Logs, "troika.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()
	slog.SetDefault(logger.New(cfg.Logging.Level, cfg.Logging.Service, tail, logFile))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repository gateway. Mutations are rare on this side (clear_repo); the
	// shared pool's repo lock keeps them from racing the structurer process.
	gw, err := repo.New(ctx, repo.Options{
		Root:          doc.Paths.Repo,
		MaxConcurrent: cfg.Git.MaxConcurrent,
		CacheSizeMB:   cfg.Cache.MaxSizeMB,
		CacheTTL:      cfg.Cache.TTL,
	})
	if err != nil {
		return fmt.Errorf("repository: %w", err)
	}

	// Orchestrator core
	svc := orchestrator.New(orchestrator.Options{
		Lease:             cfg.Queue.Lease,
		PollTimeout:       cfg.Queue.PollTimeout,
		SweepEvery:        cfg.Queue.SweepEvery,
		Config:            doc,
		ConfigPath:        cfg.ConfigPath,
		GitActivity:       gw.CommitCount,
		OnStructureUpdate: gw.InvalidateAll,
	})
	go svc.Run(ctx)

	// Seed the snapshot from whatever the working tree already holds.
	if tree, err := gw.Tree(ctx); err == nil && len(tree) > 0 {
		svc.UpdateStructure(tree)
	}

	// Push channel
	hub := ws.NewHub(ws.Options{
		BufferSize:   cfg.Hub.BufferSize,
		SendTimeout:  cfg.Hub.SendTimeout,
		PingInterval: cfg.Hub.PingInterval,
		FullStatus:   svc.FullStatus,
		Charts:       svc.ChartUpdates,
		LogReplay:    tail.Lines,
	})
	svc.SetPublisher(hub)
	tail.OnLine(func(line string) {
		hub.Publish(ws.TypeLog, map[string]any{"log_line": line})
	})

	// Supervisor
	sup := supervisor.New(supervisor.Options{
		Binary:         cfg.Supervisor.AgentBinary,
		APIURL:         "http://localhost:" + cfg.Server.Port,
		GracePeriod:    cfg.Supervisor.GracePeriod,
		RestartBackoff: cfg.Supervisor.RestartBackoff,
		MaxBackoff:     cfg.Supervisor.MaxBackoff,
		FailureLimit:   cfg.Supervisor.FailureLimit,
		FailureWindow:  cfg.Supervisor.FailureWindow,
		Sink:           svc,
		Tail:           tail,
	})

	// HTTP
	handlers := &troikahttp.Handlers{
		Orchestrator: svc,
		Gateway:      gw,
		Supervisor:   sup,
		LogTail:      tail,
	}

	r := chi.NewRouter()
	r.Use(troikahttp.CORS(cfg.Server.CORSOrigin))
	r.Use(troikahttp.Logger)
	r.Use(troikahttp.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/ws", hub.HandleWS)
	troikahttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	// Stop agents first so in-flight reports can land, then the server.
	_ = sup.StopAll()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
