// Command troika-agent runs one agent process: the coordinator, one role
// worker, or the structurer. Agents talk to the orchestrator exclusively
// over its HTTP endpoints and exit cleanly on SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/troika-dev/troika/internal/adapter/llm"
	"github.com/troika-dev/troika/internal/adapter/repo"
	"github.com/troika-dev/troika/internal/agent"
	"github.com/troika-dev/troika/internal/agent/coordinator"
	"github.com/troika-dev/troika/internal/agent/structurer"
	"github.com/troika-dev/troika/internal/agent/worker"
	"github.com/troika-dev/troika/internal/domain/orchconfig"
	"github.com/troika-dev/troika/internal/domain/subtask"
	"github.com/troika-dev/troika/internal/logger"
	"github.com/troika-dev/troika/internal/port/provider"
	"github.com/troika-dev/troika/internal/resilience"
)

func main() {
	kind := flag.String("kind", "", "agent kind: coordinator | worker | structurer")
	role := flag.String("role", "", "worker role: executor | tester | documenter")
	api := flag.String("api", "http://localhost:7860", "orchestrator base URL")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	// Agents log to stderr; the supervisor captures it into the shared tail.
	handler := logger.New(*level, "troika-agent", os.Stderr)
	slog.SetDefault(handler)

	if err := run(*kind, *role, *api); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("agent exited", "kind", *kind, "role", *role, "error", err)
		os.Exit(1)
	}
}

func run(kind, role, apiURL string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agent.NewClient(apiURL)
	providers := providerFactory()

	switch kind {
	case "coordinator":
		return coordinator.New(client, coordinator.ProviderFactory(providers)).Run(ctx)

	case "worker":
		if !subtask.ValidRole(role) {
			return fmt.Errorf("worker requires -role executor|tester|documenter, got %q", role)
		}
		return worker.New(subtask.Role(role), client, worker.ProviderFactory(providers)).Run(ctx)

	case "structurer":
		doc, err := fetchConfig(ctx, client)
		if err != nil {
			return fmt.Errorf("fetch config: %w", err)
		}
		gw, err := repo.New(ctx, repo.Options{
			Root:          doc.Paths.Repo,
			MaxConcurrent: 2,
		})
		if err != nil {
			return fmt.Errorf("repository: %w", err)
		}
		return structurer.New(client, gw, structurer.ProviderFactory(providers)).Run(ctx)

	default:
		return fmt.Errorf("unknown agent kind %q", kind)
	}
}

// providerFactory builds breaker-wrapped provider clients, one per endpoint.
func providerFactory() func(name string, cfg orchconfig.ProviderConfig) provider.Provider {
	cache := make(map[string]provider.Provider)
	return func(name string, cfg orchconfig.ProviderConfig) provider.Provider {
		if p, ok := cache[name]; ok {
			return p
		}
		key := ""
		if cfg.APIKeyEnv != "" {
			key = os.Getenv(cfg.APIKeyEnv)
		}
		c := llm.NewClient(cfg.BaseURL, key)
		// Deterministic failures (invalid request, binary payload) say
		// nothing about endpoint health; only transient errors trip.
		c.SetBreaker(resilience.NewBreaker(5, 30*time.Second).Trips(provider.Transient))
		cache[name] = c
		return c
	}
}

// fetchConfig retries until the orchestrator is reachable; agents are often
// launched a beat before the service finishes binding.
func fetchConfig(ctx context.Context, client *agent.Client) (orchconfig.Document, error) {
	var doc orchconfig.Document
	var err error
	for i := 0; i < 30; i++ {
		doc, err = client.FetchConfig(ctx)
		if err == nil {
			return doc, nil
		}
		select {
		case <-ctx.Done():
			return doc, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return doc, err
}
