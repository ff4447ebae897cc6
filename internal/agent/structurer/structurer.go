// Package structurer implements the persistence agent. It proposes the
// initial file tree, seeds skeleton files, ingests worker reports through
// the repository gateway, and echoes the updated tree back to the
// orchestrator. It is the only agent that writes through the gateway.
package structurer

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/troika-dev/troika/internal/agent"
	"github.com/troika-dev/troika/internal/domain/orchconfig"
	"github.com/troika-dev/troika/internal/domain/structure"
	"github.com/troika-dev/troika/internal/domain/subtask"
	"github.com/troika-dev/troika/internal/port/gateway"
	"github.com/troika-dev/troika/internal/port/provider"
	"github.com/troika-dev/troika/internal/resilience"
)

// ProviderFactory builds a provider client for a named endpoint config.
type ProviderFactory func(name string, cfg orchconfig.ProviderConfig) provider.Provider

// Structurer is the persistence agent.
type Structurer struct {
	api       *agent.Client
	gw        gateway.Gateway
	providers ProviderFactory

	lastPosted structure.Tree
	revised    bool // one revision allowed per target

	// WatchEvery sets how often the agent checks for a coordinator-asserted
	// tree. Zero means the 10s default.
	WatchEvery time.Duration
}

// New creates a Structurer.
func New(api *agent.Client, gw gateway.Gateway, providers ProviderFactory) *Structurer {
	return &Structurer{api: api, gw: gw, providers: providers}
}

// Run proposes the tree, then alternates between the persistence loop and
// watching for a coordinator assertion until ctx ends.
func (s *Structurer) Run(ctx context.Context) error {
	cfg, err := s.api.FetchConfig(ctx)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}
	slog.Info("structurer started", "target", cfg.Target)
	_ = s.api.Heartbeat(ctx, "structurer", "", "")

	if err := s.propose(ctx, cfg); err != nil {
		_ = s.api.PostStatus(ctx, "structure_creation_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("propose structure: %w", err)
	}

	every := s.WatchEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	watch := time.NewTicker(every)
	defer watch.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watch.C:
			s.checkAssertion(ctx, cfg)
			_ = s.api.Heartbeat(ctx, "structurer", "", "")
		default:
		}

		reports, err := s.api.StructurerReports(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("report poll failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, rep := range reports {
			if err := s.persist(ctx, rep); err != nil {
				slog.Error("persist failed", "id", rep.SubtaskID, "error", err)
				_ = s.api.Collaborate(ctx, map[string]any{
					"ai": "structurer", "error": err.Error(),
					"context": "failed to persist report " + rep.SubtaskID,
				})
			}
		}
		if len(reports) > 0 {
			s.publishTree(ctx)
		}
	}
}

// propose generates the initial tree, seeds skeleton files, and publishes.
func (s *Structurer) propose(ctx context.Context, cfg orchconfig.Document) error {
	tree, err := s.generateTree(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.seedSkeleton(ctx, tree); err != nil {
		return err
	}
	if err := s.api.PostStructure(ctx, tree); err != nil {
		return fmt.Errorf("post structure: %w", err)
	}
	s.lastPosted = tree.Clone()
	_ = s.api.PostStatus(ctx, "structure_creation_completed", nil)
	slog.Info("structure proposed", "files", len(tree.Files()))
	return nil
}

// generateTree asks the provider for the project tree.
func (s *Structurer) generateTree(ctx context.Context, cfg orchconfig.Document) (structure.Tree, error) {
	agentCfg, ok := cfg.Agents["structurer"]
	if !ok {
		return nil, fmt.Errorf("no structurer agent config")
	}
	provCfg, ok := cfg.Providers[agentCfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", agentCfg.Provider)
	}
	prov := s.providers(agentCfg.Provider, provCfg)

	delays := cfg.Retry["structurer"]
	policy := resilience.Policy{Min: delays.Min.Std(), Max: delays.Max.Std()}

	prompt := strings.ReplaceAll(cfg.Prompts.Structurer, "{target}", cfg.Target)
	req := provider.Request{
		Prompt:      prompt,
		Model:       agentCfg.Model,
		Temperature: agentCfg.Temperature,
		MaxTokens:   agentCfg.MaxTokens,
		Timeout:     60 * time.Second,
	}

	var tree structure.Tree
	err := resilience.Retry(ctx, cfg.MaxAttempts, policy.Backoff(), provider.Transient, func() error {
		out, genErr := prov.Generate(ctx, req)
		if genErr != nil {
			return genErr
		}
		parsed, parseErr := structure.ParseResponse(out)
		if parseErr != nil {
			return fmt.Errorf("%w: %s", provider.ErrInvalid, parseErr)
		}
		tree = parsed
		return nil
	})
	return tree, err
}

// seedSkeleton creates placeholder files for the tree and commits them, with
// .gitkeep markers in empty directories.
func (s *Structurer) seedSkeleton(ctx context.Context, tree structure.Tree) error {
	var seeded int
	var walk func(t structure.Tree, prefix string) error
	walk = func(t structure.Tree, prefix string) error {
		if len(t) == 0 && prefix != "" {
			return s.gw.Write(ctx, path.Join(prefix, ".gitkeep"), nil)
		}
		for name, child := range t {
			p := name
			if prefix != "" {
				p = prefix + "/" + name
			}
			if child == nil {
				if err := s.gw.Write(ctx, p, []byte("")); err != nil {
					return err
				}
				seeded++
				continue
			}
			if err := walk(child, p); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(tree, ""); err != nil {
		return err
	}
	if err := s.gw.Commit(ctx, "Create initial project structure"); err != nil {
		return err
	}
	slog.Info("skeleton seeded", "files", seeded)
	return nil
}

// checkAssertion detects a coordinator-asserted tree. The structurer may
// revise once; a second disagreement adopts the coordinator's tree verbatim.
func (s *Structurer) checkAssertion(ctx context.Context, cfg orchconfig.Document) {
	current, err := s.api.Structure(ctx)
	if err != nil || len(current) == 0 || current.Equal(s.lastPosted) {
		return
	}

	if s.revised {
		slog.Info("adopting coordinator tree verbatim")
		s.adopt(ctx, current)
		return
	}
	s.revised = true

	revision, err := s.generateTree(ctx, cfg)
	if err != nil || !revision.Equal(current) {
		// Revision failed or still disagrees: the coordinator's tree wins.
		s.adopt(ctx, current)
		return
	}
	s.adopt(ctx, revision)
}

// adopt seeds and publishes the given tree as the agreed structure.
func (s *Structurer) adopt(ctx context.Context, tree structure.Tree) {
	if err := s.seedSkeleton(ctx, tree); err != nil {
		slog.Error("skeleton for adopted tree failed", "error", err)
	}
	if err := s.api.PostStructure(ctx, tree); err != nil {
		slog.Error("post adopted structure failed", "error", err)
		return
	}
	s.lastPosted = tree.Clone()
}

// TargetPath maps a report to the path its payload lands at: executor output
// replaces the file itself, tester output goes under tests/, documenter
// output under docs/.
func TargetPath(role subtask.Role, filename string) string {
	switch role {
	case subtask.RoleTester:
		dir, base := path.Split(filename)
		ext := path.Ext(base)
		name := strings.TrimSuffix(base, ext)
		return path.Join("tests", dir, name+"_test"+ext)
	case subtask.RoleDocumenter:
		return path.Join("docs", filename+".md")
	default:
		return filename
	}
}

// persist writes one report's payload through the gateway and commits it.
func (s *Structurer) persist(ctx context.Context, rep subtask.Report) error {
	target := TargetPath(rep.Role, rep.Filename)
	if err := s.gw.Write(ctx, target, []byte(rep.Payload)); err != nil {
		return err
	}
	msg := fmt.Sprintf("%s update for %s (subtask %s)", rep.Role, rep.Filename, rep.SubtaskID)
	if err := s.gw.Commit(ctx, msg); err != nil {
		return err
	}
	slog.Info("report persisted", "id", rep.SubtaskID, "path", target)
	return nil
}

// publishTree re-enumerates the working tree and posts the snapshot.
func (s *Structurer) publishTree(ctx context.Context) {
	tree, err := s.gw.Tree(ctx)
	if err != nil {
		slog.Error("tree enumeration failed", "error", err)
		return
	}
	if err := s.api.PostStructure(ctx, tree); err != nil {
		slog.Error("post structure failed", "error", err)
		return
	}
	s.lastPosted = tree.Clone()
}
