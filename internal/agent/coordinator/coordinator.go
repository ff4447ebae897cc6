// Package coordinator implements the planning agent. It turns the target
// plus the agreed structure plus accumulated worker reports into a stream of
// subtasks, then decides acceptance from configured confidence metrics.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/troika-dev/troika/internal/agent"
	"github.com/troika-dev/troika/internal/domain/orchconfig"
	"github.com/troika-dev/troika/internal/domain/structure"
	"github.com/troika-dev/troika/internal/domain/subtask"
	"github.com/troika-dev/troika/internal/port/provider"
	"github.com/troika-dev/troika/internal/resilience"
)

// ProviderFactory builds a provider client for a named endpoint config.
type ProviderFactory func(name string, cfg orchconfig.ProviderConfig) provider.Provider

// testableExtensions are the file types that get a tester follow-up.
var testableExtensions = []string{".py", ".js", ".ts", ".java", ".cpp", ".go", ".rs", ".php"}

// Testable reports whether the file warrants a tester subtask.
func Testable(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range testableExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// fileState tracks one file's progress toward completion.
type fileState struct {
	executorID       string
	testerID         string
	documenterID     string
	executorAccepted bool
	testerPassed     bool
	testable         bool
}

// Coordinator is the planning agent.
type Coordinator struct {
	api       *agent.Client
	providers ProviderFactory

	files  map[string]*fileState
	byTask map[string]string // subtask id -> filename
}

// New creates a Coordinator.
func New(api *agent.Client, providers ProviderFactory) *Coordinator {
	return &Coordinator{
		api:       api,
		providers: providers,
		files:     make(map[string]*fileState),
		byTask:    make(map[string]string),
	}
}

// Run drives the three phases: alignment, assignment, completion.
func (c *Coordinator) Run(ctx context.Context) error {
	cfg, err := c.fetchConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Target == "" {
		return fmt.Errorf("no target configured")
	}
	slog.Info("coordinator started", "target", cfg.Target)
	_ = c.api.Heartbeat(ctx, "coordinator", "", "")

	tree, err := c.align(ctx, cfg)
	if err != nil {
		return fmt.Errorf("alignment: %w", err)
	}
	if err := c.seed(ctx, cfg, tree); err != nil {
		return fmt.Errorf("seeding: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reports, err := c.api.Feedback(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("feedback poll failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		cfg, err = c.fetchConfig(ctx)
		if err != nil {
			continue
		}
		for _, rep := range reports {
			c.handleReport(ctx, cfg, rep)
		}
		_ = c.api.Heartbeat(ctx, "coordinator", "", "")

		if c.complete() {
			slog.Info("target complete, coordinator stopping")
			_ = c.api.Collaborate(ctx, map[string]any{
				"ai": "coordinator", "event": "target_complete",
			})
			return nil
		}
	}
}

func (c *Coordinator) fetchConfig(ctx context.Context) (orchconfig.Document, error) {
	var cfg orchconfig.Document
	var err error
	for i := 0; i < 5; i++ {
		cfg, err = c.api.FetchConfig(ctx)
		if err == nil {
			return cfg, nil
		}
		select {
		case <-ctx.Done():
			return cfg, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return cfg, err
}

// ---------------------------------------------------------------------------
// Phase 1: alignment
// ---------------------------------------------------------------------------

// align negotiates the file tree with the structurer. The coordinator
// produces its own proposal, waits for the structurer's, and either accepts
// the counter-proposal or asserts its own. The decision is single-shot.
func (c *Coordinator) align(ctx context.Context, cfg orchconfig.Document) (structure.Tree, error) {
	mine := c.propose(ctx, cfg)

	theirs, err := c.waitForStructure(ctx, 5*time.Minute)
	if err != nil && mine == nil {
		return nil, err
	}

	agreed := DecideTree(mine, theirs)
	if !agreed.Equal(theirs) {
		slog.Info("asserting coordinator tree over structurer proposal",
			"mine", len(agreed.Files()), "theirs", len(theirs.Files()))
		if err := c.api.PostStructure(ctx, agreed); err != nil {
			return nil, fmt.Errorf("assert structure: %w", err)
		}
	}
	return agreed, nil
}

// propose asks the coordinator's provider for a file tree. A failed call
// yields nil; the structurer's proposal then stands.
func (c *Coordinator) propose(ctx context.Context, cfg orchconfig.Document) structure.Tree {
	agentCfg, ok := cfg.Agents["coordinator"]
	if !ok {
		return nil
	}
	provCfg, ok := cfg.Providers[agentCfg.Provider]
	if !ok {
		return nil
	}
	prov := c.providers(agentCfg.Provider, provCfg)

	delays := cfg.Retry["coordinator"]
	policy := resilience.Policy{Min: delays.Min.Std(), Max: delays.Max.Std()}
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(policy.Delay()):
	}

	prompt := strings.ReplaceAll(cfg.Prompts.Coordinator, "{target}", cfg.Target)
	out, err := prov.Generate(ctx, provider.Request{
		Prompt:      prompt,
		Model:       agentCfg.Model,
		Temperature: agentCfg.Temperature,
		MaxTokens:   agentCfg.MaxTokens,
		Timeout:     60 * time.Second,
	})
	if err != nil {
		slog.Warn("coordinator tree proposal failed", "error", err)
		return nil
	}
	tree, err := structure.ParseResponse(out)
	if err != nil {
		slog.Warn("coordinator tree response unparseable", "error", err)
		return nil
	}
	return tree
}

// waitForStructure polls until the structurer publishes a non-empty tree.
func (c *Coordinator) waitForStructure(ctx context.Context, timeout time.Duration) (structure.Tree, error) {
	deadline := time.Now().Add(timeout)
	for {
		tree, err := c.api.Structure(ctx)
		if err == nil && len(tree) > 0 {
			return tree, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("structurer published no tree within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// DecideTree applies the negotiation policy: accept the structurer's
// counter-proposal when it covers every file the coordinator planned,
// otherwise insist on the coordinator's tree. Either side missing yields
// the other.
func DecideTree(mine, theirs structure.Tree) structure.Tree {
	if len(mine) == 0 {
		return theirs
	}
	if len(theirs) == 0 {
		return mine
	}
	for _, f := range mine.Files() {
		if !theirs.Contains(f) {
			return mine
		}
	}
	return theirs
}

// seed enqueues one executor subtask per file of the agreed tree and, when
// parallel follow-ups are enabled, the tester and documenter subtasks too.
func (c *Coordinator) seed(ctx context.Context, cfg orchconfig.Document, tree structure.Tree) error {
	for _, file := range tree.Files() {
		st := &fileState{testable: Testable(file)}
		c.files[file] = st

		id, err := c.api.Enqueue(ctx, subtask.EnqueueRequest{
			Role:     subtask.RoleExecutor,
			Filename: file,
			Text: fmt.Sprintf("Implement the required functionality in file %s based on the overall project goal: %s",
				file, cfg.Target),
		})
		if err != nil {
			return fmt.Errorf("enqueue executor for %s: %w", file, err)
		}
		st.executorID = id
		c.byTask[id] = file

		if cfg.ParallelFollowups {
			c.emitFollowups(ctx, cfg, file, "")
		}
	}
	slog.Info("queues seeded", "files", len(c.files))
	return nil
}

// ---------------------------------------------------------------------------
// Phase 2: assignment
// ---------------------------------------------------------------------------

// handleReport routes one worker report through the acceptance policy.
func (c *Coordinator) handleReport(ctx context.Context, cfg orchconfig.Document, rep subtask.Report) {
	file, ok := c.byTask[rep.SubtaskID]
	if !ok {
		slog.Warn("report for unknown subtask, ignoring", "id", rep.SubtaskID)
		return
	}
	st := c.files[file]
	acc := cfg.Confidence[string(rep.Role)]
	acceptable := strings.TrimSpace(rep.Payload) != "" && acc.Acceptable(rep.Metrics)

	switch rep.Role {
	case subtask.RoleExecutor:
		if !acceptable {
			c.refine(ctx, cfg, rep, file)
			return
		}
		if !cfg.ParallelFollowups {
			c.emitFollowups(ctx, cfg, file, rep.Payload)
		}
		if !st.testable {
			if err := c.api.Accept(ctx, rep.SubtaskID); err == nil {
				st.executorAccepted = true
			}
		}

	case subtask.RoleTester:
		if !acceptable {
			// Tests failed: the executor's output is what needs refining.
			// This tester round is over, so its subtask gets a terminal
			// state before it is forgotten; a fresh tester subtask follows
			// the refined executor report.
			if err := c.api.Fail(ctx, rep.SubtaskID, "tests below confidence threshold"); err != nil {
				slog.Warn("tester subtask not failed", "id", rep.SubtaskID, "error", err)
			}
			c.refine(ctx, cfg, subtask.Report{
				SubtaskID: st.executorID, Role: subtask.RoleExecutor,
				Filename: file,
			}, file)
			delete(c.byTask, st.testerID)
			st.testerID = ""
			return
		}
		if err := c.api.Accept(ctx, rep.SubtaskID); err == nil {
			st.testerPassed = true
		}
		if err := c.api.Accept(ctx, st.executorID); err == nil {
			st.executorAccepted = true
		}

	case subtask.RoleDocumenter:
		if acceptable {
			_ = c.api.Accept(ctx, rep.SubtaskID)
		} else {
			_ = c.api.Reject(ctx, rep.SubtaskID, refinedText(rep.Role, file, cfg.Target))
		}
	}
}

// refine sends the executor subtask back with sharpened instructions. The
// orchestrator fails it once attempts run out; that outcome is final.
func (c *Coordinator) refine(ctx context.Context, cfg orchconfig.Document, rep subtask.Report, file string) {
	if err := c.api.Reject(ctx, rep.SubtaskID, refinedText(subtask.RoleExecutor, file, cfg.Target)); err != nil {
		slog.Warn("refinement rejected", "id", rep.SubtaskID, "error", err)
	}
}

func refinedText(role subtask.Role, file, target string) string {
	return fmt.Sprintf("The previous %s output for %s fell below the confidence threshold. "+
		"Revise it carefully: project goal is %q. Address correctness first.", role, file, target)
}

// emitFollowups enqueues the tester and documenter subtasks for a file. The
// executor's payload is embedded so workers need no separate content fetch.
func (c *Coordinator) emitFollowups(ctx context.Context, cfg orchconfig.Document, file, code string) {
	st := c.files[file]

	codeSection := ""
	if code != "" {
		codeSection = fmt.Sprintf("\n\nCurrent content of %s:\n%s", file, code)
	}

	if st.testable && st.testerID == "" {
		id, err := c.api.Enqueue(ctx, subtask.EnqueueRequest{
			Role:     subtask.RoleTester,
			Filename: file,
			Text:     fmt.Sprintf("Generate unit tests for the code in file %s.%s", file, codeSection),
			ParentID: st.executorID,
		})
		if err != nil {
			slog.Warn("tester follow-up not enqueued", "file", file, "error", err)
		} else {
			st.testerID = id
			c.byTask[id] = file
		}
	}

	if st.documenterID == "" {
		id, err := c.api.Enqueue(ctx, subtask.EnqueueRequest{
			Role:     subtask.RoleDocumenter,
			Filename: file,
			Text:     fmt.Sprintf("Generate documentation for the code in file %s.%s", file, codeSection),
			ParentID: st.executorID,
		})
		if err != nil {
			slog.Warn("documenter follow-up not enqueued", "file", file, "error", err)
		} else {
			st.documenterID = id
			c.byTask[id] = file
		}
	}
}

// ---------------------------------------------------------------------------
// Phase 3: completion
// ---------------------------------------------------------------------------

// complete reports whether every file has an accepted executor subtask and,
// where the file is testable, a passing tester report.
func (c *Coordinator) complete() bool {
	if len(c.files) == 0 {
		return false
	}
	for _, st := range c.files {
		if !st.executorAccepted {
			return false
		}
		if st.testable && !st.testerPassed {
			return false
		}
	}
	return true
}
