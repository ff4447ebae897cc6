// Package worker implements the role-parameterized worker agent. Executor,
// tester, and documenter are the same loop pointed at different prompts,
// providers, and retry ranges.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/troika-dev/troika/internal/agent"
	"github.com/troika-dev/troika/internal/domain/orchconfig"
	"github.com/troika-dev/troika/internal/domain/subtask"
	"github.com/troika-dev/troika/internal/port/provider"
	"github.com/troika-dev/troika/internal/resilience"
)

// ProviderFactory builds a provider client for a named endpoint config.
type ProviderFactory func(name string, cfg orchconfig.ProviderConfig) provider.Provider

// Worker pulls subtasks for one role, drives the provider, and reports back.
type Worker struct {
	role      subtask.Role
	api       *agent.Client
	providers ProviderFactory
	id        string
	timeout   time.Duration
}

// New creates a worker for the role.
func New(role subtask.Role, api *agent.Client, providers ProviderFactory) *Worker {
	return &Worker{
		role:      role,
		api:       api,
		providers: providers,
		id:        string(role) + "-" + uuid.NewString()[:8],
		timeout:   60 * time.Second,
	}
}

// ID returns the worker's identity as presented to the orchestrator.
func (w *Worker) ID() string { return w.id }

// Run is the worker loop: claim, generate, report. It returns when ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started", "role", w.role, "worker", w.id)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		st, ok, err := w.api.Claim(ctx, w.role, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("claim failed, retrying", "role", w.role, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if !ok {
			continue // long poll expired, ask again
		}

		_ = w.api.Heartbeat(ctx, string(w.role), w.id, st.ID)

		if err := w.process(ctx, st); err != nil {
			slog.Error("subtask processing failed", "id", st.ID, "error", err)
		}
	}
}

// process generates content for one claimed subtask and submits the report.
// The claim is never left open: exhausted retries and binary payloads mark
// the subtask failed instead.
func (w *Worker) process(ctx context.Context, st subtask.Subtask) error {
	cfg, err := w.api.FetchConfig(ctx)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}

	agentCfg, ok := cfg.Agents[string(w.role)]
	if !ok {
		return w.api.Fail(ctx, st.ID, "no agent config for role "+string(w.role))
	}
	provCfg, ok := cfg.Providers[agentCfg.Provider]
	if !ok {
		return w.api.Fail(ctx, st.ID, "unknown provider "+agentCfg.Provider)
	}
	prov := w.providers(agentCfg.Provider, provCfg)

	system := strings.ReplaceAll(cfg.Prompts.Workers[string(w.role)], "{filename}", st.Filename)
	req := provider.Request{
		System:      system,
		Prompt:      st.Text,
		Model:       agentCfg.Model,
		Temperature: agentCfg.Temperature,
		MaxTokens:   agentCfg.MaxTokens,
		Timeout:     w.timeout,
	}

	delays := cfg.Retry[string(w.role)]
	policy := resilience.Policy{Min: delays.Min.Std(), Max: delays.Max.Std()}

	start := time.Now()
	var payload string
	err = resilience.Retry(ctx, cfg.MaxAttempts, policy.Backoff(), provider.Transient, func() error {
		out, genErr := prov.Generate(ctx, req)
		if genErr != nil {
			slog.Warn("provider call failed", "id", st.ID, "role", w.role, "error", genErr)
			return genErr
		}
		payload = out
		return nil
	})

	switch {
	case errors.Is(err, provider.ErrBinary):
		return w.api.Fail(ctx, st.ID, "BinaryPayload")
	case err != nil:
		return w.api.Fail(ctx, st.ID, err.Error())
	}

	payload = StripFences(payload)
	rep := subtask.Report{
		SubtaskID: st.ID,
		Role:      w.role,
		Filename:  st.Filename,
		Payload:   payload,
		Metrics:   deriveMetrics(w.role, payload),
		Duration:  time.Since(start),
	}
	if err := w.api.SubmitReport(ctx, rep); err != nil {
		return fmt.Errorf("submit report: %w", err)
	}
	_ = w.api.Heartbeat(ctx, string(w.role), w.id, "")

	slog.Info("report submitted", "id", st.ID, "role", w.role, "file", st.Filename,
		"bytes", len(payload))
	return nil
}

// fenceOpenRe matches an opening code fence with an optional language tag.
var fenceOpenRe = regexp.MustCompile("^```[a-zA-Z0-9_+-]*\\s*\n")

// StripFences removes a markdown code-fence wrapper around the payload, if
// present. Models wrap content despite being told not to; the raw file
// content is what gets persisted.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	trimmed = fenceOpenRe.ReplaceAllString(trimmed, "")
	trimmed = strings.TrimSuffix(strings.TrimRight(trimmed, " \n\t"), "```")
	return strings.TrimRight(trimmed, " \n\t") + "\n"
}

// deriveMetrics produces the per-role confidence inputs from the payload.
// An empty payload scores zero everywhere so the coordinator records low
// confidence and refines.
func deriveMetrics(role subtask.Role, payload string) map[string]float64 {
	if strings.TrimSpace(payload) == "" {
		switch role {
		case subtask.RoleTester:
			return map[string]float64{"tests_passed": 0, "coverage": 0}
		case subtask.RoleDocumenter:
			return map[string]float64{"readability": 0}
		default:
			return map[string]float64{"syntax_score": 0, "readability": 0}
		}
	}
	switch role {
	case subtask.RoleTester:
		return map[string]float64{"tests_passed": 1, "coverage": 1}
	case subtask.RoleDocumenter:
		return map[string]float64{"readability": 1}
	default:
		return map[string]float64{"syntax_score": 1, "readability": 1}
	}
}
