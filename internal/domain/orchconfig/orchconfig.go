// Package orchconfig defines the runtime-mutable orchestration configuration
// document. The document is a single JSON file on disk; every mutation is
// persisted atomically before it is acknowledged to the caller.
package orchconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AgentConfig holds the provider assignment for one agent or worker role.
type AgentConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// ProviderConfig describes one reachable chat-completion endpoint.
type ProviderConfig struct {
	BaseURL   string `json:"base_url"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

// Duration is a time.Duration that round-trips through JSON as a Go
// duration string ("1s", "500ms") so the on-disk document stays editable.
type Duration time.Duration

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or nanoseconds: %s", data)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DelayRange bounds the uniform-random delay applied before provider calls
// and used as the initial retry interval.
type DelayRange struct {
	Min Duration `json:"min"`
	Max Duration `json:"max"`
}

// Acceptance holds the confidence threshold and metric weights for one role.
type Acceptance struct {
	Threshold float64            `json:"threshold"`
	Weights   map[string]float64 `json:"weights"`
}

// Score computes the weighted confidence sum for the given metrics.
// Metrics without a configured weight contribute nothing.
func (a Acceptance) Score(metrics map[string]float64) float64 {
	var sum float64
	for name, weight := range a.Weights {
		sum += weight * metrics[name]
	}
	return sum
}

// Acceptable reports whether the metrics meet the configured threshold.
func (a Acceptance) Acceptable(metrics map[string]float64) bool {
	return a.Score(metrics) >= a.Threshold
}

// Prompts holds the role prompt templates. {filename} and {target} are
// substituted by the agents before the provider call.
type Prompts struct {
	Coordinator string            `json:"coordinator"`
	Structurer  string            `json:"structurer"`
	Workers     map[string]string `json:"workers"`
}

// Paths holds the on-disk locations the system writes to.
type Paths struct {
	Logs      string `json:"logs"`
	Repo      string `json:"repo"`
	Structure string `json:"structure"`
}

// Document is the process-wide orchestration configuration record.
type Document struct {
	Target            string                    `json:"target"`
	Agents            map[string]AgentConfig    `json:"agents"`
	Providers         map[string]ProviderConfig `json:"providers"`
	Retry             map[string]DelayRange     `json:"retry"`
	Confidence        map[string]Acceptance     `json:"confidence"`
	Prompts           Prompts                   `json:"prompts"`
	Paths             Paths                     `json:"paths"`
	QueueSoftCap      int                       `json:"queue_soft_cap"`
	MaxAttempts       int                       `json:"max_attempts"`
	ParallelFollowups bool                      `json:"parallel_followups"`
	HistoryLength     int                       `json:"history_length"`
}

// Clone returns a deep copy; the maps inside a Document are otherwise shared
// between copies.
func (d Document) Clone() Document {
	out := d
	out.Agents = make(map[string]AgentConfig, len(d.Agents))
	for k, v := range d.Agents {
		out.Agents[k] = v
	}
	out.Providers = make(map[string]ProviderConfig, len(d.Providers))
	for k, v := range d.Providers {
		out.Providers[k] = v
	}
	out.Retry = make(map[string]DelayRange, len(d.Retry))
	for k, v := range d.Retry {
		out.Retry[k] = v
	}
	out.Confidence = make(map[string]Acceptance, len(d.Confidence))
	for k, v := range d.Confidence {
		weights := make(map[string]float64, len(v.Weights))
		for mk, mv := range v.Weights {
			weights[mk] = mv
		}
		out.Confidence[k] = Acceptance{Threshold: v.Threshold, Weights: weights}
	}
	out.Prompts.Workers = make(map[string]string, len(d.Prompts.Workers))
	for k, v := range d.Prompts.Workers {
		out.Prompts.Workers[k] = v
	}
	return out
}

// Default returns a document with workable local defaults.
func Default() Document {
	return Document{
		Agents: map[string]AgentConfig{
			"coordinator": {Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 4096},
			"executor":    {Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 8192},
			"tester":      {Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 8192},
			"documenter":  {Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.4, MaxTokens: 4096},
			"structurer":  {Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 2048},
		},
		Providers: map[string]ProviderConfig{
			"openai": {BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY"},
		},
		Retry: map[string]DelayRange{
			"coordinator": {Min: Duration(1 * time.Second), Max: Duration(5 * time.Second)},
			"executor":    {Min: Duration(1 * time.Second), Max: Duration(10 * time.Second)},
			"tester":      {Min: Duration(1 * time.Second), Max: Duration(10 * time.Second)},
			"documenter":  {Min: Duration(1 * time.Second), Max: Duration(10 * time.Second)},
			"structurer":  {Min: Duration(1 * time.Second), Max: Duration(5 * time.Second)},
		},
		Confidence: map[string]Acceptance{
			"executor":   {Threshold: 0.5, Weights: map[string]float64{"syntax_score": 0.5, "readability": 0.5}},
			"tester":     {Threshold: 0.5, Weights: map[string]float64{"tests_passed": 0.7, "coverage": 0.3}},
			"documenter": {Threshold: 0.5, Weights: map[string]float64{"readability": 1.0}},
		},
		Prompts: Prompts{
			Coordinator: "You are a project coordinator. Propose a file tree for the target: {target}. Respond ONLY with a JSON object of directories and files, null for files, inside a ```json fence.",
			Structurer:  "Generate a JSON structure for a project with the target: \"{target}\". Respond ONLY with the JSON structure inside a ```json fence. Use null for files.",
			Workers: map[string]string{
				"executor":   "You are an expert programmer. Create the content for the file {filename}. Respond ONLY with the raw file content. Do NOT use markdown code blocks.",
				"tester":     "You are a testing expert. Generate unit tests for the code in file {filename}. Respond ONLY with the raw test code. Do NOT use markdown code blocks.",
				"documenter": "You are a technical writer. Generate documentation for the code in file {filename}. Respond ONLY with the raw documentation text. Do NOT use markdown code blocks.",
			},
		},
		Paths: Paths{
			Logs:      "logs",
			Repo:      "repo",
			Structure: "structure.json",
		},
		QueueSoftCap:  100,
		MaxAttempts:   3,
		HistoryLength: 20,
	}
}

// Validate rejects documents that would misbehave at runtime. In particular,
// per-role metric weights must sum into (0, 1] and thresholds must lie in
// [0, 1]; configs outside that range are rejected at load rather than
// producing unspecified acceptance behavior.
func (d *Document) Validate() error {
	for role, acc := range d.Confidence {
		if acc.Threshold < 0 || acc.Threshold > 1 {
			return fmt.Errorf("confidence.%s: threshold %v outside [0,1]", role, acc.Threshold)
		}
		var sum float64
		for _, w := range acc.Weights {
			if w < 0 {
				return fmt.Errorf("confidence.%s: negative weight", role)
			}
			sum += w
		}
		if sum <= 0 || sum > 1.0001 {
			return fmt.Errorf("confidence.%s: weights sum %v outside (0,1]", role, sum)
		}
	}
	for name, r := range d.Retry {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("retry.%s: invalid delay range [%v,%v]", name, r.Min, r.Max)
		}
	}
	for name, a := range d.Agents {
		if a.Provider == "" {
			return fmt.Errorf("agents.%s: provider is required", name)
		}
		if _, ok := d.Providers[a.Provider]; !ok {
			return fmt.Errorf("agents.%s: unknown provider %q", name, a.Provider)
		}
	}
	if d.MaxAttempts < 1 {
		return errors.New("max_attempts must be >= 1")
	}
	return nil
}

// Load reads and validates the document at path. A missing file yields the
// defaults (and no error) so a fresh checkout starts without ceremony.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from service config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	doc := Default()
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, fmt.Errorf("validate %s: %w", path, err)
	}
	return doc, nil
}

// Save writes the document atomically: marshal to a sibling temp file, fsync,
// rename over the target. A crash mid-save never leaves a torn document.
func (d *Document) Save(path string) error {
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	return os.Rename(tmpName, path)
}

// SetItem updates a single top-level key from raw JSON and re-validates.
func (d *Document) SetItem(key string, value json.RawMessage) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("explode document: %w", err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	m[key] = value
	merged, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("merge document: %w", err)
	}
	var next Document
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("config key %q: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*d = next
	return nil
}
