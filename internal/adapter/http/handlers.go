package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/troika-dev/troika/internal/domain/orchconfig"
	"github.com/troika-dev/troika/internal/domain/structure"
	"github.com/troika-dev/troika/internal/domain/subtask"
	"github.com/troika-dev/troika/internal/logger"
	"github.com/troika-dev/troika/internal/orchestrator"
	"github.com/troika-dev/troika/internal/port/gateway"
)

// Supervisor is the lifecycle surface the handlers drive. The concrete
// implementation lives in internal/supervisor.
type Supervisor interface {
	Start(group string) error
	Stop(group string) error
	StartAll() error
	StopAll() error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orchestrator *orchestrator.Service
	Gateway      gateway.Gateway
	Supervisor   Supervisor
	LogTail      *logger.Tail
}

// ---------------------------------------------------------------------------
// Subtasks and reports (agent surface)
// ---------------------------------------------------------------------------

type subtaskEnvelope struct {
	Subtask subtask.EnqueueRequest `json:"subtask"`
}

// ReceiveSubtask enqueues a subtask from the coordinator.
func (h *Handlers) ReceiveSubtask(w http.ResponseWriter, r *http.Request) {
	env, ok := readJSON[subtaskEnvelope](w, r)
	if !ok {
		return
	}
	st, err := h.Orchestrator.Enqueue(env.Subtask)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subtask received", "id": st.ID})
}

// ClaimTask hands the next pending subtask of the role to a worker,
// long-polling until work arrives or the poll timeout elapses.
func (h *Handlers) ClaimTask(w http.ResponseWriter, r *http.Request) {
	role := subtask.Role(urlParam(r, "role"))
	workerID := r.URL.Query().Get("worker")
	if workerID == "" {
		workerID = "anonymous"
	}

	st, ok, err := h.Orchestrator.Claim(r.Context(), role, workerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"message": "no tasks available for " + string(role)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]subtask.Subtask{"subtask": st})
}

type reportRequest struct {
	SubtaskID  string             `json:"subtask_id"`
	Role       subtask.Role       `json:"role"`
	Filename   string             `json:"filename"`
	Payload    string             `json:"payload"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	DurationMS int64              `json:"duration_ms,omitempty"`
}

// ReceiveReport accepts a worker's report for a claimed subtask.
func (h *Handlers) ReceiveReport(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[reportRequest](w, r)
	if !ok {
		return
	}
	err := h.Orchestrator.SubmitReport(subtask.Report{
		SubtaskID: req.SubtaskID,
		Role:      req.Role,
		Filename:  req.Filename,
		Payload:   req.Payload,
		Metrics:   req.Metrics,
		Duration:  time.Duration(req.DurationMS) * time.Millisecond,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "report received"})
}

// AcceptSubtask marks a code_received subtask accepted (idempotent).
func (h *Handlers) AcceptSubtask(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.MarkAccepted(urlParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type rejectRequest struct {
	Text string `json:"text"`
}

// RejectSubtask sends a subtask back to pending with refined text.
func (h *Handlers) RejectSubtask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rejectRequest](w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.Reject(urlParam(r, "id"), req.Text); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

type failRequest struct {
	Reason string `json:"reason"`
}

// FailSubtask transitions a subtask to failed.
func (h *Handlers) FailSubtask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[failRequest](w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.MarkFailed(urlParam(r, "id"), req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

// SubtaskStatus returns one subtask's status.
func (h *Handlers) SubtaskStatus(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	st, ok := h.Orchestrator.Subtask(id)
	if !ok {
		writeError(w, http.StatusNotFound, "subtask not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subtask_id": id, "status": st.Status})
}

// AllSubtaskStatuses returns every known subtask status keyed by id.
func (h *Handlers) AllSubtaskStatuses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.AllStatuses())
}

type heartbeatRequest struct {
	Agent     string `json:"agent"`
	WorkerID  string `json:"worker_id,omitempty"`
	SubtaskID string `json:"subtask_id,omitempty"`
}

// Heartbeat renews agent liveness and, optionally, a claim lease.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[heartbeatRequest](w, r)
	if !ok {
		return
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent is required")
		return
	}
	h.Orchestrator.Heartbeat(req.Agent, req.WorkerID, req.SubtaskID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Structure
// ---------------------------------------------------------------------------

type structureEnvelope struct {
	Structure structure.Tree `json:"structure"`
}

// ReceiveStructure replaces the structure snapshot (from the structurer).
func (h *Handlers) ReceiveStructure(w http.ResponseWriter, r *http.Request) {
	env, ok := readJSON[structureEnvelope](w, r)
	if !ok {
		return
	}
	if env.Structure == nil {
		writeError(w, http.StatusBadRequest, "structure object is required")
		return
	}
	h.Orchestrator.UpdateStructure(env.Structure)
	writeJSON(w, http.StatusOK, map[string]string{"status": "structure received"})
}

// GetStructure returns the current structure snapshot.
func (h *Handlers) GetStructure(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, structureEnvelope{Structure: h.Orchestrator.Structure()})
}

// ---------------------------------------------------------------------------
// Forwarding mailboxes (long-poll)
// ---------------------------------------------------------------------------

// StructurerReports long-polls reports queued for persistence.
func (h *Handlers) StructurerReports(w http.ResponseWriter, r *http.Request) {
	reports := h.Orchestrator.NextStructurerReports(r.Context(), 16)
	writeJSON(w, http.StatusOK, map[string][]subtask.Report{"reports": reports})
}

// CoordinatorFeedback long-polls reports queued for planning.
func (h *Handlers) CoordinatorFeedback(w http.ResponseWriter, r *http.Request) {
	reports := h.Orchestrator.Feedback(r.Context(), 16)
	writeJSON(w, http.StatusOK, map[string][]subtask.Report{"reports": reports})
}

// ---------------------------------------------------------------------------
// Structurer status and collaboration log
// ---------------------------------------------------------------------------

// ReceiveStructurerReport stores the structurer's status report.
func (h *Handlers) ReceiveStructurerReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := readJSON[map[string]any](w, r)
	if !ok {
		return
	}
	if rep["status"] == nil || rep["status"] == "" {
		writeError(w, http.StatusBadRequest, "missing 'status' in report")
		return
	}
	h.Orchestrator.SetStructurerReport(rep)
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// GetStructurerReport returns the structurer's last status report.
func (h *Handlers) GetStructurerReport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.StructurerReport())
}

// ReceiveCollaboration logs an inter-agent collaboration request.
func (h *Handlers) ReceiveCollaboration(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[map[string]any](w, r)
	if !ok {
		return
	}
	h.Orchestrator.AddCollaboration(req)
	writeJSON(w, http.StatusOK, map[string]string{"status": "collaboration request logged"})
}

// ListCollaborations returns all recorded collaboration requests.
func (h *Handlers) ListCollaborations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"collaboration_requests": h.Orchestrator.Collaborations(),
	})
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// GetConfig returns the orchestration config document (agents fetch their
// prompts, providers, and retry ranges from here).
func (h *Handlers) GetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.Config())
}

// UpdateConfig replaces the whole orchestration config document.
func (h *Handlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	doc, ok := readJSON[orchconfig.Document](w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.UpdateConfig(doc); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "config updated"})
}

type configItemRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// UpdateConfigItem updates one top-level config key.
func (h *Handlers) UpdateConfigItem(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[configItemRequest](w, r)
	if !ok {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := h.Orchestrator.UpdateConfigItem(req.Key, req.Value); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "config updated"})
}

// ListProviders returns available providers and current agent assignments.
func (h *Handlers) ListProviders(w http.ResponseWriter, _ *http.Request) {
	cfg := h.Orchestrator.Config()
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available_providers": names,
		"current_config":      cfg.Agents,
		"roles":               subtask.Roles,
	})
}

type updateProviderRequest struct {
	Agent    string `json:"agent"`
	Provider string `json:"provider"`
}

// UpdateProvider reassigns one agent's provider and persists the change.
func (h *Handlers) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[updateProviderRequest](w, r)
	if !ok {
		return
	}
	cfg := h.Orchestrator.Config()
	ag, found := cfg.Agents[req.Agent]
	if !found {
		writeError(w, http.StatusBadRequest, "unknown agent: "+req.Agent)
		return
	}
	if _, found := cfg.Providers[req.Provider]; !found {
		writeError(w, http.StatusBadRequest, "unknown provider: "+req.Provider)
		return
	}
	if ag.Provider == req.Provider {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no_change"})
		return
	}
	ag.Provider = req.Provider
	cfg.Agents[req.Agent] = ag
	if err := h.Orchestrator.UpdateConfig(cfg); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// FileContent returns file bytes, or the binary sentinel for binary files.
func (h *Handlers) FileContent(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	data, _, err := h.Gateway.Read(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ---------------------------------------------------------------------------
// Lifecycle controls
// ---------------------------------------------------------------------------

// StartAgent starts one agent group (ai1/ai2/ai3).
func (h *Handlers) StartAgent(group string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := h.Supervisor.Start(group); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": group + " started"})
	}
}

// StopAgent stops one agent group.
func (h *Handlers) StopAgent(group string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := h.Supervisor.Stop(group); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": group + " stopped"})
	}
}

// StartAll starts the whole pipeline.
func (h *Handlers) StartAll(w http.ResponseWriter, _ *http.Request) {
	if err := h.Supervisor.StartAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "all agents started"})
}

// StopAll stops the whole pipeline.
func (h *Handlers) StopAll(w http.ResponseWriter, _ *http.Request) {
	if err := h.Supervisor.StopAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "all agents stopped"})
}

// Clear resets the ledger, queues, metrics, and log tail.
func (h *Handlers) Clear(w http.ResponseWriter, _ *http.Request) {
	h.Orchestrator.Reset()
	if h.LogTail != nil {
		h.LogTail.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "state cleared"})
}

// ClearRepo wipes and re-initializes the working repository.
func (h *Handlers) ClearRepo(w http.ResponseWriter, r *http.Request) {
	if err := h.Gateway.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Orchestrator.UpdateStructure(structure.Tree{})
	writeJSON(w, http.StatusOK, map[string]string{"status": "repository cleared"})
}

// Health is the liveness endpoint.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
