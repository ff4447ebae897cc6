// Package orchestrator is the state of record for the pipeline: the task
// ledger, the per-role queues, the structure snapshot, agent run-states, and
// the fan-out of deltas to push-channel subscribers. All mutation goes
// through the exported operations; agents reach them over HTTP only.
//
// Shared state sits behind fine-grained locks (one per queue, one for the
// ledger, one for the structure snapshot, one per auxiliary table). No
// operation holds two of these locks at once, which is what makes the lock
// graph trivially acyclic.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/troika-dev/troika/internal/domain"
	"github.com/troika-dev/troika/internal/domain/orchconfig"
	"github.com/troika-dev/troika/internal/domain/structure"
	"github.com/troika-dev/troika/internal/domain/subtask"
)

// Publisher fans deltas out to push-channel subscribers. Implementations
// must never block the caller; slow subscribers are the hub's problem.
type Publisher interface {
	// Publish broadcasts one delta. fields are merged into the message
	// envelope next to its "type" tag.
	Publish(typ string, fields map[string]any)

	// PublishFull broadcasts a full-status snapshot. Full snapshots are
	// never dropped: a saturated subscriber buffer coalesces into one.
	PublishFull(fields map[string]any)
}

// nopPublisher is used until a hub is attached.
type nopPublisher struct{}

func (nopPublisher) Publish(string, map[string]any) {}
func (nopPublisher) PublishFull(map[string]any)     {}

// Options configures the Service.
type Options struct {
	Lease       time.Duration // claim lease window
	PollTimeout time.Duration // worker long-poll bound
	SweepEvery  time.Duration // lease sweep interval
	Config      orchconfig.Document
	ConfigPath  string
	GitActivity func() int // commit counter, usually gateway.CommitCount

	// OnStructureUpdate runs after every snapshot replacement. The service
	// process uses it to flush its gateway read cache: the structurer
	// writes from another process, so per-path invalidation cannot cross.
	OnStructureUpdate func()
}

// Service owns the ledger, queues, structure snapshot, run-states, and the
// coordinator/structurer forwarding mailboxes.
type Service struct {
	lease        time.Duration
	pollTimeout  time.Duration
	sweepEvery   time.Duration
	configPath   string
	gitActivity  func() int
	onStructure  func()

	queues map[subtask.Role]*roleQueue
	ledger *ledger
	states *runStates
	met    *metrics

	structMu  sync.Mutex
	structure structure.Tree

	cfgMu sync.Mutex
	cfg   orchconfig.Document

	pubMu sync.Mutex
	pub   Publisher

	toStructurer  *mailbox[subtask.Report]
	toCoordinator *mailbox[subtask.Report]

	auxMu         sync.Mutex
	structurerRep map[string]any // last structurer status report
	collaboration []map[string]any
}

// New creates a Service. Attach a Publisher with SetPublisher before serving.
func New(opts Options) *Service {
	s := &Service{
		lease:         opts.Lease,
		pollTimeout:   opts.PollTimeout,
		sweepEvery:    opts.SweepEvery,
		configPath:    opts.ConfigPath,
		gitActivity:   opts.GitActivity,
		onStructure:   opts.OnStructureUpdate,
		queues:        make(map[subtask.Role]*roleQueue, len(subtask.Roles)),
		ledger:        newLedger(),
		states:        newRunStates(),
		met:           newMetrics(opts.Config.HistoryLength),
		structure:     make(structure.Tree),
		cfg:           opts.Config,
		pub:           nopPublisher{},
		toStructurer:  newMailbox[subtask.Report](),
		toCoordinator: newMailbox[subtask.Report](),
		structurerRep: map[string]any{"status": "pending"},
	}
	for _, r := range subtask.Roles {
		s.queues[r] = newRoleQueue()
	}
	if s.gitActivity == nil {
		s.gitActivity = func() int { return 0 }
	}
	if s.sweepEvery <= 0 {
		s.sweepEvery = 5 * time.Second
	}
	return s
}

// SetPublisher attaches the push-channel hub.
func (s *Service) SetPublisher(p Publisher) {
	s.pubMu.Lock()
	s.pub = p
	s.pubMu.Unlock()
}

func (s *Service) publisher() Publisher {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.pub
}

// Run drives the lease sweeper until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, q := range s.queues {
				q.close()
			}
			return
		case <-ticker.C:
			s.sweepLeases(time.Now())
		}
	}
}

// ---------------------------------------------------------------------------
// Enqueue / Claim / Report
// ---------------------------------------------------------------------------

// safePath reports whether p stays inside the repository root.
func safePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../") && clean != "."
}

// Enqueue validates and appends a subtask to its role queue in pending state.
// The id is assigned when absent; reuse of a known id is rejected. A role
// queue at its soft cap refuses more work so the coordinator backs off.
func (s *Service) Enqueue(req subtask.EnqueueRequest) (subtask.Subtask, error) {
	if !subtask.ValidRole(string(req.Role)) {
		return subtask.Subtask{}, fmt.Errorf("%w: %q", domain.ErrUnknownRole, req.Role)
	}
	if !safePath(req.Filename) {
		return subtask.Subtask{}, fmt.Errorf("%w: unsafe filename %q", domain.ErrValidation, req.Filename)
	}
	if req.Text == "" {
		return subtask.Subtask{}, fmt.Errorf("%w: text is required", domain.ErrValidation)
	}

	s.cfgMu.Lock()
	softCap := s.cfg.QueueSoftCap
	s.cfgMu.Unlock()

	q := s.queues[req.Role]
	if softCap > 0 && q.size() >= softCap {
		return subtask.Subtask{}, fmt.Errorf("%w: %s", domain.ErrQueueSaturated, req.Role)
	}

	st := subtask.Subtask{
		ID:       req.ID,
		Role:     req.Role,
		Filename: req.Filename,
		Text:     req.Text,
		ParentID: req.ParentID,
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if err := s.ledger.add(st); err != nil {
		return subtask.Subtask{}, err
	}
	st, _ = s.ledger.get(st.ID) // the stored entry carries pending status and timestamps
	q.push(st.ID)

	slog.Info("subtask enqueued", "id", st.ID, "role", st.Role, "file", st.Filename)
	s.publishQueues(req.Role)
	return st, nil
}

// Claim atomically pops the head of the role queue and transitions it to
// processing under the caller's claim. When the queue is empty the call
// parks until work arrives or the poll timeout elapses; a false ok means
// "nothing yet, ask again". The same id is never handed to two workers.
func (s *Service) Claim(ctx context.Context, role subtask.Role, workerID string) (subtask.Subtask, bool, error) {
	if !subtask.ValidRole(string(role)) {
		return subtask.Subtask{}, false, fmt.Errorf("%w: %q", domain.ErrUnknownRole, role)
	}
	q := s.queues[role]

	for {
		id, ok := q.pop(ctx, s.pollTimeout)
		if !ok {
			return subtask.Subtask{}, false, nil
		}
		changed, err := s.ledger.transition(id, subtask.StatusProcessing, nil)
		if err != nil || !changed {
			// Entry vanished or was failed while queued; skip it.
			slog.Warn("skipping unclaimable subtask", "id", id, "error", err)
			continue
		}
		q.claim(id, workerID, time.Now())
		s.states.heartbeat(string(role), time.Now())

		st, _ := s.ledger.get(id)
		slog.Info("subtask claimed", "id", id, "role", role, "worker", workerID)
		s.publishStatus(id, subtask.StatusProcessing)
		s.publishQueues(role)
		return st, true, nil
	}
}

// SubmitReport validates and records a worker's report, advances the subtask
// to code_received, and forwards the report to the structurer (persistence)
// and the coordinator (planning).
func (s *Service) SubmitReport(rep subtask.Report) error {
	st, ok := s.ledger.get(rep.SubtaskID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownSubtask, rep.SubtaskID)
	}
	if st.Role != rep.Role {
		return fmt.Errorf("%w: subtask %s belongs to %s, report from %s",
			domain.ErrWrongRole, rep.SubtaskID, st.Role, rep.Role)
	}
	if st.Status != subtask.StatusProcessing {
		return fmt.Errorf("%w: %s is %s", domain.ErrNotClaimed, rep.SubtaskID, st.Status)
	}
	if _, err := s.ledger.transition(rep.SubtaskID, subtask.StatusCodeReceived, nil); err != nil {
		return err
	}
	s.queues[st.Role].release(rep.SubtaskID)
	s.ledger.appendReport(rep)
	s.states.heartbeat(string(st.Role), time.Now())

	s.toStructurer.put(rep)
	s.toCoordinator.put(rep)

	slog.Info("report received", "id", rep.SubtaskID, "role", rep.Role, "file", rep.Filename,
		"bytes", len(rep.Payload), "duration", rep.Duration)
	s.publishStatus(rep.SubtaskID, subtask.StatusCodeReceived)
	return nil
}

// Heartbeat renews an agent's liveness and, when a subtask id is given, the
// worker's claim lease on it.
func (s *Service) Heartbeat(agent, workerID, subtaskID string) {
	now := time.Now()
	s.states.heartbeat(agent, now)
	if subtaskID == "" {
		return
	}
	if st, ok := s.ledger.get(subtaskID); ok {
		s.queues[st.Role].renew(subtaskID, workerID, now)
	}
}

// ---------------------------------------------------------------------------
// Coordinator decisions
// ---------------------------------------------------------------------------

// MarkAccepted transitions code_received -> accepted. Repeats are no-ops and
// emit no further delta.
func (s *Service) MarkAccepted(id string) error {
	changed, err := s.ledger.transition(id, subtask.StatusAccepted, nil)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.met.recordAccepted()
	slog.Info("subtask accepted", "id", id)
	s.publishStatus(id, subtask.StatusAccepted)
	s.publisher().Publish("specific_update", map[string]any{
		"processed_over_time": s.met.processedOverTime(),
	})
	return nil
}

// MarkFailed transitions a subtask to failed with the given reason.
func (s *Service) MarkFailed(id, reason string) error {
	changed, err := s.ledger.transition(id, subtask.StatusFailed, func(st *subtask.Subtask) {
		st.LastError = reason
	})
	if err != nil {
		return err
	}
	if changed {
		slog.Warn("subtask failed", "id", id, "reason", reason)
		s.publishStatus(id, subtask.StatusFailed)
	}
	return nil
}

// Reject sends a code_received subtask back to pending with refined
// instruction text. Once attempts exceed the configured maximum the subtask
// fails instead.
func (s *Service) Reject(id, refinedText string) error {
	st, ok := s.ledger.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownSubtask, id)
	}

	s.cfgMu.Lock()
	maxAttempts := s.cfg.MaxAttempts
	s.cfgMu.Unlock()

	if st.Attempts >= maxAttempts {
		return s.MarkFailed(id, "confidence below threshold after max refinements")
	}

	changed, err := s.ledger.transition(id, subtask.StatusPending, func(e *subtask.Subtask) {
		e.Attempts++
		if refinedText != "" {
			e.Text = refinedText
		}
	})
	if err != nil {
		return err
	}
	if changed {
		s.queues[st.Role].push(id)
		slog.Info("subtask rejected for refinement", "id", id, "attempts", st.Attempts+1)
		s.publishStatus(id, subtask.StatusPending)
		s.publishQueues(st.Role)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Structure
// ---------------------------------------------------------------------------

// UpdateStructure replaces the authoritative snapshot, mirrors it to the
// configured snapshot file, and broadcasts it.
func (s *Service) UpdateStructure(t structure.Tree) {
	s.structMu.Lock()
	s.structure = t.Clone()
	s.structMu.Unlock()

	if s.onStructure != nil {
		s.onStructure()
	}

	s.cfgMu.Lock()
	snapshotPath := s.cfg.Paths.Structure
	s.cfgMu.Unlock()
	if snapshotPath != "" {
		if data, err := json.MarshalIndent(t, "", "  "); err == nil {
			if err := os.WriteFile(snapshotPath, data, 0o640); err != nil {
				slog.Warn("structure snapshot not persisted", "path", snapshotPath, "error", err)
			}
		}
	}

	slog.Info("structure updated", "files", len(t.Files()))
	s.publisher().Publish("structure_update", map[string]any{"structure": t})
}

// Structure returns a copy of the current snapshot.
func (s *Service) Structure() structure.Tree {
	s.structMu.Lock()
	defer s.structMu.Unlock()
	return s.structure.Clone()
}

// NextStructurerReports long-polls for reports awaiting persistence.
func (s *Service) NextStructurerReports(ctx context.Context, limit int) []subtask.Report {
	return s.toStructurer.take(ctx, s.pollTimeout, limit)
}

// Feedback long-polls for reports awaiting coordinator planning.
func (s *Service) Feedback(ctx context.Context, limit int) []subtask.Report {
	return s.toCoordinator.take(ctx, s.pollTimeout, limit)
}

// ---------------------------------------------------------------------------
// Status reads
// ---------------------------------------------------------------------------

// Subtask returns a copy of one ledger entry.
func (s *Service) Subtask(id string) (subtask.Subtask, bool) {
	return s.ledger.get(id)
}

// AllStatuses returns every subtask status keyed by id.
func (s *Service) AllStatuses() map[string]subtask.Status {
	return s.ledger.statuses()
}

// QueueItems returns the pending items of one role queue in FIFO order.
func (s *Service) QueueItems(role subtask.Role) []subtask.QueueItem {
	q, ok := s.queues[role]
	if !ok {
		return nil
	}
	return s.ledger.items(q.snapshot())
}

// RunStates returns the agent run-state table.
func (s *Service) RunStates() map[string]RunState {
	return s.states.snapshot()
}

// SetRunState lets the supervisor record lifecycle changes.
func (s *Service) SetRunState(agent string, mutate func(*RunState)) {
	s.states.set(agent, mutate)
	s.publisher().Publish("status_update", map[string]any{"ai_status": s.states.snapshot()})
}

// DropRunState removes an agent record on clean shutdown.
func (s *Service) DropRunState(agent string) {
	s.states.delete(agent)
	s.publisher().Publish("status_update", map[string]any{"ai_status": s.states.snapshot()})
}

// ---------------------------------------------------------------------------
// Structurer status and collaboration log
// ---------------------------------------------------------------------------

// SetStructurerReport stores the structurer's latest status report.
func (s *Service) SetStructurerReport(rep map[string]any) {
	s.auxMu.Lock()
	s.structurerRep = rep
	s.auxMu.Unlock()
}

// StructurerReport returns the last structurer status report.
func (s *Service) StructurerReport() map[string]any {
	s.auxMu.Lock()
	defer s.auxMu.Unlock()
	return s.structurerRep
}

// AddCollaboration appends an inter-agent collaboration request to the log.
func (s *Service) AddCollaboration(req map[string]any) {
	s.auxMu.Lock()
	s.collaboration = append(s.collaboration, req)
	s.auxMu.Unlock()
}

// Collaborations lists all recorded collaboration requests.
func (s *Service) Collaborations() []map[string]any {
	s.auxMu.Lock()
	defer s.auxMu.Unlock()
	out := make([]map[string]any, len(s.collaboration))
	copy(out, s.collaboration)
	return out
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config returns a deep copy of the orchestration config document.
func (s *Service) Config() orchconfig.Document {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.Clone()
}

// UpdateConfig replaces the whole document, persisting before acknowledging.
func (s *Service) UpdateConfig(doc orchconfig.Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrValidation, err)
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if err := doc.Save(s.configPath); err != nil {
		return err
	}
	s.cfg = doc.Clone()
	return nil
}

// UpdateConfigItem updates one top-level key, persisting before acknowledging.
func (s *Service) UpdateConfigItem(key string, value json.RawMessage) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	next := s.cfg
	if err := next.SetItem(key, value); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrValidation, err)
	}
	if err := next.Save(s.configPath); err != nil {
		return err
	}
	s.cfg = next
	return nil
}

// ---------------------------------------------------------------------------
// Reset and lease sweep
// ---------------------------------------------------------------------------

// Reset retires the ledger, queues, mailboxes, metrics, and structure. Agent
// run-states survive; the operator resets those through lifecycle controls.
func (s *Service) Reset() {
	for _, q := range s.queues {
		q.clear()
	}
	s.ledger.reset()
	s.met.reset()
	s.toStructurer.clear()
	s.toCoordinator.clear()

	s.structMu.Lock()
	s.structure = make(structure.Tree)
	s.structMu.Unlock()

	s.auxMu.Lock()
	s.structurerRep = map[string]any{"status": "pending"}
	s.collaboration = nil
	s.auxMu.Unlock()

	slog.Warn("orchestrator state cleared")
	s.publisher().PublishFull(s.FullStatus())
}

// sweepLeases re-enqueues subtasks whose claim outlived the lease window.
// The worker that held the claim is presumed dead; the attempt counter
// increments so chronic crashers eventually fail.
func (s *Service) sweepLeases(now time.Time) {
	s.cfgMu.Lock()
	maxAttempts := s.cfg.MaxAttempts
	s.cfgMu.Unlock()

	for role, q := range s.queues {
		for _, c := range q.expired(s.lease, now) {
			q.release(c.SubtaskID)

			st, ok := s.ledger.get(c.SubtaskID)
			if !ok || st.Status != subtask.StatusProcessing {
				continue
			}
			if st.Attempts >= maxAttempts {
				_ = s.MarkFailed(c.SubtaskID, "claim lease expired after max attempts")
				continue
			}
			changed, err := s.ledger.transition(c.SubtaskID, subtask.StatusPending, func(e *subtask.Subtask) {
				e.Attempts++
				e.LastError = fmt.Sprintf("claim by %s expired", c.WorkerID)
			})
			if err != nil || !changed {
				continue
			}
			q.pushFront(c.SubtaskID)
			slog.Warn("claim lease expired, re-enqueued", "id", c.SubtaskID,
				"role", role, "worker", c.WorkerID)
			s.publishStatus(c.SubtaskID, subtask.StatusPending)
			s.publishQueues(role)
		}
	}
}

// SweepNow runs one lease sweep immediately (test hook and start-up recovery).
func (s *Service) SweepNow() {
	s.sweepLeases(time.Now())
}

// ---------------------------------------------------------------------------
// Delta publication
// ---------------------------------------------------------------------------

func (s *Service) publishStatus(id string, status subtask.Status) {
	s.publisher().Publish("specific_update", map[string]any{
		"subtasks": map[string]subtask.Status{id: status},
	})
}

func (s *Service) publishQueues(role subtask.Role) {
	s.publisher().Publish("queue_update", map[string]any{
		"queues": map[string][]subtask.QueueItem{
			string(role): s.QueueItems(role),
		},
	})
}

// FullStatus assembles the full_status_update payload: run-states, queues,
// subtask statuses, the structure snapshot, and the aggregate chart series.
func (s *Service) FullStatus() map[string]any {
	queues := make(map[string][]subtask.QueueItem, len(subtask.Roles))
	for _, r := range subtask.Roles {
		queues[string(r)] = s.QueueItems(r)
	}
	total, accepted := s.ledger.counts()
	progress := 0.0
	if total > 0 {
		progress = float64(accepted) / float64(total)
	}
	return map[string]any{
		"ai_status":                s.states.snapshot(),
		"queues":                   queues,
		"subtasks":                 s.ledger.statuses(),
		"structure":                s.Structure(),
		"processed_over_time":      s.met.processedOverTime(),
		"task_status_distribution": s.ledger.distribution(),
		"progress_data":            progress,
		"git_activity":             s.gitActivity(),
	}
}

// ChartUpdates assembles just the aggregate series for get_chart_updates.
func (s *Service) ChartUpdates() map[string]any {
	total, accepted := s.ledger.counts()
	progress := 0.0
	if total > 0 {
		progress = float64(accepted) / float64(total)
	}
	return map[string]any{
		"processed_over_time":      s.met.processedOverTime(),
		"task_status_distribution": s.ledger.distribution(),
		"progress_data":            progress,
		"git_activity":             s.gitActivity(),
	}
}
