package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/troika-dev/troika/internal/domain"
	"github.com/troika-dev/troika/internal/domain/orchconfig"
	"github.com/troika-dev/troika/internal/domain/structure"
	"github.com/troika-dev/troika/internal/domain/subtask"
)

// capturePublisher records every delta for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	deltas []capturedDelta
}

type capturedDelta struct {
	typ    string
	fields map[string]any
	full   bool
}

func (p *capturePublisher) Publish(typ string, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, capturedDelta{typ: typ, fields: fields})
}

func (p *capturePublisher) PublishFull(fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, capturedDelta{typ: "full_status_update", fields: fields, full: true})
}

func (p *capturePublisher) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, d := range p.deltas {
		if d.typ == typ {
			n++
		}
	}
	return n
}

func (p *capturePublisher) statusDeltas(id string) []subtask.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []subtask.Status
	for _, d := range p.deltas {
		m, ok := d.fields["subtasks"].(map[string]subtask.Status)
		if !ok {
			continue
		}
		if st, ok := m[id]; ok {
			out = append(out, st)
		}
	}
	return out
}

func newTestService(t *testing.T, mutate func(*Options)) (*Service, *capturePublisher) {
	t.Helper()
	doc := orchconfig.Default()
	doc.Paths.Structure = filepath.Join(t.TempDir(), "structure.json")
	opts := Options{
		Lease:       time.Minute,
		PollTimeout: 50 * time.Millisecond,
		SweepEvery:  time.Hour, // manual sweeps only
		Config:      doc,
		ConfigPath:  filepath.Join(t.TempDir(), "config.json"),
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc := New(opts)
	pub := &capturePublisher{}
	svc.SetPublisher(pub)
	return svc, pub
}

func enqueue(t *testing.T, svc *Service, role subtask.Role, file string) subtask.Subtask {
	t.Helper()
	st, err := svc.Enqueue(subtask.EnqueueRequest{Role: role, Filename: file, Text: "do " + file})
	if err != nil {
		t.Fatalf("enqueue %s: %v", file, err)
	}
	return st
}

func claim(t *testing.T, svc *Service, role subtask.Role, worker string) subtask.Subtask {
	t.Helper()
	st, ok, err := svc.Claim(context.Background(), role, worker)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Fatal("expected a subtask, queue was empty")
	}
	return st
}

// ---------------------------------------------------------------------------
// Enqueue / claim
// ---------------------------------------------------------------------------

func TestEnqueueAssignsIDAndBroadcasts(t *testing.T) {
	svc, pub := newTestService(t, nil)
	st := enqueue(t, svc, subtask.RoleExecutor, "a.py")

	if st.ID == "" {
		t.Fatal("expected assigned id")
	}
	if st.Status != subtask.StatusPending {
		t.Fatalf("expected pending, got %s", st.Status)
	}
	if pub.count("queue_update") != 1 {
		t.Fatalf("expected one queue_update, got %d", pub.count("queue_update"))
	}
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Enqueue(subtask.EnqueueRequest{ID: "dup", Role: subtask.RoleExecutor, Filename: "a.py", Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Enqueue(subtask.EnqueueRequest{ID: "dup", Role: subtask.RoleExecutor, Filename: "b.py", Text: "y"})
	if !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestEnqueueRejectsUnknownRoleAndUnsafePath(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Enqueue(subtask.EnqueueRequest{Role: "manager", Filename: "a.py", Text: "x"})
	if !errors.Is(err, domain.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}

	for _, bad := range []string{"../escape.py", "/abs.py", "a/../../b.py", ""} {
		_, err := svc.Enqueue(subtask.EnqueueRequest{Role: subtask.RoleExecutor, Filename: bad, Text: "x"})
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation for %q, got %v", bad, err)
		}
	}
}

func TestEnqueueSoftCapSaturates(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) { o.Config.QueueSoftCap = 2 })

	enqueue(t, svc, subtask.RoleExecutor, "a.py")
	enqueue(t, svc, subtask.RoleExecutor, "b.py")
	_, err := svc.Enqueue(subtask.EnqueueRequest{Role: subtask.RoleExecutor, Filename: "c.py", Text: "x"})
	if !errors.Is(err, domain.ErrQueueSaturated) {
		t.Fatalf("expected ErrQueueSaturated, got %v", err)
	}

	// Other roles are unaffected.
	enqueue(t, svc, subtask.RoleTester, "a.py")
}

func TestClaimFIFOWithinRole(t *testing.T) {
	svc, _ := newTestService(t, nil)
	a := enqueue(t, svc, subtask.RoleExecutor, "a.py")
	b := enqueue(t, svc, subtask.RoleExecutor, "b.py")
	c := enqueue(t, svc, subtask.RoleExecutor, "c.py")

	for i, want := range []string{a.ID, b.ID, c.ID} {
		got := claim(t, svc, subtask.RoleExecutor, "w1")
		if got.ID != want {
			t.Fatalf("claim %d: expected %s, got %s", i, want, got.ID)
		}
		if got.Status != subtask.StatusProcessing {
			t.Fatalf("claimed subtask must be processing, got %s", got.Status)
		}
	}
}

func TestClaimTimesOutOnEmptyQueue(t *testing.T) {
	svc, _ := newTestService(t, nil)
	start := time.Now()
	_, ok, err := svc.Claim(context.Background(), subtask.RoleExecutor, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no task on empty queue")
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("claim should have waited out the poll timeout")
	}
}

func TestClaimWakesOnEnqueue(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) { o.PollTimeout = 5 * time.Second })

	got := make(chan subtask.Subtask, 1)
	go func() {
		st, ok, err := svc.Claim(context.Background(), subtask.RoleExecutor, "w1")
		if err == nil && ok {
			got <- st
		}
	}()
	time.Sleep(20 * time.Millisecond)
	want := enqueue(t, svc, subtask.RoleExecutor, "a.py")

	select {
	case st := <-got:
		if st.ID != want.ID {
			t.Fatalf("expected %s, got %s", want.ID, st.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("claim did not wake on enqueue")
	}
}

func TestClaimNeverHandsSameTaskToTwoWorkers(t *testing.T) {
	svc, _ := newTestService(t, nil)
	const n = 20
	for i := 0; i < n; i++ {
		enqueue(t, svc, subtask.RoleExecutor, filepath.Join("src", string(rune('a'+i))+".py"))
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				st, ok, err := svc.Claim(context.Background(), subtask.RoleExecutor, worker)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				if prev, dup := seen[st.ID]; dup {
					t.Errorf("subtask %s claimed by %s and %s", st.ID, prev, worker)
				}
				seen[st.ID] = worker
				mu.Unlock()
			}
		}("w" + string(rune('0'+w)))
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d claims, got %d", n, len(seen))
	}
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func TestSubmitReportAdvancesAndForwards(t *testing.T) {
	svc, _ := newTestService(t, nil)
	st := enqueue(t, svc, subtask.RoleExecutor, "add.py")
	claim(t, svc, subtask.RoleExecutor, "w1")

	rep := subtask.Report{
		SubtaskID: st.ID, Role: subtask.RoleExecutor,
		Filename: "add.py", Payload: "def add(a,b): return a+b",
	}
	if err := svc.SubmitReport(rep); err != nil {
		t.Fatal(err)
	}

	got, _ := svc.Subtask(st.ID)
	if got.Status != subtask.StatusCodeReceived {
		t.Fatalf("expected code_received, got %s", got.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if reports := svc.NextStructurerReports(ctx, 10); len(reports) != 1 || reports[0].SubtaskID != st.ID {
		t.Fatalf("structurer mailbox: %v", reports)
	}
	if reports := svc.Feedback(ctx, 10); len(reports) != 1 || reports[0].SubtaskID != st.ID {
		t.Fatalf("coordinator mailbox: %v", reports)
	}
}

func TestSubmitReportValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	st := enqueue(t, svc, subtask.RoleExecutor, "a.py")

	err := svc.SubmitReport(subtask.Report{SubtaskID: "ghost", Role: subtask.RoleExecutor})
	if !errors.Is(err, domain.ErrUnknownSubtask) {
		t.Fatalf("expected ErrUnknownSubtask, got %v", err)
	}

	// Not yet claimed.
	err = svc.SubmitReport(subtask.Report{SubtaskID: st.ID, Role: subtask.RoleExecutor})
	if !errors.Is(err, domain.ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}

	claim(t, svc, subtask.RoleExecutor, "w1")

	// Wrong role.
	err = svc.SubmitReport(subtask.Report{SubtaskID: st.ID, Role: subtask.RoleTester})
	if !errors.Is(err, domain.ErrWrongRole) {
		t.Fatalf("expected ErrWrongRole, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Coordinator decisions
// ---------------------------------------------------------------------------

func TestMarkAcceptedIdempotent(t *testing.T) {
	svc, pub := newTestService(t, nil)
	st := enqueue(t, svc, subtask.RoleExecutor, "a.py")
	claim(t, svc, subtask.RoleExecutor, "w1")
	if err := svc.SubmitReport(subtask.Report{SubtaskID: st.ID, Role: subtask.RoleExecutor, Filename: "a.py", Payload: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := svc.MarkAccepted(st.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkAccepted(st.ID); err != nil {
		t.Fatalf("second accept must be a no-op, got %v", err)
	}

	got, _ := svc.Subtask(st.ID)
	if got.Status != subtask.StatusAccepted {
		t.Fatalf("expected accepted, got %s", got.Status)
	}

	accepts := 0
	for _, s := range pub.statusDeltas(st.ID) {
		if s == subtask.StatusAccepted {
			accepts++
		}
	}
	if accepts != 1 {
		t.Fatalf("expected exactly one accepted delta, got %d", accepts)
	}
}

func TestMarkAcceptedRequiresCodeReceived(t *testing.T) {
	svc, _ := newTestService(t, nil)
	st := enqueue(t, svc, subtask.RoleExecutor, "a.py")

	if err := svc.MarkAccepted(st.ID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for pending->accepted, got %v", err)
	}
	if err := svc.MarkAccepted("ghost"); !errors.Is(err, domain.ErrUnknownSubtask) {
		t.Fatalf("expected ErrUnknownSubtask, got %v", err)
	}
}

func TestRejectRefinesAndEventuallyFails(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) { o.Config.MaxAttempts = 3 })
	st := enqueue(t, svc, subtask.RoleExecutor, "a.py")

	// Three refinement rounds pass through pending; the fourth rejection
	// exceeds the attempt limit and fails the subtask.
	for round := 1; round <= 4; round++ {
		claim(t, svc, subtask.RoleExecutor, "w1")
		if err := svc.SubmitReport(subtask.Report{SubtaskID: st.ID, Role: subtask.RoleExecutor, Filename: "a.py", Payload: "weak"}); err != nil {
			t.Fatalf("round %d report: %v", round, err)
		}
		if err := svc.Reject(st.ID, "try harder"); err != nil {
			t.Fatalf("round %d reject: %v", round, err)
		}
		got, _ := svc.Subtask(st.ID)
		if round <= 3 {
			if got.Status != subtask.StatusPending {
				t.Fatalf("round %d: expected pending, got %s", round, got.Status)
			}
			if got.Attempts != round {
				t.Fatalf("round %d: expected %d attempts, got %d", round, round, got.Attempts)
			}
			if got.Text != "try harder" {
				t.Fatalf("round %d: refined text not applied", round)
			}
		} else {
			if got.Status != subtask.StatusFailed {
				t.Fatalf("after max refinements expected failed, got %s", got.Status)
			}
		}
	}

	if dist := svc.FullStatus()["task_status_distribution"].(map[string]int); dist["failed"] != 1 {
		t.Fatalf("expected failed count 1, got %d", dist["failed"])
	}
}

// ---------------------------------------------------------------------------
// Lease expiry (claim-then-crash law)
// ---------------------------------------------------------------------------

func TestClaimThenCrashReEnqueues(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) { o.Lease = 30 * time.Millisecond })
	st := enqueue(t, svc, subtask.RoleExecutor, "a.py")
	claim(t, svc, subtask.RoleExecutor, "doomed")

	// Worker dies silently; after one lease window the sweep recovers it.
	time.Sleep(50 * time.Millisecond)
	svc.SweepNow()

	got, _ := svc.Subtask(st.ID)
	if got.Status != subtask.StatusPending {
		t.Fatalf("expected pending after lease expiry, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempt count 1, got %d", got.Attempts)
	}

	// The task is claimable again by a new worker.
	again := claim(t, svc, subtask.RoleExecutor, "fresh")
	if again.ID != st.ID {
		t.Fatalf("expected re-claim of %s, got %s", st.ID, again.ID)
	}
}

func TestHeartbeatRenewsLease(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) { o.Lease = 60 * time.Millisecond })
	st := enqueue(t, svc, subtask.RoleExecutor, "a.py")
	claim(t, svc, subtask.RoleExecutor, "w1")

	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		svc.Heartbeat("executor", "w1", st.ID)
		svc.SweepNow()
	}

	got, _ := svc.Subtask(st.ID)
	if got.Status != subtask.StatusProcessing {
		t.Fatalf("heartbeats should keep the claim alive, got %s", got.Status)
	}
}

func TestLeaseExpiryAfterMaxAttemptsFails(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) {
		o.Lease = 10 * time.Millisecond
		o.Config.MaxAttempts = 2
	})
	st := enqueue(t, svc, subtask.RoleExecutor, "a.py")

	for i := 0; i < 3; i++ {
		claim(t, svc, subtask.RoleExecutor, "crashy")
		time.Sleep(20 * time.Millisecond)
		svc.SweepNow()
	}

	got, _ := svc.Subtask(st.ID)
	if got.Status != subtask.StatusFailed {
		t.Fatalf("expected failed after repeated lease expiry, got %s", got.Status)
	}
}

// ---------------------------------------------------------------------------
// Structure, config, reset
// ---------------------------------------------------------------------------

func TestUpdateStructureBroadcasts(t *testing.T) {
	svc, pub := newTestService(t, nil)
	tree := structure.FromPaths([]string{"add.py"})
	svc.UpdateStructure(tree)

	if !svc.Structure().Equal(tree) {
		t.Fatal("snapshot mismatch")
	}
	if pub.count("structure_update") != 1 {
		t.Fatalf("expected one structure_update, got %d", pub.count("structure_update"))
	}

	// The returned snapshot is a copy; mutating it must not leak.
	svc.Structure().Insert("sneaky.py")
	if svc.Structure().Contains("sneaky.py") {
		t.Fatal("structure snapshot must be isolated")
	}
}

func TestUpdateStructureFiresInvalidationHook(t *testing.T) {
	var fired int
	svc, _ := newTestService(t, func(o *Options) {
		o.OnStructureUpdate = func() { fired++ }
	})

	svc.UpdateStructure(structure.FromPaths([]string{"a.py"}))
	svc.UpdateStructure(structure.FromPaths([]string{"a.py", "b.py"}))

	if fired != 2 {
		t.Fatalf("expected hook per structure update, got %d", fired)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, nil)
	doc := svc.Config()
	doc.Target = "build a calculator"
	doc.MaxAttempts = 5

	if err := svc.UpdateConfig(doc); err != nil {
		t.Fatal(err)
	}
	got := svc.Config()
	if got.Target != "build a calculator" || got.MaxAttempts != 5 {
		t.Fatalf("config round trip mismatch: %+v", got)
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t, nil)
	doc := svc.Config()
	doc.Confidence["tester"] = orchconfig.Acceptance{
		Threshold: 0.5,
		Weights:   map[string]float64{"a": 2.0},
	}
	if err := svc.UpdateConfig(doc); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestResetClearsEverything(t *testing.T) {
	svc, _ := newTestService(t, nil)
	enqueue(t, svc, subtask.RoleExecutor, "a.py")
	svc.UpdateStructure(structure.FromPaths([]string{"a.py"}))

	svc.Reset()

	if len(svc.AllStatuses()) != 0 {
		t.Fatal("ledger should be empty after reset")
	}
	if len(svc.QueueItems(subtask.RoleExecutor)) != 0 {
		t.Fatal("queues should be empty after reset")
	}
	if len(svc.Structure()) != 0 {
		t.Fatal("structure should be empty after reset")
	}
}

func TestFullStatusShape(t *testing.T) {
	svc, _ := newTestService(t, nil)
	st := enqueue(t, svc, subtask.RoleExecutor, "a.py")

	full := svc.FullStatus()
	for _, key := range []string{"ai_status", "queues", "subtasks", "structure",
		"processed_over_time", "task_status_distribution", "progress_data", "git_activity"} {
		if _, ok := full[key]; !ok {
			t.Fatalf("full status missing %q", key)
		}
	}
	queues := full["queues"].(map[string][]subtask.QueueItem)
	if len(queues["executor"]) != 1 || queues["executor"][0].ID != st.ID {
		t.Fatalf("executor queue not in full status: %v", queues)
	}
}
