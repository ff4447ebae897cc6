package supervisor

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/troika-dev/troika/internal/logger"
	"github.com/troika-dev/troika/internal/orchestrator"
)

// memSink records run-state changes.
type memSink struct {
	mu     sync.Mutex
	states map[string]orchestrator.RunState
}

func newMemSink() *memSink {
	return &memSink{states: make(map[string]orchestrator.RunState)}
}

func (s *memSink) SetRunState(agent string, mutate func(*orchestrator.RunState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[agent]
	mutate(&st)
	s.states[agent] = st
}

func (s *memSink) DropRunState(agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, agent)
}

func (s *memSink) get(agent string) (orchestrator.RunState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[agent]
	return st, ok
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not available on windows")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil { //nolint:gosec // test script
		t.Fatal(err)
	}
	return path
}

func newTestSupervisor(t *testing.T, script string, sink *memSink) *Supervisor {
	t.Helper()
	return New(Options{
		Binary:         script,
		APIURL:         "http://localhost:0",
		GracePeriod:    time.Second,
		RestartBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		FailureLimit:   3,
		FailureWindow:  time.Minute,
		Sink:           sink,
		Tail:           logger.NewTail(100),
	})
}

func TestStartAndStopLongRunningAgent(t *testing.T) {
	sink := newMemSink()
	sup := newTestSupervisor(t, writeScript(t, "sleep 30"), sink)

	if err := sup.Start("ai1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	running, failed, _ := sup.Status("coordinator")
	if !running || failed {
		t.Fatalf("expected running coordinator, got running=%v failed=%v", running, failed)
	}
	if st, ok := sink.get("coordinator"); !ok || !st.Running {
		t.Fatalf("sink should show coordinator running: %+v", st)
	}

	if err := sup.Stop("ai1"); err != nil {
		t.Fatal(err)
	}
	running, _, _ = sup.Status("coordinator")
	if running {
		t.Fatal("coordinator should be stopped")
	}
	if _, ok := sink.get("coordinator"); ok {
		t.Fatal("run state should be dropped on clean stop")
	}
}

func TestUnknownGroupRejected(t *testing.T) {
	sup := newTestSupervisor(t, "/bin/true", newMemSink())
	if err := sup.Start("ai9"); err == nil {
		t.Fatal("expected error for unknown group")
	}
	if err := sup.Stop("ai9"); err == nil {
		t.Fatal("expected error for unknown group")
	}
}

func TestCrashingAgentMarkedFailedAfterWindow(t *testing.T) {
	sink := newMemSink()
	sup := newTestSupervisor(t, writeScript(t, "exit 1"), sink)

	if err := sup.Start("ai3"); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		_, failed, restarts := sup.Status("structurer")
		if failed {
			if restarts < 3 {
				t.Fatalf("expected >= 3 restarts before failing, got %d", restarts)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("crashing agent never marked failed")
		case <-time.After(20 * time.Millisecond):
		}
	}

	st, ok := sink.get("structurer")
	if !ok || st.Running || st.LastError == "" {
		t.Fatalf("sink should show failed structurer: %+v", st)
	}
}

func TestGroupFanout(t *testing.T) {
	sink := newMemSink()
	sup := newTestSupervisor(t, writeScript(t, "sleep 30"), sink)

	if err := sup.Start("ai2"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	for _, name := range []string{"executor", "tester", "documenter"} {
		if running, _, _ := sup.Status(name); !running {
			t.Fatalf("expected %s running", name)
		}
	}
	if err := sup.StopAll(); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"executor", "tester", "documenter"} {
		if running, _, _ := sup.Status(name); running {
			t.Fatalf("expected %s stopped", name)
		}
	}
}

func TestAgentStderrLandsInTail(t *testing.T) {
	sink := newMemSink()
	tail := logger.NewTail(100)
	sup := New(Options{
		Binary:         writeScript(t, "echo boom >&2; sleep 30"),
		GracePeriod:    time.Second,
		RestartBackoff: 10 * time.Millisecond,
		FailureLimit:   3,
		FailureWindow:  time.Minute,
		Sink:           sink,
		Tail:           tail,
	})

	if err := sup.Start("ai1"); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sup.Stop("ai1") }()

	deadline := time.After(3 * time.Second)
	for {
		lines := tail.Lines()
		if len(lines) > 0 && lines[0] == "[coordinator] boom" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("stderr not captured: %v", tail.Lines())
		case <-time.After(20 * time.Millisecond):
		}
	}
}
