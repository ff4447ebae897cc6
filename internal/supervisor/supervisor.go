// Package supervisor launches and babysits the agent processes. Each agent
// is an isolated unit of execution: its own process, its own stderr capture,
// its lifetime tied to a cancellation context. Abnormal exits respawn with
// capped exponential backoff; too many failures inside the window mark the
// agent failed and stop respawning until the operator intervenes.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/troika-dev/troika/internal/logger"
	"github.com/troika-dev/troika/internal/orchestrator"
)

// StateSink receives agent lifecycle changes; the orchestrator implements it.
type StateSink interface {
	SetRunState(agent string, mutate func(*orchestrator.RunState))
	DropRunState(agent string)
}

// Unit describes one supervised agent process.
type Unit struct {
	Name string // coordinator, executor, tester, documenter, structurer
	Kind string // coordinator, worker, structurer
	Role string // worker role, empty otherwise
}

// groups maps the operator lifecycle names to their units.
var groups = map[string][]string{
	"ai1": {"coordinator"},
	"ai2": {"executor", "tester", "documenter"},
	"ai3": {"structurer"},
}

// Options configures the Supervisor.
type Options struct {
	Binary         string // agent binary path
	APIURL         string // orchestrator base URL handed to agents
	GracePeriod    time.Duration
	RestartBackoff time.Duration
	MaxBackoff     time.Duration
	FailureLimit   int
	FailureWindow  time.Duration
	Sink           StateSink
	Tail           *logger.Tail // agent stderr lands here; may be nil
}

// Supervisor owns the per-agent process records.
type Supervisor struct {
	opts  Options
	mu    sync.Mutex
	units map[string]*unit
}

// unit is the runtime record for one agent.
type unit struct {
	spec     Unit
	desired  bool
	running  bool
	failed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	failures []time.Time
	restarts int
}

// New creates a Supervisor for the standard five agents.
func New(opts Options) *Supervisor {
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	if opts.FailureLimit <= 0 {
		opts.FailureLimit = 5
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = 5 * time.Minute
	}
	s := &Supervisor{opts: opts, units: make(map[string]*unit)}
	for _, spec := range []Unit{
		{Name: "coordinator", Kind: "coordinator"},
		{Name: "executor", Kind: "worker", Role: "executor"},
		{Name: "tester", Kind: "worker", Role: "tester"},
		{Name: "documenter", Kind: "worker", Role: "documenter"},
		{Name: "structurer", Kind: "structurer"},
	} {
		s.units[spec.Name] = &unit{spec: spec}
	}
	return s
}

// Start launches every unit in the group. Already-running units are left
// alone; a failed unit is given a clean slate.
func (s *Supervisor) Start(group string) error {
	names, ok := groups[group]
	if !ok {
		return fmt.Errorf("unknown agent group %q", group)
	}
	for _, name := range names {
		s.startUnit(name)
	}
	return nil
}

// Stop signals every unit in the group and waits up to the grace period.
func (s *Supervisor) Stop(group string) error {
	names, ok := groups[group]
	if !ok {
		return fmt.Errorf("unknown agent group %q", group)
	}
	for _, name := range names {
		s.stopUnit(name)
	}
	return nil
}

// StartAll launches the whole pipeline.
func (s *Supervisor) StartAll() error {
	for group := range groups {
		if err := s.Start(group); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops the whole pipeline.
func (s *Supervisor) StopAll() error {
	for group := range groups {
		if err := s.Stop(group); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) startUnit(name string) {
	s.mu.Lock()
	u := s.units[name]
	if u.running {
		s.mu.Unlock()
		return
	}
	u.desired = true
	u.failed = false
	u.failures = nil
	u.running = true
	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.done = make(chan struct{})
	s.mu.Unlock()

	s.opts.Sink.SetRunState(name, func(st *orchestrator.RunState) {
		st.Running = true
		st.LastError = ""
	})

	go s.runLoop(ctx, u)
}

func (s *Supervisor) stopUnit(name string) {
	s.mu.Lock()
	u := s.units[name]
	if !u.running {
		s.mu.Unlock()
		return
	}
	u.desired = false
	cancel := u.cancel
	done := u.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(s.opts.GracePeriod + time.Second):
		slog.Warn("agent did not exit within grace period", "agent", name)
	}

	s.opts.Sink.DropRunState(name)
}

// runLoop spawns the agent process and respawns it on abnormal exit while
// the unit is desired-running.
func (s *Supervisor) runLoop(ctx context.Context, u *unit) {
	defer func() {
		s.mu.Lock()
		u.running = false
		close(u.done)
		s.mu.Unlock()
	}()

	backoff := s.opts.RestartBackoff
	for {
		err := s.runOnce(ctx, u)
		if ctx.Err() != nil {
			return // operator stop
		}

		s.mu.Lock()
		desired := u.desired
		now := time.Now()
		u.failures = append(u.failures, now)
		u.failures = trimWindow(u.failures, now.Add(-s.opts.FailureWindow))
		failureCount := len(u.failures)
		u.restarts++
		restarts := u.restarts
		s.mu.Unlock()

		if !desired {
			return
		}

		slog.Error("agent exited abnormally", "agent", u.spec.Name, "error", err, "restarts", restarts)

		if failureCount >= s.opts.FailureLimit {
			s.mu.Lock()
			u.failed = true
			s.mu.Unlock()
			s.opts.Sink.SetRunState(u.spec.Name, func(st *orchestrator.RunState) {
				st.Running = false
				st.Restarts = restarts
				st.LastError = fmt.Sprintf("failed: %d exits within %s", failureCount, s.opts.FailureWindow)
			})
			slog.Error("agent marked failed, awaiting operator", "agent", u.spec.Name)
			return
		}

		s.opts.Sink.SetRunState(u.spec.Name, func(st *orchestrator.RunState) {
			st.Restarts = restarts
			if err != nil {
				st.LastError = err.Error()
			}
		})

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}
	}
}

// runOnce runs the agent process to completion.
func (s *Supervisor) runOnce(ctx context.Context, u *unit) error {
	args := []string{"-kind", u.spec.Kind, "-api", s.opts.APIURL}
	if u.spec.Role != "" {
		args = append(args, "-role", u.spec.Role)
	}

	cmd := exec.CommandContext(ctx, s.opts.Binary, args...) //nolint:gosec // G204: binary path comes from service config
	// The agent leads its own process group so SIGTERM also reaches any
	// children it spawned, which would otherwise keep the stderr pipe open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = s.opts.GracePeriod

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", u.spec.Name, err)
	}
	slog.Info("agent started", "agent", u.spec.Name, "pid", cmd.Process.Pid)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if s.opts.Tail != nil {
			s.opts.Tail.AppendLine(fmt.Sprintf("[%s] %s", u.spec.Name, line))
		}
	}

	return cmd.Wait()
}

// Status reports the supervisor's view of one unit.
func (s *Supervisor) Status(name string) (running, failed bool, restarts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[name]
	if !ok {
		return false, false, 0
	}
	return u.running, u.failed, u.restarts
}

// trimWindow drops timestamps older than cutoff.
func trimWindow(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
