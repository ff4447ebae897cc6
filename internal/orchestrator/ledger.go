package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/troika-dev/troika/internal/domain"
	"github.com/troika-dev/troika/internal/domain/subtask"
)

// ledger is the flat table of every subtask ever enqueued plus the append-only
// report log. Subtasks reference parents by id, reports reference subtasks by
// id; no object pointers cross the table boundary.
type ledger struct {
	mu      sync.Mutex
	entries map[string]*subtask.Subtask
	order   []string
	reports []subtask.Report
}

func newLedger() *ledger {
	return &ledger{entries: make(map[string]*subtask.Subtask)}
}

// add inserts a new subtask in pending state. Fails on id reuse.
func (l *ledger) add(st subtask.Subtask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[st.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateID, st.ID)
	}
	st.Status = subtask.StatusPending
	now := time.Now()
	st.CreatedAt = now
	st.UpdatedAt = now
	l.entries[st.ID] = &st
	l.order = append(l.order, st.ID)
	return nil
}

// get returns a copy of the subtask.
func (l *ledger) get(id string) (subtask.Subtask, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.entries[id]
	if !ok {
		return subtask.Subtask{}, false
	}
	return *st, true
}

// transition moves id to next if the state machine allows it. The mutate
// hook, if non-nil, runs on the entry under the lock after the status change.
// changed is false when the entry was already in next (idempotent repeat).
func (l *ledger) transition(id string, next subtask.Status, mutate func(*subtask.Subtask)) (changed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.entries[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownSubtask, id)
	}
	if st.Status == next {
		return false, nil
	}
	if !st.Status.CanTransition(next) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrValidation, st.Status, next)
	}
	st.Status = next
	st.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(st)
	}
	return true, nil
}

// appendReport records a worker's report.
func (l *ledger) appendReport(rep subtask.Report) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, rep)
}

// statuses returns every known subtask's status keyed by id.
func (l *ledger) statuses() map[string]subtask.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]subtask.Status, len(l.entries))
	for id, st := range l.entries {
		out[id] = st.Status
	}
	return out
}

// distribution counts subtasks by status bucket for the UI pie chart.
func (l *ledger) distribution() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]int{
		"pending": 0, "processing": 0, "completed": 0, "failed": 0,
	}
	for _, st := range l.entries {
		switch st.Status {
		case subtask.StatusPending:
			out["pending"]++
		case subtask.StatusProcessing:
			out["processing"]++
		case subtask.StatusCodeReceived, subtask.StatusAccepted:
			out["completed"]++
		case subtask.StatusFailed:
			out["failed"]++
		}
	}
	return out
}

// counts returns (total, accepted) for the progress ratio.
func (l *ledger) counts() (total, accepted int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.entries {
		total++
		if st.Status == subtask.StatusAccepted {
			accepted++
		}
	}
	return total, accepted
}

// items materializes queue items for the given ids, preserving order.
func (l *ledger) items(ids []string) []subtask.QueueItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]subtask.QueueItem, 0, len(ids))
	for _, id := range ids {
		st, ok := l.entries[id]
		if !ok {
			continue
		}
		out = append(out, subtask.QueueItem{
			ID: st.ID, Filename: st.Filename, Text: st.Text, Status: st.Status,
		})
	}
	return out
}

// reset drops every entry and report.
func (l *ledger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*subtask.Subtask)
	l.order = nil
	l.reports = nil
}
