package subtask

import (
	"testing"
	"time"
)

func TestValidRole(t *testing.T) {
	for _, r := range []string{"executor", "tester", "documenter"} {
		if !ValidRole(r) {
			t.Fatalf("expected %q to be valid", r)
		}
	}
	for _, r := range []string{"", "coordinator", "Executor", "manager"} {
		if ValidRole(r) {
			t.Fatalf("expected %q to be invalid", r)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusAccepted, false},
		{StatusProcessing, StatusCodeReceived, true},
		{StatusProcessing, StatusPending, true}, // lease expiry re-enqueue
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusAccepted, false},
		{StatusCodeReceived, StatusAccepted, true},
		{StatusCodeReceived, StatusPending, true}, // coordinator rejection
		{StatusCodeReceived, StatusFailed, true},
		{StatusCodeReceived, StatusProcessing, false},
		{StatusAccepted, StatusFailed, false},
		{StatusAccepted, StatusPending, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if !StatusAccepted.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Fatal("accepted and failed are terminal")
	}
	if StatusPending.IsTerminal() || StatusProcessing.IsTerminal() || StatusCodeReceived.IsTerminal() {
		t.Fatal("non-final states must not be terminal")
	}
}

func TestClaimExpiry(t *testing.T) {
	now := time.Now()
	c := Claim{SubtaskID: "x", WorkerID: "w", ClaimedAt: now}

	if c.Expired(time.Minute, now.Add(30*time.Second)) {
		t.Fatal("claim should be live inside the lease window")
	}
	if !c.Expired(time.Minute, now.Add(2*time.Minute)) {
		t.Fatal("claim should expire past the lease window")
	}
}
