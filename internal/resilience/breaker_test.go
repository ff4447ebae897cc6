package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("service unavailable")

func TestClosedStateAllowsCalls(t *testing.T) {
	b := NewBreaker(3, time.Second)
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Second)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errTest })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestTransitionsToHalfOpenAfterCooldown(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second)
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errTest })
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	// A successful probe closes the circuit.
	called := false
	err = b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error in half-open, got %v", err)
	}
	if !called {
		t.Fatal("expected probe to run")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after probe success, got %s", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second)
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errTest })
	}

	now = now.Add(2 * time.Second)

	// A failed probe reopens immediately.
	_ = b.Execute(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatalf("expected open after probe failure, got %s", b.State())
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after reopen, got %v", err)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b := NewBreaker(3, time.Second)

	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })

	_ = b.Execute(func() error { return nil })

	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })

	if b.State() != StateClosed {
		t.Fatalf("two failures after a success must not open, got %s", b.State())
	}
}

func TestNonTrippingErrorsPassThrough(t *testing.T) {
	errCallerFault := errors.New("invalid request")
	b := NewBreaker(2, time.Second).Trips(func(err error) bool {
		return !errors.Is(err, errCallerFault)
	})

	// Caller mistakes surface but never open the circuit.
	for i := 0; i < 10; i++ {
		if err := b.Execute(func() error { return errCallerFault }); !errors.Is(err, errCallerFault) {
			t.Fatalf("expected caller error back, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("non-tripping errors must not open, got %s", b.State())
	}

	// Nor do they reset an existing streak: one more outage error after an
	// earlier one still trips at the threshold.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errCallerFault })
	_ = b.Execute(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatalf("expected open after two outage errors, got %s", b.State())
	}
}
