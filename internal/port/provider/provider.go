// Package provider defines the LLM provider port (interface).
//
// The concrete transport to any model vendor lives behind this boundary;
// agents consume only the Generate contract and the error taxonomy below.
package provider

import (
	"context"
	"errors"
	"time"
)

// Request is one chat-completion call.
type Request struct {
	System      string
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Provider is the port interface for chat-completion calls.
type Provider interface {
	// Generate returns the completion text for the request. The call is
	// bounded by Request.Timeout (or the context deadline, whichever is
	// sooner) and is stateless: retries are the caller's concern.
	Generate(ctx context.Context, req Request) (string, error)
}

// Error kinds. Callers classify failures with errors.Is to decide whether a
// retry is worthwhile; only timeout, rate and server errors are transient.
var (
	ErrTimeout = errors.New("provider timeout")
	ErrRate    = errors.New("provider rate limited")
	ErrServer  = errors.New("provider server error")
	ErrInvalid = errors.New("provider invalid response")

	// ErrBinary marks a payload that is not decodable as text. Workers
	// fail the subtask with reason BinaryPayload instead of persisting it.
	ErrBinary = errors.New("binary payload")
)

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRate) || errors.Is(err, ErrServer)
}
