// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates a malformed or semantically invalid request.
var ErrValidation = errors.New("validation")

// ErrUnknownSubtask indicates a report or transition referenced a subtask id
// that was never enqueued.
var ErrUnknownSubtask = errors.New("unknown subtask")

// ErrWrongRole indicates the caller's role does not match the subtask's role.
var ErrWrongRole = errors.New("wrong role")

// ErrNotClaimed indicates a report arrived for a subtask that is not in the
// processing state.
var ErrNotClaimed = errors.New("subtask not claimed")

// ErrDuplicateID indicates an enqueue reused an id already in the ledger.
var ErrDuplicateID = errors.New("duplicate subtask id")

// ErrUnknownRole indicates a role outside {executor, tester, documenter}.
var ErrUnknownRole = errors.New("unknown role")

// ErrQueueSaturated indicates the role queue hit its soft cap and the
// coordinator must pause emitting subtasks for that role.
var ErrQueueSaturated = errors.New("queue saturated")
