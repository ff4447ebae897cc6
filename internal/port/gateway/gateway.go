// Package gateway defines the repository gateway port (interface).
//
// The gateway is a single-writer resource: only the structurer writes
// through it, apart from the service's repository reset. The orchestrator's
// file-content endpoint reads through it.
package gateway

import (
	"context"
	"fmt"

	"github.com/troika-dev/troika/internal/domain/structure"
)

// BinarySentinel is the placeholder returned in place of content for files
// that do not decode as UTF-8 text. The operator UI renders it as-is.
func BinarySentinel(path string) string {
	return fmt.Sprintf("[Binary file: %s]", path)
}

// Gateway is the port interface for the working repository.
type Gateway interface {
	// Write stores content at the repo-relative path, creating parents.
	Write(ctx context.Context, path string, content []byte) error

	// Commit records all staged changes with the given message. A commit
	// with nothing staged is a no-op, not an error.
	Commit(ctx context.Context, message string) error

	// Tree enumerates the working tree as a nested structure snapshot.
	Tree(ctx context.Context) (structure.Tree, error)

	// Read returns the file's bytes. Binary files yield the sentinel text
	// instead of raw bytes; the boolean reports whether that happened.
	Read(ctx context.Context, path string) (content []byte, binary bool, err error)

	// Reset deletes the working tree and re-initializes an empty repository.
	Reset(ctx context.Context) error

	// CommitCount reports how many commits the gateway has made since
	// process start; it feeds the git-activity chart.
	CommitCount() int
}
