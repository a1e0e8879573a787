// Package replication copies a library between two storage backends.
//
// The package contains three main components:
//
//   - [Replicator] drives one run: it walks the requested books, skips data
//     the target already holds in an equal or newer version, merges
//     statistics and reading goals, and reports progress.
//   - [Limiter] dispatches per-book pipelines in FIFO order with a bounded
//     width.
//   - [Engine] wraps runs with tracing and metrics and schedules automatic
//     replication between the local library and a remote backend.
package replication

import (
	"context"

	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/storage"
)

// Resolver returns the shared adapter of a backend kind.
// Implemented by [backend.Registry].
type Resolver interface {
	Get(ctx context.Context, kind model.StorageKind) (storage.Adapter, error)
}
