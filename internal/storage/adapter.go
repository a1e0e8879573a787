package storage

import (
	"context"

	"github.com/njoerd114/bookrelay/internal/model"
)

// Adapter is one storage backend as seen by the replicator. A single adapter
// instance is shared per backend and scoped to one book at a time by
// StartContext; concurrent contexts need a fork per context (see Forker).
//
// Reads return nil (or an empty set) without error when the data is absent.
type Adapter interface {
	Kind() model.StorageKind

	// Configure applies per-run settings.
	Configure(s Settings)
	// IsCacheDisabled reports whether listings are refetched for every
	// operation.
	IsCacheDisabled() bool
	// ClearData drops cached listings. flushPersisted also forgets state the
	// backend keeps across runs, such as folder ids.
	ClearData(flushPersisted bool)

	// StartContext scopes subsequent calls to one book.
	StartContext(ctx context.Context, c model.Context) error

	// RecentToken returns the file name this backend holds for the current
	// context and the given naming prefix, or "" when it holds none.
	RecentToken(ctx context.Context, prefix string) (string, error)
	// IsCurrent reports whether this backend already holds data at least as
	// new as the reference file name from another backend.
	IsCurrent(ctx context.Context, prefix, ref string) (bool, error)

	GetBook(ctx context.Context) (*model.Book, error)
	GetProgress(ctx context.Context) (*model.Bookmark, error)
	GetStatistics(ctx context.Context) ([]model.Statistic, int64, error)
	GetReadingGoals(ctx context.Context) ([]model.ReadingGoal, int64, error)
	GetCover(ctx context.Context) ([]byte, error)

	// SaveBook upserts the book and returns its backend-local id.
	SaveBook(ctx context.Context, b *model.Book) (int64, error)
	SaveProgress(ctx context.Context, b *model.Bookmark) error
	SaveStatistics(ctx context.Context, stats []model.Statistic, watermark int64) error
	SaveReadingGoals(ctx context.Context, goals []model.ReadingGoal, watermark int64) error
	// SaveCover stores the cover unless the backend already has one for the
	// current context.
	SaveCover(ctx context.Context, cover []byte) error
}

// Lister enumerates the books a backend holds.
type Lister interface {
	ListContexts(ctx context.Context) ([]model.Context, error)
}

// Deleter removes every record of one book.
type Deleter interface {
	DeleteBook(ctx context.Context, title string) error
}

// Finalizer is implemented by write-once targets such as export archives.
// Finalize is called after every run; discard drops everything written.
type Finalizer interface {
	Finalize(ctx context.Context, discard bool) error
}

// Forker is implemented by backends that can hand out independent views
// sharing their connection and listing cache, so several books can be
// replicated at once. Each fork keeps its own current context.
type Forker interface {
	Fork() Adapter
}
