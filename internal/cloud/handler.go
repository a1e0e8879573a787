// Package cloud implements the replication adapter for folder-based cloud
// drives. Provider packages supply a [Drive] and this package lays the
// library out on it the same way the file system backend does:
//
//	ttu-reader-data/{title}/bookdata_*.zip
//	ttu-reader-data/{title}/progress_*.json
//	ttu-reader-data/{title}/statistics_*.json
//	ttu-reader-data/{title}/cover_*.{ext}
//	ttu-reader-data/readinggoals_*.json
//
// Every drive call is retried with backoff when the failure is transient.
package cloud

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/text/unicode/norm"

	"github.com/njoerd114/bookrelay/internal/bookzip"
	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/naming"
	"github.com/njoerd114/bookrelay/internal/storage"
)

// rootKey is the cache key of the data root folder.
const rootKey = ""

// Drive is the minimal folder and file API of a cloud provider. A parent of
// "" addresses the drive root. Implementations report failed calls as
// *storage.AdapterError carrying the HTTP status.
type Drive interface {
	ListFolders(ctx context.Context, parent string) ([]storage.File, error)
	ListFiles(ctx context.Context, parent string) ([]storage.File, error)
	CreateFolder(ctx context.Context, parent, name string) (storage.File, error)
	Download(ctx context.Context, id string) ([]byte, error)
	// Upload writes data as name into parent. When existing is set its
	// content is replaced (and it is renamed to name) instead of creating a
	// new file.
	Upload(ctx context.Context, parent string, existing *storage.File, name string, data []byte) (storage.File, error)
	Delete(ctx context.Context, id string) error
}

// Handler adapts a Drive to the replication engine.
type Handler struct {
	kind        model.StorageKind
	drive       Drive
	log         *slog.Logger
	settings    storage.Settings
	cache       *storage.ListingCache
	maxAttempts int

	current model.Context
	folder  string
}

// NewHandler returns a Handler for kind backed by drive.
func NewHandler(kind model.StorageKind, drive Drive, logger *slog.Logger) *Handler {
	return &Handler{
		kind:        kind,
		drive:       drive,
		log:         logger.With("backend", string(kind)),
		settings:    storage.DefaultSettings(),
		cache:       storage.NewListingCache(),
		maxAttempts: defaultMaxAttempts,
	}
}

// Kind implements the replication adapter.
func (h *Handler) Kind() model.StorageKind { return h.kind }

// Configure applies per-run settings.
func (h *Handler) Configure(s storage.Settings) { h.settings = s }

// IsCacheDisabled reports whether listings are refetched for every operation.
func (h *Handler) IsCacheDisabled() bool { return !h.settings.CacheListing }

// ClearData drops cached listings. flushPersisted also forgets folder ids.
func (h *Handler) ClearData(flushPersisted bool) { h.cache.Clear(flushPersisted) }

// Fork returns a view of h with its own current book, sharing the drive and
// the listing cache.
func (h *Handler) Fork() storage.Adapter {
	cp := *h
	return &cp
}

// StartContext selects the book folder the following calls operate on.
func (h *Handler) StartContext(ctx context.Context, c model.Context) error {
	h.current = c
	h.folder = norm.NFC.String(naming.Sanitize(c.Title))
	return storage.CheckCancelled(ctx)
}

// --- folders -----------------------------------------------------------------

// rootID resolves the data root folder, creating it when create is set.
// It returns "" when the folder does not exist and create is unset.
func (h *Handler) rootID(ctx context.Context, create bool) (string, error) {
	if id, ok := h.cache.Folder(rootKey); ok {
		return id, nil
	}
	var folders []storage.File
	err := h.retry(ctx, func() error {
		var err error
		folders, err = h.drive.ListFolders(ctx, "")
		return err
	})
	if err != nil {
		return "", err
	}
	for _, f := range folders {
		if f.Name == naming.RootName {
			h.cache.SetFolder(rootKey, f.ID)
			return f.ID, nil
		}
	}
	if !create {
		return "", nil
	}
	var created storage.File
	err = h.retry(ctx, func() error {
		var err error
		created, err = h.drive.CreateFolder(ctx, "", naming.RootName)
		return err
	})
	if err != nil {
		return "", err
	}
	h.log.Info("created data folder", "id", created.ID)
	h.cache.SetFolder(rootKey, created.ID)
	h.cache.MarkFoldersListed()
	return created.ID, nil
}

// bookFolders lists every title folder under the root and records their ids.
// Resolving all folders at once avoids a lookup per book, which some drives
// answer inconsistently for names with special characters.
func (h *Handler) bookFolders(ctx context.Context, root string) ([]storage.File, error) {
	var folders []storage.File
	err := h.retry(ctx, func() error {
		var err error
		folders, err = h.drive.ListFolders(ctx, root)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		h.cache.SetFolder(norm.NFC.String(f.Name), f.ID)
	}
	h.cache.MarkFoldersListed()
	return folders, nil
}

// folderID resolves the folder named key, creating it when create is set.
func (h *Handler) folderID(ctx context.Context, key string, create bool) (string, error) {
	root, err := h.rootID(ctx, create)
	if err != nil || root == "" || key == rootKey {
		return root, err
	}
	// Without caching the folder list is read afresh so that folders created
	// elsewhere since the last lookup are found.
	fresh := !h.settings.CacheListing
	if !fresh {
		if id, ok := h.cache.Folder(key); ok {
			return id, nil
		}
	}
	if fresh || !h.cache.FoldersListed() {
		folders, err := h.bookFolders(ctx, root)
		if err != nil {
			return "", err
		}
		for _, f := range folders {
			if norm.NFC.String(f.Name) == key {
				return f.ID, nil
			}
		}
	}
	if !create {
		return "", nil
	}
	var created storage.File
	err = h.retry(ctx, func() error {
		var err error
		created, err = h.drive.CreateFolder(ctx, root, key)
		return err
	})
	if err != nil {
		return "", err
	}
	h.cache.SetFolder(key, created.ID)
	h.cache.SetFiles(key, nil)
	return created.ID, nil
}

// --- listing -----------------------------------------------------------------

func (h *Handler) list(ctx context.Context, key string) ([]storage.File, error) {
	if err := storage.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	if h.settings.CacheListing {
		if files, ok := h.cache.Files(key); ok {
			return files, nil
		}
	}
	parent, err := h.folderID(ctx, key, false)
	if err != nil || parent == "" {
		return nil, err
	}
	var files []storage.File
	err = h.retry(ctx, func() error {
		var err error
		files, err = h.drive.ListFiles(ctx, parent)
		return err
	})
	if err != nil {
		return nil, err
	}
	if h.settings.CacheListing {
		h.cache.SetFiles(key, files)
	}
	return files, nil
}

func (h *Handler) find(ctx context.Context, key, prefix string) (storage.File, bool, error) {
	files, err := h.list(ctx, key)
	if err != nil {
		return storage.File{}, false, err
	}
	for _, f := range files {
		if naming.HasPrefix(f.Name, prefix) {
			return f, true, nil
		}
	}
	return storage.File{}, false, nil
}

func (h *Handler) keyFor(prefix string) string {
	if prefix == naming.PrefixReadingGoals {
		return rootKey
	}
	return h.folder
}

// RecentToken returns the name of the stored file with prefix, or "".
func (h *Handler) RecentToken(ctx context.Context, prefix string) (string, error) {
	f, ok, err := h.find(ctx, h.keyFor(prefix), prefix)
	if err != nil || !ok {
		return "", err
	}
	return f.Name, nil
}

// IsCurrent reports whether the stored file is at least as new as ref.
func (h *Handler) IsCurrent(ctx context.Context, prefix, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	held, err := h.RecentToken(ctx, prefix)
	if err != nil {
		return false, err
	}
	return naming.IsCurrent(prefix, held, ref), nil
}

// --- reads -------------------------------------------------------------------

func (h *Handler) read(ctx context.Context, prefix string) (storage.File, []byte, error) {
	f, ok, err := h.find(ctx, h.keyFor(prefix), prefix)
	if err != nil || !ok {
		return storage.File{}, nil, err
	}
	var data []byte
	err = h.retry(ctx, func() error {
		var err error
		data, err = h.drive.Download(ctx, f.ID)
		return err
	})
	if err != nil {
		return storage.File{}, nil, err
	}
	return f, data, nil
}

// GetBook downloads and unpacks the book archive of the current book.
func (h *Handler) GetBook(ctx context.Context) (*model.Book, error) {
	f, data, err := h.read(ctx, naming.PrefixBook)
	if err != nil || data == nil {
		return nil, err
	}
	b, err := bookzip.Decode(data, f.Name)
	if err != nil {
		return nil, h.corrupt(f.Name, err)
	}
	if b != nil && b.Title == "" {
		b.Title = h.current.Title
	}
	return b, nil
}

// GetProgress downloads the bookmark of the current book.
func (h *Handler) GetProgress(ctx context.Context) (*model.Bookmark, error) {
	f, data, err := h.read(ctx, naming.PrefixProgress)
	if err != nil || data == nil {
		return nil, err
	}
	var bm model.Bookmark
	if err := json.Unmarshal(data, &bm); err != nil {
		return nil, h.corrupt(f.Name, err)
	}
	return &bm, nil
}

// GetStatistics downloads the statistics of the current book.
func (h *Handler) GetStatistics(ctx context.Context) ([]model.Statistic, int64, error) {
	var stats []model.Statistic
	watermark, err := h.readSet(ctx, naming.PrefixStatistics, &stats)
	return stats, watermark, err
}

// GetReadingGoals downloads the library-wide reading goals.
func (h *Handler) GetReadingGoals(ctx context.Context) ([]model.ReadingGoal, int64, error) {
	var goals []model.ReadingGoal
	watermark, err := h.readSet(ctx, naming.PrefixReadingGoals, &goals)
	return goals, watermark, err
}

// readSet decodes a watermarked JSON array into v and returns the watermark
// carried by its file name.
func (h *Handler) readSet(ctx context.Context, prefix string, v any) (int64, error) {
	f, data, err := h.read(ctx, prefix)
	if err != nil || data == nil {
		return 0, err
	}
	token, err := naming.ParseWatermarkToken(f.Name, prefix)
	if err != nil {
		return 0, h.corrupt(f.Name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, h.corrupt(f.Name, err)
	}
	return token.Watermark, nil
}

// GetCover downloads the cover image of the current book.
func (h *Handler) GetCover(ctx context.Context) ([]byte, error) {
	if len(h.current.Cover) > 0 {
		return h.current.Cover, nil
	}
	_, data, err := h.read(ctx, naming.PrefixCover)
	return data, err
}

// --- writes ------------------------------------------------------------------

// write uploads data as name into folder key. An existing file with the same
// prefix is updated in place; any further duplicates are deleted.
func (h *Handler) write(ctx context.Context, key, prefix, name string, data []byte) error {
	parent, err := h.folderID(ctx, key, true)
	if err != nil {
		return err
	}
	files, err := h.list(ctx, key)
	if err != nil {
		return err
	}
	var existing *storage.File
	var stale []storage.File
	for _, f := range files {
		if !naming.HasPrefix(f.Name, prefix) {
			continue
		}
		if existing == nil {
			existing = &f
			continue
		}
		stale = append(stale, f)
	}

	var stored storage.File
	err = h.retry(ctx, func() error {
		var err error
		stored, err = h.drive.Upload(ctx, parent, existing, name, data)
		return err
	})
	if err != nil {
		return err
	}
	for _, f := range stale {
		if err := h.retry(ctx, func() error { return h.drive.Delete(ctx, f.ID) }); err != nil {
			return err
		}
	}
	h.cache.Put(key, stored, prefix)
	return nil
}

// SaveBook packs b into a book archive and uploads it.
func (h *Handler) SaveBook(ctx context.Context, b *model.Book) (int64, error) {
	data, err := bookzip.Encode(b)
	if err != nil {
		return 0, err
	}
	name := naming.NewBookToken(b).Filename()
	if err := h.write(ctx, h.folder, naming.PrefixBook, name, data); err != nil {
		return 0, err
	}
	h.log.Debug("book uploaded", "title", b.Title, "file", name, "bytes", len(data))
	return 0, nil
}

// SaveProgress uploads the bookmark of the current book.
func (h *Handler) SaveProgress(ctx context.Context, bm *model.Bookmark) error {
	data, err := json.Marshal(bm)
	if err != nil {
		return fmt.Errorf("encoding bookmark: %w", err)
	}
	return h.write(ctx, h.folder, naming.PrefixProgress, naming.NewProgressToken(bm).Filename(), data)
}

// SaveStatistics uploads the statistics of the current book.
func (h *Handler) SaveStatistics(ctx context.Context, stats []model.Statistic, watermark int64) error {
	if stats == nil {
		stats = []model.Statistic{}
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding statistics: %w", err)
	}
	return h.write(ctx, h.folder, naming.PrefixStatistics, naming.NewStatisticsToken(watermark).Filename(), data)
}

// SaveReadingGoals uploads the library-wide reading goals.
func (h *Handler) SaveReadingGoals(ctx context.Context, goals []model.ReadingGoal, watermark int64) error {
	if goals == nil {
		goals = []model.ReadingGoal{}
	}
	data, err := json.Marshal(goals)
	if err != nil {
		return fmt.Errorf("encoding reading goals: %w", err)
	}
	return h.write(ctx, rootKey, naming.PrefixReadingGoals, naming.NewReadingGoalsToken(watermark).Filename(), data)
}

// SaveCover uploads the cover unless the book folder already has one.
func (h *Handler) SaveCover(ctx context.Context, cover []byte) error {
	if len(cover) == 0 {
		return nil
	}
	if _, ok, err := h.find(ctx, h.folder, naming.PrefixCover); err != nil || ok {
		return err
	}
	return h.write(ctx, h.folder, naming.PrefixCover, naming.CoverFilename(cover), cover)
}

// --- library -----------------------------------------------------------------

// ListContexts returns one context per title folder, ordered by title.
func (h *Handler) ListContexts(ctx context.Context) ([]model.Context, error) {
	if err := storage.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	root, err := h.rootID(ctx, false)
	if err != nil || root == "" {
		return nil, err
	}
	folders, err := h.bookFolders(ctx, root)
	if err != nil {
		return nil, err
	}
	out := make([]model.Context, 0, len(folders))
	for _, f := range folders {
		out = append(out, model.Context{Title: naming.Desanitize(norm.NFC.String(f.Name))})
	}
	slices.SortFunc(out, func(a, b model.Context) int { return cmp.Compare(a.Title, b.Title) })
	return out, nil
}

// DeleteBook removes the folder of title and everything in it.
func (h *Handler) DeleteBook(ctx context.Context, title string) error {
	key := norm.NFC.String(naming.Sanitize(title))
	id, err := h.folderID(ctx, key, false)
	if err != nil || id == "" {
		return err
	}
	if err := h.retry(ctx, func() error { return h.drive.Delete(ctx, id) }); err != nil {
		return err
	}
	h.cache.Forget(key)
	h.log.Info("deleted book folder", "title", title)
	return nil
}

// --- helpers -----------------------------------------------------------------

func (h *Handler) retry(ctx context.Context, fn func() error) error {
	if err := storage.CheckCancelled(ctx); err != nil {
		return err
	}
	return Retry(ctx, h.maxAttempts, fn)
}

func (h *Handler) corrupt(name string, err error) error {
	return &storage.IntegrityError{Backend: h.kind, Name: name, Err: err}
}
