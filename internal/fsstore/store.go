// Package fsstore keeps the library in a directory tree on a local or
// mounted disk, one folder per book:
//
//	{root}/ttu-reader-data/{title}/bookdata_*.zip
//	{root}/ttu-reader-data/{title}/progress_*.json
//	{root}/ttu-reader-data/{title}/statistics_*.json
//	{root}/ttu-reader-data/{title}/cover_*.{ext}
//	{root}/ttu-reader-data/readinggoals_*.json
//
// Titles are sanitized for the file system and normalized to NFC, so a tree
// synced through a macOS volume (which decomposes names) maps back to the
// same book.
package fsstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/text/unicode/norm"

	"github.com/njoerd114/bookrelay/internal/bookzip"
	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/naming"
	"github.com/njoerd114/bookrelay/internal/storage"
)

// rootKey is the cache key of the data root folder.
const rootKey = ""

// Store is the file system backend.
type Store struct {
	base     string
	log      *slog.Logger
	settings storage.Settings
	cache    *storage.ListingCache
	current  model.Context
	folder   string
}

// New returns a Store rooted at dir. The data folder is created on first write.
func New(dir string, logger *slog.Logger) *Store {
	return &Store{
		base:     filepath.Join(dir, naming.RootName),
		log:      logger,
		settings: storage.DefaultSettings(),
		cache:    storage.NewListingCache(),
	}
}

// Kind implements the replication adapter.
func (s *Store) Kind() model.StorageKind { return model.StorageFilesystem }

// Configure applies per-run settings.
func (s *Store) Configure(settings storage.Settings) { s.settings = settings }

// IsCacheDisabled reports whether listings are reread for every operation.
func (s *Store) IsCacheDisabled() bool { return !s.settings.CacheListing }

// ClearData drops cached listings.
func (s *Store) ClearData(flushPersisted bool) { s.cache.Clear(flushPersisted) }

// Fork returns a view of s with its own current book, sharing the listing
// cache.
func (s *Store) Fork() storage.Adapter {
	cp := *s
	return &cp
}

// StartContext selects the book folder the following calls operate on.
func (s *Store) StartContext(ctx context.Context, c model.Context) error {
	s.current = c
	s.folder = folderName(c.Title)
	return storage.CheckCancelled(ctx)
}

func folderName(title string) string {
	return norm.NFC.String(naming.Sanitize(title))
}

func (s *Store) dir(key string) string {
	if key == rootKey {
		return s.base
	}
	return filepath.Join(s.base, key)
}

// list returns the file names in folder key, from cache when enabled.
func (s *Store) list(ctx context.Context, key string) ([]storage.File, error) {
	if err := storage.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	if s.settings.CacheListing {
		if files, ok := s.cache.Files(key); ok {
			return files, nil
		}
	}

	entries, err := os.ReadDir(s.dir(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("list", err)
	}
	files := make([]storage.File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, storage.File{ID: filepath.Join(s.dir(key), e.Name()), Name: e.Name()})
	}
	if s.settings.CacheListing {
		s.cache.SetFiles(key, files)
	}
	return files, nil
}

func (s *Store) find(ctx context.Context, key, prefix string) (storage.File, bool, error) {
	files, err := s.list(ctx, key)
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

func keyFor(prefix, folder string) string {
	if prefix == naming.PrefixReadingGoals {
		return rootKey
	}
	return folder
}

// RecentToken returns the name of the stored file with prefix, or "".
func (s *Store) RecentToken(ctx context.Context, prefix string) (string, error) {
	f, ok, err := s.find(ctx, keyFor(prefix, s.folder), prefix)
	if err != nil || !ok {
		return "", err
	}
	return f.Name, nil
}

// IsCurrent reports whether the stored file is at least as new as ref.
func (s *Store) IsCurrent(ctx context.Context, prefix, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	held, err := s.RecentToken(ctx, prefix)
	if err != nil {
		return false, err
	}
	return naming.IsCurrent(prefix, held, ref), nil
}

// --- reads -------------------------------------------------------------------

func (s *Store) read(ctx context.Context, prefix string) (storage.File, []byte, error) {
	f, ok, err := s.find(ctx, keyFor(prefix, s.folder), prefix)
	if err != nil || !ok {
		return storage.File{}, nil, err
	}
	data, err := os.ReadFile(f.ID)
	if errors.Is(err, fs.ErrNotExist) {
		// Listing went stale underneath us.
		s.cache.Forget(keyFor(prefix, s.folder))
		return storage.File{}, nil, nil
	}
	if err != nil {
		return storage.File{}, nil, s.fail("read", err)
	}
	return f, data, nil
}

// GetBook reads and unpacks the book archive of the current book.
func (s *Store) GetBook(ctx context.Context) (*model.Book, error) {
	f, data, err := s.read(ctx, naming.PrefixBook)
	if err != nil || data == nil {
		return nil, err
	}
	b, err := bookzip.Decode(data, f.Name)
	if err != nil {
		return nil, s.corrupt(f.Name, err)
	}
	if b != nil && b.Title == "" {
		b.Title = s.current.Title
	}
	return b, nil
}

// GetProgress reads the bookmark of the current book.
func (s *Store) GetProgress(ctx context.Context) (*model.Bookmark, error) {
	f, data, err := s.read(ctx, naming.PrefixProgress)
	if err != nil || data == nil {
		return nil, err
	}
	var bm model.Bookmark
	if err := json.Unmarshal(data, &bm); err != nil {
		return nil, s.corrupt(f.Name, err)
	}
	return &bm, nil
}

// GetStatistics reads the statistics of the current book. The watermark
// comes from the file name.
func (s *Store) GetStatistics(ctx context.Context) ([]model.Statistic, int64, error) {
	f, data, err := s.read(ctx, naming.PrefixStatistics)
	if err != nil || data == nil {
		return nil, 0, err
	}
	token, err := naming.ParseWatermarkToken(f.Name, naming.PrefixStatistics)
	if err != nil {
		return nil, 0, s.corrupt(f.Name, err)
	}
	var stats []model.Statistic
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, 0, s.corrupt(f.Name, err)
	}
	return stats, token.Watermark, nil
}

// GetReadingGoals reads the library-wide reading goals.
func (s *Store) GetReadingGoals(ctx context.Context) ([]model.ReadingGoal, int64, error) {
	f, data, err := s.read(ctx, naming.PrefixReadingGoals)
	if err != nil || data == nil {
		return nil, 0, err
	}
	token, err := naming.ParseWatermarkToken(f.Name, naming.PrefixReadingGoals)
	if err != nil {
		return nil, 0, s.corrupt(f.Name, err)
	}
	var goals []model.ReadingGoal
	if err := json.Unmarshal(data, &goals); err != nil {
		return nil, 0, s.corrupt(f.Name, err)
	}
	return goals, token.Watermark, nil
}

// GetCover reads the cover image of the current book.
func (s *Store) GetCover(ctx context.Context) ([]byte, error) {
	if len(s.current.Cover) > 0 {
		return s.current.Cover, nil
	}
	_, data, err := s.read(ctx, naming.PrefixCover)
	return data, err
}

// --- writes ------------------------------------------------------------------

// write stores data as name in folder key and removes older files with the
// same prefix.
func (s *Store) write(ctx context.Context, key, prefix, name string, data []byte) error {
	if err := storage.CheckCancelled(ctx); err != nil {
		return err
	}
	dir := s.dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return s.fail("mkdir", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return s.fail("write", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return s.fail("write", err)
	}
	if err := tmp.Close(); err != nil {
		return s.fail("write", err)
	}
	target := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return s.fail("rename", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return s.fail("list", err)
	}
	for _, e := range entries {
		if e.Name() != name && naming.HasPrefix(e.Name(), prefix) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return s.fail("remove", err)
			}
		}
	}

	s.cache.Put(key, storage.File{ID: target, Name: name}, prefix)
	return nil
}

// SaveBook packs b into a book archive named by its token.
func (s *Store) SaveBook(ctx context.Context, b *model.Book) (int64, error) {
	data, err := bookzip.Encode(b)
	if err != nil {
		return 0, err
	}
	name := naming.NewBookToken(b).Filename()
	if err := s.write(ctx, s.folder, naming.PrefixBook, name, data); err != nil {
		return 0, err
	}
	s.log.Debug("book written", "title", b.Title, "file", name)
	return 0, nil
}

// SaveProgress writes the bookmark of the current book.
func (s *Store) SaveProgress(ctx context.Context, bm *model.Bookmark) error {
	data, err := json.Marshal(bm)
	if err != nil {
		return fmt.Errorf("encoding bookmark: %w", err)
	}
	return s.write(ctx, s.folder, naming.PrefixProgress, naming.NewProgressToken(bm).Filename(), data)
}

// SaveStatistics writes the statistics of the current book.
func (s *Store) SaveStatistics(ctx context.Context, stats []model.Statistic, watermark int64) error {
	data, err := json.Marshal(nonNil(stats))
	if err != nil {
		return fmt.Errorf("encoding statistics: %w", err)
	}
	return s.write(ctx, s.folder, naming.PrefixStatistics, naming.NewStatisticsToken(watermark).Filename(), data)
}

// SaveReadingGoals writes the library-wide reading goals.
func (s *Store) SaveReadingGoals(ctx context.Context, goals []model.ReadingGoal, watermark int64) error {
	data, err := json.Marshal(nonNil(goals))
	if err != nil {
		return fmt.Errorf("encoding reading goals: %w", err)
	}
	return s.write(ctx, rootKey, naming.PrefixReadingGoals, naming.NewReadingGoalsToken(watermark).Filename(), data)
}

// SaveCover writes the cover unless the book folder already has one.
func (s *Store) SaveCover(ctx context.Context, cover []byte) error {
	if len(cover) == 0 {
		return nil
	}
	if _, ok, err := s.find(ctx, s.folder, naming.PrefixCover); err != nil || ok {
		return err
	}
	return s.write(ctx, s.folder, naming.PrefixCover, naming.CoverFilename(cover), cover)
}

// --- library -----------------------------------------------------------------

// ListContexts returns one context per book folder, ordered by title.
func (s *Store) ListContexts(ctx context.Context) ([]model.Context, error) {
	if err := storage.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("list", err)
	}
	var out []model.Context
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, model.Context{Title: naming.Desanitize(norm.NFC.String(e.Name()))})
		}
	}
	slices.SortFunc(out, func(a, b model.Context) int { return cmp.Compare(a.Title, b.Title) })
	return out, nil
}

// DeleteBook removes the folder of title.
func (s *Store) DeleteBook(ctx context.Context, title string) error {
	if err := storage.CheckCancelled(ctx); err != nil {
		return err
	}
	key := folderName(title)
	if err := os.RemoveAll(s.dir(key)); err != nil {
		return s.fail("delete", err)
	}
	s.cache.Forget(key)
	return nil
}

// --- helpers -----------------------------------------------------------------

func (s *Store) fail(op string, err error) error {
	return &storage.AdapterError{Backend: model.StorageFilesystem, Op: op, Err: err}
}

func (s *Store) corrupt(name string, err error) error {
	return &storage.IntegrityError{Backend: model.StorageFilesystem, Name: name, Err: err}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
