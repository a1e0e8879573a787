// Package backup reads and writes portable library archives. An archive is
// a zip file laid out like the file system backend without the root folder:
//
//	{title}/bookdata_*.zip
//	{title}/progress_*.json
//	{title}/statistics_*.json
//	{title}/cover_*.{ext}
//	readinggoals_*.json
//
// An Archive serves as replication source after Open and as target after
// BeginExport; the export is written to disk by Finalize.
package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/njoerd114/bookrelay/internal/bookzip"
	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/naming"
	"github.com/njoerd114/bookrelay/internal/storage"
)

// ErrExportInProgress is returned by BeginExport while an export is open.
var ErrExportInProgress = errors.New("an export is already in progress")

// ExportPrefix starts the file name of every written archive.
const ExportPrefix = "ttu-reader-export-"

type entry struct {
	name string
	data []byte
}

// export collects entries until Finalize writes them out.
type export struct {
	dir     string
	entries []entry
}

// Archive is the backup backend.
type Archive struct {
	mu  sync.Mutex
	log *slog.Logger
	now func() time.Time

	settings storage.Settings
	current  model.Context
	folder   string

	imported map[string]*zip.File
	order    []string
	export   *export
	written  string
}

// New returns an Archive with neither an import nor an export open.
func New(logger *slog.Logger) *Archive {
	return &Archive{log: logger, now: time.Now, settings: storage.DefaultSettings()}
}

// Kind implements the replication adapter.
func (a *Archive) Kind() model.StorageKind { return model.StorageBackup }

// Configure applies per-run settings.
func (a *Archive) Configure(s storage.Settings) { a.settings = s }

// IsCacheDisabled is always false: an archive does not change under us.
func (a *Archive) IsCacheDisabled() bool { return false }

// ClearData closes the open import and drops an unfinished export when
// flushPersisted is set.
func (a *Archive) ClearData(flushPersisted bool) {
	if !flushPersisted {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.imported, a.order, a.export = nil, nil, nil
}

// StartContext selects the title folder the following calls operate on.
func (a *Archive) StartContext(ctx context.Context, c model.Context) error {
	a.current = c
	a.folder = naming.Sanitize(c.Title)
	return storage.CheckCancelled(ctx)
}

// --- import ------------------------------------------------------------------

// Open reads the archive at file for import and returns one context per
// title folder in archive order.
func (a *Archive) Open(file string) ([]model.Context, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	return a.OpenBytes(data)
}

// OpenBytes is Open for an archive already in memory.
func (a *Archive) OpenBytes(data []byte) ([]model.Context, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, a.corrupt("archive", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.imported = make(map[string]*zip.File, len(zr.File))
	a.order = nil
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		a.imported[f.Name] = f
		a.order = append(a.order, f.Name)
	}
	contexts := contextsOf(a.order)
	a.log.Info("backup opened", "entries", len(a.order), "books", len(contexts))
	return contexts, nil
}

// contextsOf returns one context per distinct title folder in names, in
// order of first appearance. Top-level entries belong to no title.
func contextsOf(names []string) []model.Context {
	seen := make(map[string]bool)
	var out []model.Context
	for _, name := range names {
		folder, _, nested := strings.Cut(name, "/")
		if nested && !seen[folder] {
			seen[folder] = true
			out = append(out, model.Context{Title: naming.Desanitize(folder)})
		}
	}
	return out
}

// HasReadingGoals reports whether the opened archive carries reading goals.
func (a *Archive) HasReadingGoals() bool {
	_, ok := a.findEntry(naming.PrefixReadingGoals)
	return ok
}

// ListContexts returns the title folders of the opened archive.
func (a *Archive) ListContexts(ctx context.Context) ([]model.Context, error) {
	if err := storage.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return contextsOf(a.order), nil
}

func (a *Archive) dirFor(prefix string) string {
	if prefix == naming.PrefixReadingGoals {
		return ""
	}
	return a.folder + "/"
}

func (a *Archive) findEntry(prefix string) (*zip.File, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	want := a.dirFor(prefix) + prefix
	for _, name := range a.order {
		if strings.HasPrefix(name, want) {
			return a.imported[name], true
		}
	}
	return nil, false
}

func (a *Archive) read(ctx context.Context, prefix string) (string, []byte, error) {
	if err := storage.CheckCancelled(ctx); err != nil {
		return "", nil, err
	}
	f, ok := a.findEntry(prefix)
	if !ok {
		return "", nil, nil
	}
	rc, err := f.Open()
	if err != nil {
		return "", nil, a.corrupt(f.Name, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", nil, a.corrupt(f.Name, err)
	}
	return path.Base(f.Name), data, nil
}

// RecentToken returns the entry name held for prefix in the opened archive.
func (a *Archive) RecentToken(ctx context.Context, prefix string) (string, error) {
	if err := storage.CheckCancelled(ctx); err != nil {
		return "", err
	}
	f, ok := a.findEntry(prefix)
	if !ok {
		return "", nil
	}
	return path.Base(f.Name), nil
}

// IsCurrent is always false: an export receives every record it is offered.
func (a *Archive) IsCurrent(ctx context.Context, _, _ string) (bool, error) {
	return false, storage.CheckCancelled(ctx)
}

// GetBook unpacks the book archive entry of the current title.
func (a *Archive) GetBook(ctx context.Context) (*model.Book, error) {
	name, data, err := a.read(ctx, naming.PrefixBook)
	if err != nil || data == nil {
		return nil, err
	}
	b, err := bookzip.Decode(data, name)
	if err != nil {
		return nil, a.corrupt(name, err)
	}
	if b != nil && b.Title == "" {
		b.Title = a.current.Title
	}
	return b, nil
}

// GetProgress decodes the progress entry of the current title.
func (a *Archive) GetProgress(ctx context.Context) (*model.Bookmark, error) {
	name, data, err := a.read(ctx, naming.PrefixProgress)
	if err != nil || data == nil {
		return nil, err
	}
	var bm model.Bookmark
	if err := json.Unmarshal(data, &bm); err != nil {
		return nil, a.corrupt(name, err)
	}
	return &bm, nil
}

// GetStatistics decodes the statistics entry of the current title.
func (a *Archive) GetStatistics(ctx context.Context) ([]model.Statistic, int64, error) {
	var stats []model.Statistic
	w, err := a.readSet(ctx, naming.PrefixStatistics, &stats)
	return stats, w, err
}

// GetReadingGoals decodes the top-level reading goals entry.
func (a *Archive) GetReadingGoals(ctx context.Context) ([]model.ReadingGoal, int64, error) {
	var goals []model.ReadingGoal
	w, err := a.readSet(ctx, naming.PrefixReadingGoals, &goals)
	return goals, w, err
}

func (a *Archive) readSet(ctx context.Context, prefix string, v any) (int64, error) {
	name, data, err := a.read(ctx, prefix)
	if err != nil || data == nil {
		return 0, err
	}
	token, err := naming.ParseWatermarkToken(name, prefix)
	if err != nil {
		return 0, a.corrupt(name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, a.corrupt(name, err)
	}
	return token.Watermark, nil
}

// GetCover returns the cover entry of the current title.
func (a *Archive) GetCover(ctx context.Context) ([]byte, error) {
	if len(a.current.Cover) > 0 {
		return a.current.Cover, nil
	}
	_, data, err := a.read(ctx, naming.PrefixCover)
	return data, err
}

// --- export ------------------------------------------------------------------

// BeginExport opens an export that Finalize will write into dir.
func (a *Archive) BeginExport(dir string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.export != nil {
		return ErrExportInProgress
	}
	a.export = &export{dir: dir}
	a.written = ""
	return nil
}

// add records an entry, replacing an earlier one with the same prefix in the
// same folder.
func (a *Archive) add(ctx context.Context, prefix, name string, data []byte) error {
	if err := storage.CheckCancelled(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.export == nil {
		return &storage.InvariantError{Message: "backup written without an open export"}
	}
	full := a.dirFor(prefix) + name
	replaced := a.dirFor(prefix) + prefix
	kept := a.export.entries[:0]
	for _, e := range a.export.entries {
		if !strings.HasPrefix(e.name, replaced) {
			kept = append(kept, e)
		}
	}
	a.export.entries = append(kept, entry{name: full, data: data})
	return nil
}

func (a *Archive) hasEntry(prefix string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.export == nil {
		return false
	}
	want := a.dirFor(prefix) + prefix
	for _, e := range a.export.entries {
		if strings.HasPrefix(e.name, want) {
			return true
		}
	}
	return false
}

// SaveBook adds the packed book to the export.
func (a *Archive) SaveBook(ctx context.Context, b *model.Book) (int64, error) {
	data, err := bookzip.Encode(b)
	if err != nil {
		return 0, err
	}
	return 0, a.add(ctx, naming.PrefixBook, naming.NewBookToken(b).Filename(), data)
}

// SaveProgress adds the bookmark to the export.
func (a *Archive) SaveProgress(ctx context.Context, bm *model.Bookmark) error {
	data, err := json.Marshal(bm)
	if err != nil {
		return fmt.Errorf("encoding bookmark: %w", err)
	}
	return a.add(ctx, naming.PrefixProgress, naming.NewProgressToken(bm).Filename(), data)
}

// SaveStatistics adds the statistics of the current title to the export.
func (a *Archive) SaveStatistics(ctx context.Context, stats []model.Statistic, watermark int64) error {
	if stats == nil {
		stats = []model.Statistic{}
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding statistics: %w", err)
	}
	return a.add(ctx, naming.PrefixStatistics, naming.NewStatisticsToken(watermark).Filename(), data)
}

// SaveReadingGoals adds the reading goals to the top level of the export.
func (a *Archive) SaveReadingGoals(ctx context.Context, goals []model.ReadingGoal, watermark int64) error {
	if goals == nil {
		goals = []model.ReadingGoal{}
	}
	data, err := json.Marshal(goals)
	if err != nil {
		return fmt.Errorf("encoding reading goals: %w", err)
	}
	return a.add(ctx, naming.PrefixReadingGoals, naming.NewReadingGoalsToken(watermark).Filename(), data)
}

// SaveCover adds the cover unless the title already has one in the export.
func (a *Archive) SaveCover(ctx context.Context, cover []byte) error {
	if len(cover) == 0 || a.hasEntry(naming.PrefixCover) {
		return storage.CheckCancelled(ctx)
	}
	return a.add(ctx, naming.PrefixCover, naming.CoverFilename(cover), cover)
}

// Finalize writes the open export to a timestamped zip file, or drops it
// when discard is set or nothing was added. The export is closed either way.
func (a *Archive) Finalize(_ context.Context, discard bool) error {
	a.mu.Lock()
	exp := a.export
	a.export = nil
	a.mu.Unlock()

	if exp == nil {
		return nil
	}
	if discard || len(exp.entries) == 0 {
		a.log.Info("export discarded", "entries", len(exp.entries))
		return nil
	}

	data, err := encode(exp.entries)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(exp.dir, 0o755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	target := filepath.Join(exp.dir, ExportPrefix+a.now().Format("2006-01-02-15-04-05")+".zip")
	tmp := target + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing export: %w", err)
	}

	a.mu.Lock()
	a.written = target
	a.mu.Unlock()
	a.log.Info("export written", "path", target, "entries", len(exp.entries), "bytes", len(data))
	return nil
}

// Written returns the path of the last finalized export, or "".
func (a *Archive) Written() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

func encode(entries []entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("adding %s: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("adding %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing export: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *Archive) corrupt(name string, err error) error {
	return &storage.IntegrityError{Backend: model.StorageBackup, Name: name, Err: err}
}
