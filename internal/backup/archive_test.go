package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/storage"
)

var png = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a}

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC) }
	return a
}

func start(t *testing.T, a *Archive, title string) {
	t.Helper()
	if err := a.StartContext(context.Background(), model.Context{Title: title}); err != nil {
		t.Fatalf("StartContext: %v", err)
	}
}

func book(title string, modified int64) *model.Book {
	return &model.Book{Title: title, ContentHTML: "<p>abc</p>", CharacterCount: 3, LastBookModified: modified, LastBookOpen: modified}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// writeExport produces an archive with two titles and reading goals and
// returns its path.
func writeExport(t *testing.T, a *Archive) string {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	must(t, a.BeginExport(dir))

	start(t, a, "Kokoro")
	_, err := a.SaveBook(ctx, book("Kokoro", 5))
	must(t, err)
	must(t, a.SaveProgress(ctx, &model.Bookmark{Progress: "0.25", LastBookmarkModified: 7}))
	must(t, a.SaveStatistics(ctx, []model.Statistic{{Title: "Kokoro", DateKey: "2024-02-01", CharactersRead: 30, LastStatisticModified: 9}}, 9))
	must(t, a.SaveCover(ctx, png))

	start(t, a, "What?")
	_, err = a.SaveBook(ctx, book("What?", 8))
	must(t, err)
	must(t, a.SaveProgress(ctx, &model.Bookmark{Progress: "0.75", LastBookmarkModified: 12}))

	start(t, a, model.GoalsContextTitle)
	must(t, a.SaveReadingGoals(ctx, []model.ReadingGoal{{GoalFrequency: model.FrequencyDaily, GoalStartDate: "2024-01-01", LastGoalModified: 4}}, 4))

	start(t, a, "Kokoro")
	must(t, a.SaveProgress(ctx, &model.Bookmark{Progress: "0.5", LastBookmarkModified: 11}))
	must(t, a.SaveCover(ctx, []byte("GIF89a")))

	must(t, a.Finalize(ctx, false))
	return a.Written()
}

func TestExport_EntryLayout(t *testing.T) {
	a := newTestArchive(t)
	path := writeExport(t, a)
	if got := filepath.Base(path); got != "ttu-reader-export-2024-03-01-12-30-45.zip" {
		t.Errorf("export name = %q", got)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("opening export: %v", err)
	}
	defer func() { _ = zr.Close() }()

	var names strings.Builder
	for _, f := range zr.File {
		names.WriteString(f.Name)
		names.WriteByte('\n')
	}
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "export_layout", []byte(names.String()))
}

func TestImport_RoundTrip(t *testing.T) {
	path := writeExport(t, newTestArchive(t))
	ctx := context.Background()

	in := newTestArchive(t)
	contexts, err := in.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(contexts) != 2 || contexts[0].Title != "Kokoro" || contexts[1].Title != "What?" {
		t.Fatalf("contexts = %+v", contexts)
	}
	if !in.HasReadingGoals() {
		t.Error("HasReadingGoals = false")
	}

	start(t, in, "Kokoro")
	b, err := in.GetBook(ctx)
	if err != nil || b == nil || b.LastBookModified != 5 || b.ContentHTML != "<p>abc</p>" {
		t.Errorf("GetBook = %+v, %v", b, err)
	}
	bm, err := in.GetProgress(ctx)
	if err != nil || bm == nil || bm.Progress != "0.5" {
		t.Errorf("GetProgress = %+v, %v", bm, err)
	}
	stats, watermark, err := in.GetStatistics(ctx)
	if err != nil || len(stats) != 1 || watermark != 9 {
		t.Errorf("GetStatistics = %+v, %d, %v", stats, watermark, err)
	}
	cover, err := in.GetCover(ctx)
	if err != nil || !bytes.Equal(cover, png) {
		t.Errorf("GetCover = %v, %v", cover, err)
	}
	if tok, _ := in.RecentToken(ctx, "bookdata_"); tok != "bookdata_1_6_3_5_5.zip" {
		t.Errorf("RecentToken = %q", tok)
	}

	start(t, in, "What?")
	goals, gw, err := in.GetReadingGoals(ctx)
	if err != nil || len(goals) != 1 || gw != 4 {
		t.Errorf("GetReadingGoals = %+v, %d, %v", goals, gw, err)
	}
	if stats, _, err := in.GetStatistics(ctx); err != nil || stats != nil {
		t.Errorf("GetStatistics for a title without statistics = %+v, %v", stats, err)
	}
}

func TestExport_SecondExportRejected(t *testing.T) {
	a := newTestArchive(t)
	must(t, a.BeginExport(t.TempDir()))
	if err := a.BeginExport(t.TempDir()); !errors.Is(err, ErrExportInProgress) {
		t.Errorf("second BeginExport = %v, want ErrExportInProgress", err)
	}
	must(t, a.Finalize(context.Background(), true))
	if err := a.BeginExport(t.TempDir()); err != nil {
		t.Errorf("BeginExport after Finalize = %v", err)
	}
}

func TestFinalize_DiscardWritesNothing(t *testing.T) {
	a := newTestArchive(t)
	dir := t.TempDir()
	must(t, a.BeginExport(dir))
	start(t, a, "Kokoro")
	_, err := a.SaveBook(context.Background(), book("Kokoro", 1))
	must(t, err)
	must(t, a.Finalize(context.Background(), true))

	entries, err := os.ReadDir(dir)
	must(t, err)
	if len(entries) != 0 || a.Written() != "" {
		t.Errorf("discarded export left %d files, Written = %q", len(entries), a.Written())
	}
}

func TestSave_WithoutExportIsInvariantViolation(t *testing.T) {
	a := newTestArchive(t)
	start(t, a, "Kokoro")
	err := a.SaveProgress(context.Background(), &model.Bookmark{Progress: "0.1", LastBookmarkModified: 1})
	var inv *storage.InvariantError
	if !errors.As(err, &inv) {
		t.Errorf("SaveProgress = %v, want InvariantError", err)
	}
}

func TestOpen_NotAZip(t *testing.T) {
	a := newTestArchive(t)
	_, err := a.OpenBytes([]byte("definitely not a zip"))
	var integrity *storage.IntegrityError
	if !errors.As(err, &integrity) {
		t.Errorf("OpenBytes = %v, want IntegrityError", err)
	}
}
