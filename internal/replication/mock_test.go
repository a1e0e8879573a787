package replication

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/naming"
	"github.com/njoerd114/bookrelay/internal/storage"
)

// --- Mock Adapter ------------------------------------------------------------

type mockRecord struct {
	book      *model.Book
	bookmark  *model.Bookmark
	stats     []model.Statistic
	statsMark int64
	cover     []byte
}

type mockAdapter struct {
	kind model.StorageKind

	mu        sync.Mutex
	settings  storage.Settings
	current   string
	records   map[string]*mockRecord
	goals     []model.ReadingGoal
	goalsMark int64
	calls     map[string]int
	// callsBy records every adapter call per context title.
	callsBy map[string]int
	// failOn makes the named operation fail for the given title.
	failOn map[string]error
	// hook runs on every tracked call, under the lock.
	hook      func(op, title string)
	finalized []bool
}

func newMockAdapter(kind model.StorageKind) *mockAdapter {
	return &mockAdapter{
		kind:    kind,
		records: make(map[string]*mockRecord),
		calls:   make(map[string]int),
		callsBy: make(map[string]int),
		failOn:  make(map[string]error),
	}
}

func (m *mockAdapter) addBook(title string, modified int64, progress string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[title] = &mockRecord{
		book: &model.Book{Title: title, ContentHTML: "<p>" + title + "</p>", CharacterCount: 100, LastBookModified: modified},
		bookmark: &model.Bookmark{
			Progress:             model.Progress(progress),
			LastBookmarkModified: modified,
		},
		cover: []byte("\x89PNG\r\n\x1a\ncover-" + title),
	}
}

// track counts a call and returns the injected failure, if any. The caller
// holds the lock.
func (m *mockAdapter) track(op string) error {
	m.calls[op]++
	m.callsBy[m.current]++
	if m.hook != nil {
		m.hook(op, m.current)
	}
	return m.failOn[op+":"+m.current]
}

func (m *mockAdapter) record() *mockRecord {
	r, ok := m.records[m.current]
	if !ok {
		r = &mockRecord{}
		m.records[m.current] = r
	}
	return r
}

func (m *mockAdapter) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockAdapter) callsFor(title string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callsBy[title]
}

func (m *mockAdapter) writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, op := range []string{"SaveBook", "SaveProgress", "SaveStatistics", "SaveReadingGoals", "SaveCover"} {
		n += m.calls[op]
	}
	return n
}

func (m *mockAdapter) Kind() model.StorageKind { return m.kind }

func (m *mockAdapter) Configure(s storage.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
}

func (m *mockAdapter) IsCacheDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.settings.CacheListing
}

func (m *mockAdapter) ClearData(bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["ClearData"]++
}

func (m *mockAdapter) StartContext(_ context.Context, c model.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = c.Title
	return m.track("StartContext")
}

func (m *mockAdapter) token(prefix string) string {
	if prefix == naming.PrefixReadingGoals {
		if len(m.goals) == 0 {
			return ""
		}
		return naming.NewReadingGoalsToken(m.goalsMark).Filename()
	}
	r, ok := m.records[m.current]
	if !ok {
		return ""
	}
	switch prefix {
	case naming.PrefixBook:
		if r.book != nil {
			return naming.NewBookToken(r.book).Filename()
		}
	case naming.PrefixProgress:
		if r.bookmark != nil {
			return naming.NewProgressToken(r.bookmark).Filename()
		}
	case naming.PrefixStatistics:
		if len(r.stats) > 0 {
			return naming.NewStatisticsToken(r.statsMark).Filename()
		}
	}
	return ""
}

func (m *mockAdapter) RecentToken(_ context.Context, prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("RecentToken"); err != nil {
		return "", err
	}
	return m.token(prefix), nil
}

func (m *mockAdapter) IsCurrent(_ context.Context, prefix, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("IsCurrent"); err != nil {
		return false, err
	}
	if m.settings.SaveBehavior == model.SaveOverwrite {
		return false, nil
	}
	return naming.IsCurrent(prefix, m.token(prefix), ref), nil
}

func (m *mockAdapter) GetBook(context.Context) (*model.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetBook"); err != nil {
		return nil, err
	}
	return m.record().book, nil
}

func (m *mockAdapter) GetProgress(context.Context) (*model.Bookmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetProgress"); err != nil {
		return nil, err
	}
	return m.record().bookmark, nil
}

func (m *mockAdapter) GetStatistics(context.Context) ([]model.Statistic, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetStatistics"); err != nil {
		return nil, 0, err
	}
	r := m.record()
	return slices.Clone(r.stats), r.statsMark, nil
}

func (m *mockAdapter) GetReadingGoals(context.Context) ([]model.ReadingGoal, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetReadingGoals"); err != nil {
		return nil, 0, err
	}
	return slices.Clone(m.goals), m.goalsMark, nil
}

func (m *mockAdapter) GetCover(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetCover"); err != nil {
		return nil, err
	}
	return m.record().cover, nil
}

func (m *mockAdapter) SaveBook(_ context.Context, b *model.Book) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveBook"); err != nil {
		return 0, err
	}
	cp := *b
	m.record().book = &cp
	return int64(len(m.records)), nil
}

func (m *mockAdapter) SaveProgress(_ context.Context, b *model.Bookmark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveProgress"); err != nil {
		return err
	}
	cp := *b
	m.record().bookmark = &cp
	return nil
}

func (m *mockAdapter) SaveStatistics(_ context.Context, stats []model.Statistic, watermark int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveStatistics"); err != nil {
		return err
	}
	r := m.record()
	r.stats, r.statsMark = slices.Clone(stats), watermark
	return nil
}

func (m *mockAdapter) SaveReadingGoals(_ context.Context, goals []model.ReadingGoal, watermark int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveReadingGoals"); err != nil {
		return err
	}
	m.goals, m.goalsMark = slices.Clone(goals), watermark
	return nil
}

func (m *mockAdapter) SaveCover(_ context.Context, cover []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveCover"); err != nil {
		return err
	}
	if r := m.record(); r.cover == nil {
		r.cover = cover
	}
	return nil
}

func (m *mockAdapter) ListContexts(context.Context) ([]model.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Context
	for title, r := range m.records {
		if r.book != nil {
			out = append(out, model.Context{Title: title})
		}
	}
	slices.SortFunc(out, func(a, b model.Context) int { return strings.Compare(a.Title, b.Title) })
	return out, nil
}

func (m *mockAdapter) DeleteBook(_ context.Context, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = title
	if err := m.track("DeleteBook"); err != nil {
		return err
	}
	if _, ok := m.records[title]; !ok {
		return fmt.Errorf("no book %q", title)
	}
	delete(m.records, title)
	return nil
}

// --- Mock Finalizing Target --------------------------------------------------

type finalizingAdapter struct {
	*mockAdapter
}

func (f finalizingAdapter) Finalize(_ context.Context, discard bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, discard)
	return nil
}

// --- Mock Resolver -----------------------------------------------------------

type mockResolver map[model.StorageKind]storage.Adapter

func (r mockResolver) Get(_ context.Context, kind model.StorageKind) (storage.Adapter, error) {
	a, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("storage backend %q is not configured", kind)
	}
	return a, nil
}
