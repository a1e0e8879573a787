// Package localstore is the on-device library: a SQLite database holding
// books, bookmarks, reading statistics and reading goals.
//
// Only this package may open or query the database. Other packages receive a
// [*Store] and use it through the replication adapter methods.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS books (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    title              TEXT    NOT NULL UNIQUE,
    style_sheet        TEXT    NOT NULL DEFAULT '',
    element_html       TEXT    NOT NULL DEFAULT '',
    cover              BLOB,
    has_thumb          INTEGER NOT NULL DEFAULT 0,
    characters         INTEGER NOT NULL DEFAULT 0,
    sections           TEXT    NOT NULL DEFAULT '[]',
    last_book_modified INTEGER NOT NULL DEFAULT 0,
    last_book_open     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blobs (
    book_id INTEGER NOT NULL REFERENCES books (id) ON DELETE CASCADE,
    name    TEXT    NOT NULL,
    data    BLOB    NOT NULL,
    PRIMARY KEY (book_id, name)
);

CREATE TABLE IF NOT EXISTS bookmarks (
    book_id                INTEGER PRIMARY KEY REFERENCES books (id) ON DELETE CASCADE,
    scroll_x               REAL    NOT NULL DEFAULT 0,
    scroll_y               REAL    NOT NULL DEFAULT 0,
    explored_char_count    INTEGER NOT NULL DEFAULT 0,
    progress               TEXT    NOT NULL DEFAULT '',
    last_bookmark_modified INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS statistics (
    title                   TEXT    NOT NULL,
    date_key                TEXT    NOT NULL,
    characters_read         INTEGER NOT NULL DEFAULT 0,
    reading_time            REAL    NOT NULL DEFAULT 0,
    min_reading_speed       REAL    NOT NULL DEFAULT 0,
    alt_min_reading_speed   REAL    NOT NULL DEFAULT 0,
    last_reading_speed      REAL    NOT NULL DEFAULT 0,
    max_reading_speed       REAL    NOT NULL DEFAULT 0,
    last_statistic_modified INTEGER NOT NULL DEFAULT 0,
    completed_book          INTEGER NOT NULL DEFAULT 0,
    completed_data          TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (title, date_key)
);

CREATE TABLE IF NOT EXISTS reading_goals (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    time_goal          INTEGER NOT NULL DEFAULT 0,
    character_goal     INTEGER NOT NULL DEFAULT 0,
    goal_frequency     TEXT    NOT NULL,
    goal_start_date    TEXT    NOT NULL,
    goal_end_date      TEXT    NOT NULL DEFAULT '',
    goal_original_end  TEXT    NOT NULL DEFAULT '',
    last_goal_modified INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_statistics_title ON statistics (title);
`

// Store is the SQLite-backed local library. It doubles as the replication
// adapter for the local backend; StartContext selects the current book.
type Store struct {
	db       *sql.DB
	log      *slog.Logger
	settings storage.Settings
	current  model.Context
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and enables WAL mode and foreign keys.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating library directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, log: logger, settings: storage.DefaultSettings()}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Kind implements the replication adapter.
func (s *Store) Kind() model.StorageKind { return model.StorageLocal }

// Configure applies per-run settings.
func (s *Store) Configure(settings storage.Settings) { s.settings = settings }

// IsCacheDisabled is always false: the database is its own index.
func (s *Store) IsCacheDisabled() bool { return false }

// ClearData is a no-op; the store keeps no listing cache.
func (s *Store) ClearData(bool) {}

// Fork returns a view of s with its own current book on the same database.
func (s *Store) Fork() storage.Adapter {
	cp := *s
	return &cp
}

// StartContext selects the book the following calls operate on.
func (s *Store) StartContext(ctx context.Context, c model.Context) error {
	s.current = c
	return storage.CheckCancelled(ctx)
}

// --- books -------------------------------------------------------------------

// ListContexts returns one context per stored book, ordered by title.
func (s *Store) ListContexts(ctx context.Context) ([]model.Context, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title FROM books ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("listing books: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Context
	for rows.Next() {
		var c model.Context
		if err := rows.Scan(&c.ID, &c.Title); err != nil {
			return nil, fmt.Errorf("scanning book row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetBook returns the current book with its blobs, or (nil, nil) if absent.
func (s *Store) GetBook(ctx context.Context) (*model.Book, error) {
	const q = `
		SELECT id, title, style_sheet, element_html, cover, has_thumb,
		       characters, sections, last_book_modified, last_book_open
		FROM books WHERE title = ?`
	id, b, err := scanBook(s.db.QueryRowContext(ctx, q, s.current.Title))
	if err != nil || b == nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, data FROM blobs WHERE book_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying blobs for %q: %w", b.Title, err)
	}
	defer func() { _ = rows.Close() }()
	b.Blobs = make(map[string][]byte)
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("scanning blob row: %w", err)
		}
		b.Blobs[name] = data
	}
	return b, rows.Err()
}

// SaveBook inserts or replaces the book keyed by title together with its
// blobs. An existing cover is kept when b carries none.
func (s *Store) SaveBook(ctx context.Context, b *model.Book) (int64, error) {
	sections, err := json.Marshal(b.Sections)
	if err != nil {
		return 0, fmt.Errorf("encoding sections: %w", err)
	}
	if b.Sections == nil {
		sections = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `
		INSERT INTO books
		    (title, style_sheet, element_html, cover, has_thumb, characters,
		     sections, last_book_modified, last_book_open)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(title) DO UPDATE SET
		    style_sheet        = excluded.style_sheet,
		    element_html       = excluded.element_html,
		    cover              = COALESCE(excluded.cover, books.cover),
		    has_thumb          = excluded.has_thumb,
		    characters         = excluded.characters,
		    sections           = excluded.sections,
		    last_book_modified = excluded.last_book_modified,
		    last_book_open     = excluded.last_book_open`

	var cover any
	if len(b.Cover) > 0 {
		cover = b.Cover
	}
	if _, err := tx.ExecContext(ctx, upsert,
		b.Title, b.StyleSheet, b.ContentHTML, cover, b.HasThumbnail,
		b.Characters(), string(sections), b.LastBookModified, b.LastBookOpen,
	); err != nil {
		return 0, fmt.Errorf("upserting book %q: %w", b.Title, err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM books WHERE title = ?`, b.Title).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolving id of %q: %w", b.Title, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE book_id = ?`, id); err != nil {
		return 0, fmt.Errorf("clearing blobs of %q: %w", b.Title, err)
	}
	for name, data := range b.Blobs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO blobs (book_id, name, data) VALUES (?, ?, ?)`, id, name, data); err != nil {
			return 0, fmt.Errorf("inserting blob %q of %q: %w", name, b.Title, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing book %q: %w", b.Title, err)
	}
	s.current.ID = id
	s.log.Debug("book saved", "title", b.Title, "id", id)
	return id, nil
}

// DeleteBook removes a book with its blobs, bookmark and statistics.
func (s *Store) DeleteBook(ctx context.Context, title string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM books WHERE title = ?`, title); err != nil {
		return fmt.Errorf("deleting book %q: %w", title, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM statistics WHERE title = ?`, title); err != nil {
		return fmt.Errorf("deleting statistics of %q: %w", title, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete of %q: %w", title, err)
	}
	return nil
}

// GetCover returns the stored cover of the current book, or nil.
func (s *Store) GetCover(ctx context.Context) ([]byte, error) {
	if len(s.current.Cover) > 0 {
		return s.current.Cover, nil
	}
	var cover []byte
	err := s.db.QueryRowContext(ctx, `SELECT cover FROM books WHERE title = ?`, s.current.Title).Scan(&cover)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying cover of %q: %w", s.current.Title, err)
	}
	return cover, nil
}

// SaveCover sets the cover of the current book if it has none yet.
func (s *Store) SaveCover(ctx context.Context, cover []byte) error {
	if len(cover) == 0 {
		return nil
	}
	const q = `UPDATE books SET cover = ?, has_thumb = 1 WHERE title = ? AND (cover IS NULL OR length(cover) = 0)`
	if _, err := s.db.ExecContext(ctx, q, cover, s.current.Title); err != nil {
		return fmt.Errorf("saving cover of %q: %w", s.current.Title, err)
	}
	return nil
}

// --- bookmarks ---------------------------------------------------------------

// GetProgress returns the bookmark of the current book, or (nil, nil).
func (s *Store) GetProgress(ctx context.Context) (*model.Bookmark, error) {
	const q = `
		SELECT m.book_id, m.scroll_x, m.scroll_y, m.explored_char_count,
		       m.progress, m.last_bookmark_modified
		FROM bookmarks m JOIN books b ON b.id = m.book_id
		WHERE b.title = ?`
	var bm model.Bookmark
	var progress string
	err := s.db.QueryRowContext(ctx, q, s.current.Title).Scan(
		&bm.BookID, &bm.ScrollX, &bm.ScrollY, &bm.ExploredCharCount, &progress, &bm.LastBookmarkModified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("querying bookmark of %q: %w", s.current.Title, err)
	}
	bm.Progress = model.Progress(progress)
	return &bm, nil
}

// SaveProgress upserts the bookmark of the current book. The book itself must
// already be stored.
func (s *Store) SaveProgress(ctx context.Context, bm *model.Bookmark) error {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM books WHERE title = ?`, s.current.Title).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return &storage.IntegrityError{Backend: model.StorageLocal, Name: s.current.Title, Err: errors.New("bookmark for a book that is not stored")}
	}
	if err != nil {
		return fmt.Errorf("resolving id of %q: %w", s.current.Title, err)
	}

	const q = `
		INSERT INTO bookmarks
		    (book_id, scroll_x, scroll_y, explored_char_count, progress, last_bookmark_modified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_id) DO UPDATE SET
		    scroll_x               = excluded.scroll_x,
		    scroll_y               = excluded.scroll_y,
		    explored_char_count    = excluded.explored_char_count,
		    progress               = excluded.progress,
		    last_bookmark_modified = excluded.last_bookmark_modified`
	if _, err := s.db.ExecContext(ctx, q,
		id, bm.ScrollX, bm.ScrollY, bm.ExploredCharCount, string(bm.Progress), bm.LastBookmarkModified,
	); err != nil {
		return fmt.Errorf("upserting bookmark of %q: %w", s.current.Title, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBook(sc scanner) (int64, *model.Book, error) {
	var (
		id       int64
		b        model.Book
		sections string
	)
	err := sc.Scan(
		&id,
		&b.Title,
		&b.StyleSheet,
		&b.ContentHTML,
		&b.Cover,
		&b.HasThumbnail,
		&b.CharacterCount,
		&sections,
		&b.LastBookModified,
		&b.LastBookOpen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("scanning book row: %w", err)
	}
	if err := json.Unmarshal([]byte(sections), &b.Sections); err != nil {
		return 0, nil, &storage.IntegrityError{Backend: model.StorageLocal, Name: b.Title, Err: fmt.Errorf("decoding sections: %w", err)}
	}
	return id, &b, nil
}
