// Package model defines the library records shared by the replication engine
// and every storage backend.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Section is one node of a book's table of contents.
type Section struct {
	Reference        string  `json:"reference"`
	CharactersWeight float64 `json:"charactersWeight,omitempty"`
	Label            string  `json:"label,omitempty"`
	StartCharacter   int64   `json:"startCharacter,omitempty"`
	Characters       int64   `json:"characters,omitempty"`
	ParentChapter    string  `json:"parentChapter,omitempty"`
}

// Book is the canonical book content record. Timestamps are epoch milliseconds.
type Book struct {
	Title      string
	StyleSheet string
	// ContentHTML is the rendered book body.
	ContentHTML string
	// Blobs holds auxiliary binaries (images, fonts) keyed by their in-book name.
	Blobs map[string][]byte
	// Cover is the cover image bytes, if any.
	Cover            []byte
	HasThumbnail     bool
	CharacterCount   int64
	Sections         []Section
	LastBookModified int64
	LastBookOpen     int64
}

// Characters returns CharacterCount, or derives it from the last section that
// carries both a start offset and a length when the count is unset.
func (b *Book) Characters() int64 {
	if b.CharacterCount > 0 {
		return b.CharacterCount
	}
	for i := len(b.Sections) - 1; i >= 0; i-- {
		s := b.Sections[i]
		if s.StartCharacter > 0 && s.Characters > 0 {
			return s.StartCharacter + s.Characters
		}
	}
	return 0
}

// Progress is a reading position marker. It is numeric for most books but
// some readers store a free-form string, so it is kept in its textual form.
type Progress string

// Float returns the numeric value of p, or 0 if p is not a number.
func (p Progress) Float() float64 {
	f, err := strconv.ParseFloat(string(p), 64)
	if err != nil {
		return 0
	}
	return f
}

// MarshalJSON emits a JSON number when p is numeric and a string otherwise.
func (p Progress) MarshalJSON() ([]byte, error) {
	if p == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseFloat(string(p), 64); err == nil && json.Valid([]byte(p)) {
		return []byte(p), nil
	}
	return json.Marshal(string(p))
}

// UnmarshalJSON accepts a number, a string or null.
func (p *Progress) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding progress: %w", err)
		}
		*p = Progress(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decoding progress: %w", err)
	}
	*p = Progress(n.String())
	return nil
}

// Bookmark is the reading position of one book on one backend. Last write
// wins on LastBookmarkModified.
type Bookmark struct {
	BookID               int64    `json:"dataId"`
	ScrollX              float64  `json:"scrollX,omitempty"`
	ScrollY              float64  `json:"scrollY,omitempty"`
	ExploredCharCount    int64    `json:"exploredCharCount,omitempty"`
	Progress             Progress `json:"progress"`
	LastBookmarkModified int64    `json:"lastBookmarkModified"`
}

// Context scopes one replication pipeline to a single book. Title is the key
// shared by all backends; ID is the backend-local identifier when known.
type Context struct {
	ID    int64
	Title string
	// Cover is a cover image already at hand (e.g. read from an archive entry),
	// used instead of asking the source backend for it.
	Cover []byte
}

// GoalsContextTitle is the title of the synthetic context used for reading
// goals, which are not tied to any book.
const GoalsContextTitle = "Reading Goals"
