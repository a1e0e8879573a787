// Package naming encodes record metadata into file names so that every
// backend can decide freshness from a directory listing alone, without a
// separate metadata index.
//
// A token is a file name of the form
//
//	{prefix}{exporterVersion}_{schemaVersion}_{field}..._{field}.{ext}
//
// Parsers read fields by position and ignore trailing segments they do not
// know, so tokens written by newer exporters remain readable.
package naming

import (
	"errors"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/njoerd114/bookrelay/internal/model"
)

const (
	// ExporterVersion is written into every token produced by this package.
	ExporterVersion = 1
	// SchemaVersion is the library schema version written into tokens.
	SchemaVersion = 6

	// RootName is the top-level folder used by directory-like backends.
	RootName = "ttu-reader-data"
)

// File name prefixes, one per record kind.
const (
	PrefixBook         = "bookdata_"
	PrefixProgress     = "progress_"
	PrefixStatistics   = "statistics_"
	PrefixReadingGoals = "readinggoals_"
	PrefixCover        = "cover_"
)

// ErrMalformed is returned when a file name does not carry the fields its
// prefix requires.
var ErrMalformed = errors.New("malformed naming token")

// BookToken is the metadata carried by a book file name.
type BookToken struct {
	ExporterVersion  int
	SchemaVersion    int
	Characters       int64
	LastBookModified int64
	LastBookOpen     int64
}

// NewBookToken builds the token for b using the current versions.
func NewBookToken(b *model.Book) BookToken {
	return BookToken{
		ExporterVersion:  ExporterVersion,
		SchemaVersion:    SchemaVersion,
		Characters:       b.Characters(),
		LastBookModified: b.LastBookModified,
		LastBookOpen:     b.LastBookOpen,
	}
}

// Filename renders the token.
func (t BookToken) Filename() string {
	return fmt.Sprintf("%s%d_%d_%d_%d_%d.zip", PrefixBook,
		t.ExporterVersion, t.SchemaVersion, t.Characters, t.LastBookModified, t.LastBookOpen)
}

// ParseBookToken decodes a book file name.
func ParseBookToken(name string) (BookToken, error) {
	f, err := fields(name, PrefixBook, 5)
	if err != nil {
		return BookToken{}, err
	}
	return BookToken{
		ExporterVersion:  int(f[0]),
		SchemaVersion:    int(f[1]),
		Characters:       f[2],
		LastBookModified: f[3],
		LastBookOpen:     f[4],
	}, nil
}

// IsCurrent reports whether t, held by a target, is at least as new as ref
// from a source. Both modification times must be known.
func (t BookToken) IsCurrent(ref BookToken) bool {
	return t.LastBookModified > 0 && ref.LastBookModified > 0 &&
		t.LastBookModified >= ref.LastBookModified &&
		t.LastBookOpen >= ref.LastBookOpen
}

// ProgressToken is the metadata carried by a progress file name.
type ProgressToken struct {
	ExporterVersion      int
	SchemaVersion        int
	LastBookmarkModified int64
	Progress             model.Progress
}

// NewProgressToken builds the token for b using the current versions.
func NewProgressToken(b *model.Bookmark) ProgressToken {
	return ProgressToken{
		ExporterVersion:      ExporterVersion,
		SchemaVersion:        SchemaVersion,
		LastBookmarkModified: b.LastBookmarkModified,
		Progress:             b.Progress,
	}
}

// Filename renders the token. An unset progress is written as 0; underscores
// in a textual progress would break field splitting and are replaced.
func (t ProgressToken) Filename() string {
	p := string(t.Progress)
	if p == "" {
		p = "0"
	}
	p = strings.ReplaceAll(p, "_", "-")
	return fmt.Sprintf("%s%d_%d_%d_%s.json", PrefixProgress,
		t.ExporterVersion, t.SchemaVersion, t.LastBookmarkModified, p)
}

// ParseProgressToken decodes a progress file name.
func ParseProgressToken(name string) (ProgressToken, error) {
	parts, err := split(name, PrefixProgress, 4)
	if err != nil {
		return ProgressToken{}, err
	}
	f, err := atoi(name, parts[:3])
	if err != nil {
		return ProgressToken{}, err
	}
	return ProgressToken{
		ExporterVersion:      int(f[0]),
		SchemaVersion:        int(f[1]),
		LastBookmarkModified: f[2],
		Progress:             model.Progress(parts[3]),
	}, nil
}

// IsCurrent reports whether t, held by a target, is at least as new as ref.
func (t ProgressToken) IsCurrent(ref ProgressToken) bool {
	return t.LastBookmarkModified > 0 && ref.LastBookmarkModified > 0 &&
		t.LastBookmarkModified >= ref.LastBookmarkModified
}

// WatermarkToken is the metadata carried by statistics and reading goal file
// names: a single watermark over the whole set.
type WatermarkToken struct {
	Prefix          string
	ExporterVersion int
	SchemaVersion   int
	Watermark       int64
}

// NewStatisticsToken returns the statistics token for watermark.
func NewStatisticsToken(watermark int64) WatermarkToken {
	return WatermarkToken{Prefix: PrefixStatistics, ExporterVersion: ExporterVersion, SchemaVersion: SchemaVersion, Watermark: watermark}
}

// NewReadingGoalsToken returns the reading goals token for watermark.
func NewReadingGoalsToken(watermark int64) WatermarkToken {
	return WatermarkToken{Prefix: PrefixReadingGoals, ExporterVersion: ExporterVersion, SchemaVersion: SchemaVersion, Watermark: watermark}
}

// Filename renders the token.
func (t WatermarkToken) Filename() string {
	return fmt.Sprintf("%s%d_%d_%d.json", t.Prefix, t.ExporterVersion, t.SchemaVersion, t.Watermark)
}

// ParseWatermarkToken decodes a statistics or reading goals file name with
// the given prefix.
func ParseWatermarkToken(name, prefix string) (WatermarkToken, error) {
	f, err := fields(name, prefix, 3)
	if err != nil {
		return WatermarkToken{}, err
	}
	return WatermarkToken{Prefix: prefix, ExporterVersion: int(f[0]), SchemaVersion: int(f[1]), Watermark: f[2]}, nil
}

// IsCurrent reports whether t, held by a target, is at least as new as ref.
func (t WatermarkToken) IsCurrent(ref WatermarkToken) bool {
	return ref.Watermark > 0 && t.Watermark >= ref.Watermark
}

// CoverFilename returns the file name for a cover image, with the extension
// sniffed from its first bytes.
func CoverFilename(data []byte) string {
	return fmt.Sprintf("%s%d_%d.%s", PrefixCover, ExporterVersion, SchemaVersion, ImageExtension(data))
}

// HasPrefix reports whether the base name of name starts with prefix.
func HasPrefix(name, prefix string) bool {
	return strings.HasPrefix(path.Base(name), prefix)
}

// IsCurrent compares two file names of the same kind: held is the name the
// target stores, ref the name the source stores. An empty or unparseable name
// on either side is never current.
func IsCurrent(prefix, held, ref string) bool {
	if held == "" || ref == "" {
		return false
	}
	switch prefix {
	case PrefixBook:
		h, err1 := ParseBookToken(held)
		r, err2 := ParseBookToken(ref)
		return err1 == nil && err2 == nil && h.IsCurrent(r)
	case PrefixProgress:
		h, err1 := ParseProgressToken(held)
		r, err2 := ParseProgressToken(ref)
		return err1 == nil && err2 == nil && h.IsCurrent(r)
	case PrefixStatistics, PrefixReadingGoals:
		h, err1 := ParseWatermarkToken(held, prefix)
		r, err2 := ParseWatermarkToken(ref, prefix)
		return err1 == nil && err2 == nil && h.IsCurrent(r)
	}
	return false
}

// Find returns the first name in names whose base starts with prefix.
func Find(names []string, prefix string) (string, bool) {
	for _, n := range names {
		if HasPrefix(n, prefix) {
			return n, true
		}
	}
	return "", false
}

// --- helpers -----------------------------------------------------------------

// split strips the prefix and the extension of each segment and returns at
// least n segments.
func split(name, prefix string, n int) ([]string, error) {
	base := path.Base(name)
	if !strings.HasPrefix(base, prefix) {
		return nil, fmt.Errorf("%w: %q does not start with %q", ErrMalformed, base, prefix)
	}
	parts := strings.Split(strings.TrimPrefix(base, prefix), "_")
	for i, p := range parts {
		parts[i] = trimExt(p)
	}
	if len(parts) < n {
		return nil, fmt.Errorf("%w: %q has %d fields, want %d", ErrMalformed, base, len(parts), n)
	}
	return parts, nil
}

func fields(name, prefix string, n int) ([]int64, error) {
	parts, err := split(name, prefix, n)
	if err != nil {
		return nil, err
	}
	return atoi(name, parts[:n])
}

func atoi(name string, parts []string) ([]int64, error) {
	out := make([]int64, len(parts))
	for i, p := range parts {
		if v, err := strconv.ParseInt(p, 10, 64); err == nil {
			out[i] = v
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %q field %d is not a number", ErrMalformed, path.Base(name), i)
		}
		out[i] = int64(v)
	}
	return out, nil
}

func trimExt(s string) string {
	for _, ext := range []string{".zip", ".json"} {
		if strings.HasSuffix(s, ext) {
			return strings.TrimSuffix(s, ext)
		}
	}
	return s
}
