// Package bookzip packs a book into the nested archive stored by every
// file-based backend and reads it back.
//
// Layout:
//
//	staticdata.json   title, styleSheet, elementHtml, sections
//	blobs/{name}      one entry per auxiliary blob
//	cover.{ext}       the cover image, when present
//
// Timestamps and the character count are not stored inside the archive; they
// travel in the archive's file name (see package naming).
package bookzip

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/naming"
)

const (
	staticDataName = "staticdata.json"
	blobsDir       = "blobs/"
	coverPrefix    = "cover."
)

// ErrEmptyContent is returned by Decode for an archive without book HTML.
var ErrEmptyContent = errors.New("invalid bookdata: empty element html")

type staticData struct {
	Title       string          `json:"title"`
	StyleSheet  string          `json:"styleSheet"`
	ElementHTML string          `json:"elementHtml"`
	Sections    []model.Section `json:"sections,omitempty"`
}

// Encode writes b as a book archive. Entries are written in a fixed order so
// that equal books produce equal bytes.
func Encode(b *model.Book) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	names := make([]string, 0, len(b.Blobs))
	for name := range b.Blobs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := add(zw, blobsDir+name, b.Blobs[name]); err != nil {
			return nil, err
		}
	}

	if len(b.Cover) > 0 {
		if err := add(zw, coverPrefix+naming.ImageExtension(b.Cover), b.Cover); err != nil {
			return nil, err
		}
	}

	static, err := json.Marshal(staticData{
		Title:       b.Title,
		StyleSheet:  b.StyleSheet,
		ElementHTML: b.ContentHTML,
		Sections:    b.Sections,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding static data: %w", err)
	}
	if err := add(zw, staticDataName, static); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing book archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a book archive. filename is the archive's naming token and
// supplies the timestamps and character count. An archive without entries
// decodes to (nil, nil).
func Decode(data []byte, filename string) (*model.Book, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening book archive: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, nil //nolint:nilnil // empty archive means no book
	}

	token, err := naming.ParseBookToken(filename)
	if err != nil {
		return nil, err
	}

	b := &model.Book{
		Blobs:            make(map[string][]byte),
		HasThumbnail:     true,
		LastBookModified: token.LastBookModified,
		LastBookOpen:     token.LastBookOpen,
	}
	var sawStatic bool
	for _, f := range zr.File {
		switch {
		case f.Name == staticDataName:
			raw, err := read(f)
			if err != nil {
				return nil, err
			}
			var sd staticData
			if err := json.Unmarshal(raw, &sd); err != nil {
				return nil, fmt.Errorf("decoding static data: %w", err)
			}
			if sd.ElementHTML == "" {
				return nil, ErrEmptyContent
			}
			b.Title = sd.Title
			b.StyleSheet = sd.StyleSheet
			b.ContentHTML = sd.ElementHTML
			b.Sections = sd.Sections
			sawStatic = true
		case strings.HasPrefix(f.Name, blobsDir):
			raw, err := read(f)
			if err != nil {
				return nil, err
			}
			b.Blobs[strings.TrimPrefix(f.Name, blobsDir)] = raw
		case strings.HasPrefix(f.Name, coverPrefix):
			raw, err := read(f)
			if err != nil {
				return nil, err
			}
			b.Cover = raw
		}
	}
	if !sawStatic {
		return nil, fmt.Errorf("book archive has no %s", staticDataName)
	}

	b.CharacterCount = token.Characters
	b.CharacterCount = b.Characters()
	return b, nil
}

func add(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func read(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.Name, err)
	}
	return data, nil
}
