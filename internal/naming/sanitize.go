package naming

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	markerSpace = "~ttu-spc~"
	markerDot   = "~ttu-dend~"
	markerStar  = "~ttu-star~"
)

// Characters rejected by at least one supported backend in a folder name.
var escapedChars = regexp.MustCompile(`[/?<>\\:*|%"]`)

// Sanitize maps a book title to a folder or key name that every backend
// accepts. A trailing space or dot is replaced by a marker (Windows and
// OneDrive strip them), '*' becomes a marker and the remaining reserved
// characters are percent-encoded. Desanitize reverses it.
func Sanitize(title string) string {
	if strings.HasSuffix(title, " ") {
		title = strings.TrimSuffix(title, " ") + markerSpace
	}
	if strings.HasSuffix(title, ".") {
		title = strings.TrimSuffix(title, ".") + markerDot
	}
	title = strings.ReplaceAll(title, "*", markerStar)
	return escapedChars.ReplaceAllStringFunc(title, func(m string) string {
		return fmt.Sprintf("%%%02X", m[0])
	})
}

// Desanitize restores the title encoded by Sanitize. Names that are not
// valid percent-encodings are only stripped of markers.
func Desanitize(name string) string {
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	name = strings.ReplaceAll(name, markerStar, "*")
	name = strings.ReplaceAll(name, markerDot, ".")
	return strings.ReplaceAll(name, markerSpace, " ")
}

// ImageExtension sniffs the image format from its magic bytes. Anything
// unrecognised is assumed to be JPEG.
func ImageExtension(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4e, 0x47}):
		return "png"
	case bytes.HasPrefix(data, []byte{0x47, 0x49, 0x46, 0x38}):
		return "gif"
	case bytes.HasPrefix(data, []byte{0x42, 0x4d}):
		return "bmp"
	case bytes.HasPrefix(data, []byte{0x52, 0x49, 0x46, 0x46}):
		return "webp"
	default:
		return "jpeg"
	}
}
