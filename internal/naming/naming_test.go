package naming

import (
	"errors"
	"testing"

	"github.com/njoerd114/bookrelay/internal/model"
)

// ---------------------------------------------------------------------------
// Round trips
// ---------------------------------------------------------------------------

func TestBookToken_RoundTrip(t *testing.T) {
	tokens := []BookToken{
		{ExporterVersion: 1, SchemaVersion: 6, Characters: 120345, LastBookModified: 1700000000123, LastBookOpen: 1700000500000},
		{ExporterVersion: 2, SchemaVersion: 9, Characters: 0, LastBookModified: 0, LastBookOpen: 0},
	}
	for _, want := range tokens {
		got, err := ParseBookToken(want.Filename())
		if err != nil {
			t.Fatalf("ParseBookToken(%q): %v", want.Filename(), err)
		}
		if got != want {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestProgressToken_RoundTrip(t *testing.T) {
	tokens := []ProgressToken{
		{ExporterVersion: 1, SchemaVersion: 6, LastBookmarkModified: 1700000000123, Progress: "0.4321"},
		{ExporterVersion: 1, SchemaVersion: 6, LastBookmarkModified: 5, Progress: "0"},
	}
	for _, want := range tokens {
		got, err := ParseProgressToken(want.Filename())
		if err != nil {
			t.Fatalf("ParseProgressToken(%q): %v", want.Filename(), err)
		}
		if got != want {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestWatermarkToken_RoundTrip(t *testing.T) {
	for _, want := range []WatermarkToken{NewStatisticsToken(42), NewReadingGoalsToken(1700000000000)} {
		got, err := ParseWatermarkToken(want.Filename(), want.Prefix)
		if err != nil {
			t.Fatalf("ParseWatermarkToken(%q): %v", want.Filename(), err)
		}
		if got != want {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestSanitize_RoundTrip(t *testing.T) {
	titles := []string{
		"Plain Title",
		"Trailing space ",
		"Ends with dot.",
		"Ends with both. ",
		"Star * Wars",
		`Q/A: a<b>c\d|e "quoted" 100%?`,
		"Already %41 encoded",
		"日本語のタイトル",
	}
	for _, title := range titles {
		enc := Sanitize(title)
		if got := Desanitize(enc); got != title {
			t.Errorf("Desanitize(Sanitize(%q)) = %q (encoded %q)", title, got, enc)
		}
	}
}

func TestSanitize_Encoding(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a/b", "a%2Fb"},
		{"title ", "title~ttu-spc~"},
		{"title.", "title~ttu-dend~"},
		{"a*b", "a~ttu-star~b"},
		{"50%", "50%25"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Tolerant decoding
// ---------------------------------------------------------------------------

func TestParseBookToken_IgnoresTrailingSegments(t *testing.T) {
	got, err := ParseBookToken("bookdata_3_11_100_200_300_extra_more.zip")
	if err != nil {
		t.Fatalf("ParseBookToken: %v", err)
	}
	want := BookToken{ExporterVersion: 3, SchemaVersion: 11, Characters: 100, LastBookModified: 200, LastBookOpen: 300}
	if got != want {
		t.Errorf("ParseBookToken = %+v, want %+v", got, want)
	}
}

func TestParse_PathPrefixIgnored(t *testing.T) {
	got, err := ParseProgressToken("Some Title/progress_1_6_99_0.5.json")
	if err != nil {
		t.Fatalf("ParseProgressToken: %v", err)
	}
	if got.LastBookmarkModified != 99 || got.Progress != "0.5" {
		t.Errorf("ParseProgressToken = %+v", got)
	}
}

func TestParse_Malformed(t *testing.T) {
	cases := []func() error{
		func() error { _, err := ParseBookToken("progress_1_6_1_1.json"); return err },
		func() error { _, err := ParseBookToken("bookdata_1_6_1.zip"); return err },
		func() error { _, err := ParseBookToken("bookdata_1_6_x_2_3.zip"); return err },
		func() error { _, err := ParseWatermarkToken("statistics_1_6.json", PrefixStatistics); return err },
		func() error { _, err := ParseProgressToken("progress_1_6_NaN_1.json"); return err },
	}
	for i, c := range cases {
		if err := c(); !errors.Is(err, ErrMalformed) {
			t.Errorf("case %d: error = %v, want ErrMalformed", i, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Freshness
// ---------------------------------------------------------------------------

func TestIsCurrent_Monotonic(t *testing.T) {
	older := BookToken{LastBookModified: 100, LastBookOpen: 100}
	newer := BookToken{LastBookModified: 200, LastBookOpen: 200}
	if !newer.IsCurrent(older) {
		t.Error("target holding newer book should be current")
	}
	if older.IsCurrent(newer) {
		t.Error("target holding older book should not be current")
	}
	if !newer.IsCurrent(newer) {
		t.Error("equal tokens should be current")
	}

	p1 := ProgressToken{LastBookmarkModified: 10}
	p2 := ProgressToken{LastBookmarkModified: 20}
	if !p2.IsCurrent(p1) || p1.IsCurrent(p2) {
		t.Error("progress freshness is not monotonic")
	}

	w1, w2 := NewStatisticsToken(1), NewStatisticsToken(2)
	if !w2.IsCurrent(w1) || w1.IsCurrent(w2) {
		t.Error("watermark freshness is not monotonic")
	}
}

func TestBookToken_IsCurrent_RequiresBothTimestamps(t *testing.T) {
	// A newer open time on the source means the target is stale even if the
	// content timestamp matches.
	target := BookToken{LastBookModified: 200, LastBookOpen: 100}
	source := BookToken{LastBookModified: 200, LastBookOpen: 150}
	if target.IsCurrent(source) {
		t.Error("target with older open time should not be current")
	}
	if (BookToken{}).IsCurrent(BookToken{LastBookModified: 1}) {
		t.Error("zero target should never be current")
	}
}

func TestIsCurrent_IgnoresVersions(t *testing.T) {
	a := WatermarkToken{Prefix: PrefixReadingGoals, ExporterVersion: 9, SchemaVersion: 99, Watermark: 5}
	b := WatermarkToken{Prefix: PrefixReadingGoals, ExporterVersion: 1, SchemaVersion: 6, Watermark: 5}
	if !a.IsCurrent(b) || !b.IsCurrent(a) {
		t.Error("version mismatch must not affect freshness")
	}
}

func TestIsCurrent_Filenames(t *testing.T) {
	tests := []struct {
		prefix, held, ref string
		want              bool
	}{
		{PrefixBook, "bookdata_1_6_10_200_200.zip", "bookdata_1_6_10_100_100.zip", true},
		{PrefixBook, "bookdata_1_6_10_100_100.zip", "bookdata_1_6_10_200_200.zip", false},
		{PrefixProgress, "Title/progress_1_6_50_0.5.json", "progress_1_6_40_0.4.json", true},
		{PrefixStatistics, "statistics_1_6_9.json", "statistics_1_6_10.json", false},
		{PrefixReadingGoals, "readinggoals_1_6_10.json", "readinggoals_1_6_10.json", true},
		{PrefixBook, "", "bookdata_1_6_10_100_100.zip", false},
		{PrefixBook, "bookdata_1_6_10_100_100.zip", "", false},
		{PrefixBook, "bookdata_garbage.zip", "bookdata_1_6_10_100_100.zip", false},
		{PrefixCover, "cover_1_6.png", "cover_1_6.png", false},
	}
	for _, tt := range tests {
		if got := IsCurrent(tt.prefix, tt.held, tt.ref); got != tt.want {
			t.Errorf("IsCurrent(%q, %q, %q) = %v, want %v", tt.prefix, tt.held, tt.ref, got, tt.want)
		}
	}
}

func TestFind(t *testing.T) {
	names := []string{"cover_1_6.png", "Book/progress_1_6_1_0.json", "bookdata_1_6_1_2_3.zip"}
	if got, ok := Find(names, PrefixProgress); !ok || got != names[1] {
		t.Errorf("Find(progress) = %q, %v", got, ok)
	}
	if _, ok := Find(names, PrefixStatistics); ok {
		t.Error("Find(statistics) found a match in a listing without one")
	}
}

func TestNewBookToken_UsesDerivedCharacters(t *testing.T) {
	b := &model.Book{Sections: []model.Section{{StartCharacter: 10, Characters: 90}}, LastBookModified: 7, LastBookOpen: 8}
	got := NewBookToken(b).Filename()
	want := "bookdata_1_6_100_7_8.zip"
	if got != want {
		t.Errorf("Filename() = %q, want %q", got, want)
	}
}

// ---------------------------------------------------------------------------
// Covers
// ---------------------------------------------------------------------------

func TestCoverFilename(t *testing.T) {
	tests := []struct {
		data []byte
		want string
	}{
		{[]byte{0x89, 0x50, 0x4e, 0x47, 0x0d}, "cover_1_6.png"},
		{[]byte("GIF89a"), "cover_1_6.gif"},
		{[]byte("BM...."), "cover_1_6.bmp"},
		{[]byte("RIFF....WEBP"), "cover_1_6.webp"},
		{[]byte{0xff, 0xd8, 0xff}, "cover_1_6.jpeg"},
		{nil, "cover_1_6.jpeg"},
	}
	for _, tt := range tests {
		if got := CoverFilename(tt.data); got != tt.want {
			t.Errorf("CoverFilename(% x) = %q, want %q", tt.data, got, tt.want)
		}
	}
}
