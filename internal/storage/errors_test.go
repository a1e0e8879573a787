package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRecoverable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"adapter", &AdapterError{Backend: "gdrive", Op: "list", Status: 500, Err: errors.New("boom")}, true},
		{"integrity", &IntegrityError{Backend: "backup", Name: "x", Err: errors.New("bad zip")}, true},
		{"wrapped integrity", fmt.Errorf("reading: %w", &IntegrityError{Err: errors.New("x")}), true},
		{"plain", errors.New("anything"), true},
		{"cancelled", ErrCancelled, false},
		{"context", CheckCancelled(ctx), false},
		{"wrapped context", fmt.Errorf("listing: %w", context.Canceled), false},
		{"invariant", fmt.Errorf("factory: %w", &InvariantError{Message: "unknown backend"}), false},
	}
	for _, tt := range tests {
		if got := IsRecoverable(tt.err); got != tt.want {
			t.Errorf("%s: IsRecoverable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCheckCancelled(t *testing.T) {
	if err := CheckCancelled(context.Background()); err != nil {
		t.Fatalf("CheckCancelled on live context = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := CheckCancelled(ctx)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Errorf("CheckCancelled = %v, want ErrCancelled wrapping context.Canceled", err)
	}
}

func TestAdapterError_Message(t *testing.T) {
	err := &AdapterError{Backend: "onedrive", Op: "upload", Status: 403, Err: errors.New("quota")}
	if got, want := err.Error(), "onedrive upload: status 403: quota"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestListingCache_PutReplacesByPrefix(t *testing.T) {
	c := NewListingCache()
	c.SetFiles("Book", []File{
		{ID: "1", Name: "bookdata_1_6_0_1_1.zip"},
		{ID: "2", Name: "progress_1_6_1_0.json"},
	})
	c.Put("Book", File{ID: "3", Name: "bookdata_1_6_0_2_2.zip"}, "bookdata_")

	files, ok := c.Files("Book")
	if !ok || len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	for _, f := range files {
		if f.ID == "1" {
			t.Error("stale book entry kept")
		}
	}

	c.SetFolder("Book", "folder-1")
	c.Clear(false)
	if _, ok := c.Files("Book"); ok {
		t.Error("listing survived Clear")
	}
	if id, ok := c.Folder("Book"); !ok || id != "folder-1" {
		t.Error("folder handle dropped by Clear(false)")
	}
	c.Clear(true)
	if _, ok := c.Folder("Book"); ok {
		t.Error("folder handle survived Clear(true)")
	}
}

func TestListingCache_ClearResetsFoldersListed(t *testing.T) {
	c := NewListingCache()
	if c.FoldersListed() {
		t.Fatal("new cache reports folders listed")
	}
	c.SetFolder("Book", "folder-1")
	c.MarkFoldersListed()
	c.Clear(false)
	if c.FoldersListed() {
		t.Error("folders still reported listed after Clear(false)")
	}
	if _, ok := c.Folder("Book"); !ok {
		t.Error("folder handle dropped by Clear(false)")
	}
}

func TestListingCache_PutIgnoresUnlistedFolder(t *testing.T) {
	c := NewListingCache()
	c.Put("Book", File{ID: "1", Name: "cover_1_6.png"})
	if _, ok := c.Files("Book"); ok {
		t.Error("Put created a partial listing for a folder never listed")
	}
}
