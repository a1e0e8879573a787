package storage

import (
	"strings"
	"sync"
)

// File is one entry of a backend directory listing.
type File struct {
	// ID is the backend's native handle: a drive item id or a path.
	ID   string
	Name string
}

// ListingCache remembers folder handles and file listings per book folder so
// that the freshness check and the following read share one listing.
// It is safe for concurrent use.
type ListingCache struct {
	mu      sync.Mutex
	folders map[string]string
	files   map[string][]File
	// listed is set once every book folder handle has been recorded.
	listed bool
}

// NewListingCache returns an empty cache.
func NewListingCache() *ListingCache {
	return &ListingCache{folders: make(map[string]string), files: make(map[string][]File)}
}

// Folder returns the cached handle of the folder named key.
func (c *ListingCache) Folder(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.folders[key]
	return id, ok
}

// SetFolder records the handle of the folder named key.
func (c *ListingCache) SetFolder(key, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.folders[key] = id
}

// FoldersListed reports whether the book folders were listed in bulk since
// the last Clear.
func (c *ListingCache) FoldersListed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listed
}

// MarkFoldersListed records that every book folder handle is cached.
func (c *ListingCache) MarkFoldersListed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listed = true
}

// Files returns the cached listing of folder key.
func (c *ListingCache) Files(key string) ([]File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	files, ok := c.files[key]
	return files, ok
}

// SetFiles replaces the cached listing of folder key.
func (c *ListingCache) SetFiles(key string, files []File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[key] = files
}

// Put records f in the cached listing of folder key, replacing any entry
// with the same name prefix as one of replaces. Folders that were never
// listed stay uncached.
func (c *ListingCache) Put(key string, f File, replaces ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	files, ok := c.files[key]
	if !ok {
		return
	}
	kept := make([]File, 0, len(files)+1)
	for _, old := range files {
		if old.Name == f.Name || hasAnyPrefix(old.Name, replaces) {
			continue
		}
		kept = append(kept, old)
	}
	c.files[key] = append(kept, f)
}

// Forget drops the folder and listing of key.
func (c *ListingCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.folders, key)
	delete(c.files, key)
}

// Clear drops all listings, including the record that the book folders were
// listed. flushFolders also drops the folder handles.
func (c *ListingCache) Clear(flushFolders bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = make(map[string][]File)
	c.listed = false
	if flushFolders {
		c.folders = make(map[string]string)
	}
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
