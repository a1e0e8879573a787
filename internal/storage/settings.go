package storage

import "github.com/njoerd114/bookrelay/internal/model"

// Settings is the per-run configuration applied to a long-lived backend.
type Settings struct {
	SaveBehavior model.SaveBehavior
	// CacheListing keeps directory listings between operations. When false
	// every operation lists the backend afresh.
	CacheListing bool
}

// DefaultSettings returns new-only writes with listing caching enabled.
func DefaultSettings() Settings {
	return Settings{SaveBehavior: model.SaveNewOnly, CacheListing: true}
}

// NewOnly reports whether writes must not replace newer data.
func (s Settings) NewOnly() bool {
	return s.SaveBehavior != model.SaveOverwrite
}
