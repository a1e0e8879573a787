// Package backend builds storage backends from the configuration. It is the
// only package that knows every backend implementation.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/njoerd114/bookrelay/internal/backup"
	"github.com/njoerd114/bookrelay/internal/cloud"
	"github.com/njoerd114/bookrelay/internal/cloud/gdrive"
	"github.com/njoerd114/bookrelay/internal/cloud/onedrive"
	"github.com/njoerd114/bookrelay/internal/config"
	"github.com/njoerd114/bookrelay/internal/fsstore"
	"github.com/njoerd114/bookrelay/internal/localstore"
	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/storage"
)

// Registry hands out one long-lived adapter per backend kind, building each
// on first use. It is safe for concurrent use.
type Registry struct {
	cfg *config.Config
	log *slog.Logger

	mu       sync.Mutex
	adapters map[model.StorageKind]storage.Adapter
	local    *localstore.Store
}

// NewRegistry returns a Registry for cfg.
func NewRegistry(cfg *config.Config, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      logger,
		adapters: make(map[model.StorageKind]storage.Adapter),
	}
}

// Get returns the adapter for kind. Asking for a kind that does not exist is
// an invariant violation; asking for one that is not configured is an
// ordinary error.
func (r *Registry) Get(ctx context.Context, kind model.StorageKind) (storage.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[kind]; ok {
		return a, nil
	}
	a, err := r.build(ctx, kind)
	if err != nil {
		return nil, err
	}
	a.Configure(r.settings())
	r.adapters[kind] = a
	return a, nil
}

// Backup returns the backup archive adapter.
func (r *Registry) Backup(ctx context.Context) (*backup.Archive, error) {
	a, err := r.Get(ctx, model.StorageBackup)
	if err != nil {
		return nil, err
	}
	return a.(*backup.Archive), nil
}

func (r *Registry) settings() storage.Settings {
	return storage.Settings{
		SaveBehavior: r.cfg.Replication.SaveBehavior,
		CacheListing: r.cfg.Replication.CacheEnabled(),
	}
}

func (r *Registry) build(ctx context.Context, kind model.StorageKind) (storage.Adapter, error) {
	logger := r.log.With("backend", string(kind))
	// Token refreshes outlive the call that built the adapter.
	ctx = context.WithoutCancel(ctx)
	switch kind {
	case model.StorageLocal:
		s, err := localstore.Open(r.cfg.Local.DBPath, logger)
		if err != nil {
			return nil, err
		}
		r.local = s
		return s, nil

	case model.StorageFilesystem:
		if r.cfg.Filesystem == nil {
			return nil, notConfigured(kind)
		}
		return fsstore.New(r.cfg.Filesystem.Root, logger), nil

	case model.StorageGDrive:
		c := r.cfg.GDrive
		if c == nil {
			return nil, notConfigured(kind)
		}
		ts, err := cloud.NewFileTokenSource(ctx, gdrive.OAuthConfig(c.ClientID, c.ClientSecret), c.TokenFile)
		if err != nil {
			return nil, err
		}
		return cloud.NewHandler(kind, gdrive.New(httpClient(ctx, ts)), r.log), nil

	case model.StorageOneDrive:
		c := r.cfg.OneDrive
		if c == nil {
			return nil, notConfigured(kind)
		}
		ts, err := cloud.NewFileTokenSource(ctx, onedrive.OAuthConfig(c.ClientID, c.ClientSecret, c.Tenant), c.TokenFile)
		if err != nil {
			return nil, err
		}
		return cloud.NewHandler(kind, onedrive.New(httpClient(ctx, ts)), r.log), nil

	case model.StorageBackup:
		return backup.New(logger), nil
	}
	return nil, &storage.InvariantError{Message: fmt.Sprintf("no storage backend of kind %q", kind)}
}

func httpClient(ctx context.Context, ts *cloud.FileTokenSource) *http.Client {
	c := ts.Client(ctx)
	c.Timeout = cloud.HTTPTimeout
	return c
}

func notConfigured(kind model.StorageKind) error {
	return fmt.Errorf("storage backend %q is not configured", kind)
}

// Reconfigure applies new per-run settings to every built adapter.
func (r *Registry) Reconfigure(s storage.Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.adapters {
		a.Configure(s)
	}
}

// Close releases the resources held by built adapters.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	if r.local != nil {
		errs = append(errs, r.local.Close())
		r.local = nil
	}
	clear(r.adapters)
	return errors.Join(errs...)
}
