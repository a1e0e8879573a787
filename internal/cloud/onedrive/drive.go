// Package onedrive is the Microsoft Graph drive client behind the onedrive
// backend.
package onedrive

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/njoerd114/bookrelay/internal/cloud"
	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/storage"
)

const (
	defaultItemsURL = "https://graph.microsoft.com/v1.0/me/drive/items"

	// rootItem is the Graph alias of the drive root.
	rootItem = "root"

	// DefaultTenant accepts both personal and work accounts.
	DefaultTenant = "common"
)

// Scopes requested for the drive and a refresh token.
var Scopes = []string{"files.readwrite", "offline_access"}

// OAuthConfig returns the OAuth2 configuration for tenant ("" means common).
func OAuthConfig(clientID, clientSecret, tenant string) *oauth2.Config {
	if tenant == "" {
		tenant = DefaultTenant
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       Scopes,
	}
}

// Drive implements cloud.Drive against the Graph drive items API.
type Drive struct {
	api      cloud.Client
	itemsURL string
}

// Option customises a Drive.
type Option func(*Drive)

// WithItemsURL points the client at another items endpoint, e.g. a test server.
func WithItemsURL(u string) Option {
	return func(d *Drive) { d.itemsURL = strings.TrimSuffix(u, "/") }
}

// New returns a Drive issuing requests with client, which must attach the
// OAuth2 bearer token.
func New(client *http.Client, opts ...Option) *Drive {
	d := &Drive{
		api:      cloud.Client{Backend: model.StorageOneDrive, HTTP: client},
		itemsURL: defaultItemsURL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type itemList struct {
	Value    []item `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// ListFolders returns the folders directly under parent.
func (d *Drive) ListFolders(ctx context.Context, parent string) ([]storage.File, error) {
	return d.children(ctx, parent, "folder ne null")
}

// ListFiles returns the files directly under parent.
func (d *Drive) ListFiles(ctx context.Context, parent string) ([]storage.File, error) {
	return d.children(ctx, parent, "file ne null")
}

func (d *Drive) children(ctx context.Context, parent, filter string) ([]storage.File, error) {
	params := url.Values{"$filter": {filter}, "$select": {"id,name"}}
	next := d.item(parent) + "/children?" + params.Encode()

	var out []storage.File
	for next != "" {
		if err := storage.CheckCancelled(ctx); err != nil {
			return nil, err
		}
		var page itemList
		if err := d.api.DoJSON(ctx, "list", cloud.Request{Method: http.MethodGet, URL: next}, &page); err != nil {
			return nil, err
		}
		for _, it := range page.Value {
			out = append(out, storage.File{ID: it.ID, Name: it.Name})
		}
		next = page.NextLink
	}
	return out, nil
}

// CreateFolder creates a folder named name under parent. An existing folder
// with that name is a conflict error.
func (d *Drive) CreateFolder(ctx context.Context, parent, name string) (storage.File, error) {
	var created item
	err := d.api.DoJSON(ctx, "create folder", cloud.Request{
		Method: http.MethodPost,
		URL:    d.item(parent) + "/children",
		JSON: map[string]any{
			"name":                              name,
			"folder":                            map[string]any{},
			"@microsoft.graph.conflictBehavior": "fail",
		},
	}, &created)
	if err != nil {
		return storage.File{}, err
	}
	return storage.File{ID: created.ID, Name: created.Name}, nil
}

// Download returns the content of item id.
func (d *Drive) Download(ctx context.Context, id string) ([]byte, error) {
	return d.api.Do(ctx, "download", cloud.Request{Method: http.MethodGet, URL: d.item(id) + "/content"})
}

// Upload writes data through an upload session. Replacing existing keeps
// its id and renames it when the name changed.
func (d *Drive) Upload(ctx context.Context, parent string, existing *storage.File, name string, data []byte) (storage.File, error) {
	sessionURL := d.item(parent) + ":/" + url.PathEscape(name) + ":/createUploadSession"
	if existing != nil {
		sessionURL = d.item(existing.ID) + "/createUploadSession"
	}

	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	err := d.api.DoJSON(ctx, "create upload session", cloud.Request{
		Method: http.MethodPost,
		URL:    sessionURL,
		JSON: map[string]any{
			"item": map[string]any{
				"@odata.type": "microsoft.graph.driveItemUploadableProperties",
				"name":        name,
			},
		},
	}, &session)
	if err != nil {
		return storage.File{}, err
	}
	if session.UploadURL == "" {
		return storage.File{}, &storage.AdapterError{Backend: model.StorageOneDrive, Op: "create upload session", Err: fmt.Errorf("no upload url returned")}
	}

	header := http.Header{}
	if len(data) > 0 {
		header.Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data)))
	}
	var stored item
	err = d.api.DoJSON(ctx, "upload", cloud.Request{
		Method: http.MethodPut,
		URL:    session.UploadURL,
		Header: header,
		Body:   bytes.NewReader(data),
	}, &stored)
	if err != nil {
		// Abandoned sessions expire on their own; cancelling early frees quota.
		_, _ = d.api.Do(context.WithoutCancel(ctx), "cancel upload session", cloud.Request{Method: http.MethodDelete, URL: session.UploadURL})
		return storage.File{}, err
	}

	if existing != nil && stored.Name != name {
		err = d.api.DoJSON(ctx, "rename", cloud.Request{
			Method: http.MethodPatch,
			URL:    d.item(existing.ID),
			JSON:   map[string]any{"name": name},
		}, &stored)
		if err != nil {
			return storage.File{}, err
		}
	}
	return storage.File{ID: stored.ID, Name: stored.Name}, nil
}

// Delete removes item id. A missing item is not an error.
func (d *Drive) Delete(ctx context.Context, id string) error {
	_, err := d.api.Do(ctx, "delete", cloud.Request{Method: http.MethodDelete, URL: d.item(id)})
	if cloud.StatusOf(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func (d *Drive) item(id string) string {
	if id == "" {
		id = rootItem
	}
	return d.itemsURL + "/" + url.PathEscape(id)
}
