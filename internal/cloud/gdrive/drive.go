// Package gdrive is the Google Drive v3 REST client behind the gdrive
// backend.
package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/njoerd114/bookrelay/internal/cloud"
	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/storage"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"

	defaultFilesURL  = "https://www.googleapis.com/drive/v3/files"
	defaultUploadURL = "https://www.googleapis.com/upload/drive/v3/files"

	// rootParent is the alias Drive accepts for the user's root folder.
	rootParent = "root"
)

// Endpoint is Google's OAuth 2.0 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// Scope grants access to files created by this application only.
const Scope = "https://www.googleapis.com/auth/drive.file"

// OAuthConfig returns the OAuth2 configuration for a desktop client.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     Endpoint,
		Scopes:       []string{Scope},
	}
}

// Drive implements cloud.Drive against the Drive v3 API.
type Drive struct {
	api       cloud.Client
	filesURL  string
	uploadURL string
}

// Option customises a Drive.
type Option func(*Drive)

// WithBaseURLs points the client at other API hosts, e.g. a test server.
func WithBaseURLs(filesURL, uploadURL string) Option {
	return func(d *Drive) {
		d.filesURL = strings.TrimSuffix(filesURL, "/")
		d.uploadURL = strings.TrimSuffix(uploadURL, "/")
	}
}

// New returns a Drive issuing requests with client, which must attach the
// OAuth2 bearer token.
func New(client *http.Client, opts ...Option) *Drive {
	d := &Drive{
		api:       cloud.Client{Backend: model.StorageGDrive, HTTP: client},
		filesURL:  defaultFilesURL,
		uploadURL: defaultUploadURL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type file struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type fileList struct {
	NextPageToken string `json:"nextPageToken"`
	Files         []file `json:"files"`
}

// ListFolders returns the folders directly under parent.
func (d *Drive) ListFolders(ctx context.Context, parent string) ([]storage.File, error) {
	return d.list(ctx, fmt.Sprintf("mimeType = '%s' and trashed = false and '%s' in parents", folderMimeType, escape(parentID(parent))))
}

// ListFiles returns the non-folder files directly under parent.
func (d *Drive) ListFiles(ctx context.Context, parent string) ([]storage.File, error) {
	return d.list(ctx, fmt.Sprintf("mimeType != '%s' and trashed = false and '%s' in parents", folderMimeType, escape(parentID(parent))))
}

func (d *Drive) list(ctx context.Context, query string) ([]storage.File, error) {
	var out []storage.File
	pageToken := ""
	for {
		if err := storage.CheckCancelled(ctx); err != nil {
			return nil, err
		}
		params := url.Values{
			"q":        {query},
			"fields":   {"nextPageToken,files(id,name)"},
			"corpora":  {"user"},
			"spaces":   {"drive"},
			"pageSize": {"1000"},
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		var page fileList
		err := d.api.DoJSON(ctx, "list", cloud.Request{Method: http.MethodGet, URL: d.filesURL + "?" + params.Encode()}, &page)
		if err != nil {
			return nil, err
		}
		for _, f := range page.Files {
			out = append(out, storage.File{ID: f.ID, Name: f.Name})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// CreateFolder creates a folder named name under parent.
func (d *Drive) CreateFolder(ctx context.Context, parent, name string) (storage.File, error) {
	var created file
	err := d.api.DoJSON(ctx, "create folder", cloud.Request{
		Method: http.MethodPost,
		URL:    d.filesURL + "?fields=id,name",
		JSON: map[string]any{
			"name":     name,
			"mimeType": folderMimeType,
			"parents":  []string{parentID(parent)},
		},
	}, &created)
	if err != nil {
		return storage.File{}, err
	}
	return storage.File{ID: created.ID, Name: created.Name}, nil
}

// Download returns the content of file id.
func (d *Drive) Download(ctx context.Context, id string) ([]byte, error) {
	return d.api.Do(ctx, "download", cloud.Request{
		Method: http.MethodGet,
		URL:    d.filesURL + "/" + url.PathEscape(id) + "?alt=media",
	})
}

// Upload stores data as a multipart upload: a PATCH of existing when set, a
// new file under parent otherwise.
func (d *Drive) Upload(ctx context.Context, parent string, existing *storage.File, name string, data []byte) (storage.File, error) {
	meta := map[string]any{"name": name}
	method := http.MethodPost
	target := d.uploadURL
	if existing != nil {
		method = http.MethodPatch
		target += "/" + url.PathEscape(existing.ID)
	} else {
		meta["parents"] = []string{parentID(parent)}
	}

	body, contentType, err := multipartBody(meta, data)
	if err != nil {
		return storage.File{}, err
	}
	var stored file
	err = d.api.DoJSON(ctx, "upload", cloud.Request{
		Method: method,
		URL:    target + "?uploadType=multipart&fields=id,name",
		Header: http.Header{"Content-Type": {contentType}},
		Body:   body,
	}, &stored)
	if err != nil {
		return storage.File{}, err
	}
	return storage.File{ID: stored.ID, Name: stored.Name}, nil
}

// Delete removes file or folder id. A missing id is not an error.
func (d *Drive) Delete(ctx context.Context, id string) error {
	_, err := d.api.Do(ctx, "delete", cloud.Request{
		Method: http.MethodDelete,
		URL:    d.filesURL + "/" + url.PathEscape(id),
	})
	if cloud.StatusOf(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func multipartBody(meta map[string]any, data []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaPart, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return nil, "", fmt.Errorf("building upload: %w", err)
	}
	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return nil, "", fmt.Errorf("encoding upload metadata: %w", err)
	}
	dataPart, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/octet-stream"}})
	if err != nil {
		return nil, "", fmt.Errorf("building upload: %w", err)
	}
	if _, err := dataPart.Write(data); err != nil {
		return nil, "", fmt.Errorf("building upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("building upload: %w", err)
	}
	return &buf, "multipart/related; boundary=" + w.Boundary(), nil
}

func parentID(parent string) string {
	if parent == "" {
		return rootParent
	}
	return parent
}

// escape quotes a value for use inside a single-quoted query string.
func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
