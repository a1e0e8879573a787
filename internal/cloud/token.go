package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
)

// FileTokenSource hands out OAuth2 access tokens, refreshing them through the
// provider's token endpoint and writing every new token back to a JSON file
// so that the refresh token survives restarts.
type FileTokenSource struct {
	mu   sync.Mutex
	path string
	base oauth2.TokenSource
	last *oauth2.Token
}

// NewFileTokenSource loads the token stored at path and returns a source that
// refreshes it with cfg.
func NewFileTokenSource(ctx context.Context, cfg *oauth2.Config, path string) (*FileTokenSource, error) {
	tok, err := LoadToken(path)
	if err != nil {
		return nil, err
	}
	return &FileTokenSource{
		path: path,
		base: cfg.TokenSource(ctx, tok),
		last: tok,
	}, nil
}

// Token returns a valid token, persisting it when it changed.
func (s *FileTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.base.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	if s.last == nil || tok.AccessToken != s.last.AccessToken || tok.RefreshToken != s.last.RefreshToken {
		if err := SaveToken(s.path, tok); err != nil {
			return nil, err
		}
		s.last = tok
	}
	return tok, nil
}

// Client returns an HTTP client authorizing requests with tokens from s.
func (s *FileTokenSource) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, s)
}

// LoadToken reads a token file written by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no token at %s: authorize the account first", path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parsing token file %s: %w", path, err)
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, fmt.Errorf("token file %s holds no token", path)
	}
	return &tok, nil
}

// SaveToken writes tok to path with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}
