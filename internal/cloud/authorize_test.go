package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// follow plays the browser: it sends the redirect the provider would send
// after consent, with the given code and state override.
func follow(t *testing.T, authURL, code, state string) {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Errorf("parsing auth URL: %v", err)
		return
	}
	q := u.Query()
	if state == "" {
		state = q.Get("state")
	}
	cb := q.Get("redirect_uri") + "?" + url.Values{"code": {code}, "state": {state}}.Encode()
	go func() {
		resp, err := http.Get(cb)
		if err == nil {
			_ = resp.Body.Close()
		}
	}()
}

func TestAuthorize_StoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("code"); got != "code-1" {
			t.Errorf("code = %q, want code-1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	cfg := &oauth2.Config{ClientID: "id", Endpoint: oauth2.Endpoint{AuthURL: "https://auth.example/authorize", TokenURL: srv.URL}}
	path := filepath.Join(t.TempDir(), "token.json")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := Authorize(ctx, cfg, path, func(authURL string) {
		u, _ := url.Parse(authURL)
		if u.Query().Get("access_type") != "offline" {
			t.Errorf("auth URL %q does not request offline access", authURL)
		}
		follow(t, authURL, "code-1", "")
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	tok, err := LoadToken(path)
	if err != nil {
		t.Fatal(err)
	}
	if tok.RefreshToken != "refresh-1" {
		t.Errorf("stored token = %+v", tok)
	}
	if cfg.RedirectURL != "" {
		t.Error("Authorize modified the caller's config")
	}
}

func TestAuthorize_RejectsForeignState(t *testing.T) {
	cfg := &oauth2.Config{ClientID: "id", Endpoint: oauth2.Endpoint{AuthURL: "https://auth.example/authorize", TokenURL: "http://127.0.0.1:1/token"}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Authorize(ctx, cfg, filepath.Join(t.TempDir(), "token.json"), func(authURL string) {
		follow(t, authURL, "code-1", "forged")
	})
	if err == nil {
		t.Error("Authorize accepted a redirect with a foreign state")
	}
}
