package onedrive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/njoerd114/bookrelay/internal/storage"
)

type recorded struct {
	method, path, query string
	header              http.Header
	body                string
}

type graphServer struct {
	mu       sync.Mutex
	requests []recorded
	srv      *httptest.Server
	respond  func(w http.ResponseWriter, r *http.Request)
}

func newGraphServer(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) (*graphServer, *Drive) {
	t.Helper()
	g := &graphServer{respond: respond}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		g.mu.Lock()
		g.requests = append(g.requests, recorded{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Clone(), string(body)})
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		g.respond(w, r)
	}))
	t.Cleanup(g.srv.Close)
	return g, New(g.srv.Client(), WithItemsURL(g.srv.URL+"/items"))
}

func TestChildren_FollowsNextLink(t *testing.T) {
	var g *graphServer
	g, d := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value":           []map[string]string{{"id": "1", "name": "a"}},
				"@odata.nextLink": g.srv.URL + "/items/root/children?page=2",
			})
			return
		}
		_, _ = io.WriteString(w, `{"value":[{"id":"2","name":"b"}]}`)
	})

	got, err := d.ListFolders(context.Background(), "")
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if len(got) != 2 || got[1].ID != "2" {
		t.Errorf("ListFolders = %+v", got)
	}
	first := g.requests[0]
	if first.path != "/items/root/children" || !strings.Contains(first.query, "folder+ne+null") {
		t.Errorf("first request = %s?%s", first.path, first.query)
	}
}

func TestCreateFolder_FailsOnConflict(t *testing.T) {
	g, d := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"f1","name":"ttu-reader-data"}`)
	})

	f, err := d.CreateFolder(context.Background(), "", "ttu-reader-data")
	if err != nil || f.ID != "f1" {
		t.Fatalf("CreateFolder = %+v, %v", f, err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(g.requests[0].body), &body); err != nil {
		t.Fatal(err)
	}
	if body["@microsoft.graph.conflictBehavior"] != "fail" {
		t.Errorf("body = %v", body)
	}
}

func TestUpload_NewFileThroughSession(t *testing.T) {
	var g *graphServer
	g, d := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "createUploadSession"):
			_ = json.NewEncoder(w).Encode(map[string]string{"uploadUrl": g.srv.URL + "/session/1"})
		case r.URL.Path == "/session/1" && r.Method == http.MethodPut:
			_, _ = io.WriteString(w, `{"id":"file1","name":"cover_1_6.png"}`)
		default:
			http.Error(w, "unexpected", http.StatusBadRequest)
		}
	})

	f, err := d.Upload(context.Background(), "folder", nil, "cover_1_6.png", []byte("12345"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if f.ID != "file1" {
		t.Errorf("Upload = %+v", f)
	}
	if got := g.requests[0].path; got != "/items/folder:/cover_1_6.png:/createUploadSession" {
		t.Errorf("session path = %q", got)
	}
	if got := g.requests[1].header.Get("Content-Range"); got != "bytes 0-4/5" {
		t.Errorf("Content-Range = %q", got)
	}
	if len(g.requests) != 2 {
		t.Errorf("requests = %d, want 2", len(g.requests))
	}
}

func TestUpload_ExistingFileIsRenamed(t *testing.T) {
	var g *graphServer
	g, d := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "createUploadSession"):
			_ = json.NewEncoder(w).Encode(map[string]string{"uploadUrl": g.srv.URL + "/session/2"})
		case r.Method == http.MethodPut:
			_, _ = io.WriteString(w, `{"id":"old","name":"progress_1_6_1_0.1.json"}`)
		case r.Method == http.MethodPatch:
			_, _ = io.WriteString(w, `{"id":"old","name":"progress_1_6_2_0.2.json"}`)
		}
	})

	existing := storage.File{ID: "old", Name: "progress_1_6_1_0.1.json"}
	f, err := d.Upload(context.Background(), "folder", &existing, "progress_1_6_2_0.2.json", []byte("{}"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if f.Name != "progress_1_6_2_0.2.json" {
		t.Errorf("Upload = %+v", f)
	}
	if g.requests[0].path != "/items/old/createUploadSession" {
		t.Errorf("session path = %q", g.requests[0].path)
	}
	if last := g.requests[len(g.requests)-1]; last.method != http.MethodPatch || last.path != "/items/old" {
		t.Errorf("last request = %s %s, want rename", last.method, last.path)
	}
}

func TestDelete_MissingIsNotAnError(t *testing.T) {
	_, d := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"itemNotFound"}}`, http.StatusNotFound)
	})
	if err := d.Delete(context.Background(), "gone"); err != nil {
		t.Errorf("Delete = %v", err)
	}
}

func TestOAuthConfig_DefaultTenant(t *testing.T) {
	cfg := OAuthConfig("id", "", "")
	if !strings.Contains(cfg.Endpoint.TokenURL, "/common/") {
		t.Errorf("TokenURL = %q", cfg.Endpoint.TokenURL)
	}
}
