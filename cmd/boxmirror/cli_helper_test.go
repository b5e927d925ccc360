package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"regexp"
	"strings"
	"sync"
	"testing"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// executeCLI runs a fresh command tree with stdin detached from any terminal,
// so confirmations decline unless --yes is passed.
func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(t.Context())
	t.Log(errOut.String())
	return stripANSI(out.String()), err
}

type fakePage struct {
	entries []map[string]any
	cursor  string
}

// fakeRemote serves the list_folder, list_folder/continue and download calls.
type fakeRemote struct {
	*httptest.Server

	mu      sync.Mutex
	listing fakePage
	changes map[string]fakePage
	content map[string]string
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()

	f := &fakeRemote{
		changes: map[string]fakePage{},
		content: map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/2/files/list_folder", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writePage(w, f.listing)
	})
	mux.HandleFunc("/2/files/list_folder/continue", func(w http.ResponseWriter, r *http.Request) {
		var arg struct {
			Cursor string `json:"cursor"`
		}
		_ = json.NewDecoder(r.Body).Decode(&arg)

		f.mu.Lock()
		defer f.mu.Unlock()
		page, ok := f.changes[arg.Cursor]
		if !ok {
			page = fakePage{cursor: arg.Cursor}
		}
		writePage(w, page)
	})
	mux.HandleFunc("/2/files/download", func(w http.ResponseWriter, r *http.Request) {
		var arg struct {
			Path string `json:"path"`
		}
		_ = json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg)

		f.mu.Lock()
		body, ok := f.content[arg.Path]
		f.mu.Unlock()
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error_summary":"path/not_found/","error":{".tag":"path"}}`)
			return
		}
		_, _ = io.WriteString(w, body)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func writePage(w http.ResponseWriter, p fakePage) {
	entries := p.entries
	if entries == nil {
		entries = []map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entries":  entries,
		"cursor":   p.cursor,
		"has_more": false,
	})
}

func remoteFolder(display string) map[string]any {
	return map[string]any{
		".tag": "folder", "name": path.Base(display),
		"path_lower": strings.ToLower(display), "path_display": display,
	}
}

func remoteFile(display, rev, body string) map[string]any {
	return map[string]any{
		".tag": "file", "name": path.Base(display),
		"path_lower": strings.ToLower(display), "path_display": display,
		"rev": rev, "size": len(body),
	}
}

func remoteDeleted(display string) map[string]any {
	return map[string]any{
		".tag": "deleted", "name": path.Base(display),
		"path_lower": strings.ToLower(display), "path_display": display,
	}
}
