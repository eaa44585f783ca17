package main

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmined/scmmirror/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigEnv(t *testing.T) {
	ws := t.TempDir()
	t.Setenv("SCMMIRROR_WORKSPACE", ws)
	t.Setenv("SCMMIRROR_REMOTE_TYPE", "s3")
	t.Setenv("SCMMIRROR_REMOTE_S3_BUCKET", "depot")
	t.Setenv("SCMMIRROR_FETCH_WORKERS", "3")

	root := newRootCmd()
	syncCmd, _, err := root.Find([]string{"sync"})
	require.NoError(t, err)
	require.NoError(t, syncCmd.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}))

	cfg, err := loadConfig(syncCmd)
	require.NoError(t, err)
	assert.Equal(t, ws, cfg.Workspace)
	assert.Equal(t, config.RemoteS3, cfg.Remote.Type)
	assert.Equal(t, "depot", cfg.Remote.S3.Bucket)
	assert.Equal(t, 3, cfg.Fetch.Workers)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
workspace: `+filepath.Join(dir, "from-file")+`
mtime_source: checkpoint
remote:
  http:
    base_url: http://localhost:9999
`), 0o644))

	root := newRootCmd()
	syncCmd, _, err := root.Find([]string{"sync"})
	require.NoError(t, err)
	require.NoError(t, syncCmd.ParseFlags([]string{
		"--config", cfgPath,
		"--workspace", filepath.Join(dir, "from-flag"),
		"--mtime-source", "local",
		"--workers", "2",
	}))

	cfg, err := loadConfig(syncCmd)
	require.NoError(t, err)
	assert.Equal(t, cfgPath, cfg.Path)
	assert.Equal(t, filepath.Join(dir, "from-flag"), cfg.Workspace)
	assert.Equal(t, "local", cfg.MtimeSource)
	assert.Equal(t, 2, cfg.Fetch.Workers)
	assert.Equal(t, "http://localhost:9999", cfg.Remote.HTTP.BaseURL)
}

type remoteFile struct {
	path     string
	revision int
	modTime  time.Time
	content  string
}

type fakeServer struct {
	mu    sync.Mutex
	files map[string]remoteFile
}

func (s *fakeServer) put(path string, revision int, modTime time.Time, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = remoteFile{path: path, revision: revision, modTime: modTime, content: content}
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{files: make(map[string]remoteFile)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/catalog", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		parts := make([]string, 0, len(fs.files))
		for _, f := range fs.files {
			parts = append(parts, fmt.Sprintf(`{"path":%q,"revision":%d,"modTime":%q,"hash":"%x","size":%d}`,
				f.path, f.revision, f.modTime.UTC().Format(time.RFC3339Nano), md5.Sum([]byte(f.content)), len(f.content)))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"files":[%s]}`, strings.Join(parts, ","))
	})
	mux.HandleFunc("GET /api/v1/content", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		f, ok := fs.files[r.URL.Query().Get("path")]
		fs.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, f.content)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return fs, server
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestCommands_EndToEnd(t *testing.T) {
	remote, server := newFakeServer(t)
	mtime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	remote.put("a.txt", 1, mtime, "alpha")
	remote.put("dir/b.txt", 2, mtime, "bravo")

	dir := t.TempDir()
	ws := filepath.Join(dir, "ws")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
workspace: %s
changelog: %s
remote:
  type: http
  http:
    base_url: %s
    retries: -1
`, ws, filepath.Join(dir, "changes.json"), server.URL)), 0o644))

	out, _, err := execute(t, "poll", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "changes available")

	out, progress, err := execute(t, "sync", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "sync complete")
	assert.Contains(t, out, "fetched")
	assert.Contains(t, progress, "100%")

	data, err := os.ReadFile(filepath.Join(ws, "dir", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(data))
	assert.FileExists(t, filepath.Join(dir, "changes.json"))

	out, _, err = execute(t, "poll", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "up to date")

	out, _, err = execute(t, "checkpoint", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "REVISION")
	assert.Contains(t, out, "dir/b.txt")

	remote.put("dir/b.txt", 3, mtime.Add(time.Hour), "bravo v3")
	out, _, err = execute(t, "sync", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "change")

	out, _, err = execute(t, "history", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "done"))

	out, _, err = execute(t, "history", "--config", cfgPath, "dir/b.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "added")
	assert.Contains(t, out, "change")
}

func TestSync_InvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("remote:\n  type: p4\n"), 0o644))

	_, _, err := execute(t, "sync", "--config", cfgPath, "--workspace", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestCheckpoint_Empty(t *testing.T) {
	ws := t.TempDir()
	out, _, err := execute(t, "checkpoint", "--config", filepath.Join(ws, "none.yaml"), "--workspace", ws)
	require.NoError(t, err)
	assert.Contains(t, out, "no checkpoint")
}
