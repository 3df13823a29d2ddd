package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/config"
)

type fakeReloader struct {
	calls int
	last  *config.HubConfig
}

func (f *fakeReloader) Reload(cfg *config.HubConfig) {
	f.calls++
	f.last = cfg
}

func newTestServer(t *testing.T) (*Server, *fakeReloader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), config.FileName)

	cfg := config.NewDefault()
	cfg.SetServer("echo", config.ServerEntry{
		Command: "echo-server",
		Env:     map[string]string{"API_KEY": "hunter2"},
	})
	require.NoError(t, cfg.Save(path))

	rel := &fakeReloader{}
	return New(path, rel), rel, path
}

func doJSON(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListServersHidesEnvValues(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/servers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var views []serverView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "echo", views[0].Name)
	assert.Equal(t, []string{"API_KEY"}, views[0].EnvKeys)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestAddServer(t *testing.T) {
	s, rel, path := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/servers", `{"name":"files","command":"file-server","args":["--root","/tmp"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, rel.calls)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file-server", cfg.Servers["files"].Command)
	assert.Equal(t, []string{"echo", "files"}, cfg.OrderedServerNames())
}

func TestAddServerRejectsDuplicateAndInvalid(t *testing.T) {
	s, rel, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/servers", `{"name":"echo","command":"other"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/servers", `{"name":"nocmd"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Zero(t, rel.calls)
}

func TestUpdateServer(t *testing.T) {
	s, rel, path := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/api/servers/echo", `{"command":"echo-v2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, rel.calls)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "echo-v2", cfg.Servers["echo"].Command)

	rec = doJSON(t, s, http.MethodPut, "/api/servers/ghost", `{"command":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteServer(t *testing.T) {
	s, _, path := newTestServer(t)

	rec := doJSON(t, s, http.MethodDelete, "/api/servers/echo", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)

	rec = doJSON(t, s, http.MethodDelete, "/api/servers/echo", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetEnvValue(t *testing.T) {
	s, rel, path := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/api/servers/echo/env/TOKEN", `{"value":"s3cret"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, rel.calls)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Servers["echo"].Env["TOKEN"])
	assert.Equal(t, "hunter2", cfg.Servers["echo"].Env["API_KEY"])

	rec = doJSON(t, s, http.MethodPut, "/api/servers/ghost/env/TOKEN", `{"value":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateSettingsPartial(t *testing.T) {
	s, rel, path := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/api/settings", `{"mode":"tool-search"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, rel.calls)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.ModeToolSearch, cfg.Settings.Mode)
	// Untouched fields keep their defaults.
	assert.Equal(t, config.DefaultPort, cfg.Settings.Port)
}

func TestUpdateSettingsRejectsBadValues(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/api/settings", `{"mode":"turbo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPut, "/api/settings", `{"port":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImport(t *testing.T) {
	s, rel, path := newTestServer(t)

	body := `{"mcpServers":{
		"git":{"command":"git-mcp","env":{"GIT_DIR":"/repo"}},
		"broken":{"args":["--no-command"]}
	}}`
	rec := doJSON(t, s, http.MethodPost, "/api/import", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, rel.calls)

	var resp struct {
		Imported []string `json:"imported"`
		Skipped  []string `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"git"}, resp.Imported)
	assert.Equal(t, []string{"broken"}, resp.Skipped)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "git-mcp", cfg.Servers["git"].Command)
	assert.NotContains(t, cfg.Servers, "broken")
}

func TestImportEmptyDocument(t *testing.T) {
	s, rel, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/import", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, rel.calls)
}

func TestMutationAbortsWithoutWrite(t *testing.T) {
	s, _, path := newTestServer(t)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/servers", `{"name":"echo","command":"dupe"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
