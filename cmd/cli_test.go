package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const (
	sessionsBody     = `[{"id":1,"titre":"Atelier Go","inscrits":12,"capacite":20,"salle":"B12"}]`
	participantsBody = `{"items":[{"id":7,"nom":"Ada"}]}`
	roomsBody        = `[{"nom":"B12","capacite":20}]`
	activityBody     = `[{"message":"Ada joined Atelier Go"}]`
)

type stubAPI struct {
	*httptest.Server

	mu     sync.Mutex
	hits   map[string]int
	failed map[string]bool
}

func newStubAPI(t *testing.T) *stubAPI {
	t.Helper()

	api := &stubAPI{hits: make(map[string]int), failed: make(map[string]bool)}
	bodies := map[string]string{
		"/api/sessions":     sessionsBody,
		"/api/participants": participantsBody,
		"/api/salles":       roomsBody,
		"/api/activites":    activityBody,
	}

	api.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.hits[r.URL.Path]++
		failed := api.failed[r.URL.Path]
		api.mu.Unlock()

		body, ok := bodies[r.URL.Path]
		switch {
		case !ok:
			http.NotFound(w, r)
		case failed:
			http.Error(w, "unavailable", http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		}
	}))
	t.Cleanup(api.Close)

	return api
}

func (a *stubAPI) fail(paths ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, path := range paths {
		a.failed[path] = true
	}
}

func (a *stubAPI) hitCount(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits[path]
}

// useAPI points the CLI at baseURL with retries and staggering off.
func useAPI(t *testing.T, baseURL string) {
	t.Helper()

	t.Setenv("SDASH_API_BASE_URL", baseURL)
	t.Setenv("SDASH_POLLING_MAX_RETRIES", "0")
	t.Setenv("SDASH_POLLING_STAGGER_MIN", "0s")
	t.Setenv("SDASH_POLLING_STAGGER_MAX", "0s")
	t.Setenv("SDASH_LOG_LEVEL", "warn")
}

type snapshotJSON struct {
	Source    string                      `json:"source"`
	Resources map[string][]map[string]any `json:"resources"`
	Failures  map[string]string           `json:"failures"`
}

func decodeSnapshot(t *testing.T, stdout string) snapshotJSON {
	t.Helper()

	var doc snapshotJSON
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc), "stdout: %s", stdout)
	return doc
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Equal(t, "sdash dev\n", stdout)
}

func TestSnapshotJSONFetchesApplicableResources(t *testing.T) {
	api := newStubAPI(t)
	useAPI(t, api.URL)

	stdout, _, err := executeCLI(t, t.TempDir(), "snapshot", "--format", "json")
	require.NoError(t, err)

	doc := decodeSnapshot(t, stdout)
	assert.Equal(t, "live", doc.Source)
	require.Len(t, doc.Resources["sessions"], 1)
	assert.Equal(t, "Atelier Go", doc.Resources["sessions"][0]["titre"])
	assert.Equal(t, float64(12), doc.Resources["sessions"][0]["inscrits"])
	assert.Len(t, doc.Resources["participants"], 1)
	assert.Len(t, doc.Resources["rooms"], 1)
	assert.NotContains(t, doc.Resources, "activity_log")
	assert.Empty(t, doc.Failures)
	assert.Zero(t, api.hitCount("/api/activites"), "activity log is hidden by default")
}

func TestSnapshotResourceFilterIncludesActivityLog(t *testing.T) {
	api := newStubAPI(t)
	useAPI(t, api.URL)

	stdout, _, err := executeCLI(t, t.TempDir(), "snapshot", "--format", "json", "--resource", "activity_log")
	require.NoError(t, err)

	doc := decodeSnapshot(t, stdout)
	assert.Equal(t, []string{"activity_log"}, keys(doc.Resources))
	assert.Equal(t, 1, api.hitCount("/api/activites"))
}

func TestSnapshotYAMLKeepsNumbers(t *testing.T) {
	api := newStubAPI(t)
	useAPI(t, api.URL)

	stdout, _, err := executeCLI(t, t.TempDir(), "snapshot", "--format", "yaml", "-r", "sessions")
	require.NoError(t, err)
	assert.Contains(t, stdout, "inscrits: 12")

	var doc struct {
		Source    string                      `yaml:"source"`
		Resources map[string][]map[string]any `yaml:"resources"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "live", doc.Source)
	assert.Equal(t, 20, doc.Resources["sessions"][0]["capacite"])
}

func TestSnapshotTextRendersDashboard(t *testing.T) {
	api := newStubAPI(t)
	useAPI(t, api.URL)

	stdout, _, err := executeCLI(t, t.TempDir(), "snapshot")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Session dashboard")
	assert.Contains(t, stdout, "Atelier Go")
	assert.Contains(t, stdout, "12/20")
}

func TestSnapshotPartialFailureIsReported(t *testing.T) {
	api := newStubAPI(t)
	api.fail("/api/salles")
	useAPI(t, api.URL)
	home := t.TempDir()

	stdout, _, err := executeCLI(t, home, "snapshot", "--format", "json")
	require.NoError(t, err)
	doc := decodeSnapshot(t, stdout)
	assert.Contains(t, doc.Failures["rooms"], "status 500")
	assert.Len(t, doc.Resources["sessions"], 1)

	stdout, _, err = executeCLI(t, home, "snapshot")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Some resources could not be refreshed: rooms")
}

func TestSnapshotFailsWhenEveryResourceFails(t *testing.T) {
	api := newStubAPI(t)
	api.fail("/api/sessions", "/api/participants", "/api/salles")
	useAPI(t, api.URL)

	_, _, err := executeCLI(t, t.TempDir(), "snapshot", "--format", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh failed for every resource")
	assert.Contains(t, err.Error(), "/api/sessions")
}

func TestSnapshotCachedReadsPersistedData(t *testing.T) {
	api := newStubAPI(t)
	useAPI(t, api.URL)
	home := t.TempDir()

	_, _, err := executeCLI(t, home, "snapshot", "--format", "json")
	require.NoError(t, err)
	api.Close()

	stdout, _, err := executeCLI(t, home, "snapshot", "--cached", "--format", "json")
	require.NoError(t, err)

	doc := decodeSnapshot(t, stdout)
	assert.Equal(t, "cache", doc.Source)
	require.Len(t, doc.Resources["sessions"], 1)
	assert.Equal(t, "Atelier Go", doc.Resources["sessions"][0]["titre"])
}

func TestSnapshotCachedReadsSelectedResources(t *testing.T) {
	api := newStubAPI(t)
	useAPI(t, api.URL)
	home := t.TempDir()

	_, _, err := executeCLI(t, home, "snapshot", "--format", "json")
	require.NoError(t, err)
	api.Close()

	stdout, _, err := executeCLI(t, home, "snapshot", "--cached", "--format", "json", "--resource", "rooms")
	require.NoError(t, err)
	doc := decodeSnapshot(t, stdout)
	assert.Equal(t, []string{"rooms"}, keys(doc.Resources))
	assert.Equal(t, "B12", doc.Resources["rooms"][0]["nom"])

	_, _, err = executeCLI(t, home, "snapshot", "--cached", "--resource", "activity_log")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cached snapshot")
}

func TestSnapshotCachedWithoutDataFails(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "snapshot", "--cached")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cached snapshot")
}

func TestSnapshotCachedRequiresStore(t *testing.T) {
	t.Setenv("SDASH_STORE_ENABLED", "false")

	_, _, err := executeCLI(t, t.TempDir(), "snapshot", "--cached")
	require.ErrorIs(t, err, errStoreDisabled)
}

func TestSnapshotRejectsBadFlags(t *testing.T) {
	home := t.TempDir()

	_, _, err := executeCLI(t, home, "snapshot", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported format "xml"`)

	_, _, err = executeCLI(t, home, "snapshot", "--resource", "speakers")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "speakers")
}

func TestConfigInitWritesDefaults(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLI(t, home, "config", "init")
	require.NoError(t, err)

	path := filepath.Join(home, ".config", "sdash", "config.toml")
	assert.Equal(t, "wrote "+path+"\n", stdout)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[polling]")
	assert.Contains(t, string(data), "/api/salles")

	_, _, err = executeCLI(t, home, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = executeCLI(t, home, "config", "init", "--force")
	require.NoError(t, err)
}

func TestConfigShowReflectsFileAndEnvironment(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[polling]\nbase_interval = \"45s\"\n"), 0o600))
	t.Setenv("SDASH_API_BASE_URL", "https://inscriptions.example.org")

	stdout, _, err := executeCLI(t, home, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "45s")
	assert.Contains(t, stdout, "https://inscriptions.example.org")
}

func TestConfigShowRejectsInvalidFile(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[polling]\nerror_threshold = 0\n"), 0o600))

	_, _, err := executeCLI(t, home, "--config", path, "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polling.error_threshold must be positive")
}

func TestServeFailsOnBadListenAddress(t *testing.T) {
	api := newStubAPI(t)
	useAPI(t, api.URL)

	_, _, err := executeCLI(t, t.TempDir(), "serve", "--listen", "not-an-address")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on not-an-address")
}

func keys(resources map[string][]map[string]any) []string {
	out := make([]string, 0, len(resources))
	for name := range resources {
		out = append(out, name)
	}
	return out
}

func executeCLI(t *testing.T, home string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", home)

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}
