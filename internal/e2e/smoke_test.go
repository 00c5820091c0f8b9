package e2e

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmokeFlow(t *testing.T) {
	home := t.TempDir()
	binaryPath := buildBinary(t)
	api := newAPI(t)

	stdout, stderr, err := runSdash(t, binaryPath, home, nil, "version")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stdout, "sdash ")

	_, stderr, err = runSdash(t, binaryPath, home, nil, "config", "init")
	require.NoError(t, err, "stderr: %s", stderr)
	require.FileExists(t, filepath.Join(home, ".config", "sdash", "config.toml"))

	env := []string{
		"SDASH_API_BASE_URL=" + api.URL,
		"SDASH_POLLING_STAGGER_MIN=0s",
		"SDASH_POLLING_STAGGER_MAX=0s",
	}
	stdout, stderr, err = runSdash(t, binaryPath, home, env, "snapshot", "--format", "json")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stdout, `"titre": "Atelier Go"`)

	stdout, stderr, err = runSdash(t, binaryPath, home, nil, "snapshot", "--cached")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Atelier Go")
}

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	serve := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		}
	}
	mux.HandleFunc("/api/sessions", serve(`[{"id":1,"titre":"Atelier Go","inscrits":3,"capacite":12}]`))
	mux.HandleFunc("/api/participants", serve(`[]`))
	mux.HandleFunc("/api/salles", serve(`[{"nom":"Amphi"}]`))
	mux.HandleFunc("/api/activites", serve(`[]`))

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func buildBinary(t *testing.T) string {
	t.Helper()

	binaryPath := filepath.Join(t.TempDir(), "sdash-e2e")
	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/sdash")
	cmd.Dir = repoRoot(t)

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "build sdash binary: %s", string(output))
	return binaryPath
}

func runSdash(t *testing.T, binaryPath, home string, env []string, args ...string) (string, string, error) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = append(append(os.Environ(), "HOME="+home), env...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func repoRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err)
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}
