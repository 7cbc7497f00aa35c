package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/testutil"
)

// fakeRemote answers every call with its current HTTP status. 200 confirms
// the operation as applied.
type fakeRemote struct {
	status atomic.Int32
	calls  atomic.Int32
	server *httptest.Server
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{}
	f.status.Store(http.StatusOK)
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := int(f.status.Load())
		if r.URL.Path != "/health" {
			f.calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"unavailable"}`))
			return
		}
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"applied","reference":"ref-1"}`))
	}))
	t.Cleanup(f.server.Close)
	return f
}

// cliEnv is a database and config shared by several CLI invocations.
type cliEnv struct {
	config string
	clock  *testutil.FakeClock
	ids    *domain.SequentialGenerator
}

func newCLIEnv(t *testing.T, remoteURL string) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := "databasePath: " + filepath.Join(dir, "posync.db") + "\n" +
		"log:\n  level: error\n"
	if remoteURL != "" {
		cfg += "remote:\n  url: " + remoteURL + "\n"
	}
	path := filepath.Join(dir, "posync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	return &cliEnv{
		config: path,
		clock:  testutil.NewFakeClock(testutil.Epoch),
		ids:    domain.NewSequentialGenerator("id"),
	}
}

// run executes one CLI invocation and returns its stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommandWithOptions(&RootOptions{Clock: e.clock, IDs: e.ids})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// mustRun is run that fails the test on error.
func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "output: %s", out)
	return out
}

// decodeData unmarshals the data of a JSON CLIResponse into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}
