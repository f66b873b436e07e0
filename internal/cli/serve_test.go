package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeMissingRepository(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewServeCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either --config or --db is required")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServeInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster:\n  transport: carrier-pigeon\n"), 0644))

	cmd := NewServeCommand(&RootOptions{Format: "text"})
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--config", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestServeExposesMetricsUntilCancelled(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "serve.db")

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RepoOptions: RepoOptions{RootOptions: &RootOptions{Format: "text"}},
		Ready:       func(addr string) { ready <- addr },
	}

	cmd := newServeCommand(opts)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--db", dbPath, "--metrics-addr", "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errChan := make(chan error, 1)
	go func() {
		errChan <- cmd.ExecuteContext(ctx)
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-errChan:
		t.Fatalf("serve stopped early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fragcache_repository_sessions 0")
	assert.Contains(t, string(body), "fragcache_cache_hits_total")
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("command did not respect context cancellation")
	}

	// Verify database was created
	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database should be created")
	assert.Contains(t, buf.String(), "Serving metrics on http://"+addr+"/metrics")
}

func TestServeHelpText(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewServeCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	err := cmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "Run a repository node")
	assert.Contains(t, output, "--db")
	assert.Contains(t, output, "--metrics-addr")
}
