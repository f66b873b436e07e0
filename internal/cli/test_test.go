package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lockScenario = `
name: lock-basics
description: a second owner cannot take a held lock
steps:
  - op: lock
    node: a
    id: d1
    owner: alice
    expect:
      result: acquired
  - op: unlock
    node: a
    id: d1
    owner: bob
    expect:
      result: { owner: alice, created: "2025-01-01T00:00:00Z", failed: true }
assertions:
  - type: trace_count
    op: lock
    count: 1
  - type: final_state
    table: locks
    id: d1
    expect: { owner: alice }
`

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func runTestCommand(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCommand(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestTestCommandNonExistentPath(t *testing.T) {
	_, err := runTestCommand(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario path not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	buf, err := runTestCommand(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	buf, err := runTestCommand(t, "json", t.TempDir())
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestTestCommandGoldenLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "lock-basics.yaml", lockScenario)

	// Without a golden file only the assertions count.
	buf, err := runTestCommand(t, "text", path)
	require.NoError(t, err, buf.String())
	assert.Contains(t, buf.String(), "✓ lock-basics")

	buf, err = runTestCommand(t, "text", "--update", dir)
	require.NoError(t, err, buf.String())
	assert.Contains(t, buf.String(), "golden updated")
	golden, err := os.ReadFile(filepath.Join(dir, "golden", "lock-basics.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name":"lock-basics"`)

	buf, err = runTestCommand(t, "text", dir)
	require.NoError(t, err, buf.String())
	assert.Contains(t, buf.String(), "1 passed, 0 failed, 1 total")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "lock-basics.golden"), []byte("{}"), 0644))
	buf, err = runTestCommand(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "Golden file mismatch")
}

func TestTestCommandFailingScenarioJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "ok.yaml", lockScenario)
	writeScenario(t, dir, "bad.yaml", `
name: bad
description: expects the wrong owner
steps:
  - op: lock
    node: a
    id: d1
    owner: alice
assertions:
  - type: final_state
    table: locks
    id: d1
    expect: { owner: bob }
`)
	writeScenario(t, dir, "broken.yaml", "name: broken\n")

	buf, err := runTestCommand(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var response struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &response))
	assert.Equal(t, "error", response.Status)
	assert.Equal(t, 3, response.Data.Total)
	assert.Equal(t, 1, response.Data.Passed)
	assert.Equal(t, 2, response.Data.Failed)
	assert.Equal(t, "E_TEST_FAILED", response.Error.Code)

	byName := make(map[string]ScenarioResult)
	for _, r := range response.Data.Scenarios {
		byName[r.Name] = r
	}
	assert.True(t, byName["lock-basics"].Pass)
	assert.False(t, byName["bad"].Pass)
	assert.Contains(t, byName["broken.yaml"].Errors[0], "failed to load scenario")
}

func TestTestHelpText(t *testing.T) {
	buf, err := runTestCommand(t, "text", "--help")
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "harness")
	assert.Contains(t, output, "--update")
	assert.Contains(t, output, "--filter")
	assert.Contains(t, output, "scenario-file-or-dir")
}

func TestFindScenarioFiles(t *testing.T) {
	tmpDir := t.TempDir()

	// Create scenario files
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test1.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test2.yml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ignore.txt"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestFindScenarioFilesWithFilter(t *testing.T) {
	tmpDir := t.TempDir()

	// Create scenario files
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "cart-test.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "cart-add.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "inventory-test.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "cart-*")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	// All found files should start with cart-
	for _, f := range files {
		base := filepath.Base(f)
		assert.True(t, len(base) >= 5 && base[:5] == "cart-", "Expected file to start with 'cart-': %s", f)
	}
}

func TestFindScenarioFilesSubdirectories(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0755))

	// Create scenario files in root and subdir
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "root.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "sub.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestGoldenFilePath(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"/path/to/scenario.yaml", "/path/to/golden/scenario.golden"},
		{"/path/to/scenario.yml", "/path/to/golden/scenario.golden"},
		{"scenarios/test.yaml", "scenarios/golden/test.golden"},
	}

	for _, tc := range testCases {
		result := goldenFilePath(tc.input)
		assert.Equal(t, tc.expected, result)
	}
}
