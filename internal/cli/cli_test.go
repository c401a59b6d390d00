package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/memprof/internal/agent"
	"github.com/coral-mesh/memprof/pkg/version"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--log-level", "disabled"}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// selfBinary is an ELF file without any interpreter symbols.
func selfBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("ELF host binaries are linux only")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func TestVersionCmd(t *testing.T) {
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "memprof version")
	assert.Contains(t, out, "Go version")
}

func TestVersionFlag(t *testing.T) {
	out, _, err := run(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, version.String()+"\n", out)
}

func TestProfilesCmd(t *testing.T) {
	out, _, err := run(t, "profiles")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "ree-1.8.7-amd64")
	assert.Contains(t, out, "Ruby Enterprise Edition")
}

func TestProfilesCmd_JSONWithLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  - name: local
    match:
      fingerprint: "00112233aabbccdd"
`), 0o600))

	out, _, err := run(t, "profiles", "--profiles", path, "-o", "json")
	require.NoError(t, err)

	var profiles []struct {
		Name string `json:"Name"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &profiles))
	require.NotEmpty(t, profiles)
	assert.Equal(t, "local", profiles[0].Name)
}

func TestResolveCmd_CriticalMissing(t *testing.T) {
	exe := selfBinary(t)

	out, stderr, err := run(t, "resolve", exe, "--description", "toy interpreter 0.1", "--flags", "-O0")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, agent.ExitSoftware, exitErr.Code)
	assert.ErrorIs(t, err, agent.ErrCritical)

	assert.Contains(t, out, "add_freelist")
	assert.Contains(t, out, "profile:   none")
	assert.Contains(t, stderr, "classname")
	assert.Contains(t, stderr, "toy interpreter 0.1")
	assert.Contains(t, stderr, "-O0")
}

func TestResolveCmd_WithProfile(t *testing.T) {
	exe := selfBinary(t)
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  - name: toy
    match:
      description: "toy interpreter"
    symbols:
      add_freelist: {address: 0x1000, size: 32}
      classname: {address: 0x2000, size: 64}
    types:
      RVALUE: {size: 40}
`), 0o600))

	out, _, err := run(t, "resolve", exe, "--description", "toy interpreter 0.2", "--profiles", path)
	require.NoError(t, err)
	assert.Contains(t, out, "static")
	assert.Contains(t, out, "profile:   toy")
	assert.Contains(t, out, "heap dumps unavailable")
}

func TestResolveCmd_NoBinary(t *testing.T) {
	_, _, err := run(t, "resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no host binary")
}

func TestWriteOutput(t *testing.T) {
	type row struct {
		Name  string `header:"NAME"`
		Count int    `header:"COUNT"`
		Note  string
	}
	rows := []row{{Name: "heaps", Count: 2, Note: "ignored"}}

	var table bytes.Buffer
	require.NoError(t, writeOutput(&table, FormatTable, rows, nil))
	assert.Contains(t, table.String(), "NAME")
	assert.Contains(t, table.String(), "heaps")
	assert.NotContains(t, table.String(), "ignored")

	var csv bytes.Buffer
	require.NoError(t, writeOutput(&csv, FormatCSV, rows, nil))
	assert.Equal(t, "NAME,COUNT\nheaps,2\n", csv.String())

	var js bytes.Buffer
	require.NoError(t, writeOutput(&js, FormatJSON, rows, nil))
	assert.Contains(t, js.String(), `"Note": "ignored"`)

	require.Error(t, writeOutput(&js, "yaml", rows, nil))
	require.Error(t, writeOutput(&js, FormatTable, row{}, nil))
}
