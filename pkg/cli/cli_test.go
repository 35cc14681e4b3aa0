package cli

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-coordinator/internal/domain"
	"duck-coordinator/internal/testutil"
	"duck-coordinator/pkg/client"
)

func scriptedEngine() *testutil.MockEngine {
	return testutil.NewMockEngine(map[string]testutil.Script{
		"SELECT 1 AS n": {
			Columns: []domain.Column{{Name: "n", Type: "INTEGER"}},
			Batches: [][]domain.Row{{{1}}},
		},
		"SELECT name FROM people": {
			Columns: []domain.Column{{Name: "name", Type: "VARCHAR"}},
			Batches: [][]domain.Row{{{"ada"}, {"grace"}}, {{"linus"}}},
		},
		"SELECT broken": {Err: errors.New("Binder Error: column broken not found")},
		"SELECT wait":   {Mode: testutil.ScriptHoldQueued},
	})
}

func TestRun_JSON(t *testing.T) {
	isolateHome(t)
	srv := newGateway(t, scriptedEngine())

	out, err := runCLI(t, "--host", srv.URL, "-o", "json", "run", "SELECT", "1", "AS", "n")
	require.NoError(t, err)

	var got runResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "FINISHED", got.State)
	assert.Equal(t, []client.Column{{Name: "n", Type: "INTEGER"}}, got.Columns)
	assert.Equal(t, [][]interface{}{{float64(1)}}, got.Data)
}

func TestRun_Table(t *testing.T) {
	isolateHome(t)
	srv := newGateway(t, scriptedEngine())

	out, err := runCLI(t, "--host", srv.URL, "-o", "table", "run", "SELECT name FROM people")
	require.NoError(t, err)
	assert.Equal(t, "NAME\nada\ngrace\nlinus\n", out)
}

func TestRun_FailedQueryExitsWithError(t *testing.T) {
	isolateHome(t)
	srv := newGateway(t, scriptedEngine())

	out, err := runCLI(t, "--host", srv.URL, "-o", "json", "run", "SELECT broken")
	var qe *client.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, string(domain.ErrorKindExecution), qe.Kind)

	var got runResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "FAILED", got.State)
	require.NotNil(t, got.Error)
	assert.Contains(t, got.Error.Message, "column broken not found")
}

func TestDetachListAndCancel(t *testing.T) {
	isolateHome(t)
	srv := newGateway(t, scriptedEngine())

	out, err := runCLI(t, "--host", srv.URL, "-q", "run", "--detach", "SELECT wait")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = runCLI(t, "--host", srv.URL, "-q", "queries", "--state", "queued")
	require.NoError(t, err)
	assert.Equal(t, id+"\n", out)

	out, err = runCLI(t, "--host", srv.URL, "-o", "table", "cancel", id)
	require.NoError(t, err)
	assert.Equal(t, "Canceled query "+id+"\n", out)

	out, err = runCLI(t, "--host", srv.URL, "-o", "json", "queries", "get", id)
	require.NoError(t, err)
	var info client.QueryInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "FAILED", info.State)
	require.NotNil(t, info.Error)
	assert.Equal(t, "USER_CANCELED", info.Error.Kind)

	out, err = runCLI(t, "--host", srv.URL, "-o", "table", "queries")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "FAILED")
	assert.Contains(t, lines[1], "SELECT wait")
}

func TestQueries_NegativeLimitRejected(t *testing.T) {
	isolateHome(t)
	srv := newGateway(t, scriptedEngine())

	_, err := runCLI(t, "--host", srv.URL, "queries", "--limit", "-1")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.HTTPStatus)
}

func TestCancel_UnknownQuery(t *testing.T) {
	isolateHome(t)
	srv := newGateway(t, scriptedEngine())

	_, err := runCLI(t, "--host", srv.URL, "cancel", "nope")
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
}

func TestProfileSuppliesHost(t *testing.T) {
	isolateHome(t)
	srv := newGateway(t, scriptedEngine())

	_, err := runCLI(t, "config", "set-profile", "--name", "default", "--host", srv.URL, "--output", "json")
	require.NoError(t, err)

	out, err := runCLI(t, "run", "SELECT 1 AS n")
	require.NoError(t, err)
	var got runResult
	require.NoError(t, json.Unmarshal([]byte(out), &got), "profile output format applies")
	assert.Equal(t, "FINISHED", got.State)

	_, err = runCLI(t, "-p", "missing", "version")
	require.EqualError(t, err, `profile "missing" not found`)
}

func TestEnvOverridesProfile(t *testing.T) {
	isolateHome(t)
	srv := newGateway(t, scriptedEngine())

	_, err := runCLI(t, "config", "set-profile", "--name", "default", "--host", "http://127.0.0.1:1")
	require.NoError(t, err)
	t.Setenv("DUCKQ_HOST", srv.URL)

	out, err := runCLI(t, "-o", "json", "run", "SELECT 1 AS n")
	require.NoError(t, err)
	assert.Contains(t, out, `"FINISHED"`)
}

func TestRootValidation(t *testing.T) {
	isolateHome(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "bad output", args: []string{"-o", "yaml", "version"}, wantErr: "unsupported output format"},
		{name: "bad host", args: []string{"--host", "localhost:8080", "version"}, wantErr: "scheme must be http or https"},
		{name: "version extra arg", args: []string{"version", "extra"}, wantErr: `unknown command "extra"`},
		{name: "queries extra arg", args: []string{"queries", "extra"}, wantErr: `unknown command "extra"`},
		{name: "run without statement", args: []string{"run"}, wantErr: "statement is required"},
		{name: "cancel without id", args: []string{"cancel"}, wantErr: "requires at least 1 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVersion_JSON(t *testing.T) {
	isolateHome(t)
	out, err := runCLI(t, "-o", "json", "version")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"dev","commit":"none"}`, out)
}

func TestReadStatement(t *testing.T) {
	file := filepath.Join(t.TempDir(), "q.sql")
	require.NoError(t, os.WriteFile(file, []byte("SELECT 2\n"), 0o600))

	tests := []struct {
		name    string
		stdin   string
		file    string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "args joined", args: []string{"SELECT", "1"}, want: "SELECT 1"},
		{name: "file", file: file, want: "SELECT 2"},
		{name: "stdin", stdin: " SELECT 3 ", args: []string{"-"}, want: "SELECT 3"},
		{name: "file and args", file: file, args: []string{"SELECT 1"}, wantErr: true},
		{name: "missing file", file: filepath.Join(t.TempDir(), "absent.sql"), wantErr: true},
		{name: "blank", args: []string{"  "}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readStatement(strings.NewReader(tt.stdin), tt.file, tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
