package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/l3aro/go-taint-flow/pkg/store/storetest"
	"github.com/l3aro/go-taint-flow/pkg/types"
)

// isolate keeps the commands away from the user's config files.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	chdir(t, dir)
	return dir
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	RootCmd.SetArgs(args)
	t.Cleanup(func() { RootCmd.SetArgs(nil) })
	return RootCmd.Execute()
}

func TestImportAndRun(t *testing.T) {
	dir := isolate(t)
	db := filepath.Join(dir, "repo_index.db")

	snapPath := filepath.Join(dir, "snapshot.json")
	data, err := json.Marshal(storetest.Linear())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapPath, data, 0o644))

	require.NoError(t, execute(t, "--db", db, "import", snapPath))

	catalogPath := filepath.Join(dir, "catalog.yaml")
	catalog := fmt.Sprintf(`sources:
  - file: %[1]s
    line: 2
    pattern: request.args
sinks:
  - file: %[1]s
    line: 12
    pattern: cursor.execute
    category: sql
`, storetest.LinearFile)
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalog), 0o644))

	require.NoError(t, execute(t, "--db", db, "--json", "run", "--catalog", catalogPath))

	st, err := store.Open(db, store.Options{})
	require.NoError(t, err)
	defer st.Close()

	flows, err := st.Flows()
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, 3, flows[0].PathLength)

	run, ok, err := st.LastRun()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "completed", run.Status)
}

func TestRunSanitizersAndReachability(t *testing.T) {
	dir := isolate(t)
	db := filepath.Join(dir, "repo_index.db")

	snapPath := filepath.Join(dir, "snapshot.json")
	data, err := json.Marshal(storetest.Sanitized())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapPath, data, 0o644))
	require.NoError(t, execute(t, "--db", db, "import", snapPath))

	catalogPath := filepath.Join(dir, "catalog.yaml")
	catalog := fmt.Sprintf(`sources:
  - file: %[1]s
    line: 2
    pattern: request.args
sinks:
  - file: %[1]s
    line: 9
    pattern: cursor.execute
    category: sql
sanitizers: [html.escape]
`, storetest.SanitizeFile)
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalog), 0o644))

	count := func() int {
		st, err := store.Open(db, store.Options{})
		require.NoError(t, err)
		defer st.Close()
		flows, err := st.Flows()
		require.NoError(t, err)
		return len(flows)
	}

	require.NoError(t, execute(t, "--db", db, "--json", "run", "--catalog", catalogPath))
	assert.Equal(t, 1, count(), "the escaped branch is cleared")

	t.Cleanup(func() { _ = runCmd.Flags().Set("reachability", "false") })
	require.NoError(t, execute(t, "--db", db, "--json", "run", "--catalog", catalogPath, "--reachability"))
	assert.Equal(t, 2, count())
}

func TestCacheDumpRoundTrip(t *testing.T) {
	dir := isolate(t)
	st := storetest.Open(t, storetest.Interprocedural())
	out := filepath.Join(dir, "snapshot.msgpack")

	require.NoError(t, execute(t, "--db", st.Path(), "cache", "dump", out))

	snap, err := readSnapshot(out)
	require.NoError(t, err)
	want := storetest.Interprocedural()
	assert.Equal(t, want.Rows(), snap.Rows())

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	_, err = cache.LoadSnapshot(f)
	assert.NoError(t, err)
}

func TestMissingDatabase(t *testing.T) {
	dir := isolate(t)
	err := execute(t, "--db", filepath.Join(dir, "nope.db"), "flows")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDescribe(t *testing.T) {
	assert.NoError(t, describe(nil))

	plain := errors.New("boom")
	assert.Equal(t, plain, describe(plain))

	missing := &types.MissingDataError{Relation: store.RelationBlocks, File: "a.py", Line: 3}
	err := describe(missing)
	assert.ErrorIs(t, err, types.ErrStructuralDataMissing)
	assert.Contains(t, err.Error(), "re-run the extraction pipeline")
}

func TestFormatStatusIcon(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"ready", "✓"},
		{"over-budget", "◐"},
		{"missing", "✗"},
		{"error", "✗"},
		{"unknown", "?"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatStatusIcon(tt.status), tt.status)
	}
}

// chdir changes the working directory for the test and restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
