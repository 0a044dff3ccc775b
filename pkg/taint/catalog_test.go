package taint

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/l3aro/go-taint-flow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlCatalog = `
sources:
  - file: src/app.py
    line: 2
    pattern: request.form
sinks:
  - file: src/app.py
    line: 12
    function: f
    pattern: cursor.execute
    category: sql
sanitizers:
  - html.escape
`

func TestDecodeCatalog_YAML(t *testing.T) {
	cat, err := DecodeCatalog(strings.NewReader(yamlCatalog), FormatYAML)
	require.NoError(t, err)
	require.Len(t, cat.Sources, 1)
	require.Len(t, cat.Sinks, 1)
	assert.Equal(t, types.Endpoint{
		File: "src/app.py", Line: 12, Function: "f", Pattern: "cursor.execute", Category: "sql",
	}, cat.Sinks[0])
	assert.Equal(t, []string{"html.escape"}, cat.Sanitizers)
}

func TestDecodeCatalog_JSON(t *testing.T) {
	const doc = `{"sources":[{"file":"a.py","line":3,"pattern":"input"}],"sinks":[]}`
	cat, err := DecodeCatalog(strings.NewReader(doc), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 3, cat.Sources[0].Line)
	assert.Empty(t, cat.Sinks)
}

func TestEncodeDecodeCatalog_AllFormats(t *testing.T) {
	want, err := DecodeCatalog(strings.NewReader(yamlCatalog), FormatYAML)
	require.NoError(t, err)

	for _, format := range []string{FormatYAML, FormatJSON, FormatMsgpack} {
		var buf bytes.Buffer
		require.NoError(t, EncodeCatalog(&buf, want, format), format)
		got, err := DecodeCatalog(&buf, format)
		require.NoError(t, err, format)
		assert.Equal(t, want, got, format)
	}
}

func TestDecodeCatalog_Invalid(t *testing.T) {
	_, err := DecodeCatalog(strings.NewReader(`sources: [{file: a.py}]`), FormatYAML)
	assert.ErrorContains(t, err, "line must be positive")

	_, err = DecodeCatalog(strings.NewReader(`sinks: [{line: 4}]`), FormatYAML)
	assert.ErrorContains(t, err, "missing file")

	_, err = DecodeCatalog(strings.NewReader(`sanitizers: ["escape", " "]`), FormatYAML)
	assert.ErrorContains(t, err, "sanitizer 1: missing name")

	_, err = DecodeCatalog(strings.NewReader(`{}`), "toml")
	assert.ErrorContains(t, err, "unknown catalog format")
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlCatalog), 0o644))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, cat.Sources, 1)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatForPath("c.JSON"))
	assert.Equal(t, FormatMsgpack, FormatForPath("c.msgpack"))
	assert.Equal(t, FormatYAML, FormatForPath("c.yaml"))
	assert.Equal(t, FormatYAML, FormatForPath("catalog"))
}
