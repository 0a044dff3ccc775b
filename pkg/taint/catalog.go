package taint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/l3aro/go-taint-flow/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// Catalog formats accepted by DecodeCatalog.
const (
	FormatYAML    = "yaml"
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// FormatForPath picks the catalog format from a file extension. Unknown
// extensions are read as YAML, which also accepts JSON.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".msgpack", ".mpk", ".mp":
		return FormatMsgpack
	default:
		return FormatYAML
	}
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (types.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Catalog{}, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()

	cat, err := DecodeCatalog(f, FormatForPath(path))
	if err != nil {
		return types.Catalog{}, fmt.Errorf("%s: %w", path, err)
	}
	return cat, nil
}

// DecodeCatalog reads a catalog in the given format and checks that every
// endpoint names a file and a line.
func DecodeCatalog(r io.Reader, format string) (types.Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return types.Catalog{}, fmt.Errorf("reading catalog: %w", err)
	}

	var cat types.Catalog
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &cat)
	case FormatMsgpack:
		err = msgpack.NewDecoder(bytes.NewReader(data)).Decode(&cat)
	case FormatYAML:
		err = yaml.Unmarshal(data, &cat)
	default:
		return types.Catalog{}, fmt.Errorf("unknown catalog format %q", format)
	}
	if err != nil {
		return types.Catalog{}, fmt.Errorf("decoding %s catalog: %w", format, err)
	}
	return cat, ValidateCatalog(cat)
}

// EncodeCatalog writes cat in the given format.
func EncodeCatalog(w io.Writer, cat types.Catalog, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cat)
	case FormatMsgpack:
		return msgpack.NewEncoder(w).Encode(cat)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(cat)
	default:
		return fmt.Errorf("unknown catalog format %q", format)
	}
}

// ValidateCatalog rejects endpoints without a file or a positive line and
// blank sanitizer names.
func ValidateCatalog(cat types.Catalog) error {
	check := func(kind string, eps []types.Endpoint) error {
		for i, ep := range eps {
			if ep.File == "" {
				return fmt.Errorf("%s %d: missing file", kind, i)
			}
			if ep.Line <= 0 {
				return fmt.Errorf("%s %d (%s): line must be positive", kind, i, ep.File)
			}
		}
		return nil
	}
	if err := check("source", cat.Sources); err != nil {
		return err
	}
	if err := check("sink", cat.Sinks); err != nil {
		return err
	}
	for i, name := range cat.Sanitizers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("sanitizer %d: missing name", i)
		}
	}
	return nil
}
