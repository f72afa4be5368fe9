package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Config file formats
// ---------------------------------------------------------------------------

// FileNames are the config files looked for in the working directory, in
// order.
var FileNames = []string{"strtrans.yaml", "strtrans.yml", "strtrans.toml"}

type format int

const (
	formatYAML format = iota
	formatTOML
)

func formatOf(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".toml":
		return formatTOML, nil
	default:
		return 0, fmt.Errorf("%s: unsupported config format (use .yaml, .yml or .toml)", path)
	}
}

// FindFile returns the first of FileNames present in dir, or "".
func FindFile(dir string) string {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadFile applies the config file at path on top of c. Keys missing from
// the file keep their current values.
func (c *Config) LoadFile(path string) error {
	f, err := formatOf(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	switch f {
	case formatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(c); errors.Is(err, io.EOF) {
			err = nil // empty file
		}
	case formatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(c)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// WriteFile writes c to path in the format given by its extension.
// Secrets (api_key) are never written.
func (c *Config) WriteFile(path string) error {
	f, err := formatOf(path)
	if err != nil {
		return err
	}

	out := *c
	out.APIKey = ""

	var data []byte
	switch f {
	case formatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&out); err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		data = buf.Bytes()
	case formatTOML:
		data, err = toml.Marshal(&out)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
	}

	header := []byte("# strtrans configuration. Environment variables STRTRANS_* and\n# command-line flags override these values.\n\n")
	if err := renameio.WriteFile(path, append(header, data...), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
