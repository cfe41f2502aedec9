// Package definition parses, validates and indexes workflow definitions.
package definition

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/flowcore/types"
)

// Format is the serialization of a definition document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks a format from a file extension, defaulting to JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// Parse decodes a definition document. Node types are upper-cased so
// documents may use either "task" or "TASK".
func Parse(data []byte, format Format) (types.Definition, error) {
	var def types.Definition
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &def); err != nil {
			return def, fmt.Errorf("%w: decode yaml: %v", types.ErrAuthoring, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return def, fmt.Errorf("%w: decode json: %v", types.ErrAuthoring, err)
		}
	}
	for i := range def.Nodes {
		def.Nodes[i].Type = types.NodeType(strings.ToUpper(string(def.Nodes[i].Type)))
		def.Nodes[i].OutputScope = types.Scope(strings.ToUpper(string(def.Nodes[i].OutputScope)))
	}
	return def, nil
}

// Fingerprint is a murmur3 128-bit hash over the canonical JSON of the
// definition's content. Two definitions with the same fingerprint are
// interchangeable.
func Fingerprint(def types.Definition) string {
	def.Fingerprint = ""
	data, _ := json.Marshal(def)

	h := murmur3.New128()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// LoadFile parses one definition file, picking the format from its extension.
func LoadFile(path string) (types.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Definition{}, fmt.Errorf("failed to read definition %s: %w", path, err)
	}
	def, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return def, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir parses every .json, .yaml and .yml file in dir, in file name order.
// Subdirectories are not read.
func LoadDir(dir string) ([]types.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]types.Definition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
