// internal/ruleset/loader.go
package ruleset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/colebrumley/piiscrub/pkg/pii"
	"gopkg.in/yaml.v3"
)

// FormatFromPath picks the format from a file extension. Returns false for
// files that are not rule sets.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	default:
		return "", false
	}
}

// Load loads a rule set from a YAML or JSON file
func Load(path string) (*Set, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported rule set file %s (want .yaml, .yml or .json)", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule set file: %w", err)
	}

	set, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	set.Path = path
	if set.Name == "" {
		set.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return set, nil
}

// LoadDir loads all rule sets from a directory, in file name order
func LoadDir(dir string) ([]*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading rules directory: %w", err)
	}

	var sets []*Set
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, ok := FormatFromPath(entry.Name()); !ok {
			continue
		}

		set, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading rule set %s: %w", entry.Name(), err)
		}
		sets = append(sets, set)
	}

	if len(sets) == 0 {
		return nil, fmt.Errorf("no rule sets in %s: %w", dir, ErrEmptySet)
	}
	return sets, nil
}

// LoadPath loads a single file or every rule set in a directory.
func LoadPath(path string) ([]*Set, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules path: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	set, err := Load(path)
	if err != nil {
		return nil, err
	}
	return []*Set{set}, nil
}

// Parse decodes a rule-set document. The document is checked against the
// schema first, then every rule is validated and the first bad rule is named.
func Parse(data []byte, format Format) (*Set, error) {
	doc, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}
	if err := checkSchema(doc); err != nil {
		return nil, err
	}

	var set Set
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&set); err != nil {
		return nil, fmt.Errorf("decoding rule set: %w", err)
	}

	if len(set.Rules) == 0 {
		return nil, ErrEmptySet
	}
	if res := pii.ValidateRuleSet(set.Rules); !res.Valid {
		return nil, fmt.Errorf("invalid rule set: %w", res.Err())
	}
	return &set, nil
}

// toJSON normalizes a document to JSON so one schema covers both formats.
func toJSON(data []byte, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		if !json.Valid(data) {
			return nil, fmt.Errorf("parsing rule set: invalid JSON")
		}
		return data, nil
	case FormatYAML:
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("parsing rule set: %w", err)
		}
		if tree == nil {
			tree = map[string]any{}
		}
		doc, err := json.Marshal(normalize(tree))
		if err != nil {
			return nil, fmt.Errorf("parsing rule set: %w", err)
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("unknown rule set format %q", format)
	}
}

// normalize turns YAML maps with non-string keys into JSON-encodable maps.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = normalize(e)
		}
		return m
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
		return x
	default:
		return v
	}
}
