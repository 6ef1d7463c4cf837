// internal/ruleset/set.go
package ruleset

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/colebrumley/piiscrub/pkg/pii"
	"gopkg.in/yaml.v3"
)

// ErrEmptySet is returned when a rule-set file or directory holds no rules.
var ErrEmptySet = errors.New("rule set is empty")

// Set is one rule-set document. Rules apply in file order.
type Set struct {
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	MaxDepth    int        `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
	Rules       []pii.Rule `json:"rules" yaml:"rules"`

	// Path is the file the set was loaded from, empty for in-memory sets.
	Path string `json:"-" yaml:"-"`
}

// Format is a rule-set serialization.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Builtin returns the built-in sanitizers as a rule set.
func Builtin() *Set {
	return &Set{
		Name:        "builtin",
		Description: "Bearer tokens, email addresses, phone numbers and long opaque identifiers",
		MaxDepth:    pii.DefaultMaxDepth,
		Rules:       pii.BuiltinRules(),
	}
}

// Marshal encodes s in the given format.
func Marshal(s *Set, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding rule set: %w", err)
		}
		return append(data, '\n'), nil
	case FormatYAML:
		data, err := yaml.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encoding rule set: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown rule set format %q", format)
	}
}

// Merge concatenates the rules of sets in order. The depth is the largest
// set depth, so merging never sanitizes less than any member asked for.
func Merge(sets []*Set) ([]pii.Rule, int) {
	var rules []pii.Rule
	depth := 0
	for _, s := range sets {
		rules = append(rules, s.Rules...)
		if s.MaxDepth > depth {
			depth = s.MaxDepth
		}
	}
	return rules, depth
}
