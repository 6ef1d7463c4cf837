// pkg/pii/validate.go
package pii

import (
	"fmt"
	"regexp"

	"github.com/dlclark/regexp2"
)

// IsValidRegexString reports whether source compiles as an RE2 pattern.
// An empty pattern is rejected: it matches at every position of every string.
func IsValidRegexString(source string) ValidationResult {
	if source == "" {
		return invalid("pattern is empty")
	}
	if _, err := regexp.Compile(source); err != nil {
		return invalid(fmt.Sprintf("invalid regular expression: %v", err))
	}
	return valid()
}

// IsValidECMAScriptString reports whether source compiles as an ECMAScript pattern.
func IsValidECMAScriptString(source string) ValidationResult {
	if source == "" {
		return invalid("pattern is empty")
	}
	if _, err := regexp2.Compile(source, regexp2.ECMAScript); err != nil {
		return invalid(fmt.Sprintf("invalid regular expression: %v", err))
	}
	return valid()
}

// IsValidRule checks a candidate rule. The candidate may be a Rule, a *Rule,
// or a map[string]any decoded from JSON or YAML. Checks short-circuit on the
// first failure.
func IsValidRule(candidate any) ValidationResult {
	switch c := candidate.(type) {
	case Rule:
		return checkRule(c)
	case *Rule:
		if c == nil {
			return invalid("rule must be a record")
		}
		return checkRule(*c)
	case map[string]any:
		return checkRecord(c)
	default:
		return invalid("rule must be a record")
	}
}

func checkRule(r Rule) ValidationResult {
	if r.Name == "" {
		return invalid("rule name is required")
	}
	if !r.Name.Valid() {
		return invalid(fmt.Sprintf("unknown rule name %q", r.Name))
	}
	if r.Pattern == "" {
		return invalid("pattern is required")
	}
	if res := checkPattern(r.Pattern, r.Syntax); !res.Valid {
		return res
	}
	if r.Replacement == "" {
		return invalid("replacement must not be empty")
	}
	return valid()
}

// checkRecord mirrors checkRule for untyped input, where fields may be
// missing or of the wrong type.
func checkRecord(m map[string]any) ValidationResult {
	if m == nil {
		return invalid("rule must be a record")
	}

	rawName, ok := m["name"]
	if !ok || rawName == nil {
		return invalid("rule name is required")
	}
	name, ok := rawName.(string)
	if !ok {
		return invalid("rule name must be a string")
	}
	if name == "" {
		return invalid("rule name is required")
	}
	if !RuleName(name).Valid() {
		return invalid(fmt.Sprintf("unknown rule name %q", name))
	}

	var syntax Syntax
	if rawSyntax, ok := m["syntax"]; ok && rawSyntax != nil {
		s, ok := rawSyntax.(string)
		if !ok {
			return invalid("syntax must be a string")
		}
		syntax = Syntax(s)
	}

	rawPattern, ok := m["pattern"]
	if !ok || rawPattern == nil {
		return invalid("pattern is required")
	}
	pattern, ok := rawPattern.(string)
	if !ok {
		return invalid("pattern must be a string")
	}
	if res := checkPattern(pattern, syntax); !res.Valid {
		return res
	}

	rawReplacement, ok := m["replacement"]
	if !ok || rawReplacement == nil {
		return invalid("replacement is required")
	}
	replacement, ok := rawReplacement.(string)
	if !ok {
		return invalid("replacement must be a string")
	}
	if replacement == "" {
		return invalid("replacement must not be empty")
	}
	return valid()
}

func checkPattern(pattern string, syntax Syntax) ValidationResult {
	switch syntax {
	case "", SyntaxRE2:
		return IsValidRegexString(pattern)
	case SyntaxECMAScript:
		return IsValidECMAScriptString(pattern)
	default:
		return invalid(fmt.Sprintf("unknown syntax %q", syntax))
	}
}

// ValidateRuleSet reports whether every rule is valid. An empty set is valid
// and applies nothing. Validation stops at the first invalid rule.
func ValidateRuleSet(rules []Rule) ValidationResult {
	for i, r := range rules {
		if res := checkRule(r); !res.Valid {
			return invalid(fmt.Sprintf("rule[%d] (%s): %s", i, r.Name, res.Error))
		}
	}
	return valid()
}

// CompileRegex compiles source into a matcher. It returns nil, after logging
// a warning, when the pattern does not compile. Go's ReplaceAll family always
// replaces every match, so callers of the returned matcher never see a
// first-match-only replacement.
func CompileRegex(source string) *regexp.Regexp {
	if source == "" {
		warnLogger().Warn("skipping empty PII pattern")
		return nil
	}
	re, err := regexp.Compile(source)
	if err != nil {
		warnLogger().Warn("invalid PII pattern", "pattern", source, "error", err)
		return nil
	}
	return re
}
