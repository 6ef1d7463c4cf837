// pkg/pii/apply.go
package pii

import "regexp"

// Matcher replaces every non-overlapping match in src with the literal repl.
// *regexp.Regexp satisfies it.
type Matcher interface {
	ReplaceAllLiteralString(src, repl string) string
}

// ApplyRule replaces all matches of m in text with replacement. A nil matcher
// or empty text is returned unchanged. The matcher is expected to come from
// CompileRegex or Compile; it is not re-validated here.
func ApplyRule(text string, m Matcher, replacement string) string {
	if text == "" || isNilMatcher(m) {
		return text
	}
	return m.ReplaceAllLiteralString(text, replacement)
}

func isNilMatcher(m Matcher) bool {
	switch v := m.(type) {
	case nil:
		return true
	case *regexp.Regexp:
		return v == nil
	case *ecmaMatcher:
		return v == nil
	}
	return false
}

type compiledRule struct {
	name        RuleName
	matcher     Matcher
	replacement string
}

// Compiled is a validated rule set with every pattern compiled once. It is
// read-only and safe for concurrent use.
type Compiled struct {
	rules []compiledRule
}

// Compile validates rules and compiles each pattern. When validation fails the
// returned *Compiled is nil and the result explains why.
func Compile(rules []Rule) (*Compiled, ValidationResult) {
	if res := ValidateRuleSet(rules); !res.Valid {
		return nil, res
	}

	c := &Compiled{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		var m Matcher
		if r.Syntax == SyntaxECMAScript {
			m = CompileECMAScript(r.Pattern)
		} else {
			m = CompileRegex(r.Pattern)
		}
		if isNilMatcher(m) {
			continue
		}
		c.rules = append(c.rules, compiledRule{name: r.Name, matcher: m, replacement: r.Replacement})
	}
	return c, ValidationResult{Valid: true}
}

// Len returns the number of compiled rules.
func (c *Compiled) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

// Apply runs every rule over text in list order. Each rule sees the output of
// the rule before it, so an earlier rule's redaction takes precedence over any
// later rule that would have matched the same substring.
func (c *Compiled) Apply(text string) string {
	if c == nil {
		return text
	}
	for _, r := range c.rules {
		text = ApplyRule(text, r.matcher, r.replacement)
	}
	return text
}

// ApplyRuleSet validates rules, then applies them to text in list order. An
// invalid set is logged and text is returned unchanged. Callers applying the
// same rules to many strings should Compile once and reuse the result.
func ApplyRuleSet(text string, rules []Rule) string {
	if text == "" || len(rules) == 0 {
		return text
	}
	c, res := Compile(rules)
	if !res.Valid {
		warnLogger().Warn("invalid PII rule set, leaving text unchanged", "error", res.Error)
		return text
	}
	return c.Apply(text)
}
