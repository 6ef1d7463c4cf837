// pkg/pii/sanitizers.go
package pii

import "regexp"

// Default replacement text of the built-in sanitizers.
const (
	RedactedEmail      = "[REDACTED-EMAIL]"
	RedactedPhone      = "[REDACTED-PHONE]"
	RedactedToken      = "Bearer [REDACTED-TOKEN]"
	RedactedIdentifier = "[REDACTED-IDENTIFIER]"
)

const (
	emailPattern = `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`
	// international prefix, optional area-code parens, 3-3-4 digit grouping
	phonePattern = `(?:\+\d{1,3}[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`
	tokenPattern = `(?i)\bBearer\s+[A-Za-z0-9._~+/=-]+`
	// long opaque runs: API keys, JWTs, session secrets
	identifierPattern = `[A-Za-z0-9._-]{40,}`
)

type builtin struct {
	rule Rule
	re   *regexp.Regexp
}

func newBuiltin(name RuleName, pattern, replacement string) builtin {
	return builtin{
		rule: Rule{Name: name, Pattern: pattern, Replacement: replacement},
		re:   regexp.MustCompile(pattern),
	}
}

var (
	emailRule      = newBuiltin(NameEmail, emailPattern, RedactedEmail)
	phoneRule      = newBuiltin(NamePhone, phonePattern, RedactedPhone)
	tokenRule      = newBuiltin(NameToken, tokenPattern, RedactedToken)
	identifierRule = newBuiltin(NameIdentifier, identifierPattern, RedactedIdentifier)
)

func (b builtin) apply(text string, override []string) string {
	repl := b.rule.Replacement
	for _, o := range override {
		if o != "" {
			repl = o
			break
		}
	}
	return ApplyRule(text, b.re, repl)
}

// SanitizeEmail replaces every email address in text. An optional non-empty
// replacement overrides RedactedEmail for this call only.
func SanitizeEmail(text string, replacement ...string) string {
	return emailRule.apply(text, replacement)
}

// SanitizePhone replaces phone numbers such as 555-123-4567, (555) 123-4567
// and +1 555 123 4567.
func SanitizePhone(text string, replacement ...string) string {
	return phoneRule.apply(text, replacement)
}

// RedactToken replaces bearer tokens, including the "Bearer" keyword, so the
// default replacement keeps the header readable: "Bearer [REDACTED-TOKEN]".
func RedactToken(text string, replacement ...string) string {
	return tokenRule.apply(text, replacement)
}

// MaskIdentifier replaces contiguous runs of 40 or more characters drawn from
// letters, digits, '.', '_' and '-'. It catches API keys and JWTs without
// parsing any specific format.
func MaskIdentifier(text string, replacement ...string) string {
	return identifierRule.apply(text, replacement)
}

// BuiltinRules returns the rules behind the four string sanitizers, in the
// order token, email, phone, identifier. Token runs first so the bearer
// keyword is kept; identifier runs last so shorter categories are named. The
// slice is a fresh copy and may be edited freely.
func BuiltinRules() []Rule {
	return []Rule{tokenRule.rule, emailRule.rule, phoneRule.rule, identifierRule.rule}
}

// BuiltinRule returns the built-in rule with the given name.
func BuiltinRule(name RuleName) (Rule, bool) {
	for _, r := range BuiltinRules() {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}
