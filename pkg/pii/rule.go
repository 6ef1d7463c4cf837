// pkg/pii/rule.go
package pii

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// RuleName identifies the category of PII a rule redacts. The set is closed;
// deployment-specific rules use NameCustom.
type RuleName string

const (
	NameEmail      RuleName = "email"
	NamePhone      RuleName = "phone"
	NameToken      RuleName = "token"
	NameAPIKey     RuleName = "api_key"
	NameJWT        RuleName = "jwt"
	NameIdentifier RuleName = "identifier"
	NameCustom     RuleName = "custom"
)

var ruleNames = map[RuleName]bool{
	NameEmail:      true,
	NamePhone:      true,
	NameToken:      true,
	NameAPIKey:     true,
	NameJWT:        true,
	NameIdentifier: true,
	NameCustom:     true,
}

// Valid reports whether n belongs to the closed name set.
func (n RuleName) Valid() bool {
	return ruleNames[n]
}

// RuleNames returns the accepted rule names in a stable order.
func RuleNames() []RuleName {
	return []RuleName{NameEmail, NamePhone, NameToken, NameAPIKey, NameJWT, NameIdentifier, NameCustom}
}

// Syntax selects the regular expression dialect of a rule's pattern.
type Syntax string

const (
	// SyntaxRE2 is Go's regexp syntax. The empty Syntax means RE2.
	SyntaxRE2 Syntax = "re2"
	// SyntaxECMAScript accepts patterns written for JavaScript consumers.
	SyntaxECMAScript Syntax = "ecmascript"
)

// Rule is one redaction policy: every match of Pattern is replaced with the
// literal Replacement. Rules are plain data so rule sets can be loaded from
// files or sent over the wire; they are never mutated after validation.
type Rule struct {
	Name        RuleName `json:"name" yaml:"name"`
	Pattern     string   `json:"pattern" yaml:"pattern"`
	Replacement string   `json:"replacement" yaml:"replacement"`
	Syntax      Syntax   `json:"syntax,omitempty" yaml:"syntax,omitempty"`
}

// ValidationResult is the uniform judgment returned by every validator.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// IsValid reports whether the result is a pass.
func (r ValidationResult) IsValid() bool {
	return r.Valid
}

// Err converts a failed result into an error, or returns nil.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return errors.New(r.Error)
}

func valid() ValidationResult {
	return ValidationResult{Valid: true}
}

func invalid(reason string) ValidationResult {
	return ValidationResult{Valid: false, Error: reason}
}

var logger atomic.Pointer[slog.Logger]

// SetLogger sets where validation warnings are reported. A nil logger restores
// slog.Default().
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

func warnLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}
