// pkg/pii/ecmascript.go
package pii

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// ECMAScriptMatchTimeout bounds a single ECMAScript replacement pass. regexp2
// backtracks, unlike RE2, so a hostile pattern could otherwise run unbounded.
const ECMAScriptMatchTimeout = 250 * time.Millisecond

type ecmaMatcher struct {
	re *regexp2.Regexp
}

// CompileECMAScript compiles source with JavaScript semantics. It returns nil,
// after logging a warning, when the pattern does not compile.
func CompileECMAScript(source string) Matcher {
	if source == "" {
		warnLogger().Warn("skipping empty PII pattern")
		return nil
	}
	re, err := regexp2.Compile(source, regexp2.ECMAScript)
	if err != nil {
		warnLogger().Warn("invalid PII pattern", "pattern", source, "syntax", SyntaxECMAScript, "error", err)
		return nil
	}
	re.MatchTimeout = ECMAScriptMatchTimeout
	return &ecmaMatcher{re: re}
}

// ReplaceAllLiteralString replaces all matches. On a match timeout the input
// is returned unchanged. regexp2 works on runes, so input that is not valid
// UTF-8 is matched one valid run at a time and the invalid bytes are copied
// through as they are.
func (m *ecmaMatcher) ReplaceAllLiteralString(src, repl string) string {
	if utf8.ValidString(src) {
		return m.replace(src, repl)
	}

	var b strings.Builder
	start := 0
	for i := 0; i < len(src); {
		r, size := utf8.DecodeRuneInString(src[i:])
		if r != utf8.RuneError || size != 1 {
			i += size
			continue
		}
		if start < i {
			b.WriteString(m.replace(src[start:i], repl))
		}
		b.WriteByte(src[i])
		i++
		start = i
	}
	if start < len(src) {
		b.WriteString(m.replace(src[start:], repl))
	}
	return b.String()
}

func (m *ecmaMatcher) replace(src, repl string) string {
	out, err := m.re.ReplaceFunc(src, func(regexp2.Match) string {
		return repl
	}, -1, -1)
	if err != nil {
		warnLogger().Warn("PII pattern replacement aborted", "pattern", m.re.String(), "error", err)
		return src
	}
	return out
}
