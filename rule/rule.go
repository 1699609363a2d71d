// Package rule compiles keyword rule strings of the form
// "A&B~C&D~E" into include terms and ordered exclude groups.
package rule

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// AndSep joins terms inside one group.
	AndSep = '&'
	// ExcludeSep starts an exclude group.
	ExcludeSep = '~'
)

// MalformedRuleError reports a rule that cannot be compiled.
type MalformedRuleError struct {
	Rule   string
	Pos    int
	Reason string
}

func (e *MalformedRuleError) Error() string {
	return fmt.Sprintf("rule: malformed %q at %d: %s", e.Rule, e.Pos, e.Reason)
}

// Expression is a compiled rule. Include must all be present for a match;
// any exclude group whose terms are all present suppresses it.
type Expression struct {
	Raw     string
	Include []string
	Exclude [][]string
}

// ExcludeOnly reports whether the rule has no include terms.
func (e Expression) ExcludeOnly() bool {
	return len(e.Include) == 0
}

// Terms returns every distinct term of the expression.
func (e Expression) Terms() []string {
	seen := make(map[string]struct{}, len(e.Include))
	out := make([]string, 0, len(e.Include))
	add := func(t string) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range e.Include {
		add(t)
	}
	for _, g := range e.Exclude {
		for _, t := range g {
			add(t)
		}
	}
	return out
}

// String renders the expression in canonical form.
func (e Expression) String() string {
	var b strings.Builder
	b.WriteString(strings.Join(e.Include, string(AndSep)))
	for _, g := range e.Exclude {
		b.WriteByte(ExcludeSep)
		b.WriteString(strings.Join(g, string(AndSep)))
	}
	return b.String()
}

// Map returns a copy of e with fn applied to every term. Terms that collapse
// to the same value after fn are kept once.
func (e Expression) Map(fn func(string) string) Expression {
	out := Expression{Raw: e.Raw, Include: dedup(mapAll(e.Include, fn))}
	if len(e.Exclude) > 0 {
		out.Exclude = make([][]string, len(e.Exclude))
		for i, g := range e.Exclude {
			out.Exclude[i] = dedup(mapAll(g, fn))
		}
	}
	return out
}

// Parse compiles one rule string. Terms are trimmed and a leading "~"
// denotes an exclude-only rule.
func Parse(raw string) (Expression, error) {
	s := strings.TrimLeftFunc(raw, unicode.IsSpace)
	offset := len(raw) - len(s)
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	if s == "" {
		return Expression{}, &MalformedRuleError{Rule: raw, Pos: 0, Reason: "empty rule"}
	}

	var (
		groups [][]string
		cur    []string
		start  int
	)
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != AndSep && s[i] != ExcludeSep {
			continue
		}
		term := strings.TrimSpace(s[start:i])
		if term == "" {
			if i == 0 && s[i] == ExcludeSep {
				groups = append(groups, nil)
				start = 1
				continue
			}
			if i == len(s) {
				return Expression{}, &MalformedRuleError{
					Rule:   raw,
					Pos:    offset + start - 1,
					Reason: fmt.Sprintf("separator %q at end of rule", s[start-1]),
				}
			}
			return Expression{}, &MalformedRuleError{
				Rule:   raw,
				Pos:    offset + i,
				Reason: fmt.Sprintf("separator %q has no preceding term", s[i]),
			}
		}
		cur = append(cur, term)
		if i == len(s) || s[i] == ExcludeSep {
			groups = append(groups, dedup(cur))
			cur = nil
		}
		start = i + 1
	}

	expr := Expression{Raw: raw, Include: groups[0]}
	if len(groups) > 1 {
		expr.Exclude = groups[1:]
	}
	return expr, nil
}

// ParseAll compiles every non-blank rule. Malformed rules are reported in
// errs and left out of the result; the rest are returned in input order.
func ParseAll(lines []string) (exprs []Expression, errs []error) {
	exprs = make([]Expression, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		expr, err := Parse(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		exprs = append(exprs, expr)
	}
	return exprs, errs
}

// Lines splits rule file content into rule lines, dropping blank lines and
// lines starting with "#".
func Lines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func mapAll(in []string, fn func(string) string) []string {
	out := make([]string, len(in))
	for i, t := range in {
		out[i] = fn(t)
	}
	return out
}

func dedup(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, t := range in {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
