package engine

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalizer maps rule terms and message text into the form they are
// compared in. The same function is applied to both sides.
type Normalizer func(string) string

// Fold applies NFKC compatibility normalization followed by Unicode case
// folding, so "ＢＵＹ" and "buy" compare equal.
func Fold(s string) string {
	// A Caser carries state and must not be shared across goroutines.
	return cases.Fold().String(norm.NFKC.String(s))
}

// Exact leaves input untouched.
func Exact(s string) string { return s }
