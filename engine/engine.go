// Package engine evaluates compiled keyword rules against text. The active
// rule set is an immutable snapshot replaced atomically on reload.
package engine

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elum-utils/aiocensor/rule"
)

// DefaultAutomatonThreshold is the rule count at which Match switches from
// per-rule substring scans to the shared automaton.
const DefaultAutomatonThreshold = 32

// Stats contains runtime in-memory engine metrics.
type Stats struct {
	RuleCount        int64
	TermCount        int64
	AutomatonActive  bool
	LastLookupNanos  int64
	TotalLookups     int64
	TotalRuleHits    int64
	LastReloadNanos  int64
	TotalReloadCount int64
}

// Options configures a Matcher.
type Options struct {
	// AutomatonThreshold is the rule count at or above which the automaton is
	// built. Zero means DefaultAutomatonThreshold, negative disables it.
	AutomatonThreshold int
	// Normalize is applied to terms and text. Nil means Fold.
	Normalize Normalizer
}

// Hit is one rule that matched.
type Hit struct {
	Index int
	Rule  rule.Expression
}

type compiled struct {
	source  rule.Expression
	norm    rule.Expression
	include []int
	exclude [][]int
}

type snapshot struct {
	rules []compiled
	terms []string
	ac    *automaton
}

// Matcher holds the active rule set.
type Matcher struct {
	threshold int
	normalize Normalizer

	// mu serializes writers; readers only load snap.
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]

	lastLookupNanos atomic.Int64
	totalLookups    atomic.Int64
	totalRuleHits   atomic.Int64
	lastReloadNanos atomic.Int64
	totalReloads    atomic.Int64
}

// New creates an empty matcher.
func New(opts Options) *Matcher {
	if opts.AutomatonThreshold == 0 {
		opts.AutomatonThreshold = DefaultAutomatonThreshold
	}
	if opts.Normalize == nil {
		opts.Normalize = Fold
	}
	m := &Matcher{threshold: opts.AutomatonThreshold, normalize: opts.Normalize}
	m.snap.Store(&snapshot{})
	return m
}

// Evaluate reports whether text satisfies expr using plain substring search.
// Every include term must occur and no exclude group may have all of its
// terms present.
func Evaluate(expr rule.Expression, text string) bool {
	for _, t := range expr.Include {
		if !strings.Contains(text, t) {
			return false
		}
	}
	for _, group := range expr.Exclude {
		if groupTriggered(group, text) {
			return false
		}
	}
	return true
}

func groupTriggered(group []string, text string) bool {
	if len(group) == 0 {
		return false
	}
	for _, t := range group {
		if !strings.Contains(text, t) {
			return false
		}
	}
	return true
}

// Replace swaps in a new rule set.
func (m *Matcher) Replace(exprs []rule.Expression) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(exprs)
}

// ReplaceLines parses lines and swaps in every rule that compiled. Parse
// errors for the skipped lines are returned.
func (m *Matcher) ReplaceLines(lines []string) []error {
	exprs, errs := rule.ParseAll(lines)
	m.Replace(exprs)
	return errs
}

// Add appends rules whose raw form is not already loaded. It returns the
// number of rules added.
func (m *Matcher) Add(exprs ...rule.Expression) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	seen := make(map[string]struct{}, len(cur.rules))
	next := make([]rule.Expression, 0, len(cur.rules)+len(exprs))
	for _, c := range cur.rules {
		seen[c.source.String()] = struct{}{}
		next = append(next, c.source)
	}
	added := 0
	for _, e := range exprs {
		key := e.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		next = append(next, e)
		added++
	}
	if added > 0 {
		m.store(next)
	}
	return added
}

// Remove drops rules whose canonical form equals raw's.
func (m *Matcher) Remove(raw string) bool {
	expr, err := rule.Parse(raw)
	if err != nil {
		return false
	}
	key := expr.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	next := make([]rule.Expression, 0, len(cur.rules))
	for _, c := range cur.rules {
		if c.source.String() != key {
			next = append(next, c.source)
		}
	}
	if len(next) == len(cur.rules) {
		return false
	}
	m.store(next)
	return true
}

// Clear removes all rules.
func (m *Matcher) Clear() {
	m.Replace(nil)
}

func (m *Matcher) store(exprs []rule.Expression) {
	start := time.Now()
	next := &snapshot{rules: make([]compiled, 0, len(exprs))}
	ids := make(map[string]int)
	termID := func(t string) int {
		if id, ok := ids[t]; ok {
			return id
		}
		id := len(next.terms)
		ids[t] = id
		next.terms = append(next.terms, t)
		return id
	}

	for _, e := range exprs {
		n := e.Map(m.normalize)
		c := compiled{source: e, norm: n, include: make([]int, len(n.Include))}
		for i, t := range n.Include {
			c.include[i] = termID(t)
		}
		if len(n.Exclude) > 0 {
			c.exclude = make([][]int, len(n.Exclude))
			for gi, g := range n.Exclude {
				c.exclude[gi] = make([]int, len(g))
				for i, t := range g {
					c.exclude[gi][i] = termID(t)
				}
			}
		}
		next.rules = append(next.rules, c)
	}
	if m.threshold > 0 && len(next.rules) >= m.threshold {
		next.ac = buildAutomaton(next.terms)
	}

	m.snap.Store(next)
	m.lastReloadNanos.Store(time.Since(start).Nanoseconds())
	m.totalReloads.Add(1)
}

// Match evaluates every rule against text and returns the hits in rule order.
func (m *Matcher) Match(text string) []Hit {
	start := time.Now()
	snap := m.snap.Load()
	defer func() {
		m.lastLookupNanos.Store(time.Since(start).Nanoseconds())
		m.totalLookups.Add(1)
	}()
	if len(snap.rules) == 0 {
		return nil
	}

	normalized := m.normalize(text)
	var hits []Hit
	if snap.ac == nil {
		for i, c := range snap.rules {
			if Evaluate(c.norm, normalized) {
				hits = append(hits, Hit{Index: i, Rule: c.source})
			}
		}
	} else {
		present := snap.ac.presence(normalized)
		for i, c := range snap.rules {
			if reduce(c, present) {
				hits = append(hits, Hit{Index: i, Rule: c.source})
			}
		}
	}
	m.totalRuleHits.Add(int64(len(hits)))
	return hits
}

func reduce(c compiled, present []bool) bool {
	for _, id := range c.include {
		if !present[id] {
			return false
		}
	}
	for _, group := range c.exclude {
		all := len(group) > 0
		for _, id := range group {
			if !present[id] {
				all = false
				break
			}
		}
		if all {
			return false
		}
	}
	return true
}

// Rules returns the loaded rules in their original form.
func (m *Matcher) Rules() []rule.Expression {
	snap := m.snap.Load()
	out := make([]rule.Expression, len(snap.rules))
	for i, c := range snap.rules {
		out[i] = c.source
	}
	return out
}

// Count returns the number of loaded rules.
func (m *Matcher) Count() int {
	return len(m.snap.Load().rules)
}

// Stats returns current metrics.
func (m *Matcher) Stats() Stats {
	snap := m.snap.Load()
	return Stats{
		RuleCount:        int64(len(snap.rules)),
		TermCount:        int64(len(snap.terms)),
		AutomatonActive:  snap.ac != nil,
		LastLookupNanos:  m.lastLookupNanos.Load(),
		TotalLookups:     m.totalLookups.Load(),
		TotalRuleHits:    m.totalRuleHits.Load(),
		LastReloadNanos:  m.lastReloadNanos.Load(),
		TotalReloadCount: m.totalReloads.Load(),
	}
}
