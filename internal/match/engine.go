// Package match scans canonical message text against the banned-term set.
// The term set is compiled once into an Aho-Corasick automaton so scanning
// one message costs O(length) no matter how many terms are loaded. The
// compiled automaton is an immutable snapshot behind an atomic pointer;
// hot reloads build a new automaton and swap it in while in-flight scans
// keep the one they started with.
package match

import (
	"sort"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/warden/modbot/internal/blocklist"
)

// DefaultMaxScanLen caps how much of a message is scanned. Input over the
// cap is not scanned at all: moderation degrades to a clean-but-truncated
// result rather than stalling message flow.
const DefaultMaxScanLen = 8192

// Match is one detected term with its byte span in the canonical text.
type Match struct {
	Term      string
	Severity  blocklist.Severity
	Start     int
	End       int
	WholeWord bool
}

// Result is the outcome of scanning one message. An empty Matches slice
// means clean. Truncated is set when the input exceeded the scan cap.
type Result struct {
	Matches   []Match
	Truncated bool
}

// Flagged reports whether any term matched.
func (r Result) Flagged() bool { return len(r.Matches) > 0 }

// Top returns the match that drives escalation: the highest severity,
// and among equal severities the one appearing earliest in the text.
func (r Result) Top() (Match, bool) {
	if len(r.Matches) == 0 {
		return Match{}, false
	}
	top := r.Matches[0]
	for _, m := range r.Matches[1:] {
		if m.Severity > top.Severity || (m.Severity == top.Severity && m.Start < top.Start) {
			top = m
		}
	}
	return top, true
}

// MaxSeverity returns the highest severity across all matches.
func (r Result) MaxSeverity() blocklist.Severity {
	var max blocklist.Severity
	for _, m := range r.Matches {
		if m.Severity > max {
			max = m.Severity
		}
	}
	return max
}

// Engine matches canonical text against the current term snapshot.
// Safe for concurrent use; Swap may be called while scans are running.
type Engine struct {
	maxScanLen int
	automaton  atomic.Pointer[automaton]
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxScanLen overrides the scan length cap (bytes of canonical text).
func WithMaxScanLen(n int) Option {
	return func(e *Engine) { e.maxScanLen = n }
}

// NewEngine compiles terms into the initial snapshot.
func NewEngine(terms []blocklist.Term, opts ...Option) *Engine {
	e := &Engine{maxScanLen: DefaultMaxScanLen}
	for _, opt := range opts {
		opt(e)
	}
	e.automaton.Store(compile(terms))
	return e
}

// Swap atomically replaces the term snapshot. In-flight scans finish
// against the snapshot they started with.
func (e *Engine) Swap(terms []blocklist.Term) {
	e.automaton.Store(compile(terms))
}

// TermCount returns the number of terms in the current snapshot.
func (e *Engine) TermCount() int {
	return len(e.automaton.Load().terms)
}

// Scan finds every banned term occurring in canonical. Overlapping
// matches are all reported, since distinct severities may each apply.
// Matches are ordered by start position, then by end position.
func (e *Engine) Scan(canonical string) Result {
	if len(canonical) > e.maxScanLen {
		return Result{Truncated: true}
	}
	ac := e.automaton.Load()
	if len(ac.terms) == 0 {
		return Result{}
	}

	var matches []Match
	state := int32(0)
	for i := 0; i < len(canonical); i++ {
		b := canonical[i]
		for state != 0 && ac.states[state].next[b] == 0 {
			state = ac.states[state].fail
		}
		if next := ac.states[state].next[b]; next != 0 {
			state = next
		}
		for _, ti := range ac.states[state].out {
			term := ac.terms[ti]
			start := i + 1 - len(term.Canonical)
			if term.WholeWord && !onWordBoundary(canonical, start, i+1) {
				continue
			}
			matches = append(matches, Match{
				Term:      term.Canonical,
				Severity:  term.Severity,
				Start:     start,
				End:       i + 1,
				WholeWord: term.WholeWord,
			})
		}
	}
	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Start != matches[b].Start {
			return matches[a].Start < matches[b].Start
		}
		return matches[a].End < matches[b].End
	})
	return Result{Matches: matches}
}

// onWordBoundary reports whether [start,end) is delimited by text edges
// or non-alphanumeric runes on both sides.
func onWordBoundary(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isAlnum(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isAlnum(r) {
			return false
		}
	}
	return true
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
