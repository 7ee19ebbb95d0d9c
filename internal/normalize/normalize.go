// Package normalize collapses common content-obfuscation tricks (leet-speak
// substitutions, stretched letters, spaced-out words) into a canonical form
// used for blocklist matching. Canonical text is never shown to users and is
// never persisted.
package normalize

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Table maps look-alike runes to the canonical letter they stand in for.
// The table is data, not logic: it can be replaced wholesale without
// touching the normalization pipeline.
type Table map[rune]rune

// DefaultTable covers the digit/symbol stand-ins seen in real evasion
// attempts plus common accented variants.
func DefaultTable() Table {
	return Table{
		'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't',
		'@': 'a', '$': 's', '!': 'i', '+': 't',
		'à': 'a', 'á': 'a', 'â': 'a', 'ä': 'a', 'å': 'a',
		'è': 'e', 'é': 'e', 'ê': 'e', 'ë': 'e',
		'ì': 'i', 'í': 'i', 'î': 'i', 'ï': 'i',
		'ò': 'o', 'ó': 'o', 'ô': 'o', 'ö': 'o',
		'ù': 'u', 'ú': 'u', 'û': 'u', 'ü': 'u',
		'ç': 'c', 'ñ': 'n',
	}
}

// LoadTable reads substitution overrides from a file with one "char=letter"
// pair per line. Lines starting with '#' and blank lines are skipped.
// Entries are merged over the default table.
func LoadTable(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("normalize: open table: %w", err)
	}
	defer f.Close()

	table := DefaultTable()
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		from, to, ok := strings.Cut(text, "=")
		fr := []rune(strings.TrimSpace(from))
		tr := []rune(strings.TrimSpace(to))
		if !ok || len(fr) != 1 || len(tr) != 1 {
			return nil, fmt.Errorf("normalize: table line %d: want char=letter, got %q", line, text)
		}
		table[fr[0]] = tr[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("normalize: read table: %w", err)
	}
	return table, nil
}

// Normalizer is a pure, deterministic text transform. It is safe for
// concurrent use; the table is read-only after construction.
type Normalizer struct {
	table Table
}

// New creates a Normalizer with the given substitution table.
// A nil table falls back to DefaultTable.
func New(table Table) *Normalizer {
	if table == nil {
		table = DefaultTable()
	}
	return &Normalizer{table: table}
}

// Normalize maps raw text to its canonical form. The pipeline order is
// fixed: case fold, substitution, separator strip, repeated-run collapse.
// Stripping a separator can fuse letters into a new run and collapsing a
// run can leave a separator newly isolated, so the last two stages repeat
// until the text stops shrinking. That makes Normalize idempotent, and the
// output is never longer than the input.
func (n *Normalizer) Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	runes := make([]rune, 0, len(raw))
	for _, r := range raw {
		r = unicode.ToLower(r)
		if sub, ok := n.table[r]; ok {
			r = sub
		}
		runes = append(runes, r)
	}
	for {
		before := len(runes)
		runes = collapseRuns(stripSeparators(runes))
		if len(runes) == before {
			break
		}
	}
	return string(runes)
}

// collapseRuns reduces runs of 3+ identical runes to a single rune.
// Runs of exactly 2 are kept so legitimate doubled letters survive.
func collapseRuns(in []rune) []rune {
	out := in[:0]
	runLen := 0
	for i, r := range in {
		if i > 0 && r == in[i-1] {
			runLen++
		} else {
			runLen = 1
		}
		if runLen <= 2 {
			out = append(out, r)
		} else if runLen == 3 {
			// Third repeat: drop this rune and the second one already emitted.
			out = out[:len(out)-1]
		}
	}
	return out
}

// stripSeparators drops a single separator rune sitting between two lone
// alphanumeric runes, so "b a n" becomes "ban" while "good night" keeps
// its space: the run lengths of "good" and "night" show they are words,
// not spaced-out letters. Decisions use the run lengths of the input,
// not of the merged output, so a whole chain of single letters fuses.
func stripSeparators(in []rune) []rune {
	type span struct {
		start, end int // rune indices, end exclusive
		alnum      bool
	}
	var spans []span
	for i, r := range in {
		alnum := isAlnum(r)
		if len(spans) > 0 && spans[len(spans)-1].alnum == alnum {
			spans[len(spans)-1].end = i + 1
			continue
		}
		spans = append(spans, span{start: i, end: i + 1, alnum: alnum})
	}

	out := make([]rune, 0, len(in))
	for i, sp := range spans {
		if !sp.alnum && sp.end-sp.start == 1 && i > 0 && i < len(spans)-1 {
			prev, next := spans[i-1], spans[i+1]
			if prev.end-prev.start == 1 && next.end-next.start == 1 {
				continue
			}
		}
		out = append(out, in[sp.start:sp.end]...)
	}
	return out
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
