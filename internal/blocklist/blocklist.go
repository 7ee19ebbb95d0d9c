// Package blocklist loads the banned-term list used by the match engine.
// The list is line-oriented: one term per line, optionally annotated with
// a severity and a whole-word marker, e.g.
//
//	badword
//	kill yourself severity=high
//	spam severity=low wholeword
//
// Lines starting with '#' and blank lines are ignored. Terms are stored in
// their canonical (normalized) form and deduplicated by it.
package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/warden/modbot/internal/normalize"
)

// Severity is the ordinal escalation tier of a banned term.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
)

// String returns the lowercase name used in list files and log lines.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity maps a list-file annotation value to a Severity.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(v) {
	case "low":
		return SeverityLow, nil
	case "medium", "med":
		return SeverityMedium, nil
	case "high", "severe":
		return SeverityHigh, nil
	}
	return 0, fmt.Errorf("blocklist: unknown severity %q", v)
}

// Term is one banned entry. Canonical is the normalized text the match
// engine searches for; the raw spelling from the list file is not kept.
type Term struct {
	Canonical string
	Severity  Severity
	WholeWord bool
}

// DefaultSeverity is applied to lines without a severity annotation.
const DefaultSeverity = SeverityMedium

// Parse reads a term list from r, normalizing every term with norm.
// Duplicate canonical forms keep the entry with the higher severity.
func Parse(r io.Reader, norm *normalize.Normalizer) ([]Term, error) {
	byCanonical := make(map[string]Term)
	var order []string

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		term, err := parseLine(line, norm)
		if err != nil {
			return nil, fmt.Errorf("blocklist: line %d: %w", lineNo, err)
		}
		if term.Canonical == "" {
			continue
		}

		if prev, ok := byCanonical[term.Canonical]; ok {
			if term.Severity > prev.Severity {
				byCanonical[term.Canonical] = term
			}
			continue
		}
		byCanonical[term.Canonical] = term
		order = append(order, term.Canonical)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("blocklist: read: %w", err)
	}

	terms := make([]Term, 0, len(order))
	for _, canonical := range order {
		terms = append(terms, byCanonical[canonical])
	}
	return terms, nil
}

// Load reads a term list from path.
func Load(path string, norm *normalize.Normalizer) ([]Term, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blocklist: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, norm)
}

// parseLine splits trailing annotations off a list line. Annotations are
// whitespace-separated tokens at the end of the line, so multi-word terms
// ("kill yourself") parse correctly.
func parseLine(line string, norm *normalize.Normalizer) (Term, error) {
	fields := strings.Fields(line)
	term := Term{Severity: DefaultSeverity}

	end := len(fields)
	for end > 0 {
		tok := strings.ToLower(fields[end-1])
		if tok == "wholeword" {
			term.WholeWord = true
			end--
			continue
		}
		if v, ok := strings.CutPrefix(tok, "severity="); ok {
			sev, err := ParseSeverity(v)
			if err != nil {
				return Term{}, err
			}
			term.Severity = sev
			end--
			continue
		}
		break
	}
	if end == 0 {
		return Term{}, fmt.Errorf("annotations without a term")
	}

	term.Canonical = norm.Normalize(strings.Join(fields[:end], " "))
	return term, nil
}
