package blocklist

import (
	"strings"
	"testing"

	"github.com/warden/modbot/internal/normalize"
)

func TestParse_Annotations(t *testing.T) {
	norm := normalize.New(nil)
	input := strings.Join([]string{
		"# comment line",
		"",
		"badword",
		"spam severity=low wholeword",
		"kill yourself severity=high",
		"scamlink severity=medium",
	}, "\n")

	terms, err := Parse(strings.NewReader(input), norm)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(terms) != 4 {
		t.Fatalf("got %d terms, want 4", len(terms))
	}

	tests := []struct {
		canonical string
		severity  Severity
		wholeWord bool
	}{
		{"badword", SeverityMedium, false},
		{"spam", SeverityLow, true},
		{"kill yourself", SeverityHigh, false},
		{"scamlink", SeverityMedium, false},
	}
	for i, want := range tests {
		got := terms[i]
		if got.Canonical != want.canonical || got.Severity != want.severity || got.WholeWord != want.wholeWord {
			t.Errorf("terms[%d] = %+v, want %+v", i, got, want)
		}
	}
}

func TestParse_DedupeByCanonical(t *testing.T) {
	norm := normalize.New(nil)
	// "sp4m" and "spam" normalize to the same canonical form; the higher
	// severity entry wins.
	input := "spam severity=low\nsp4m severity=high\nspam severity=medium\n"

	terms, err := Parse(strings.NewReader(input), norm)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(terms) != 1 {
		t.Fatalf("got %d terms, want 1", len(terms))
	}
	if terms[0].Canonical != "spam" || terms[0].Severity != SeverityHigh {
		t.Errorf("got %+v, want canonical=spam severity=high", terms[0])
	}
}

func TestParse_BadSeverity(t *testing.T) {
	norm := normalize.New(nil)
	if _, err := Parse(strings.NewReader("word severity=extreme\n"), norm); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestParse_AnnotationsOnly(t *testing.T) {
	norm := normalize.New(nil)
	if _, err := Parse(strings.NewReader("severity=high\n"), norm); err == nil {
		t.Error("expected error for line with no term")
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"low", SeverityLow},
		{"MEDIUM", SeverityMedium},
		{"high", SeverityHigh},
		{"severe", SeverityHigh},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if err != nil {
			t.Errorf("ParseSeverity(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseSeverity("nope"); err == nil {
		t.Error("expected error for unknown severity name")
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh) {
		t.Error("severity tiers must be ordered low < medium < high")
	}
}
