package secrules

import "testing"

func TestCompilePatternCaseInsensitive(t *testing.T) {
	p, err := compilePattern(`union\s+select`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	match, ok := p.findString("UNION  SELECT * FROM users")
	if !ok {
		t.Fatalf("case-insensitive match failed")
	}
	if match != "UNION  SELECT" {
		t.Fatalf("unexpected span %q", match)
	}
}

func TestCompilePatternHexEscapesUseBinaryEngine(t *testing.T) {
	p, err := compilePattern(`\x00evil`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if p.goregexpBin == nil {
		t.Fatalf("expected binary regexp engine for hex-escaped pattern")
	}
	if _, ok := p.findString("prefix\x00evil"); !ok {
		t.Fatalf("binary pattern did not match")
	}
}

func TestCompilePatternNonPrintableBytesEscaped(t *testing.T) {
	p, err := compilePattern("bad\x01byte")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, ok := p.findString("a bad\x01byte here"); !ok {
		t.Fatalf("non-printable byte pattern did not match")
	}
}

func TestCompilePatternMalformed(t *testing.T) {
	if _, err := compilePattern(`unclosed(`); err == nil {
		t.Fatalf("expected error for malformed pattern")
	}
}

func TestContainsHexEscapedBytes(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`\x3cscript`, true},
		{`\\x3c`, false},
		{`\\\x3c`, true},
		{`plain`, false},
	}
	for _, tc := range tests {
		if got := containsHexEscapedBytes(tc.expr); got != tc.want {
			t.Fatalf("containsHexEscapedBytes(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}
