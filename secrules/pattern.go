package secrules

import (
	"bytes"
	"fmt"
	"regexp"

	"rsc.io/binaryregexp"
)

// patternFacade wraps either the built-in Go regexp engine or Russ Cox's
// binary-capable fork. Rule patterns containing hex-escaped or
// non-printable bytes need the fork, which searches arbitrary byte
// sequences. Patterns are matched case-insensitively, as rule authors
// expect.
type patternFacade struct {
	goregexp    *regexp.Regexp
	goregexpBin *binaryregexp.Regexp
}

func compilePattern(expr string) (p *patternFacade, err error) {
	hasHexEscapedBytes := containsHexEscapedBytes(expr)

	// Convert non-printable characters into \x00 representation.
	var b bytes.Buffer
	for i := 0; i < len(expr); i++ {
		// ' ' is the lowest printable ASCII char and '~' the highest.
		if ' ' <= expr[i] && expr[i] <= '~' {
			b.WriteByte(expr[i])
		} else {
			fmt.Fprintf(&b, "\\x%02X", expr[i])
			hasHexEscapedBytes = true
		}
	}
	expr = "(?i)" + b.String()

	if !hasHexEscapedBytes {
		var r *regexp.Regexp
		r, err = regexp.Compile(expr)
		if err != nil {
			err = fmt.Errorf("failed to compile rule pattern %v: %v", expr, err)
			return
		}
		p = &patternFacade{goregexp: r}
		return
	}

	var r *binaryregexp.Regexp
	r, err = binaryregexp.Compile(expr)
	if err != nil {
		err = fmt.Errorf("failed to compile rule pattern %v using binary regexp engine: %v", expr, err)
		return
	}
	p = &patternFacade{goregexpBin: r}
	return
}

// findString returns the matched span, if any.
func (p *patternFacade) findString(s string) (match string, ok bool) {
	var loc []int
	if p.goregexp != nil {
		loc = p.goregexp.FindStringIndex(s)
	} else {
		loc = p.goregexpBin.FindStringIndex(s)
	}
	if loc == nil {
		return
	}
	return s[loc[0]:loc[1]], true
}

var hexEscapeRegexp = regexp.MustCompile(`((^|[^\\])(\\\\)*)\\x([0-9a-fA-F]{2})`)

func containsHexEscapedBytes(s string) bool {
	return hexEscapeRegexp.MatchString(s)
}
