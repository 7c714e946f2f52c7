package secrules

import (
	"bytes"
	"html"
	"strings"
)

// Variants produces the normalized forms of a candidate data item that
// every rule pattern is tested against: the raw value, one and two rounds
// of percent-decoding, HTML entity decoding, and unicode escape decoding.
// Matching any variant counts as a match, which defeats double-encoding and
// entity-based obfuscation. Duplicate forms are collapsed.
func Variants(s string) (variants []string) {
	variants = append(variants, s)

	appendUnique := func(v string) {
		for _, seen := range variants {
			if seen == v {
				return
			}
		}
		variants = append(variants, v)
	}

	once := weakURLUnescape(s)
	appendUnique(once)
	appendUnique(weakURLUnescape(once))

	if strings.ContainsRune(s, '&') {
		appendUnique(html.UnescapeString(s))
	}
	if strings.ContainsRune(s, '\\') {
		appendUnique(unescapeUnicode(s))
	}
	return
}

// weakURLUnescape percent-decodes what it can and leaves invalid escape
// sequences untouched, so hostile half-encoded input still yields a usable
// variant.
func weakURLUnescape(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}

	var buf bytes.Buffer
	buf.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '+':
			buf.WriteByte(' ')
		case '%':
			if i+2 < len(s) && isHexChar(s[i+1]) && isHexChar(s[i+2]) {
				buf.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
				i += 2
			} else {
				buf.WriteByte(c)
			}
		default:
			buf.WriteByte(c)
		}
	}
	return buf.String()
}

// unescapeUnicode decodes \uXXXX and \xXX escape sequences. Anything that
// is not a complete escape stays as-is.
func unescapeUnicode(s string) string {
	var buf bytes.Buffer
	buf.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			buf.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case 'u', 'U':
			if i+5 < len(s) && allHex(s[i+2:i+6]) {
				r := rune(unhex(s[i+2]))<<12 | rune(unhex(s[i+3]))<<8 | rune(unhex(s[i+4]))<<4 | rune(unhex(s[i+5]))
				buf.WriteRune(r)
				i += 5
				continue
			}
		case 'x', 'X':
			if i+3 < len(s) && allHex(s[i+2:i+4]) {
				buf.WriteByte(unhex(s[i+2])<<4 | unhex(s[i+3]))
				i += 3
				continue
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}

func allHex(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isHexChar(s[i]) {
			return false
		}
	}
	return true
}

func isHexChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
