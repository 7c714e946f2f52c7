package waf

import (
	"context"
	"io"
)

// HeaderPair represents a header line in an HTTP request.
type HeaderPair interface {
	Key() string
	Value() string
}

// HTTPRequest represents an inbound HTTP request to be evaluated by the WAF.
type HTTPRequest interface {
	Method() string
	// Path is the decoded request path, without the query string.
	Path() string
	// QueryString is the raw query string, without the leading "?".
	QueryString() string
	Headers() []HeaderPair
	// BodyPeek returns the inspected prefix of the request body, up to the
	// configured inspection limit. The full body remains readable through
	// BodyReader.
	BodyPeek() []byte
	BodyReader() io.Reader
	// RemoteAddr is the peer IP without port.
	RemoteAddr() string
	Host() string
	Scheme() string
	TransactionID() string
	Context() context.Context
}

// HeaderValue returns the first value of the named header (case-insensitive)
// or the empty string.
func HeaderValue(req HTTPRequest, name string) string {
	for _, h := range req.Headers() {
		if equalsCaseInsensitive(h.Key(), name) {
			return h.Value()
		}
	}
	return ""
}

func equalsCaseInsensitive(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// FullURL reconstructs the client-visible URL for logging.
func FullURL(req HTTPRequest) string {
	u := req.Scheme() + "://" + req.Host() + req.Path()
	if qs := req.QueryString(); qs != "" {
		u += "?" + qs
	}
	return u
}
