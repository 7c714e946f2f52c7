package testutils

import (
	"bytes"
	"context"
	"io"

	"edgewaf/waf"
)

// MockHeaderPair is a header line for MockHTTPRequest.
type MockHeaderPair struct {
	K string
	V string
}

// Key returns the header name.
func (h MockHeaderPair) Key() string { return h.K }

// Value returns the header value.
func (h MockHeaderPair) Value() string { return h.V }

// MockHTTPRequest implements waf.HTTPRequest for tests. Zero-value fields
// get benign defaults so tests only set what they care about.
type MockHTTPRequest struct {
	MethodVal     string
	PathVal       string
	QueryVal      string
	HeadersVal    []waf.HeaderPair
	Body          string
	RemoteAddrVal string
	HostVal       string
	SchemeVal     string
	TxID          string
	Ctx           context.Context
}

func (r *MockHTTPRequest) Method() string {
	if r.MethodVal == "" {
		return "GET"
	}
	return r.MethodVal
}

func (r *MockHTTPRequest) Path() string {
	if r.PathVal == "" {
		return "/"
	}
	return r.PathVal
}

func (r *MockHTTPRequest) QueryString() string { return r.QueryVal }

func (r *MockHTTPRequest) Headers() []waf.HeaderPair { return r.HeadersVal }

func (r *MockHTTPRequest) BodyPeek() []byte { return []byte(r.Body) }

func (r *MockHTTPRequest) BodyReader() io.Reader { return bytes.NewReader([]byte(r.Body)) }

func (r *MockHTTPRequest) RemoteAddr() string {
	if r.RemoteAddrVal == "" {
		return "203.0.113.10"
	}
	return r.RemoteAddrVal
}

func (r *MockHTTPRequest) Host() string {
	if r.HostVal == "" {
		return "app.example.com"
	}
	return r.HostVal
}

func (r *MockHTTPRequest) Scheme() string {
	if r.SchemeVal == "" {
		return "http"
	}
	return r.SchemeVal
}

func (r *MockHTTPRequest) TransactionID() string {
	if r.TxID == "" {
		return "test-tx"
	}
	return r.TxID
}

func (r *MockHTTPRequest) Context() context.Context {
	if r.Ctx == nil {
		return context.Background()
	}
	return r.Ctx
}

// SetHeader appends a header line.
func (r *MockHTTPRequest) SetHeader(key, value string) {
	r.HeadersVal = append(r.HeadersVal, MockHeaderPair{K: key, V: value})
}
