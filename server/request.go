package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"

	"edgewaf/waf"
)

type headerPair struct {
	k string
	v string
}

func (h headerPair) Key() string   { return h.k }
func (h headerPair) Value() string { return h.v }

// httpRequest adapts a net/http request to the evaluation interface. The
// body prefix is read eagerly so detection can inspect it; the full body
// stays readable through BodyReader for proxying.
type httpRequest struct {
	method     string
	path       string
	query      string
	headers    []waf.HeaderPair
	bodyPeek   []byte
	bodyReader io.Reader
	remoteAddr string
	host       string
	scheme     string
	txID       string
	ctx        context.Context
}

func newWAFRequest(r *http.Request, bodyPeekSize int) (req *httpRequest, err error) {
	headers := make([]waf.HeaderPair, 0, len(r.Header)+1)
	headers = append(headers, headerPair{k: "Host", v: r.Host})
	for k, vv := range r.Header {
		for _, v := range vv {
			headers = append(headers, headerPair{k: k, v: v})
		}
	}

	var peek []byte
	var body io.Reader = r.Body
	if r.Body != nil && r.Body != http.NoBody && bodyPeekSize > 0 {
		peek, err = readPrefix(r.Body, bodyPeekSize)
		if err != nil {
			return
		}
		body = io.MultiReader(bytes.NewReader(peek), r.Body)
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	req = &httpRequest{
		method:     r.Method,
		path:       r.URL.Path,
		query:      r.URL.RawQuery,
		headers:    headers,
		bodyPeek:   peek,
		bodyReader: body,
		remoteAddr: peerIP(r.RemoteAddr),
		host:       r.Host,
		scheme:     scheme,
		txID:       uuid.New().String(),
		ctx:        r.Context(),
	}
	return
}

func (r *httpRequest) Method() string            { return r.method }
func (r *httpRequest) Path() string              { return r.path }
func (r *httpRequest) QueryString() string       { return r.query }
func (r *httpRequest) Headers() []waf.HeaderPair { return r.headers }
func (r *httpRequest) BodyPeek() []byte          { return r.bodyPeek }
func (r *httpRequest) BodyReader() io.Reader     { return r.bodyReader }
func (r *httpRequest) RemoteAddr() string        { return r.remoteAddr }
func (r *httpRequest) Host() string              { return r.host }
func (r *httpRequest) Scheme() string            { return r.scheme }
func (r *httpRequest) TransactionID() string     { return r.txID }
func (r *httpRequest) Context() context.Context  { return r.ctx }

func readPrefix(r io.Reader, n int) (buf []byte, err error) {
	buf = make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	buf = buf[:read]
	return
}

// peerIP strips the port net/http appends to RemoteAddr.
func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
