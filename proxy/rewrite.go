package proxy

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// rewriter substitutes the tenant's edge scheme+host for every form of the
// origin host that could leak into a response: absolute http/https URLs,
// protocol-relative URLs, and the www/non-www twin of the origin host.
type rewriter struct {
	replacer   *strings.Replacer
	originHost string
	edgeHost   string
}

func newRewriter(originURL, edgeScheme, edgeHost string) (r *rewriter, err error) {
	u, err := url.Parse(originURL)
	if err != nil {
		err = fmt.Errorf("parsing origin URL %v: %v", originURL, err)
		return
	}
	if u.Host == "" {
		err = fmt.Errorf("origin URL %v has no host", originURL)
		return
	}

	hosts := []string{u.Host}
	if strings.HasPrefix(u.Host, "www.") {
		hosts = append(hosts, strings.TrimPrefix(u.Host, "www."))
	} else {
		hosts = append(hosts, "www."+u.Host)
	}

	edge := edgeScheme + "://" + edgeHost
	var pairs []string
	for _, h := range hosts {
		pairs = append(pairs,
			"https://"+h, edge,
			"http://"+h, edge,
			"//"+h, "//"+edgeHost,
		)
	}

	r = &rewriter{
		replacer:   strings.NewReplacer(pairs...),
		originHost: u.Host,
		edgeHost:   edgeHost,
	}
	return
}

// rewriteBody rewrites origin references in a textual body. Bodies that are
// not valid UTF-8 are returned untouched rather than risking corruption.
func (r *rewriter) rewriteBody(body []byte) []byte {
	if !utf8.Valid(body) {
		return body
	}
	return []byte(r.replacer.Replace(string(body)))
}

// rewriteHeaderValue rewrites origin references in a header value, used for
// Location and Content-Security-Policy.
func (r *rewriter) rewriteHeaderValue(value string) string {
	return r.replacer.Replace(value)
}

// rewriteLocation rewrites an absolute redirect target. Relative locations
// pass through unchanged.
func (r *rewriter) rewriteLocation(value string) string {
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") || strings.HasPrefix(value, "//") {
		return r.rewriteHeaderValue(value)
	}
	return value
}

// rewritableContentType says whether a buffered response body should be
// rewritten at all.
func rewritableContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"),
		strings.Contains(ct, "text/css"),
		strings.Contains(ct, "javascript"),
		strings.Contains(ct, "application/xhtml"):
		return true
	}
	return false
}
