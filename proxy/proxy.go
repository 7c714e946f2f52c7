// Package proxy forwards allowed requests to the tenant origin and returns
// the response with the tenant's edge domain substituted for the origin's
// domain wherever it would otherwise leak to the client.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"edgewaf/waf"
)

const (
	originTimeout = 30 * time.Second

	// Responses larger than this are streamed through without rewriting.
	maxBufferedBodySize = 1 << 20

	streamChunkSize = 8 * 1024
)

// hopByHopHeaders are stripped in both directions, plus Host and
// Content-Length which the outbound transport recomputes.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
}

type proxyImpl struct {
	logger zerolog.Logger
	client *http.Client
}

// NewProxy creates a reverse proxy with a bounded outbound timeout.
func NewProxy(logger zerolog.Logger) waf.ReverseProxy {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	return &proxyImpl{
		logger: logger,
		client: &http.Client{
			Timeout:   originTimeout,
			Transport: transport,
			// Redirects belong to the client, not the proxy.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *proxyImpl) ServeProxiedRequest(w http.ResponseWriter, req waf.HTTPRequest, tenant *waf.Tenant) {
	logger := p.logger.With().Str("txid", req.TransactionID()).Str("tenantID", tenant.ID).Logger()

	rw, err := newRewriter(tenant.OriginURL, req.Scheme(), tenant.EdgeHost)
	if err != nil {
		logger.Error().Err(err).Msg("invalid origin URL")
		writeErrorPage(w, http.StatusInternalServerError, "Proxy error")
		return
	}

	outReq, err := p.buildOriginRequest(req, tenant)
	if err != nil {
		logger.Error().Err(err).Msg("building origin request failed")
		writeErrorPage(w, http.StatusInternalServerError, "Proxy error")
		return
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.writeOriginError(logger, w, req, err)
		return
	}
	defer resp.Body.Close()

	if shouldStream(resp) {
		p.streamResponse(logger, w, resp)
		return
	}
	p.bufferAndRewrite(logger, w, resp, rw)
}

func (p *proxyImpl) buildOriginRequest(req waf.HTTPRequest, tenant *waf.Tenant) (outReq *http.Request, err error) {
	target := strings.TrimRight(tenant.OriginURL, "/") + req.Path()
	if qs := req.QueryString(); qs != "" {
		target += "?" + qs
	}

	// The inbound request context aborts the outbound call when the client
	// disconnects mid-flight.
	outReq, err = http.NewRequestWithContext(req.Context(), req.Method(), target, req.BodyReader())
	if err != nil {
		return
	}

	for _, h := range req.Headers() {
		key := textproto.CanonicalMIMEHeaderKey(h.Key())
		if hopByHopHeaders[key] {
			continue
		}
		// Let the transport negotiate encoding so rewritable bodies arrive
		// decompressed.
		if key == "Accept-Encoding" {
			continue
		}
		outReq.Header.Add(key, h.Value())
	}

	outReq.Header.Set("X-Forwarded-For", forwardedFor(req))
	outReq.Header.Set("X-Forwarded-Proto", req.Scheme())
	outReq.Header.Set("X-Forwarded-Host", req.Host())
	outReq.Header.Set("X-WAF-Protected", "true")
	return
}

// forwardedFor keeps the first hop of an existing forwarded chain, falling
// back to the direct peer.
func forwardedFor(req waf.HTTPRequest) string {
	if chain := waf.HeaderValue(req, "X-Forwarded-For"); chain != "" {
		if first := strings.TrimSpace(strings.Split(chain, ",")[0]); first != "" {
			return first
		}
	}
	return req.RemoteAddr()
}

func (p *proxyImpl) writeOriginError(logger zerolog.Logger, w http.ResponseWriter, req waf.HTTPRequest, err error) {
	if req.Context().Err() != nil {
		// Client is gone; there is nobody left to answer.
		logger.Debug().Err(err).Msg("client disconnected during origin call")
		return
	}

	switch classifyOriginError(err) {
	case http.StatusGatewayTimeout:
		logger.Warn().Err(err).Msg("origin request timed out")
		writeErrorPage(w, http.StatusGatewayTimeout, "Origin server timeout")
	case http.StatusBadGateway:
		logger.Warn().Err(err).Msg("origin connection failed")
		writeErrorPage(w, http.StatusBadGateway, "Origin server unreachable")
	default:
		logger.Error().Err(err).Msg("origin request failed")
		writeErrorPage(w, http.StatusInternalServerError, "Proxy error")
	}
}

func classifyOriginError(err error) int {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// shouldStream says whether the response must be passed through chunk by
// chunk with no rewriting.
func shouldStream(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/octet-stream") {
		return true
	}
	return resp.ContentLength > maxBufferedBodySize
}

func (p *proxyImpl) streamResponse(logger zerolog.Logger, w http.ResponseWriter, resp *http.Response) {
	copyResponseHeaders(w.Header(), resp.Header, nil)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug().Err(werr).Msg("client write failed during streaming")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return
		}
		if rerr != nil {
			logger.Warn().Err(rerr).Msg("origin read failed during streaming")
			return
		}
	}
}

func (p *proxyImpl) bufferAndRewrite(logger zerolog.Logger, w http.ResponseWriter, resp *http.Response, rw *rewriter) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("reading origin response failed")
		writeErrorPage(w, http.StatusBadGateway, "Origin server unreachable")
		return
	}

	if rewritableContentType(resp.Header.Get("Content-Type")) {
		body = rw.rewriteBody(body)
	}

	copyResponseHeaders(w.Header(), resp.Header, rw)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		logger.Debug().Err(err).Msg("client write failed")
	}
}

// copyResponseHeaders copies origin headers minus hop-by-hop and
// encoding/length headers, rewriting Location and CSP when rw is given.
func copyResponseHeaders(dst http.Header, src http.Header, rw *rewriter) {
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if hopByHopHeaders[canonical] || canonical == "Content-Encoding" {
			continue
		}
		for _, v := range values {
			if rw != nil {
				switch canonical {
				case "Location":
					v = rw.rewriteLocation(v)
				case "Content-Security-Policy", "Content-Security-Policy-Report-Only":
					v = rw.rewriteHeaderValue(v)
				}
			}
			dst.Add(canonical, v)
		}
	}
}

func writeErrorPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<html><head><title>%d %s</title></head><body><h1>%d %s</h1></body></html>", status, message, status, message)
}
