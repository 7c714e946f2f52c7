package server

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"edgewaf/waf"
)

// Handler is the edge HTTP entry point. Every inbound request is adapted,
// evaluated by the WAF pipeline and then proxied or answered locally.
type Handler struct {
	logger       zerolog.Logger
	waf          waf.Server
	proxy        waf.ReverseProxy
	bodyPeekSize int
}

func NewHandler(logger zerolog.Logger, wafServer waf.Server, proxy waf.ReverseProxy, bodyPeekSize int) *Handler {
	return &Handler{
		logger:       logger,
		waf:          wafServer,
		proxy:        proxy,
		bodyPeekSize: bodyPeekSize,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := newWAFRequest(r, h.bodyPeekSize)
	if err != nil {
		h.logger.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("failed to read request body")
		writePlainError(w, http.StatusBadRequest, "Malformed request body")
		return
	}

	w.Header().Set("X-Request-Id", req.TransactionID())

	decision := h.waf.EvalRequest(req)
	switch decision.Decision {
	case waf.Allow:
		h.proxy.ServeProxiedRequest(w, req, decision.Tenant)
	case waf.Block:
		writeBlockPage(w, decision, req.TransactionID())
	default:
		// No tenant claims this host.
		writePlainError(w, http.StatusNotFound, "Unknown host")
	}
}

func writeBlockPage(w http.ResponseWriter, decision waf.RequestDecision, txID string) {
	status := decision.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	w.WriteHeader(status)
	fmt.Fprintf(w, "<html><head><title>%d %s</title></head><body><h1>Request blocked</h1><p>%s</p><p>Reference: %s</p></body></html>",
		status, http.StatusText(status), decision.Reason, txID)
}

func writePlainError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<html><head><title>%d %s</title></head><body><h1>%s</h1></body></html>",
		status, http.StatusText(status), msg)
}
