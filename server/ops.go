package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"edgewaf/geodb"
	"edgewaf/waf"
)

// OpsDeps are the control surfaces exposed on the operations listener.
// Geo is nil when no geo database is configured.
type OpsDeps struct {
	Invalidators []waf.CacheInvalidator
	Limiter      waf.RateLimiter
	Reputation   waf.ReputationManager
	Geo          geodb.Gate
}

// NewOpsHandler serves the private operations endpoints: health, cache
// invalidation, rate limit inspection and reputation management. It must
// only be bound to a trusted listener.
func NewOpsHandler(logger zerolog.Logger, deps OpsDeps) http.Handler {
	o := &opsHandler{logger: logger, deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", o.health)
	mux.HandleFunc("/caches/invalidate", o.invalidate)
	mux.HandleFunc("/ratelimit/usage", o.rateLimitUsage)
	mux.HandleFunc("/ratelimit/reset", o.rateLimitReset)
	mux.HandleFunc("/reputation/top", o.reputationTop)
	mux.HandleFunc("/reputation/block", o.reputationBlock)
	mux.HandleFunc("/reputation/unblock", o.reputationUnblock)
	mux.HandleFunc("/reputation/cleanup", o.reputationCleanup)
	mux.HandleFunc("/geo/stats", o.geoStats)
	mux.HandleFunc("/geo/cache/clear", o.geoCacheClear)
	return mux
}

type opsHandler struct {
	logger zerolog.Logger
	deps   OpsDeps
}

func (o *opsHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// invalidate drops cached tenant configuration. Called by the management
// plane after a tenant, rule or model change. An empty tenant parameter
// invalidates everything.
func (o *opsHandler) invalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	tenantID := r.URL.Query().Get("tenant")
	for _, inv := range o.deps.Invalidators {
		if tenantID == "" {
			inv.InvalidateAll()
		} else {
			inv.Invalidate(tenantID)
		}
	}
	o.logger.Info().Str("tenantID", tenantID).Msg("caches invalidated")
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (o *opsHandler) rateLimitUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeJSONError(w, http.StatusBadRequest, "tenant parameter required")
		return
	}
	usage, err := o.deps.Limiter.Usage(tenantID, r.URL.Query().Get("ip"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (o *opsHandler) rateLimitReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeJSONError(w, http.StatusBadRequest, "tenant parameter required")
		return
	}
	if err := o.deps.Limiter.Reset(tenantID, r.URL.Query().Get("ip")); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (o *opsHandler) reputationTop(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeJSONError(w, http.StatusBadRequest, "tenant parameter required")
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	records, err := o.deps.Reputation.TopOffenders(tenantID, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (o *opsHandler) reputationBlock(w http.ResponseWriter, r *http.Request) {
	tenant, ip, ok := o.tenantAndIP(w, r)
	if !ok {
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "Manually blocked by operator"
	}
	if err := o.deps.Reputation.ManualBlock(tenant, ip, reason); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (o *opsHandler) reputationUnblock(w http.ResponseWriter, r *http.Request) {
	tenant, ip, ok := o.tenantAndIP(w, r)
	if !ok {
		return
	}
	if err := o.deps.Reputation.Unblock(tenant, ip); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

func (o *opsHandler) reputationCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	removed, err := o.deps.Reputation.CleanupStale()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (o *opsHandler) geoStats(w http.ResponseWriter, r *http.Request) {
	if o.deps.Geo == nil {
		writeJSONError(w, http.StatusNotFound, "geo blocking not configured")
		return
	}
	writeJSON(w, http.StatusOK, o.deps.Geo.Stats())
}

func (o *opsHandler) geoCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if o.deps.Geo == nil {
		writeJSONError(w, http.StatusNotFound, "geo blocking not configured")
		return
	}
	o.deps.Geo.ClearCache(r.URL.Query().Get("ip"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// tenantAndIP validates the shared parameters of the reputation mutation
// endpoints. The reputation manager only needs the tenant ID.
func (o *opsHandler) tenantAndIP(w http.ResponseWriter, r *http.Request) (tenant *waf.Tenant, ip string, ok bool) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	tenantID := r.URL.Query().Get("tenant")
	ip = r.URL.Query().Get("ip")
	if tenantID == "" || ip == "" {
		writeJSONError(w, http.StatusBadRequest, "tenant and ip parameters required")
		return
	}
	tenant = &waf.Tenant{ID: tenantID}
	ok = true
	return
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
