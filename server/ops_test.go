package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"edgewaf/geodb"
	"edgewaf/testutils"
	"edgewaf/waf"
)

type fakeInvalidator struct {
	invalidated []string
	all         int
}

func (f *fakeInvalidator) Invalidate(tenantID string) {
	f.invalidated = append(f.invalidated, tenantID)
}
func (f *fakeInvalidator) InvalidateAll() { f.all++ }

type fakeLimiter struct {
	resetTenant string
	resetIP     string
}

func (f *fakeLimiter) CheckRequest(logger zerolog.Logger, tenant *waf.Tenant, ip string, whitelisted bool) waf.RateLimitResult {
	return waf.RateLimitResult{Allowed: true}
}

func (f *fakeLimiter) Reset(tenantID string, ip string) error {
	f.resetTenant, f.resetIP = tenantID, ip
	return nil
}

func (f *fakeLimiter) Usage(tenantID string, ip string) (waf.RateLimitUsage, error) {
	return waf.RateLimitUsage{Windows: []waf.WindowUsage{{LimitType: "per_minute", Current: 3, Limit: 60}}}, nil
}

type fakeReputation struct {
	blocked   map[string]string
	unblocked []string
	cleaned   int
}

func (f *fakeReputation) RecordViolation(logger zerolog.Logger, tenant *waf.Tenant, ip string, violationType string) (int, bool, error) {
	return 0, false, nil
}

func (f *fakeReputation) CheckReputation(logger zerolog.Logger, tenant *waf.Tenant, ip string) (waf.ReputationStatus, error) {
	return waf.ReputationStatus{}, nil
}

func (f *fakeReputation) ManualBlock(tenant *waf.Tenant, ip string, reason string) error {
	if f.blocked == nil {
		f.blocked = make(map[string]string)
	}
	f.blocked[tenant.ID+"|"+ip] = reason
	return nil
}

func (f *fakeReputation) Unblock(tenant *waf.Tenant, ip string) error {
	f.unblocked = append(f.unblocked, tenant.ID+"|"+ip)
	return nil
}

func (f *fakeReputation) TopOffenders(tenantID string, limit int) ([]waf.ReputationRecord, error) {
	return []waf.ReputationRecord{{TenantID: tenantID, IP: "203.0.113.10", Score: 85}}, nil
}

func (f *fakeReputation) CleanupStale() (int, error) {
	f.cleaned++
	return 7, nil
}

type fakeGate struct {
	cleared []string
}

func (f *fakeGate) CountryCode(ip string) string           { return "SE" }
func (f *fakeGate) CountryInfo(ip string) *waf.CountryInfo { return nil }
func (f *fakeGate) IsCountryBlocked(tenant *waf.Tenant, rules []waf.GeoRule, ip string) (bool, string) {
	return false, "SE"
}
func (f *fakeGate) Reload() error                           { return nil }
func (f *fakeGate) Close() error                            { return nil }
func (f *fakeGate) WatchDatabase(ctx context.Context) error { return nil }
func (f *fakeGate) ClearCache(ip string)                    { f.cleared = append(f.cleared, ip) }
func (f *fakeGate) Stats() geodb.Stats {
	return geodb.Stats{Hits: 10, Misses: 2, CacheSize: 4, Loaded: true}
}

func newOpsFixture(t *testing.T) (http.Handler, *fakeInvalidator, *fakeLimiter, *fakeReputation, *fakeGate) {
	inv := &fakeInvalidator{}
	lim := &fakeLimiter{}
	rep := &fakeReputation{}
	gate := &fakeGate{}
	h := NewOpsHandler(testutils.NewTestLogger(t), OpsDeps{
		Invalidators: []waf.CacheInvalidator{inv},
		Limiter:      lim,
		Reputation:   rep,
		Geo:          gate,
	})
	return h, inv, lim, rep, gate
}

func TestOpsHealth(t *testing.T) {
	h, _, _, _, _ := newOpsFixture(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v", w.Code)
	}
}

func TestOpsInvalidateSingleTenant(t *testing.T) {
	h, inv, _, _, _ := newOpsFixture(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/caches/invalidate?tenant=tenant1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v", w.Code)
	}
	if len(inv.invalidated) != 1 || inv.invalidated[0] != "tenant1" {
		t.Fatalf("expected tenant1 invalidation, got %v", inv.invalidated)
	}
	if inv.all != 0 {
		t.Fatalf("unexpected full invalidation")
	}
}

func TestOpsInvalidateAll(t *testing.T) {
	h, inv, _, _, _ := newOpsFixture(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/caches/invalidate", nil))
	if inv.all != 1 {
		t.Fatalf("expected full invalidation")
	}
	_ = w
}

func TestOpsInvalidateRequiresPost(t *testing.T) {
	h, inv, _, _, _ := newOpsFixture(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/caches/invalidate", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %v", w.Code)
	}
	if inv.all != 0 && len(inv.invalidated) != 0 {
		t.Fatalf("GET must not invalidate")
	}
}

func TestOpsRateLimitUsage(t *testing.T) {
	h, _, _, _, _ := newOpsFixture(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/ratelimit/usage?tenant=tenant1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v", w.Code)
	}
	if !strings.Contains(w.Body.String(), "per_minute") {
		t.Fatalf("usage body missing window: %v", w.Body.String())
	}
}

func TestOpsRateLimitUsageRequiresTenant(t *testing.T) {
	h, _, _, _, _ := newOpsFixture(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/ratelimit/usage", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", w.Code)
	}
}

func TestOpsRateLimitReset(t *testing.T) {
	h, _, lim, _, _ := newOpsFixture(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/ratelimit/reset?tenant=tenant1&ip=203.0.113.10", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v", w.Code)
	}
	if lim.resetTenant != "tenant1" || lim.resetIP != "203.0.113.10" {
		t.Fatalf("reset not forwarded: %v %v", lim.resetTenant, lim.resetIP)
	}
}

func TestOpsReputationBlockAndUnblock(t *testing.T) {
	h, _, _, rep, _ := newOpsFixture(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/reputation/block?tenant=tenant1&ip=203.0.113.10&reason=abuse", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("block: expected 200, got %v", w.Code)
	}
	if rep.blocked["tenant1|203.0.113.10"] != "abuse" {
		t.Fatalf("block not recorded: %v", rep.blocked)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/reputation/unblock?tenant=tenant1&ip=203.0.113.10", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unblock: expected 200, got %v", w.Code)
	}
	if len(rep.unblocked) != 1 {
		t.Fatalf("unblock not recorded")
	}
}

func TestOpsReputationBlockRequiresParams(t *testing.T) {
	h, _, _, _, _ := newOpsFixture(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/reputation/block?tenant=tenant1", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", w.Code)
	}
}

func TestOpsReputationCleanup(t *testing.T) {
	h, _, _, rep, _ := newOpsFixture(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/reputation/cleanup", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v", w.Code)
	}
	if rep.cleaned != 1 {
		t.Fatalf("cleanup not invoked")
	}
	if !strings.Contains(w.Body.String(), "7") {
		t.Fatalf("removed count missing: %v", w.Body.String())
	}
}

func TestOpsGeoStatsAndCacheClear(t *testing.T) {
	h, _, _, _, gate := newOpsFixture(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/geo/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %v", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/geo/cache/clear?ip=203.0.113.10", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("clear: expected 200, got %v", w.Code)
	}
	if len(gate.cleared) != 1 || gate.cleared[0] != "203.0.113.10" {
		t.Fatalf("cache clear not forwarded: %v", gate.cleared)
	}
}

func TestOpsGeoNotConfigured(t *testing.T) {
	h := NewOpsHandler(testutils.NewTestLogger(t), OpsDeps{
		Limiter:    &fakeLimiter{},
		Reputation: &fakeReputation{},
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/geo/stats", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when geo disabled, got %v", w.Code)
	}
}
