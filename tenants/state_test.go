package tenants

import (
	"errors"
	"testing"
	"time"

	"edgewaf/testutils"
	"edgewaf/waf"
)

type fakeStores struct {
	tenants     []waf.Tenant
	tenantsErr  error
	tenantCalls int

	catalog  []waf.FirewallRule
	bindings map[string][]waf.TenantRuleBinding

	geoRules map[string][]waf.GeoRule

	rateCfgs map[string]*waf.RateLimitConfig

	ipEntries map[string][]waf.IPListEntry
}

func (f *fakeStores) Tenants() ([]waf.Tenant, error) {
	f.tenantCalls++
	if f.tenantsErr != nil {
		return nil, f.tenantsErr
	}
	return f.tenants, nil
}

func (f *fakeStores) RuleCatalog() ([]waf.FirewallRule, error) { return f.catalog, nil }

func (f *fakeStores) BindingsForTenant(tenantID string) ([]waf.TenantRuleBinding, error) {
	return f.bindings[tenantID], nil
}

func (f *fakeStores) GeoRulesForTenant(tenantID string) ([]waf.GeoRule, error) {
	return f.geoRules[tenantID], nil
}

func (f *fakeStores) RateLimitConfigForTenant(tenantID string) (*waf.RateLimitConfig, error) {
	return f.rateCfgs[tenantID], nil
}

func (f *fakeStores) EntriesForTenant(tenantID string) ([]waf.IPListEntry, error) {
	return f.ipEntries[tenantID], nil
}

func (f *fakeStores) PutEntry(entry waf.IPListEntry) error { return nil }

func (f *fakeStores) RemoveEntry(tenantID string, cidr string, autoOnly bool) error { return nil }

func newTestState(t *testing.T, f *fakeStores, ttl time.Duration) (waf.TenantState, *stateImpl) {
	s := NewState(testutils.NewTestLogger(t), Stores{
		Tenants:    f,
		Rules:      f,
		IPLists:    f,
		GeoRules:   f,
		RateLimits: f,
	}, ttl)
	return s, s.(*stateImpl)
}

func TestTenantByHostResolvesEdgeAndAliasHosts(t *testing.T) {
	f := &fakeStores{
		tenants: []waf.Tenant{
			{ID: "tenant1", EdgeHost: "shop.waf.example", AliasHosts: []string{"www.shop.waf.example"}},
			{ID: "tenant2", EdgeHost: "blog.waf.example"},
		},
	}
	s, _ := newTestState(t, f, time.Minute)

	if got := s.TenantByHost("shop.waf.example"); got == nil || got.ID != "tenant1" {
		t.Fatalf("edge host lookup failed: %v", got)
	}
	if got := s.TenantByHost("WWW.Shop.WAF.Example"); got == nil || got.ID != "tenant1" {
		t.Fatalf("case-insensitive alias lookup failed: %v", got)
	}
	if got := s.TenantByHost("blog.waf.example"); got == nil || got.ID != "tenant2" {
		t.Fatalf("second tenant lookup failed: %v", got)
	}
	if got := s.TenantByHost("unknown.example"); got != nil {
		t.Fatalf("unknown host must resolve to nil, got %v", got.ID)
	}
}

func TestTenantByHostCachesWithinTTL(t *testing.T) {
	f := &fakeStores{tenants: []waf.Tenant{{ID: "tenant1", EdgeHost: "shop.waf.example"}}}
	s, impl := newTestState(t, f, time.Minute)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	impl.clock = func() time.Time { return now }

	s.TenantByHost("shop.waf.example")
	s.TenantByHost("shop.waf.example")
	if f.tenantCalls != 1 {
		t.Fatalf("expected 1 store read within TTL, got %v", f.tenantCalls)
	}

	now = now.Add(2 * time.Minute)
	s.TenantByHost("shop.waf.example")
	if f.tenantCalls != 2 {
		t.Fatalf("expected refresh after TTL, got %v calls", f.tenantCalls)
	}
}

func TestTenantIndexFailsOpenOnStoreError(t *testing.T) {
	f := &fakeStores{tenants: []waf.Tenant{{ID: "tenant1", EdgeHost: "shop.waf.example"}}}
	s, impl := newTestState(t, f, time.Minute)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	impl.clock = func() time.Time { return now }

	if s.TenantByHost("shop.waf.example") == nil {
		t.Fatalf("initial load failed")
	}

	f.tenantsErr = errors.New("db down")
	now = now.Add(2 * time.Minute)
	if s.TenantByHost("shop.waf.example") == nil {
		t.Fatalf("stale index must keep serving after store error")
	}
}

func TestHostConflictPrefersExactEdgeHostThenOldestTenant(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &fakeStores{
		tenants: []waf.Tenant{
			{ID: "newer", EdgeHost: "other.example", AliasHosts: []string{"shared.example"}, CreatedAt: created.Add(time.Hour)},
			{ID: "older", EdgeHost: "shared.example", CreatedAt: created},
			{ID: "alias-old", EdgeHost: "third.example", AliasHosts: []string{"alias.example"}, CreatedAt: created},
			{ID: "alias-new", EdgeHost: "fourth.example", AliasHosts: []string{"alias.example"}, CreatedAt: created.Add(time.Hour)},
		},
	}
	s, _ := newTestState(t, f, time.Minute)

	// The exact edge host beats another tenant's alias.
	if got := s.TenantByHost("shared.example"); got == nil || got.ID != "older" {
		t.Fatalf("expected exact edge host to win, got %v", got)
	}
	// Two competing aliases go to the oldest tenant.
	if got := s.TenantByHost("alias.example"); got == nil || got.ID != "alias-old" {
		t.Fatalf("expected oldest tenant to win alias conflict, got %v", got)
	}
}

func TestRulesResolveBindingsAndSortBySeverity(t *testing.T) {
	f := &fakeStores{
		catalog: []waf.FirewallRule{
			{ID: "r-low", Name: "noise", Type: waf.RuleTypeCustom, Pattern: "noise", Action: waf.ActionLog, Severity: waf.SeverityLow, Active: true},
			{ID: "r-crit", Name: "sqli", Type: waf.RuleTypeSQLInjection, Pattern: "union\\s+select", Action: waf.ActionBlock, Severity: waf.SeverityCritical, Active: true},
			{ID: "r-geo", Name: "geo", Type: waf.RuleTypeGeoBlocking, Pattern: "x", Action: waf.ActionBlock, Severity: waf.SeverityHigh, Active: true},
			{ID: "r-inactive", Name: "old", Type: waf.RuleTypeXSS, Pattern: "x", Action: waf.ActionBlock, Severity: waf.SeverityHigh, Active: false},
			{ID: "r-unbound", Name: "unbound", Type: waf.RuleTypeXSS, Pattern: "x", Action: waf.ActionBlock, Severity: waf.SeverityHigh, Active: true},
			{ID: "r-override", Name: "xss", Type: waf.RuleTypeXSS, Pattern: "<script", Action: waf.ActionBlock, Severity: waf.SeverityHigh, Active: true},
		},
		bindings: map[string][]waf.TenantRuleBinding{
			"tenant1": {
				{RuleID: "r-low", Enabled: true},
				{RuleID: "r-crit", Enabled: true},
				{RuleID: "r-geo", Enabled: true},
				{RuleID: "r-inactive", Enabled: true},
				{RuleID: "r-override", Enabled: true, ActionOverride: waf.ActionLog},
				{RuleID: "r-disabled", Enabled: false},
			},
		},
	}
	s, _ := newTestState(t, f, time.Minute)

	rules := s.Rules("tenant1")
	if len(rules) != 3 {
		t.Fatalf("expected 3 resolved rules, got %v", len(rules))
	}
	if rules[0].Rule.ID != "r-crit" {
		t.Fatalf("critical rule must sort first, got %v", rules[0].Rule.ID)
	}
	for _, r := range rules {
		if r.Rule.ID == "r-geo" || r.Rule.ID == "r-inactive" || r.Rule.ID == "r-unbound" {
			t.Fatalf("rule %v must not be resolved", r.Rule.ID)
		}
		if r.Rule.ID == "r-override" && r.EffectiveAction != waf.ActionLog {
			t.Fatalf("action override not applied: %v", r.EffectiveAction)
		}
	}
}

func TestRateLimitsFallBackToDefaults(t *testing.T) {
	f := &fakeStores{
		rateCfgs: map[string]*waf.RateLimitConfig{
			"configured": {RequestsPerMinute: 5, RequestsPerHour: 50, RequestsPerDay: 500, PerIPRequestsPerMinute: 2, PerIPRequestsPerHour: 20},
		},
	}
	s, _ := newTestState(t, f, time.Minute)

	if got := s.RateLimits("configured").RequestsPerMinute; got != 5 {
		t.Fatalf("configured limit not served, got %v", got)
	}
	if got := s.RateLimits("unconfigured"); got != waf.DefaultRateLimitConfig() {
		t.Fatalf("expected defaults for unconfigured tenant, got %+v", got)
	}
}

func TestGeoRulesFilterInactive(t *testing.T) {
	f := &fakeStores{
		geoRules: map[string][]waf.GeoRule{
			"tenant1": {
				{TenantID: "tenant1", CountryCode: "RU", Action: waf.ActionBlock, Active: true},
				{TenantID: "tenant1", CountryCode: "CN", Action: waf.ActionBlock, Active: false},
			},
		},
	}
	s, _ := newTestState(t, f, time.Minute)

	rules := s.GeoRules("tenant1")
	if len(rules) != 1 || rules[0].CountryCode != "RU" {
		t.Fatalf("expected only the active geo rule, got %+v", rules)
	}
}

func TestInvalidateDropsTenantEntryAndHostIndex(t *testing.T) {
	f := &fakeStores{tenants: []waf.Tenant{{ID: "tenant1", EdgeHost: "shop.waf.example"}}}
	s, impl := newTestState(t, f, time.Hour)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	impl.clock = func() time.Time { return now }

	s.TenantByHost("shop.waf.example")
	s.Rules("tenant1")

	f.tenants = []waf.Tenant{{ID: "tenant1", EdgeHost: "store.waf.example"}}
	s.Invalidate("tenant1")

	if s.TenantByHost("store.waf.example") == nil {
		t.Fatalf("host index not refreshed after invalidation")
	}
	if s.TenantByHost("shop.waf.example") != nil {
		t.Fatalf("stale host mapping survived invalidation")
	}
}

func TestInvalidateAllDropsEverything(t *testing.T) {
	f := &fakeStores{tenants: []waf.Tenant{{ID: "tenant1", EdgeHost: "shop.waf.example"}}}
	s, impl := newTestState(t, f, time.Hour)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	impl.clock = func() time.Time { return now }

	s.TenantByHost("shop.waf.example")
	calls := f.tenantCalls
	s.InvalidateAll()
	s.TenantByHost("shop.waf.example")
	if f.tenantCalls != calls+1 {
		t.Fatalf("expected store re-read after InvalidateAll")
	}
}
