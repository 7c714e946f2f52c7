package geodb

import (
	"net"
	"testing"
	"time"

	"edgewaf/testutils"
	"edgewaf/waf"
)

type fakeLookup struct {
	countries map[string]waf.CountryInfo
	calls     int
}

func (f *fakeLookup) lookup(ip net.IP) (info waf.CountryInfo, found bool, err error) {
	f.calls++
	info, found = f.countries[ip.String()]
	return
}

func newTestGate(t *testing.T, lookup *fakeLookup) *gateImpl {
	g := &gateImpl{
		logger: testutils.NewTestLogger(t),
		db:     &mmdbReader{},
		lookup: lookup.lookup,
		cache:  make(map[string]cacheEntry),
		clock:  time.Now,
	}
	return g
}

func TestCountryCodeCachesLookups(t *testing.T) {
	lk := &fakeLookup{countries: map[string]waf.CountryInfo{
		"203.0.113.5": {CountryCode: "DE", CountryName: "Germany"},
	}}
	g := newTestGate(t, lk)

	if code := g.CountryCode("203.0.113.5"); code != "DE" {
		t.Fatalf("expected DE, got %v", code)
	}
	if code := g.CountryCode("203.0.113.5"); code != "DE" {
		t.Fatalf("expected DE, got %v", code)
	}
	if lk.calls != 1 {
		t.Fatalf("expected single database read, got %v", lk.calls)
	}

	stats := g.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.CacheSize != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestUnknownIPIsNegativelyCached(t *testing.T) {
	lk := &fakeLookup{countries: map[string]waf.CountryInfo{}}
	g := newTestGate(t, lk)

	if code := g.CountryCode("198.51.100.1"); code != unknownCountry {
		t.Fatalf("expected %v, got %v", unknownCountry, code)
	}
	g.CountryCode("198.51.100.1")
	if lk.calls != 1 {
		t.Fatalf("negative result must be cached, got %v calls", lk.calls)
	}
	if info := g.CountryInfo("198.51.100.1"); info != nil {
		t.Fatalf("expected nil info for unknown IP")
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	lk := &fakeLookup{countries: map[string]waf.CountryInfo{
		"203.0.113.5": {CountryCode: "DE"},
	}}
	g := newTestGate(t, lk)
	now := time.Unix(1700000000, 0)
	g.clock = func() time.Time { return now }

	g.CountryCode("203.0.113.5")
	now = now.Add(cacheTTL + time.Second)
	g.CountryCode("203.0.113.5")
	if lk.calls != 2 {
		t.Fatalf("expected re-read after TTL, got %v calls", lk.calls)
	}
}

func TestClearCache(t *testing.T) {
	lk := &fakeLookup{countries: map[string]waf.CountryInfo{
		"203.0.113.5": {CountryCode: "DE"},
		"203.0.113.6": {CountryCode: "FR"},
	}}
	g := newTestGate(t, lk)

	g.CountryCode("203.0.113.5")
	g.CountryCode("203.0.113.6")

	g.ClearCache("203.0.113.5")
	if g.Stats().CacheSize != 1 {
		t.Fatalf("expected one remaining entry")
	}

	g.ClearCache("")
	if g.Stats().CacheSize != 0 {
		t.Fatalf("expected empty cache")
	}
}

func TestIsCountryBlocked(t *testing.T) {
	lk := &fakeLookup{countries: map[string]waf.CountryInfo{
		"203.0.113.5": {CountryCode: "DE"},
		"203.0.113.6": {CountryCode: "FR"},
	}}
	g := newTestGate(t, lk)
	tenant := &waf.Tenant{ID: "t1"}
	rules := []waf.GeoRule{
		{TenantID: "t1", CountryCode: "DE", Action: waf.ActionBlock, Active: true},
		{TenantID: "t1", CountryCode: "FR", Action: waf.ActionBlock, Active: false},
	}

	blocked, code := g.IsCountryBlocked(tenant, rules, "203.0.113.5")
	if !blocked || code != "DE" {
		t.Fatalf("expected DE blocked, got %v %v", blocked, code)
	}

	// Inactive rules do not block.
	blocked, code = g.IsCountryBlocked(tenant, rules, "203.0.113.6")
	if blocked || code != "FR" {
		t.Fatalf("expected FR allowed, got %v %v", blocked, code)
	}
}

func TestAllowRuleWinsOverBlockRule(t *testing.T) {
	lk := &fakeLookup{countries: map[string]waf.CountryInfo{
		"203.0.113.5": {CountryCode: "DE"},
	}}
	g := newTestGate(t, lk)
	tenant := &waf.Tenant{ID: "t1"}
	rules := []waf.GeoRule{
		{TenantID: "t1", CountryCode: "DE", Action: waf.ActionBlock, Active: true},
		{TenantID: "t1", CountryCode: "DE", Action: waf.ActionAllow, Active: true},
	}

	blocked, _ := g.IsCountryBlocked(tenant, rules, "203.0.113.5")
	if blocked {
		t.Fatalf("explicit allow must win")
	}
}

func TestUnknownCountryFollowsTenantPolicy(t *testing.T) {
	lk := &fakeLookup{countries: map[string]waf.CountryInfo{}}
	g := newTestGate(t, lk)

	blocked, code := g.IsCountryBlocked(&waf.Tenant{ID: "t1"}, nil, "198.51.100.1")
	if blocked || code != unknownCountry {
		t.Fatalf("default is to allow unknown countries, got %v %v", blocked, code)
	}

	blocked, _ = g.IsCountryBlocked(&waf.Tenant{ID: "t1", BlockUnknownGeo: true}, nil, "198.51.100.1")
	if !blocked {
		t.Fatalf("tenant policy should block unknown countries")
	}
}
