// Package tenants serves cached, immutable snapshots of tenant
// configuration to the decision pipeline: host resolution, resolved rule
// lists, geo rules, rate limit configs, and IP list matchers. Reads are
// bounded by a TTL; the admin layer invalidates explicitly on mutation.
package tenants

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"edgewaf/waf"
)

// DefaultCacheTTL bounds how stale a served snapshot can be when the admin
// layer forgets to invalidate.
const DefaultCacheTTL = 5 * time.Minute

// Stores bundles the read interfaces the state cache is built over.
type Stores struct {
	Tenants    waf.TenantStore
	Rules      waf.RuleStore
	IPLists    waf.IPListStore
	GeoRules   waf.GeoRuleStore
	RateLimits waf.RateLimitConfigStore
}

type stateImpl struct {
	logger zerolog.Logger
	stores Stores
	ttl    time.Duration
	clock  func() time.Time

	mu           sync.RWMutex
	hostIndex    map[string]*waf.Tenant
	hostsLoaded  time.Time
	tenantStates map[string]*tenantEntry
}

type tenantEntry struct {
	loaded    time.Time
	rules     []waf.ResolvedRule
	geoRules  []waf.GeoRule
	rateCfg   waf.RateLimitConfig
	ipMatcher *ipListMatcher
}

// NewState creates the tenant state cache. A non-positive ttl falls back to
// DefaultCacheTTL.
func NewState(logger zerolog.Logger, stores Stores, ttl time.Duration) waf.TenantState {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &stateImpl{
		logger:       logger,
		stores:       stores,
		ttl:          ttl,
		clock:        time.Now,
		hostIndex:    make(map[string]*waf.Tenant),
		tenantStates: make(map[string]*tenantEntry),
	}
}

func (s *stateImpl) TenantByHost(host string) (tenant *waf.Tenant) {
	host = strings.ToLower(host)
	idx := s.hostIndexSnapshot()
	return idx[host]
}

func (s *stateImpl) Rules(tenantID string) (rules []waf.ResolvedRule) {
	return s.entry(tenantID).rules
}

func (s *stateImpl) GeoRules(tenantID string) (rules []waf.GeoRule) {
	return s.entry(tenantID).geoRules
}

func (s *stateImpl) RateLimits(tenantID string) (config waf.RateLimitConfig) {
	return s.entry(tenantID).rateCfg
}

func (s *stateImpl) MatchIPLists(tenantID string, ip string) (match waf.IPListMatch) {
	return s.entry(tenantID).ipMatcher.Match(ip, s.clock())
}

func (s *stateImpl) Invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.tenantStates, tenantID)
	// Host mappings may have changed too; force an index refresh.
	s.hostsLoaded = time.Time{}
	s.mu.Unlock()
	s.logger.Info().Str("tenantID", tenantID).Msg("tenant state cache invalidated")
}

func (s *stateImpl) InvalidateAll() {
	s.mu.Lock()
	s.tenantStates = make(map[string]*tenantEntry)
	s.hostsLoaded = time.Time{}
	s.mu.Unlock()
	s.logger.Info().Msg("tenant state cache fully invalidated")
}

func (s *stateImpl) hostIndexSnapshot() map[string]*waf.Tenant {
	s.mu.RLock()
	fresh := s.clock().Sub(s.hostsLoaded) < s.ttl
	idx := s.hostIndex
	s.mu.RUnlock()
	if fresh {
		return idx
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock().Sub(s.hostsLoaded) < s.ttl {
		return s.hostIndex
	}

	tt, err := s.stores.Tenants.Tenants()
	if err != nil {
		// Fail open: keep serving the stale index rather than dropping
		// tenant resolution entirely.
		s.logger.Error().Err(err).Msg("failed to refresh tenant index")
		s.hostsLoaded = s.clock()
		return s.hostIndex
	}

	s.hostIndex = buildHostIndex(s.logger, tt)
	s.hostsLoaded = s.clock()
	return s.hostIndex
}

// buildHostIndex maps every edge host and alias host to its tenant. Exact
// edge hosts take priority over aliases; structural collisions go to the
// earliest-created tenant and are logged, never raised.
func buildHostIndex(logger zerolog.Logger, tenants []waf.Tenant) map[string]*waf.Tenant {
	// Deterministic iteration regardless of store ordering.
	sort.Slice(tenants, func(i, j int) bool {
		if !tenants[i].CreatedAt.Equal(tenants[j].CreatedAt) {
			return tenants[i].CreatedAt.Before(tenants[j].CreatedAt)
		}
		return tenants[i].ID < tenants[j].ID
	})

	type claim struct {
		tenant *waf.Tenant
		exact  bool
	}
	claims := make(map[string]claim)

	put := func(host string, t *waf.Tenant, exact bool) {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			return
		}
		prev, taken := claims[host]
		if !taken || (exact && !prev.exact) {
			if taken {
				logger.Warn().Str("host", host).Str("kept", t.ID).Str("shadowed", prev.tenant.ID).Msg("tenant host conflict")
			}
			claims[host] = claim{tenant: t, exact: exact}
			return
		}
		logger.Warn().Str("host", host).Str("kept", prev.tenant.ID).Str("shadowed", t.ID).Msg("tenant host conflict")
	}

	for i := range tenants {
		t := &tenants[i]
		put(t.EdgeHost, t, true)
	}
	for i := range tenants {
		t := &tenants[i]
		for _, alias := range t.AliasHosts {
			put(alias, t, false)
		}
	}

	idx := make(map[string]*waf.Tenant, len(claims))
	for host, c := range claims {
		idx[host] = c.tenant
	}
	return idx
}

func (s *stateImpl) entry(tenantID string) *tenantEntry {
	s.mu.RLock()
	e, ok := s.tenantStates[tenantID]
	s.mu.RUnlock()
	if ok && s.clock().Sub(e.loaded) < s.ttl {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tenantStates[tenantID]; ok && s.clock().Sub(e.loaded) < s.ttl {
		return e
	}

	e = s.loadTenantEntry(tenantID)
	s.tenantStates[tenantID] = e
	return e
}

// loadTenantEntry fetches a tenant's rule, geo, rate, and IP list state.
// Store failures degrade to empty state for that concern so the pipeline
// keeps running (fail open).
func (s *stateImpl) loadTenantEntry(tenantID string) *tenantEntry {
	e := &tenantEntry{
		loaded:  s.clock(),
		rateCfg: waf.DefaultRateLimitConfig(),
	}

	catalog, err := s.stores.Rules.RuleCatalog()
	if err != nil {
		s.logger.Error().Err(err).Str("tenantID", tenantID).Msg("failed to load rule catalog")
	}
	bindings, err := s.stores.Rules.BindingsForTenant(tenantID)
	if err != nil {
		s.logger.Error().Err(err).Str("tenantID", tenantID).Msg("failed to load rule bindings")
	}
	e.rules = resolveRules(catalog, bindings)

	if geoRules, err := s.stores.GeoRules.GeoRulesForTenant(tenantID); err != nil {
		s.logger.Error().Err(err).Str("tenantID", tenantID).Msg("failed to load geo rules")
	} else {
		for _, gr := range geoRules {
			if gr.Active {
				e.geoRules = append(e.geoRules, gr)
			}
		}
	}

	if cfg, err := s.stores.RateLimits.RateLimitConfigForTenant(tenantID); err != nil {
		s.logger.Error().Err(err).Str("tenantID", tenantID).Msg("failed to load rate limit config")
	} else if cfg != nil {
		e.rateCfg = *cfg
	}

	entries, err := s.stores.IPLists.EntriesForTenant(tenantID)
	if err != nil {
		s.logger.Error().Err(err).Str("tenantID", tenantID).Msg("failed to load IP lists")
	}
	e.ipMatcher = newIPListMatcher(s.logger, entries, s.clock())

	return e
}

// resolveRules merges enabled bindings with active catalog rules and sorts
// them for deterministic first-match evaluation. Geo-type rules are handled
// by the geo stage and excluded here.
func resolveRules(catalog []waf.FirewallRule, bindings []waf.TenantRuleBinding) (resolved []waf.ResolvedRule) {
	byID := make(map[string]waf.FirewallRule, len(catalog))
	for _, r := range catalog {
		byID[r.ID] = r
	}

	for _, b := range bindings {
		if !b.Enabled {
			continue
		}
		r, ok := byID[b.RuleID]
		if !ok || !r.Active || r.Type == waf.RuleTypeGeoBlocking || r.Pattern == "" {
			continue
		}
		action := r.Action
		if b.ActionOverride != "" {
			action = b.ActionOverride
		}
		resolved = append(resolved, waf.ResolvedRule{Rule: r, EffectiveAction: action})
	}

	sort.Slice(resolved, func(i, j int) bool {
		if resolved[i].Rule.Severity != resolved[j].Rule.Severity {
			return severityRank(resolved[i].Rule.Severity) < severityRank(resolved[j].Rule.Severity)
		}
		if resolved[i].Rule.Name != resolved[j].Rule.Name {
			return resolved[i].Rule.Name < resolved[j].Rule.Name
		}
		return resolved[i].Rule.ID < resolved[j].Rule.ID
	})
	return
}

func severityRank(severity string) int {
	switch severity {
	case waf.SeverityCritical:
		return 0
	case waf.SeverityHigh:
		return 1
	case waf.SeverityMedium:
		return 2
	case waf.SeverityLow:
		return 3
	default:
		return 4
	}
}
