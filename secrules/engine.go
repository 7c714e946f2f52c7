// Package secrules evaluates a tenant's firewall rules against the
// normalized surfaces of a request: decoded path, query string, selected
// header values, and parsed body fields.
package secrules

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"edgewaf/waf"
)

type engineImpl struct {
	logger zerolog.Logger
	state  waf.TenantState
	ttl    time.Duration
	clock  func() time.Time

	mu    sync.RWMutex
	cache map[string]*compiledRuleSet
}

type compiledRuleSet struct {
	loaded time.Time
	rules  []compiledRule
}

type compiledRule struct {
	resolved waf.ResolvedRule
	pattern  *patternFacade
}

// Engine is the rule engine together with its cache invalidation hook.
type Engine interface {
	waf.RuleEngine
	waf.CacheInvalidator
}

// NewEngine creates a rule engine over the tenant state cache. Compiled
// patterns are cached per tenant with the same TTL as the state layer and
// dropped on invalidation.
func NewEngine(logger zerolog.Logger, state waf.TenantState, ttl time.Duration) Engine {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &engineImpl{
		logger: logger,
		state:  state,
		ttl:    ttl,
		clock:  time.Now,
		cache:  make(map[string]*compiledRuleSet),
	}
}

func (e *engineImpl) EvalRequest(logger zerolog.Logger, tenant *waf.Tenant, req waf.HTTPRequest) (verdict waf.RuleVerdict) {
	rules := e.compiledRules(tenant.ID)
	if len(rules) == 0 {
		return
	}

	surfaces := collectSurfaces(logger, req)

	// First-match semantics: the first blocking rule to hit any normalized
	// variant decides; non-blocking matches are recorded and evaluation
	// continues.
	for _, cr := range rules {
		data, matched := scanSurfaces(cr.pattern, surfaces)
		if !matched {
			continue
		}
		if cr.resolved.EffectiveAction == waf.ActionBlock {
			rule := cr.resolved.Rule
			verdict.Matched = true
			verdict.Rule = &rule
			verdict.Action = cr.resolved.EffectiveAction
			verdict.MatchedData = data
			return
		}
		verdict.LogMatches = append(verdict.LogMatches, waf.RuleMatch{
			Rule:        cr.resolved.Rule,
			Action:      cr.resolved.EffectiveAction,
			MatchedData: data,
		})
	}
	return
}

func scanSurfaces(p *patternFacade, surfaces []surfaceDatum) (data string, matched bool) {
	for _, sd := range surfaces {
		for _, variant := range sd.variants {
			if span, ok := p.findString(variant); ok {
				return span, true
			}
		}
	}
	return
}

type surfaceDatum struct {
	name     string
	variants []string
}

func collectSurfaces(logger zerolog.Logger, req waf.HTTPRequest) (surfaces []surfaceDatum) {
	add := func(name, value string) {
		if value == "" {
			return
		}
		surfaces = append(surfaces, surfaceDatum{name: name, variants: Variants(value)})
	}

	add("path", req.Path())
	add("query", req.QueryString())
	add("header:user-agent", waf.HeaderValue(req, "User-Agent"))
	add("header:referer", waf.HeaderValue(req, "Referer"))
	add("header:cookie", waf.HeaderValue(req, "Cookie"))

	fields, err := parseBodyFields(waf.HeaderValue(req, "Content-Type"), req.BodyPeek())
	if err != nil {
		// Undecodable bodies skip body checks; the other surfaces were
		// already collected.
		logger.Debug().Err(err).Msg("skipping body surfaces")
		return
	}
	for _, f := range fields {
		add("body:"+f.name, f.value)
	}
	return
}

// compiledRules returns the tenant's compiled rule list, rebuilding it when
// the cache entry expired. Rules whose pattern does not compile are skipped
// and logged; one bad rule never aborts evaluation.
func (e *engineImpl) compiledRules(tenantID string) []compiledRule {
	e.mu.RLock()
	set, ok := e.cache[tenantID]
	e.mu.RUnlock()
	if ok && e.clock().Sub(set.loaded) < e.ttl {
		return set.rules
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.cache[tenantID]; ok && e.clock().Sub(set.loaded) < e.ttl {
		return set.rules
	}

	resolved := e.state.Rules(tenantID)
	set = &compiledRuleSet{loaded: e.clock(), rules: make([]compiledRule, 0, len(resolved))}
	for _, rr := range resolved {
		p, err := compilePattern(rr.Rule.Pattern)
		if err != nil {
			e.logger.Error().Err(err).Str("ruleID", rr.Rule.ID).Str("tenantID", tenantID).Msg("skipping malformed rule pattern")
			continue
		}
		set.rules = append(set.rules, compiledRule{resolved: rr, pattern: p})
	}
	e.cache[tenantID] = set
	return set.rules
}

// Invalidate drops a tenant's compiled rules. Wired into the same fan-out
// hook the admin layer calls on rule mutations.
func (e *engineImpl) Invalidate(tenantID string) {
	e.mu.Lock()
	delete(e.cache, tenantID)
	e.mu.Unlock()
}

// InvalidateAll drops every tenant's compiled rules.
func (e *engineImpl) InvalidateAll() {
	e.mu.Lock()
	e.cache = make(map[string]*compiledRuleSet)
	e.mu.Unlock()
}
