package waf

import (
	"net/http"

	"github.com/rs/zerolog"
)

// TenantState serves cached, immutable snapshots of tenant configuration.
// Reads are TTL-bounded; the CRUD layer must call the CacheInvalidator side
// on every mutation of the underlying data.
type TenantState interface {
	CacheInvalidator

	// TenantByHost resolves an effective host to its tenant, or nil when no
	// tenant owns the host.
	TenantByHost(host string) (tenant *Tenant)
	// Rules returns the tenant's enabled pattern rules, pre-sorted for
	// deterministic evaluation. Geo-type rules are excluded.
	Rules(tenantID string) (rules []ResolvedRule)
	GeoRules(tenantID string) (rules []GeoRule)
	RateLimits(tenantID string) (config RateLimitConfig)
	// MatchIPLists checks the IP against the tenant's whitelist and
	// blacklist, with expired entries ignored.
	MatchIPLists(tenantID string, ip string) (match IPListMatch)
}

// IPListMatch is the result of checking an IP against a tenant's lists.
type IPListMatch struct {
	Whitelisted bool
	Blacklisted bool
	Entry       *IPListEntry
}

// CacheInvalidator is the narrow hook the excluded CRUD/admin layer calls
// whenever tenant, rule, binding, config, or geo rule data changes.
type CacheInvalidator interface {
	Invalidate(tenantID string)
	InvalidateAll()
}

// RuleEngine evaluates a tenant's pattern rules against a request after
// normalizing for common evasion techniques.
type RuleEngine interface {
	EvalRequest(logger zerolog.Logger, tenant *Tenant, req HTTPRequest) (verdict RuleVerdict)
}

// RuleVerdict is the structured outcome of rule evaluation.
type RuleVerdict struct {
	// Matched is true when a blocking rule matched.
	Matched bool
	Rule    *FirewallRule
	Action  RuleAction
	// MatchedData is the raw span that matched, for logging.
	MatchedData string
	// LogMatches are rules that matched with a non-blocking effective
	// action; evaluation continued past them.
	LogMatches []RuleMatch
}

// RuleMatch records a single rule hit.
type RuleMatch struct {
	Rule        FirewallRule
	Action      RuleAction
	MatchedData string
}

// RateLimiter enforces per-tenant and per-IP request caps over fixed
// windows.
type RateLimiter interface {
	// CheckRequest checks all windows in order and, if none is exhausted,
	// increments them. Whitelisted IPs bypass counting when the tenant
	// config allows it.
	CheckRequest(logger zerolog.Logger, tenant *Tenant, ip string, whitelisted bool) (result RateLimitResult)
	// Reset clears a tenant's counters, or a specific IP's counters when ip
	// is non-empty.
	Reset(tenantID string, ip string) (err error)
	Usage(tenantID string, ip string) (usage RateLimitUsage, err error)
}

// RateLimitResult says whether the request may proceed and, if not, which
// limit stopped it.
type RateLimitResult struct {
	Allowed   bool
	LimitType string
	Current   int64
	Limit     int64
}

// RateLimitUsage is a read-only snapshot of current window counts.
type RateLimitUsage struct {
	Windows []WindowUsage
}

// WindowUsage is the usage of one rate limit window.
type WindowUsage struct {
	LimitType string
	Current   int64
	Limit     int64
}

// ReputationStatus is the decayed reputation state of a (tenant, IP) pair.
type ReputationStatus struct {
	Score           int
	Blocked         bool
	Level           string
	ShouldBlock     bool
	TotalViolations int
}

// ReputationManager accumulates per-(tenant, IP) malice scores and blocks
// IPs whose score crosses the threshold.
type ReputationManager interface {
	RecordViolation(logger zerolog.Logger, tenant *Tenant, ip string, violationType string) (score int, blocked bool, err error)
	CheckReputation(logger zerolog.Logger, tenant *Tenant, ip string) (status ReputationStatus, err error)
	ManualBlock(tenant *Tenant, ip string, reason string) (err error)
	Unblock(tenant *Tenant, ip string) (err error)
	TopOffenders(tenantID string, limit int) (records []ReputationRecord, err error)
	CleanupStale() (removed int, err error)
}

// GeoGate resolves IPs to countries through a cached lookup service and
// decides per-tenant geo blocks.
type GeoGate interface {
	CountryCode(ip string) (countryCode string)
	CountryInfo(ip string) (info *CountryInfo)
	// IsCountryBlocked applies the tenant's geo rules to the IP's country.
	// Unknown countries are allowed unless the tenant blocks them.
	IsCountryBlocked(tenant *Tenant, rules []GeoRule, ip string) (blocked bool, countryCode string)
}

// AnomalyScorer scores a request against the tenant's trained baseline. A
// tenant without an active model gets a neutral (0, false) result.
type AnomalyScorer interface {
	ScoreRequest(logger zerolog.Logger, tenant *Tenant, req HTTPRequest) (score float64, isAnomaly bool, signature string)
}

// ReverseProxy forwards an allowed request to the tenant origin and writes
// the (rewritten) response to w.
type ReverseProxy interface {
	ServeProxiedRequest(w http.ResponseWriter, req HTTPRequest, tenant *Tenant)
}
