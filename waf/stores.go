package waf

import (
	"time"
)

// TenantStore reads tenant snapshots. Supplied by the excluded CRUD layer.
type TenantStore interface {
	Tenants() (tenants []Tenant, err error)
}

// RuleStore reads the global rule catalog and per-tenant bindings.
type RuleStore interface {
	RuleCatalog() (rules []FirewallRule, err error)
	BindingsForTenant(tenantID string) (bindings []TenantRuleBinding, err error)
}

// IPListStore reads and mutates whitelist/blacklist entries. The mutation
// side exists only for reputation-driven auto-blocking; CRUD belongs to the
// excluded admin layer.
type IPListStore interface {
	EntriesForTenant(tenantID string) (entries []IPListEntry, err error)
	// PutEntry creates the entry if no active entry with the same
	// (tenant, CIDR, kind) exists. It must be idempotent.
	PutEntry(entry IPListEntry) (err error)
	// RemoveEntry deletes entries matching (tenant, CIDR). When autoOnly is
	// set, only auto-added entries are removed.
	RemoveEntry(tenantID string, cidr string, autoOnly bool) (err error)
}

// GeoRuleStore reads per-tenant geographic rules.
type GeoRuleStore interface {
	GeoRulesForTenant(tenantID string) (rules []GeoRule, err error)
}

// RateLimitConfigStore reads per-tenant rate limit configuration. A nil
// config with nil error means the tenant has none and defaults apply.
type RateLimitConfigStore interface {
	RateLimitConfigForTenant(tenantID string) (config *RateLimitConfig, err error)
}

// ReputationStore persists reputation records. Get returns (nil, nil) when
// no record exists for the pair.
type ReputationStore interface {
	GetReputation(tenantID string, ip string) (record *ReputationRecord, err error)
	PutReputation(record *ReputationRecord) (err error)
	TopOffenders(tenantID string, limit int) (records []ReputationRecord, err error)
	// DeleteStaleReputation removes unblocked records last seen before the
	// cutoff with a score below maxScore, returning how many were removed.
	DeleteStaleReputation(cutoff time.Time, maxScore int) (removed int, err error)
}

// AnomalyModelStore reads the active trained model for a tenant. A nil
// model with nil error means no model has been trained yet.
type AnomalyModelStore interface {
	ActiveModel(tenantID string) (model *AnomalyModel, err error)
}
