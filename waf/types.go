package waf

import (
	"time"
)

// Tenant is an immutable snapshot of a customer whose traffic the WAF
// protects. Snapshots are fetched once per cache refresh and never mutated,
// so they are safe to share across concurrent requests.
type Tenant struct {
	ID              string
	Name            string
	EdgeHost        string
	AliasHosts      []string
	OriginURL       string
	Active          bool
	WAFEnabled      bool
	ProtectionLevel ProtectionLevel
	BlockUnknownGeo bool
	CreatedAt       time.Time
}

// ProtectionLevel controls how aggressively the pipeline enforces verdicts
// that are advisory by default, such as anomaly scores.
type ProtectionLevel string

// Protection levels, from most permissive to most aggressive.
const (
	ProtectionLow    ProtectionLevel = "low"
	ProtectionMedium ProtectionLevel = "medium"
	ProtectionStrict ProtectionLevel = "strict"
)

// RuleType categorizes firewall rules by the class of attack they detect.
type RuleType string

// Known rule types. The catalog may contain others; unknown types are
// treated like custom rules.
const (
	RuleTypeSQLInjection RuleType = "sql_injection"
	RuleTypeXSS          RuleType = "xss"
	RuleTypeBot          RuleType = "bot"
	RuleTypeCustom       RuleType = "custom"
	RuleTypeGeoBlocking  RuleType = "geo_blocking"
)

// RuleAction is what the WAF does when a rule matches.
type RuleAction string

// Rule actions.
const (
	ActionBlock RuleAction = "block"
	ActionAllow RuleAction = "allow"
	ActionLog   RuleAction = "log"
)

// FirewallRule is a pattern rule from the shared rule catalog.
type FirewallRule struct {
	ID       string
	Name     string
	Type     RuleType
	Pattern  string
	Action   RuleAction
	Severity string
	Active   bool
}

// TenantRuleBinding links a tenant to a catalog rule. At most one binding
// exists per (tenant, rule) pair.
type TenantRuleBinding struct {
	RuleID         string
	Enabled        bool
	ActionOverride RuleAction // empty means use the rule's own action
}

// ResolvedRule is a catalog rule merged with its tenant binding, with the
// effective action already computed.
type ResolvedRule struct {
	Rule            FirewallRule
	EffectiveAction RuleAction
}

// IPListKind says whether an IP list entry allows or denies.
type IPListKind string

// IP list kinds. Whitelist entries always take precedence over blacklist
// entries and over every other check.
const (
	IPListWhitelist IPListKind = "whitelist"
	IPListBlacklist IPListKind = "blacklist"
)

// IPListEntry is a tenant-scoped IP or CIDR allow/deny entry.
type IPListEntry struct {
	TenantID  string
	CIDR      string // single IPs are stored as /32 (or /128) prefixes
	Kind      IPListKind
	Active    bool
	AutoAdded bool
	Reason    string
	ExpiresAt *time.Time
}

// GeoRule blocks or allows a country for a tenant.
type GeoRule struct {
	TenantID    string
	CountryCode string // ISO 3166-1 alpha-2
	CountryName string
	Action      RuleAction
	Active      bool
}

// RateLimitConfig holds a tenant's request caps. Zero values fall back to
// the documented defaults.
type RateLimitConfig struct {
	RequestsPerMinute      int
	RequestsPerHour        int
	RequestsPerDay         int
	PerIPRequestsPerMinute int
	PerIPRequestsPerHour   int
	WhitelistBypass        bool
}

// DefaultRateLimitConfig is applied when a tenant has no stored config.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute:      60,
		RequestsPerHour:        1000,
		RequestsPerDay:         10000,
		PerIPRequestsPerMinute: 10,
		PerIPRequestsPerHour:   100,
		WhitelistBypass:        true,
	}
}

// ReputationRecord tracks the accumulated malice score for a (tenant, IP)
// pair. Scores are clamped to [0,100] and decay over time.
type ReputationRecord struct {
	ID       string
	TenantID string
	IP       string

	Score           int
	TotalViolations int

	SQLInjectionAttempts int
	XSSAttempts          int
	RateLimitViolations  int
	BotDetections        int

	Blocked     bool
	AutoBlocked bool
	BlockReason string

	FirstSeen     time.Time
	LastSeen      time.Time
	LastViolation *time.Time
	BlockedAt     *time.Time
	LastDecay     time.Time
}

// ReputationLevel derives the band name for a score.
func ReputationLevel(score int) string {
	switch {
	case score <= 20:
		return "excellent"
	case score <= 40:
		return "good"
	case score <= 60:
		return "neutral"
	case score <= 80:
		return "suspicious"
	default:
		return "malicious"
	}
}

// AnomalyModel is a serialized trained detector for a tenant. Exactly one
// version per tenant is active at a time.
type AnomalyModel struct {
	TenantID  string
	Version   int
	Blob      []byte
	Active    bool
	TrainedAt time.Time
}

// CountryInfo is the detailed result of a geo lookup.
type CountryInfo struct {
	CountryCode   string
	CountryName   string
	ContinentCode string
	ContinentName string
}
