package waf

import (
	"time"
)

// SecurityEvent is an append-only audit record of a pipeline verdict or a
// dependency failure. The pipeline only ever writes events; reporting
// collaborators read them elsewhere.
type SecurityEvent struct {
	ID             string
	TenantID       string
	RuleID         string
	EventType      string
	Severity       string
	Action         string
	SourceIP       string
	Method         string
	URL            string
	MatchedPattern string
	AnomalyScore   float64
	Timestamp      time.Time
}

// Event types emitted by the pipeline.
const (
	EventIPBlacklist = "ip_blacklist"
	EventGeoBlocked  = "geo_blocked"
	EventRuleMatch   = "rule_match"
	EventRateLimited = "rate_limited"
	EventAnomaly     = "anomaly"
	EventDependency  = "dependency_failure"
)

// Event severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Actions taken, as recorded on events.
const (
	EventActionBlocked = "blocked"
	EventActionLogged  = "logged"
	EventActionAllowed = "allowed"
)

// EventSink is where the pipeline appends SecurityEvents. Implementations
// must never fail the request: sink errors are swallowed and logged
// internally.
type EventSink interface {
	WriteEvent(event SecurityEvent)
}
