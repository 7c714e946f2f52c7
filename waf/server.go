package waf

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server is the top level security decision pipeline. The edge handler
// calls EvalRequest for every inbound request and either proxies it or
// writes the blocking response, depending on the decision.
type Server interface {
	EvalRequest(req HTTPRequest) (decision RequestDecision)
}

type serverImpl struct {
	logger     zerolog.Logger
	state      TenantState
	ruleEngine RuleEngine
	limiter    RateLimiter
	reputation ReputationManager
	geoGate    GeoGate
	anomaly    AnomalyScorer
	events     EventSink
}

// NewServer creates the pipeline orchestrator. Every dependency is
// injected; none may be nil except anomaly, which degrades to no scoring.
func NewServer(logger zerolog.Logger, state TenantState, re RuleEngine, rl RateLimiter, rm ReputationManager, gg GeoGate, as AnomalyScorer, events EventSink) Server {
	return &serverImpl{
		logger:     logger,
		state:      state,
		ruleEngine: re,
		limiter:    rl,
		reputation: rm,
		geoGate:    gg,
		anomaly:    as,
		events:     events,
	}
}

func (s *serverImpl) EvalRequest(req HTTPRequest) (decision RequestDecision) {
	logger := s.logger.With().Str("txid", req.TransactionID()).Logger()

	if logger.Info() != nil {
		logger.Info().Str("host", req.Host()).Str("path", req.Path()).Msg("WAF got request")
		startTime := time.Now()
		defer func() {
			logger.Info().Dur("timeTaken", time.Since(startTime)).Int("decision", int(decision.Decision)).Msg("WAF completed request")
		}()
	}

	tenant := s.state.TenantByHost(EffectiveHost(req))
	if tenant == nil {
		logger.Debug().Str("host", req.Host()).Msg("no tenant for host")
		decision = RequestDecision{Decision: Pass}
		return
	}
	decision.Tenant = tenant

	// Inactive or WAF-disabled tenants are proxied without inspection.
	if !tenant.Active || !tenant.WAFEnabled {
		decision.Decision = Allow
		return
	}

	ip := req.RemoteAddr()
	lists := s.state.MatchIPLists(tenant.ID, ip)

	// Whitelisted IPs skip every detection stage. Rate limiting still
	// applies when the tenant has disabled whitelist bypass.
	if lists.Whitelisted {
		rl := s.limiter.CheckRequest(logger, tenant, ip, true)
		if !rl.Allowed {
			return s.blockRateLimited(logger, tenant, req, ip, rl)
		}
		decision.Decision = Allow
		return
	}

	if lists.Blacklisted {
		s.writeEvent(logger, SecurityEvent{
			TenantID:  tenant.ID,
			EventType: EventIPBlacklist,
			Severity:  SeverityCritical,
			Action:    EventActionBlocked,
			SourceIP:  ip,
			Method:    req.Method(),
			URL:       FullURL(req),
		})
		decision.Decision = Block
		decision.Status = http.StatusForbidden
		decision.Reason = "IP address is blacklisted"
		decision.EventType = EventIPBlacklist
		return
	}

	// Reputation-blocked IPs are enforced even before their auto-added
	// blacklist entry reaches the list cache.
	rep, err := s.reputation.CheckReputation(logger, tenant, ip)
	if err != nil {
		logger.Warn().Err(err).Msg("reputation check failed, continuing")
		s.writeEvent(logger, SecurityEvent{
			TenantID:  tenant.ID,
			EventType: EventDependency,
			Severity:  SeverityLow,
			Action:    EventActionAllowed,
			SourceIP:  ip,
			Method:    req.Method(),
			URL:       FullURL(req),
		})
	} else if rep.Blocked {
		s.writeEvent(logger, SecurityEvent{
			TenantID:  tenant.ID,
			EventType: EventIPBlacklist,
			Severity:  SeverityCritical,
			Action:    EventActionBlocked,
			SourceIP:  ip,
			Method:    req.Method(),
			URL:       FullURL(req),
		})
		decision.Decision = Block
		decision.Status = http.StatusForbidden
		decision.Reason = "IP address reputation too low"
		decision.EventType = EventIPBlacklist
		return
	}

	if blocked, countryCode := s.geoGate.IsCountryBlocked(tenant, s.state.GeoRules(tenant.ID), ip); blocked {
		s.recordViolation(logger, tenant, ip, "geo_block_bypass")
		s.writeEvent(logger, SecurityEvent{
			TenantID:       tenant.ID,
			EventType:      EventGeoBlocked,
			Severity:       SeverityHigh,
			Action:         EventActionBlocked,
			SourceIP:       ip,
			Method:         req.Method(),
			URL:            FullURL(req),
			MatchedPattern: countryCode,
		})
		decision.Decision = Block
		decision.Status = http.StatusForbidden
		decision.Reason = "access from your region is not permitted"
		decision.EventType = EventGeoBlocked
		return
	}

	verdict := s.ruleEngine.EvalRequest(logger, tenant, req)
	for _, m := range verdict.LogMatches {
		s.writeEvent(logger, SecurityEvent{
			TenantID:       tenant.ID,
			RuleID:         m.Rule.ID,
			EventType:      EventRuleMatch,
			Severity:       m.Rule.Severity,
			Action:         EventActionLogged,
			SourceIP:       ip,
			Method:         req.Method(),
			URL:            FullURL(req),
			MatchedPattern: m.MatchedData,
		})
	}
	if verdict.Matched {
		s.recordViolation(logger, tenant, ip, violationTypeForRule(verdict.Rule.Type))
		s.writeEvent(logger, SecurityEvent{
			TenantID:       tenant.ID,
			RuleID:         verdict.Rule.ID,
			EventType:      EventRuleMatch,
			Severity:       verdict.Rule.Severity,
			Action:         EventActionBlocked,
			SourceIP:       ip,
			Method:         req.Method(),
			URL:            FullURL(req),
			MatchedPattern: verdict.MatchedData,
		})
		decision.Decision = Block
		decision.Status = http.StatusForbidden
		decision.Reason = "request blocked by firewall rule " + verdict.Rule.Name
		decision.EventType = EventRuleMatch
		return
	}

	if rl := s.limiter.CheckRequest(logger, tenant, ip, false); !rl.Allowed {
		return s.blockRateLimited(logger, tenant, req, ip, rl)
	}

	if score, isAnomaly, signature := s.anomaly.ScoreRequest(logger, tenant, req); isAnomaly {
		s.writeEvent(logger, SecurityEvent{
			TenantID:       tenant.ID,
			EventType:      EventAnomaly,
			Severity:       SeverityMedium,
			Action:         anomalyAction(tenant),
			SourceIP:       ip,
			Method:         req.Method(),
			URL:            FullURL(req),
			MatchedPattern: signature,
			AnomalyScore:   score,
		})
		// Anomaly verdicts are advisory unless the tenant runs strict
		// protection.
		if tenant.ProtectionLevel == ProtectionStrict {
			decision.Decision = Block
			decision.Status = http.StatusForbidden
			decision.Reason = "request flagged as anomalous"
			decision.EventType = EventAnomaly
			return
		}
	}

	decision.Decision = Allow
	return
}

func (s *serverImpl) blockRateLimited(logger zerolog.Logger, tenant *Tenant, req HTTPRequest, ip string, rl RateLimitResult) RequestDecision {
	s.recordViolation(logger, tenant, ip, "rate_limit")
	s.writeEvent(logger, SecurityEvent{
		TenantID:       tenant.ID,
		EventType:      EventRateLimited,
		Severity:       SeverityMedium,
		Action:         EventActionBlocked,
		SourceIP:       ip,
		Method:         req.Method(),
		URL:            FullURL(req),
		MatchedPattern: rl.LimitType,
	})
	return RequestDecision{
		Decision:  Block,
		Tenant:    tenant,
		Status:    http.StatusTooManyRequests,
		Reason:    "rate limit exceeded (" + rl.LimitType + ")",
		EventType: EventRateLimited,
	}
}

func (s *serverImpl) recordViolation(logger zerolog.Logger, tenant *Tenant, ip string, violationType string) {
	if _, _, err := s.reputation.RecordViolation(logger, tenant, ip, violationType); err != nil {
		logger.Warn().Err(err).Str("violationType", violationType).Msg("failed to record reputation violation")
	}
}

func (s *serverImpl) writeEvent(logger zerolog.Logger, event SecurityEvent) {
	defer func() {
		// A panicking sink must never abort the pipeline.
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("event sink panicked")
		}
	}()
	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	s.events.WriteEvent(event)
}

func violationTypeForRule(t RuleType) string {
	switch t {
	case RuleTypeSQLInjection:
		return "sql_injection"
	case RuleTypeXSS:
		return "xss"
	case RuleTypeBot:
		return "bot_detection"
	default:
		return "custom_rule"
	}
}

func anomalyAction(tenant *Tenant) string {
	if tenant.ProtectionLevel == ProtectionStrict {
		return EventActionBlocked
	}
	return EventActionLogged
}

// EffectiveHost returns the host the client addressed: the first entry of a
// forwarded-host chain when present, else the direct host, with any
// trailing port stripped.
func EffectiveHost(req HTTPRequest) string {
	host := HeaderValue(req, "X-Forwarded-Host")
	if host != "" {
		if i := strings.IndexByte(host, ','); i >= 0 {
			host = host[:i]
		}
	} else {
		host = req.Host()
	}
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
