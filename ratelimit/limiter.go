// Package ratelimit enforces per-tenant and per-IP request caps over fixed
// time windows. Counters are fixed-window with a TTL equal to the window
// length, which means bursts straddling a window boundary can briefly see
// up to twice the nominal rate.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"edgewaf/waf"
)

const keyPrefix = "rate_limit"

// Window limit type names, in enforcement order.
const (
	LimitPerMinute   = "per_minute"
	LimitPerHour     = "per_hour"
	LimitPerDay      = "per_day"
	LimitPerIPMinute = "per_ip_minute"
	LimitPerIPHour   = "per_ip_hour"
)

// CounterStore is the port the limiter counts through. Increment must be
// atomic per key and must set the TTL only when it creates the counter.
type CounterStore interface {
	Increment(key string, ttl time.Duration) (count int64, err error)
	Get(key string) (count int64, err error)
	Delete(key string) (err error)
}

type limiterImpl struct {
	logger zerolog.Logger
	state  waf.TenantState
	store  CounterStore
}

// NewLimiter creates a rate limiter that reads tenant caps from the state
// cache and counts through the given store.
func NewLimiter(logger zerolog.Logger, state waf.TenantState, store CounterStore) waf.RateLimiter {
	return &limiterImpl{logger: logger, state: state, store: store}
}

type windowCheck struct {
	limitType string
	limit     int64
	window    time.Duration
	ip        string
}

func (l *limiterImpl) windows(cfg waf.RateLimitConfig, ip string) []windowCheck {
	return []windowCheck{
		{LimitPerMinute, int64(cfg.RequestsPerMinute), time.Minute, ""},
		{LimitPerHour, int64(cfg.RequestsPerHour), time.Hour, ""},
		{LimitPerDay, int64(cfg.RequestsPerDay), 24 * time.Hour, ""},
		{LimitPerIPMinute, int64(cfg.PerIPRequestsPerMinute), time.Minute, ip},
		{LimitPerIPHour, int64(cfg.PerIPRequestsPerHour), time.Hour, ip},
	}
}

func (l *limiterImpl) CheckRequest(logger zerolog.Logger, tenant *waf.Tenant, ip string, whitelisted bool) (result waf.RateLimitResult) {
	cfg := l.state.RateLimits(tenant.ID)

	if whitelisted && cfg.WhitelistBypass {
		logger.Debug().Str("ip", ip).Msg("whitelisted IP bypasses rate limits")
		result.Allowed = true
		return
	}

	checks := l.windows(cfg, ip)

	// Reject at the first exhausted window; only increment once every
	// window still has room.
	for _, c := range checks {
		count, err := l.store.Get(counterKey(tenant.ID, c.limitType, c.ip))
		if err != nil {
			// A broken counter store must not take the tenant offline.
			logger.Warn().Err(err).Str("limitType", c.limitType).Msg("counter read failed, skipping window")
			continue
		}
		if count >= c.limit {
			logger.Warn().
				Str("ip", ip).
				Str("limitType", c.limitType).
				Int64("current", count).
				Int64("limit", c.limit).
				Msg("rate limit exceeded")
			result = waf.RateLimitResult{Allowed: false, LimitType: c.limitType, Current: count, Limit: c.limit}
			return
		}
	}

	for _, c := range checks {
		if _, err := l.store.Increment(counterKey(tenant.ID, c.limitType, c.ip), c.window); err != nil {
			logger.Warn().Err(err).Str("limitType", c.limitType).Msg("counter increment failed")
		}
	}

	result.Allowed = true
	return
}

func (l *limiterImpl) Reset(tenantID string, ip string) (err error) {
	types := []string{LimitPerMinute, LimitPerHour, LimitPerDay}
	if ip != "" {
		types = []string{LimitPerIPMinute, LimitPerIPHour}
	}
	for _, t := range types {
		key := counterKey(tenantID, t, ip)
		if derr := l.store.Delete(key); derr != nil && err == nil {
			err = derr
		}
	}
	if err == nil {
		l.logger.Info().Str("tenantID", tenantID).Str("ip", ip).Msg("rate limit counters reset")
	}
	return
}

func (l *limiterImpl) Usage(tenantID string, ip string) (usage waf.RateLimitUsage, err error) {
	cfg := l.state.RateLimits(tenantID)
	for _, c := range l.windows(cfg, ip) {
		perIP := c.limitType == LimitPerIPMinute || c.limitType == LimitPerIPHour
		if perIP && ip == "" {
			continue
		}
		count, gerr := l.store.Get(counterKey(tenantID, c.limitType, c.ip))
		if gerr != nil {
			err = gerr
			return
		}
		usage.Windows = append(usage.Windows, waf.WindowUsage{LimitType: c.limitType, Current: count, Limit: c.limit})
	}
	return
}

func counterKey(tenantID, limitType, ip string) string {
	if ip != "" {
		return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, tenantID, limitType, ip)
	}
	return fmt.Sprintf("%s:%s:%s", keyPrefix, tenantID, limitType)
}
