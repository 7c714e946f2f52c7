// Package reputation accumulates per-(tenant, IP) malice scores. Scores
// grow with violations, decay while an IP behaves, and drive automatic
// blacklisting with hysteresis so an IP does not flap on and off the
// blacklist around the threshold.
package reputation

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"edgewaf/waf"
)

// Violation types and the points each one adds to the score.
const (
	ViolationSQLInjection = "sql_injection"
	ViolationXSS          = "xss"
	ViolationRateLimit    = "rate_limit"
	ViolationBotDetection = "bot_detection"
	ViolationGeoBypass    = "geo_block_bypass"
	ViolationCustomRule   = "custom_rule"
)

var violationScores = map[string]int{
	ViolationSQLInjection: 25,
	ViolationXSS:          20,
	ViolationRateLimit:    10,
	ViolationBotDetection: 15,
	ViolationGeoBypass:    30,
	ViolationCustomRule:   15,
}

const defaultViolationScore = 10

const (
	blockThreshold = 80
	// Auto-blocked IPs are released only when the score decays below
	// blockThreshold minus this margin.
	unblockMargin = 20

	decayPoints   = 5
	decayInterval = 24 * time.Hour

	staleAfter    = 90 * 24 * time.Hour
	staleMaxScore = 20

	lockStripes = 64
)

type managerImpl struct {
	logger      zerolog.Logger
	store       waf.ReputationStore
	ipLists     waf.IPListStore
	invalidator waf.CacheInvalidator
	clock       func() time.Time
	locks       [lockStripes]sync.Mutex
}

// NewManager creates a reputation manager. Auto-block writes a blacklist
// entry through ipLists and invalidates the tenant's cached state so the
// block takes effect without waiting for the TTL.
func NewManager(logger zerolog.Logger, store waf.ReputationStore, ipLists waf.IPListStore, invalidator waf.CacheInvalidator) waf.ReputationManager {
	return &managerImpl{
		logger:      logger,
		store:       store,
		ipLists:     ipLists,
		invalidator: invalidator,
		clock:       time.Now,
	}
}

// lock serializes read-modify-write cycles for one (tenant, IP) pair.
// Striping keeps the lock table bounded under many distinct pairs.
func (m *managerImpl) lock(tenantID, ip string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(ip))
	return &m.locks[h.Sum32()%lockStripes]
}

func (m *managerImpl) RecordViolation(logger zerolog.Logger, tenant *waf.Tenant, ip string, violationType string) (score int, blocked bool, err error) {
	mu := m.lock(tenant.ID, ip)
	mu.Lock()
	defer mu.Unlock()

	now := m.clock().UTC()
	rec, err := m.store.GetReputation(tenant.ID, ip)
	if err != nil {
		return
	}
	if rec == nil {
		rec = &waf.ReputationRecord{
			TenantID:  tenant.ID,
			IP:        ip,
			FirstSeen: now,
			LastDecay: now,
		}
	}

	applyDecay(rec, now)

	points, ok := violationScores[violationType]
	if !ok {
		points = defaultViolationScore
	}
	rec.Score = clampScore(rec.Score + points)
	rec.TotalViolations++
	switch violationType {
	case ViolationSQLInjection:
		rec.SQLInjectionAttempts++
	case ViolationXSS:
		rec.XSSAttempts++
	case ViolationRateLimit:
		rec.RateLimitViolations++
	case ViolationBotDetection:
		rec.BotDetections++
	}
	rec.LastSeen = now
	rec.LastViolation = &now

	if rec.Score >= blockThreshold && !rec.Blocked {
		rec.Blocked = true
		rec.AutoBlocked = true
		rec.BlockReason = fmt.Sprintf("reputation score %v reached auto-block threshold", rec.Score)
		rec.BlockedAt = &now
		if berr := m.addBlacklistEntry(tenant, ip, rec.BlockReason, true); berr != nil {
			logger.Error().Err(berr).Str("ip", ip).Msg("failed to blacklist auto-blocked IP")
		}
		logger.Warn().
			Str("ip", ip).
			Int("score", rec.Score).
			Str("violationType", violationType).
			Msg("IP auto-blocked by reputation")
	}

	if err = m.store.PutReputation(rec); err != nil {
		return
	}
	score = rec.Score
	blocked = rec.Blocked
	return
}

func (m *managerImpl) CheckReputation(logger zerolog.Logger, tenant *waf.Tenant, ip string) (status waf.ReputationStatus, err error) {
	mu := m.lock(tenant.ID, ip)
	mu.Lock()
	defer mu.Unlock()

	now := m.clock().UTC()
	rec, err := m.store.GetReputation(tenant.ID, ip)
	if err != nil || rec == nil {
		status.Level = waf.ReputationLevel(0)
		return
	}

	changed := applyDecay(rec, now)

	// Hysteresis: an auto-blocked IP is released only once its score has
	// decayed well below the block threshold.
	if rec.Blocked && rec.AutoBlocked && rec.Score < blockThreshold-unblockMargin {
		rec.Blocked = false
		rec.AutoBlocked = false
		rec.BlockReason = ""
		rec.BlockedAt = nil
		changed = true
		if rerr := m.ipLists.RemoveEntry(tenant.ID, ip, true); rerr != nil {
			logger.Error().Err(rerr).Str("ip", ip).Msg("failed to remove auto-block blacklist entry")
		} else {
			m.invalidator.Invalidate(tenant.ID)
		}
		logger.Info().Str("ip", ip).Int("score", rec.Score).Msg("IP auto-unblocked after decay")
	}

	if changed {
		if perr := m.store.PutReputation(rec); perr != nil {
			logger.Warn().Err(perr).Str("ip", ip).Msg("failed to persist decayed reputation")
		}
	}

	status = waf.ReputationStatus{
		Score:           rec.Score,
		Blocked:         rec.Blocked,
		Level:           waf.ReputationLevel(rec.Score),
		ShouldBlock:     rec.Score >= blockThreshold,
		TotalViolations: rec.TotalViolations,
	}
	return
}

func (m *managerImpl) ManualBlock(tenant *waf.Tenant, ip string, reason string) (err error) {
	mu := m.lock(tenant.ID, ip)
	mu.Lock()
	defer mu.Unlock()

	now := m.clock().UTC()
	rec, err := m.store.GetReputation(tenant.ID, ip)
	if err != nil {
		return
	}
	if rec == nil {
		rec = &waf.ReputationRecord{TenantID: tenant.ID, IP: ip, FirstSeen: now, LastDecay: now}
	}
	rec.Score = 100
	rec.Blocked = true
	rec.AutoBlocked = false
	rec.BlockReason = reason
	rec.BlockedAt = &now
	rec.LastSeen = now
	if err = m.store.PutReputation(rec); err != nil {
		return
	}
	if err = m.addBlacklistEntry(tenant, ip, reason, false); err != nil {
		return
	}
	m.logger.Info().Str("tenantID", tenant.ID).Str("ip", ip).Str("reason", reason).Msg("IP manually blocked")
	return
}

func (m *managerImpl) Unblock(tenant *waf.Tenant, ip string) (err error) {
	mu := m.lock(tenant.ID, ip)
	mu.Lock()
	defer mu.Unlock()

	now := m.clock().UTC()
	rec, err := m.store.GetReputation(tenant.ID, ip)
	if err != nil {
		return
	}
	if rec != nil {
		rec.Score = 0
		rec.Blocked = false
		rec.AutoBlocked = false
		rec.BlockReason = ""
		rec.BlockedAt = nil
		rec.LastDecay = now
		if err = m.store.PutReputation(rec); err != nil {
			return
		}
	}
	if err = m.ipLists.RemoveEntry(tenant.ID, ip, false); err != nil {
		return
	}
	m.invalidator.Invalidate(tenant.ID)
	m.logger.Info().Str("tenantID", tenant.ID).Str("ip", ip).Msg("IP unblocked")
	return
}

func (m *managerImpl) TopOffenders(tenantID string, limit int) (records []waf.ReputationRecord, err error) {
	return m.store.TopOffenders(tenantID, limit)
}

func (m *managerImpl) CleanupStale() (removed int, err error) {
	cutoff := m.clock().UTC().Add(-staleAfter)
	removed, err = m.store.DeleteStaleReputation(cutoff, staleMaxScore)
	if err == nil && removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("stale reputation records removed")
	}
	return
}

func (m *managerImpl) addBlacklistEntry(tenant *waf.Tenant, ip string, reason string, autoAdded bool) (err error) {
	err = m.ipLists.PutEntry(waf.IPListEntry{
		TenantID:  tenant.ID,
		CIDR:      ip,
		Kind:      waf.IPListBlacklist,
		Active:    true,
		AutoAdded: autoAdded,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	m.invalidator.Invalidate(tenant.ID)
	return
}

// applyDecay subtracts decayPoints for every full decay interval since the
// record's last decay, reporting whether the record changed. Decay is lazy:
// it runs when the record is next touched, not on a timer.
func applyDecay(rec *waf.ReputationRecord, now time.Time) (changed bool) {
	if rec.LastDecay.IsZero() {
		rec.LastDecay = now
		return true
	}
	intervals := int(now.Sub(rec.LastDecay) / decayInterval)
	if intervals <= 0 || rec.Score == 0 {
		return false
	}
	rec.Score = clampScore(rec.Score - intervals*decayPoints)
	rec.LastDecay = rec.LastDecay.Add(time.Duration(intervals) * decayInterval)
	return true
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
