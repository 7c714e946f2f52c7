package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"edgewaf/waf"
)

const queryTimeout = 3 * time.Second

// PostgresStore implements the waf store interfaces and the EventSink over
// a database/sql connection pool (lib/pq driver registered by the caller).
type PostgresStore struct {
	logger zerolog.Logger
	db     *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(logger zerolog.Logger, db *sql.DB) *PostgresStore {
	return &PostgresStore{logger: logger, db: db}
}

func queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), queryTimeout)
}

func (s *PostgresStore) Tenants() (tenants []waf.Tenant, err error) {
	ctx, cancel := queryContext()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, edge_host, alias_hosts, origin_url, active,
		       waf_enabled, protection_level, block_unknown_geo, created_at
		FROM tenants`)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var t waf.Tenant
		var aliases sql.NullString
		var level string
		if err = rows.Scan(&t.ID, &t.Name, &t.EdgeHost, &aliases, &t.OriginURL,
			&t.Active, &t.WAFEnabled, &level, &t.BlockUnknownGeo, &t.CreatedAt); err != nil {
			return
		}
		t.ProtectionLevel = waf.ProtectionLevel(level)
		t.AliasHosts = splitHostList(aliases.String)
		tenants = append(tenants, t)
	}
	err = rows.Err()
	return
}

func (s *PostgresStore) RuleCatalog() (rules []waf.FirewallRule, err error) {
	ctx, cancel := queryContext()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, rule_type, pattern, action, severity, active
		FROM firewall_rules`)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var r waf.FirewallRule
		var ruleType, action string
		if err = rows.Scan(&r.ID, &r.Name, &ruleType, &r.Pattern, &action, &r.Severity, &r.Active); err != nil {
			return
		}
		r.Type = waf.RuleType(ruleType)
		r.Action = waf.RuleAction(action)
		rules = append(rules, r)
	}
	err = rows.Err()
	return
}

func (s *PostgresStore) BindingsForTenant(tenantID string) (bindings []waf.TenantRuleBinding, err error) {
	ctx, cancel := queryContext()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, enabled, COALESCE(action_override, '')
		FROM tenant_rule_bindings WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var b waf.TenantRuleBinding
		var override string
		if err = rows.Scan(&b.RuleID, &b.Enabled, &override); err != nil {
			return
		}
		b.ActionOverride = waf.RuleAction(override)
		bindings = append(bindings, b)
	}
	err = rows.Err()
	return
}

func (s *PostgresStore) EntriesForTenant(tenantID string) (entries []waf.IPListEntry, err error) {
	ctx, cancel := queryContext()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT cidr, kind, active, auto_added, COALESCE(reason, ''), expires_at
		FROM ip_list_entries WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		e := waf.IPListEntry{TenantID: tenantID}
		var kind string
		var expires sql.NullTime
		if err = rows.Scan(&e.CIDR, &kind, &e.Active, &e.AutoAdded, &e.Reason, &expires); err != nil {
			return
		}
		e.Kind = waf.IPListKind(kind)
		if expires.Valid {
			t := expires.Time
			e.ExpiresAt = &t
		}
		entries = append(entries, e)
	}
	err = rows.Err()
	return
}

func (s *PostgresStore) PutEntry(entry waf.IPListEntry) (err error) {
	ctx, cancel := queryContext()
	defer cancel()
	// Idempotent on (tenant, cidr, kind) for active entries.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ip_list_entries (tenant_id, cidr, kind, active, auto_added, reason, expires_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM ip_list_entries
			WHERE tenant_id = $1 AND cidr = $2 AND kind = $3 AND active
		)`,
		entry.TenantID, entry.CIDR, string(entry.Kind), entry.Active,
		entry.AutoAdded, entry.Reason, entry.ExpiresAt)
	return
}

func (s *PostgresStore) RemoveEntry(tenantID string, cidr string, autoOnly bool) (err error) {
	ctx, cancel := queryContext()
	defer cancel()
	if autoOnly {
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM ip_list_entries
			WHERE tenant_id = $1 AND cidr = $2 AND auto_added`, tenantID, cidr)
		return
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM ip_list_entries
		WHERE tenant_id = $1 AND cidr = $2`, tenantID, cidr)
	return
}

func (s *PostgresStore) GeoRulesForTenant(tenantID string) (rules []waf.GeoRule, err error) {
	ctx, cancel := queryContext()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT country_code, COALESCE(country_name, ''), action, active
		FROM geo_rules WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		r := waf.GeoRule{TenantID: tenantID}
		var action string
		if err = rows.Scan(&r.CountryCode, &r.CountryName, &action, &r.Active); err != nil {
			return
		}
		r.Action = waf.RuleAction(action)
		rules = append(rules, r)
	}
	err = rows.Err()
	return
}

func (s *PostgresStore) RateLimitConfigForTenant(tenantID string) (config *waf.RateLimitConfig, err error) {
	ctx, cancel := queryContext()
	defer cancel()
	var c waf.RateLimitConfig
	err = s.db.QueryRowContext(ctx, `
		SELECT requests_per_minute, requests_per_hour, requests_per_day,
		       per_ip_requests_per_minute, per_ip_requests_per_hour, whitelist_bypass
		FROM rate_limit_configs WHERE tenant_id = $1`, tenantID).
		Scan(&c.RequestsPerMinute, &c.RequestsPerHour, &c.RequestsPerDay,
			&c.PerIPRequestsPerMinute, &c.PerIPRequestsPerHour, &c.WhitelistBypass)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return
	}
	config = &c
	return
}

func (s *PostgresStore) ActiveModel(tenantID string) (model *waf.AnomalyModel, err error) {
	ctx, cancel := queryContext()
	defer cancel()
	var m waf.AnomalyModel
	m.TenantID = tenantID
	m.Active = true
	err = s.db.QueryRowContext(ctx, `
		SELECT version, blob, trained_at
		FROM anomaly_models
		WHERE tenant_id = $1 AND active
		ORDER BY version DESC LIMIT 1`, tenantID).
		Scan(&m.Version, &m.Blob, &m.TrainedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return
	}
	model = &m
	return
}

func (s *PostgresStore) GetReputation(tenantID string, ip string) (record *waf.ReputationRecord, err error) {
	ctx, cancel := queryContext()
	defer cancel()
	var r waf.ReputationRecord
	var lastViolation, blockedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT id, score, total_violations, sql_injection_attempts, xss_attempts,
		       rate_limit_violations, bot_detections, blocked, auto_blocked,
		       COALESCE(block_reason, ''), first_seen, last_seen, last_violation,
		       blocked_at, last_decay
		FROM reputation_records WHERE tenant_id = $1 AND ip = $2`, tenantID, ip).
		Scan(&r.ID, &r.Score, &r.TotalViolations, &r.SQLInjectionAttempts, &r.XSSAttempts,
			&r.RateLimitViolations, &r.BotDetections, &r.Blocked, &r.AutoBlocked,
			&r.BlockReason, &r.FirstSeen, &r.LastSeen, &lastViolation, &blockedAt, &r.LastDecay)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return
	}
	r.TenantID = tenantID
	r.IP = ip
	if lastViolation.Valid {
		t := lastViolation.Time
		r.LastViolation = &t
	}
	if blockedAt.Valid {
		t := blockedAt.Time
		r.BlockedAt = &t
	}
	record = &r
	return
}

func (s *PostgresStore) PutReputation(record *waf.ReputationRecord) (err error) {
	ctx, cancel := queryContext()
	defer cancel()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reputation_records (
			id, tenant_id, ip, score, total_violations, sql_injection_attempts,
			xss_attempts, rate_limit_violations, bot_detections, blocked,
			auto_blocked, block_reason, first_seen, last_seen, last_violation,
			blocked_at, last_decay)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (tenant_id, ip) DO UPDATE SET
			score = EXCLUDED.score,
			total_violations = EXCLUDED.total_violations,
			sql_injection_attempts = EXCLUDED.sql_injection_attempts,
			xss_attempts = EXCLUDED.xss_attempts,
			rate_limit_violations = EXCLUDED.rate_limit_violations,
			bot_detections = EXCLUDED.bot_detections,
			blocked = EXCLUDED.blocked,
			auto_blocked = EXCLUDED.auto_blocked,
			block_reason = EXCLUDED.block_reason,
			last_seen = EXCLUDED.last_seen,
			last_violation = EXCLUDED.last_violation,
			blocked_at = EXCLUDED.blocked_at,
			last_decay = EXCLUDED.last_decay`,
		record.ID, record.TenantID, record.IP, record.Score, record.TotalViolations,
		record.SQLInjectionAttempts, record.XSSAttempts, record.RateLimitViolations,
		record.BotDetections, record.Blocked, record.AutoBlocked, record.BlockReason,
		record.FirstSeen, record.LastSeen, record.LastViolation, record.BlockedAt,
		record.LastDecay)
	return
}

func (s *PostgresStore) TopOffenders(tenantID string, limit int) (records []waf.ReputationRecord, err error) {
	ctx, cancel := queryContext()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ip, score, total_violations, blocked, auto_blocked, last_seen
		FROM reputation_records
		WHERE tenant_id = $1
		ORDER BY score DESC, last_seen DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		r := waf.ReputationRecord{TenantID: tenantID}
		if err = rows.Scan(&r.ID, &r.IP, &r.Score, &r.TotalViolations, &r.Blocked, &r.AutoBlocked, &r.LastSeen); err != nil {
			return
		}
		records = append(records, r)
	}
	err = rows.Err()
	return
}

func (s *PostgresStore) DeleteStaleReputation(cutoff time.Time, maxScore int) (removed int, err error) {
	ctx, cancel := queryContext()
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM reputation_records
		WHERE NOT blocked AND score < $1 AND last_seen < $2`, maxScore, cutoff)
	if err != nil {
		return
	}
	n, err := res.RowsAffected()
	removed = int(n)
	return
}

// WriteEvent appends a SecurityEvent row. Sink errors never propagate; the
// request must not fail because auditing is degraded.
func (s *PostgresStore) WriteEvent(event waf.SecurityEvent) {
	ctx, cancel := queryContext()
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (
			id, tenant_id, rule_id, event_type, severity, action, source_ip,
			method, url, matched_pattern, anomaly_score, created_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		event.ID, event.TenantID, event.RuleID, event.EventType, event.Severity,
		event.Action, event.SourceIP, event.Method, event.URL,
		event.MatchedPattern, event.AnomalyScore, event.Timestamp)
	if err != nil {
		s.logger.Error().Err(err).Str("eventType", event.EventType).Msg("failed to persist security event")
	}
}

// splitHostList parses the comma-separated alias_hosts column.
func splitHostList(s string) (hosts []string) {
	for _, part := range strings.Split(s, ",") {
		if h := strings.TrimSpace(part); h != "" {
			hosts = append(hosts, h)
		}
	}
	return
}
