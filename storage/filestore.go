// Package storage provides the store implementations behind the waf store
// interfaces: a YAML file-backed store for standalone and development
// deployments, and a Postgres-backed store for shared deployments.
package storage

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"edgewaf/waf"
)

// fileConfig is the on-disk YAML shape of a standalone deployment: tenants,
// the rule catalog, bindings, and per-tenant lists and limits in one file.
type fileConfig struct {
	Tenants  []fileTenant       `yaml:"tenants"`
	Rules    []fileRule         `yaml:"rules"`
	Bindings []fileBinding      `yaml:"bindings"`
	IPLists  []fileIPListEntry  `yaml:"ipLists"`
	GeoRules []fileGeoRule      `yaml:"geoRules"`
	Limits   []fileRateLimit    `yaml:"rateLimits"`
	Models   []fileAnomalyModel `yaml:"anomalyModels"`
}

type fileTenant struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name"`
	EdgeHost        string    `yaml:"edgeHost"`
	AliasHosts      []string  `yaml:"aliasHosts"`
	OriginURL       string    `yaml:"originUrl"`
	Active          *bool     `yaml:"active"`
	WAFEnabled      *bool     `yaml:"wafEnabled"`
	ProtectionLevel string    `yaml:"protectionLevel"`
	BlockUnknownGeo bool      `yaml:"blockUnknownGeo"`
	CreatedAt       time.Time `yaml:"createdAt"`
}

type fileRule struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Pattern  string `yaml:"pattern"`
	Action   string `yaml:"action"`
	Severity string `yaml:"severity"`
	Active   *bool  `yaml:"active"`
}

type fileBinding struct {
	TenantID       string `yaml:"tenantId"`
	RuleID         string `yaml:"ruleId"`
	Enabled        *bool  `yaml:"enabled"`
	ActionOverride string `yaml:"actionOverride"`
}

type fileIPListEntry struct {
	TenantID  string     `yaml:"tenantId"`
	CIDR      string     `yaml:"cidr"`
	Kind      string     `yaml:"kind"`
	Active    *bool      `yaml:"active"`
	Reason    string     `yaml:"reason"`
	ExpiresAt *time.Time `yaml:"expiresAt"`
}

type fileGeoRule struct {
	TenantID    string `yaml:"tenantId"`
	CountryCode string `yaml:"countryCode"`
	CountryName string `yaml:"countryName"`
	Action      string `yaml:"action"`
	Active      *bool  `yaml:"active"`
}

type fileRateLimit struct {
	TenantID               string `yaml:"tenantId"`
	RequestsPerMinute      int    `yaml:"requestsPerMinute"`
	RequestsPerHour        int    `yaml:"requestsPerHour"`
	RequestsPerDay         int    `yaml:"requestsPerDay"`
	PerIPRequestsPerMinute int    `yaml:"perIpRequestsPerMinute"`
	PerIPRequestsPerHour   int    `yaml:"perIpRequestsPerHour"`
	WhitelistBypass        *bool  `yaml:"whitelistBypass"`
}

type fileAnomalyModel struct {
	TenantID  string    `yaml:"tenantId"`
	Version   int       `yaml:"version"`
	Model     string    `yaml:"model"` // JSON model blob, inline
	Active    *bool     `yaml:"active"`
	TrainedAt time.Time `yaml:"trainedAt"`
}

// FileStore implements every waf store interface from a single YAML file.
// Reads after load are in-memory; IP list and reputation mutations stay
// in-process and are lost on restart, which is the documented standalone
// trade-off.
type FileStore struct {
	mu         sync.RWMutex
	tenants    []waf.Tenant
	rules      []waf.FirewallRule
	bindings   map[string][]waf.TenantRuleBinding
	ipLists    map[string][]waf.IPListEntry
	geoRules   map[string][]waf.GeoRule
	rateLimits map[string]*waf.RateLimitConfig
	models     map[string]*waf.AnomalyModel
	reputation map[string]*waf.ReputationRecord
}

// LoadFileStore reads and validates the YAML config at path.
func LoadFileStore(path string) (store *FileStore, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("reading store file %v: %v", path, err)
		return
	}
	return ParseFileStore(data)
}

// ParseFileStore builds a FileStore from raw YAML.
func ParseFileStore(data []byte) (store *FileStore, err error) {
	var cfg fileConfig
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		err = fmt.Errorf("parsing store file: %v", err)
		return
	}

	s := &FileStore{
		bindings:   make(map[string][]waf.TenantRuleBinding),
		ipLists:    make(map[string][]waf.IPListEntry),
		geoRules:   make(map[string][]waf.GeoRule),
		rateLimits: make(map[string]*waf.RateLimitConfig),
		models:     make(map[string]*waf.AnomalyModel),
		reputation: make(map[string]*waf.ReputationRecord),
	}

	seenHosts := make(map[string]string)
	for _, t := range cfg.Tenants {
		if t.ID == "" || t.EdgeHost == "" || t.OriginURL == "" {
			err = fmt.Errorf("tenant %q must have id, edgeHost and originUrl", t.Name)
			return
		}
		if owner, dup := seenHosts[t.EdgeHost]; dup {
			err = fmt.Errorf("edge host %v claimed by both %v and %v", t.EdgeHost, owner, t.ID)
			return
		}
		seenHosts[t.EdgeHost] = t.ID
		level := waf.ProtectionLevel(t.ProtectionLevel)
		if level == "" {
			level = waf.ProtectionMedium
		}
		s.tenants = append(s.tenants, waf.Tenant{
			ID:              t.ID,
			Name:            t.Name,
			EdgeHost:        t.EdgeHost,
			AliasHosts:      t.AliasHosts,
			OriginURL:       t.OriginURL,
			Active:          boolOrDefault(t.Active, true),
			WAFEnabled:      boolOrDefault(t.WAFEnabled, true),
			ProtectionLevel: level,
			BlockUnknownGeo: t.BlockUnknownGeo,
			CreatedAt:       t.CreatedAt,
		})
	}

	for _, r := range cfg.Rules {
		if r.ID == "" {
			err = fmt.Errorf("rule %q must have an id", r.Name)
			return
		}
		s.rules = append(s.rules, waf.FirewallRule{
			ID:       r.ID,
			Name:     r.Name,
			Type:     waf.RuleType(r.Type),
			Pattern:  r.Pattern,
			Action:   waf.RuleAction(r.Action),
			Severity: r.Severity,
			Active:   boolOrDefault(r.Active, true),
		})
	}

	for _, b := range cfg.Bindings {
		s.bindings[b.TenantID] = append(s.bindings[b.TenantID], waf.TenantRuleBinding{
			RuleID:         b.RuleID,
			Enabled:        boolOrDefault(b.Enabled, true),
			ActionOverride: waf.RuleAction(b.ActionOverride),
		})
	}

	for _, e := range cfg.IPLists {
		s.ipLists[e.TenantID] = append(s.ipLists[e.TenantID], waf.IPListEntry{
			TenantID:  e.TenantID,
			CIDR:      e.CIDR,
			Kind:      waf.IPListKind(e.Kind),
			Active:    boolOrDefault(e.Active, true),
			Reason:    e.Reason,
			ExpiresAt: e.ExpiresAt,
		})
	}

	for _, g := range cfg.GeoRules {
		s.geoRules[g.TenantID] = append(s.geoRules[g.TenantID], waf.GeoRule{
			TenantID:    g.TenantID,
			CountryCode: g.CountryCode,
			CountryName: g.CountryName,
			Action:      waf.RuleAction(g.Action),
			Active:      boolOrDefault(g.Active, true),
		})
	}

	for _, l := range cfg.Limits {
		cp := waf.RateLimitConfig{
			RequestsPerMinute:      l.RequestsPerMinute,
			RequestsPerHour:        l.RequestsPerHour,
			RequestsPerDay:         l.RequestsPerDay,
			PerIPRequestsPerMinute: l.PerIPRequestsPerMinute,
			PerIPRequestsPerHour:   l.PerIPRequestsPerHour,
			WhitelistBypass:        boolOrDefault(l.WhitelistBypass, true),
		}
		// Unset caps take the documented defaults instead of zero.
		def := waf.DefaultRateLimitConfig()
		if cp.RequestsPerMinute == 0 {
			cp.RequestsPerMinute = def.RequestsPerMinute
		}
		if cp.RequestsPerHour == 0 {
			cp.RequestsPerHour = def.RequestsPerHour
		}
		if cp.RequestsPerDay == 0 {
			cp.RequestsPerDay = def.RequestsPerDay
		}
		if cp.PerIPRequestsPerMinute == 0 {
			cp.PerIPRequestsPerMinute = def.PerIPRequestsPerMinute
		}
		if cp.PerIPRequestsPerHour == 0 {
			cp.PerIPRequestsPerHour = def.PerIPRequestsPerHour
		}
		s.rateLimits[l.TenantID] = &cp
	}

	for _, m := range cfg.Models {
		if !boolOrDefault(m.Active, true) {
			continue
		}
		current := s.models[m.TenantID]
		if current != nil && current.Version >= m.Version {
			continue
		}
		s.models[m.TenantID] = &waf.AnomalyModel{
			TenantID:  m.TenantID,
			Version:   m.Version,
			Blob:      []byte(m.Model),
			Active:    true,
			TrainedAt: m.TrainedAt,
		}
	}

	store = s
	return
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (s *FileStore) Tenants() (tenants []waf.Tenant, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants = append(tenants, s.tenants...)
	return
}

func (s *FileStore) RuleCatalog() (rules []waf.FirewallRule, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules = append(rules, s.rules...)
	return
}

func (s *FileStore) BindingsForTenant(tenantID string) (bindings []waf.TenantRuleBinding, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bindings = append(bindings, s.bindings[tenantID]...)
	return
}

func (s *FileStore) EntriesForTenant(tenantID string) (entries []waf.IPListEntry, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries = append(entries, s.ipLists[tenantID]...)
	return
}

func (s *FileStore) PutEntry(entry waf.IPListEntry) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.ipLists[entry.TenantID] {
		if e.CIDR == entry.CIDR && e.Kind == entry.Kind && e.Active {
			return
		}
	}
	s.ipLists[entry.TenantID] = append(s.ipLists[entry.TenantID], entry)
	return
}

func (s *FileStore) RemoveEntry(tenantID string, cidr string, autoOnly bool) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.ipLists[tenantID]
	kept := entries[:0]
	for _, e := range entries {
		if e.CIDR == cidr && (!autoOnly || e.AutoAdded) {
			continue
		}
		kept = append(kept, e)
	}
	s.ipLists[tenantID] = kept
	return
}

func (s *FileStore) GeoRulesForTenant(tenantID string) (rules []waf.GeoRule, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules = append(rules, s.geoRules[tenantID]...)
	return
}

func (s *FileStore) RateLimitConfigForTenant(tenantID string) (config *waf.RateLimitConfig, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.rateLimits[tenantID]; c != nil {
		cp := *c
		config = &cp
	}
	return
}

func (s *FileStore) ActiveModel(tenantID string) (model *waf.AnomalyModel, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := s.models[tenantID]; m != nil {
		cp := *m
		model = &cp
	}
	return
}

func (s *FileStore) GetReputation(tenantID string, ip string) (record *waf.ReputationRecord, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.reputation[tenantID+"|"+ip]; r != nil {
		cp := *r
		record = &cp
	}
	return
}

func (s *FileStore) PutReputation(record *waf.ReputationRecord) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.reputation[record.TenantID+"|"+record.IP] = &cp
	return
}

func (s *FileStore) TopOffenders(tenantID string, limit int) (records []waf.ReputationRecord, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reputation {
		if r.TenantID == tenantID {
			records = append(records, *r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].IP < records[j].IP
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return
}

func (s *FileStore) DeleteStaleReputation(cutoff time.Time, maxScore int) (removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, r := range s.reputation {
		if !r.Blocked && r.Score < maxScore && r.LastSeen.Before(cutoff) {
			delete(s.reputation, key)
			removed++
		}
	}
	return
}
