// Package geodb resolves client IPs to countries through a MaxMind database
// and applies per-tenant geographic blocking. Lookups are cached with a TTL,
// including negative results, so a flood from one address range cannot turn
// into a flood of database reads.
package geodb

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"edgewaf/waf"
)

const cacheTTL = time.Hour

// unknownCountry is the negative-cache sentinel for IPs the database has no
// record for.
const unknownCountry = "UNKNOWN"

// Gate is the geo blocking service, with the operational lifecycle hooks on
// top of the request-path waf.GeoGate surface.
type Gate interface {
	waf.GeoGate

	// Reload re-opens the database file, keeping the old one on failure.
	Reload() (err error)
	Close() (err error)
	// WatchDatabase reloads automatically when the database file is
	// replaced on disk. It blocks until ctx is done.
	WatchDatabase(ctx context.Context) (err error)
	// ClearCache drops the cached lookup for one IP, or all lookups when ip
	// is empty.
	ClearCache(ip string)
	Stats() (stats Stats)
}

// Stats is a point-in-time snapshot of lookup cache behavior.
type Stats struct {
	Hits      int64
	Misses    int64
	CacheSize int
	Loaded    bool
}

type cacheEntry struct {
	info    waf.CountryInfo
	found   bool
	expires time.Time
}

type gateImpl struct {
	logger zerolog.Logger
	db     *mmdbReader

	// lookup is the raw database resolver; tests swap it out.
	lookup func(ip net.IP) (info waf.CountryInfo, found bool, err error)

	mu     sync.RWMutex
	cache  map[string]cacheEntry
	hits   int64
	misses int64

	clock func() time.Time
}

// NewGate opens the MaxMind database at dbPath and creates the geo gate.
func NewGate(logger zerolog.Logger, dbPath string) (gate Gate, err error) {
	db, err := openMMDB(dbPath)
	if err != nil {
		return
	}
	g := &gateImpl{
		logger: logger,
		db:     db,
		lookup: db.lookup,
		cache:  make(map[string]cacheEntry),
		clock:  time.Now,
	}
	gate = g
	return
}

// Disabled returns a gate that never blocks, for deployments without a geo
// database.
func Disabled() Gate {
	return disabledGate{}
}

type disabledGate struct{}

func (disabledGate) CountryCode(ip string) string            { return unknownCountry }
func (disabledGate) CountryInfo(ip string) *waf.CountryInfo  { return nil }
func (disabledGate) Reload() error                           { return nil }
func (disabledGate) Close() error                            { return nil }
func (disabledGate) WatchDatabase(ctx context.Context) error { return nil }
func (disabledGate) ClearCache(ip string)                    {}
func (disabledGate) Stats() (stats Stats)                    { return }

func (disabledGate) IsCountryBlocked(tenant *waf.Tenant, rules []waf.GeoRule, ip string) (blocked bool, countryCode string) {
	return false, unknownCountry
}

func (g *gateImpl) CountryCode(ip string) (countryCode string) {
	entry := g.resolve(ip)
	if !entry.found {
		return unknownCountry
	}
	return entry.info.CountryCode
}

func (g *gateImpl) CountryInfo(ip string) (info *waf.CountryInfo) {
	entry := g.resolve(ip)
	if !entry.found {
		return nil
	}
	cp := entry.info
	return &cp
}

func (g *gateImpl) IsCountryBlocked(tenant *waf.Tenant, rules []waf.GeoRule, ip string) (blocked bool, countryCode string) {
	countryCode = g.CountryCode(ip)

	if countryCode == unknownCountry {
		blocked = tenant.BlockUnknownGeo
		return
	}

	// An explicit allow rule wins over a block rule for the same country.
	for _, r := range rules {
		if !r.Active || r.CountryCode != countryCode {
			continue
		}
		if r.Action == waf.ActionAllow {
			return false, countryCode
		}
		if r.Action == waf.ActionBlock {
			blocked = true
		}
	}
	return
}

func (g *gateImpl) resolve(ip string) (entry cacheEntry) {
	now := g.clock()

	g.mu.RLock()
	entry, ok := g.cache[ip]
	g.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		g.mu.Lock()
		g.hits++
		g.mu.Unlock()
		return
	}

	entry = cacheEntry{expires: now.Add(cacheTTL)}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		g.logger.Debug().Str("ip", ip).Msg("unparsable IP in geo lookup")
	} else {
		info, found, err := g.lookup(parsed)
		if err != nil {
			g.logger.Warn().Err(err).Str("ip", ip).Msg("geo lookup failed")
		} else {
			entry.info = info
			entry.found = found
		}
	}

	g.mu.Lock()
	g.misses++
	g.cache[ip] = entry
	g.mu.Unlock()
	return
}

func (g *gateImpl) Reload() (err error) {
	if err = g.db.reload(); err != nil {
		return
	}
	g.ClearCache("")
	g.logger.Info().Str("path", g.db.path).Msg("geo database reloaded")
	return
}

func (g *gateImpl) Close() (err error) {
	return g.db.close()
}

func (g *gateImpl) WatchDatabase(ctx context.Context) (err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()

	// Watch the directory: database updates usually arrive as
	// rename-into-place, which a file watch would lose.
	if err = watcher.Add(filepath.Dir(g.db.path)); err != nil {
		return
	}

	target := filepath.Clean(g.db.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if rerr := g.Reload(); rerr != nil {
				g.logger.Error().Err(rerr).Msg("geo database reload after file change failed")
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.Warn().Err(werr).Msg("geo database watcher error")
		}
	}
}

func (g *gateImpl) ClearCache(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ip == "" {
		g.cache = make(map[string]cacheEntry)
		return
	}
	delete(g.cache, ip)
}

func (g *gateImpl) Stats() (stats Stats) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stats = Stats{
		Hits:      g.hits,
		Misses:    g.misses,
		CacheSize: len(g.cache),
	}
	g.db.mu.RLock()
	stats.Loaded = g.db.reader != nil
	g.db.mu.RUnlock()
	return
}
