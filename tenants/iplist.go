package tenants

import (
	"net/netip"
	"strings"
	"time"

	"github.com/phemmer/go-iptrie"
	"github.com/rs/zerolog"

	"edgewaf/waf"
)

// ipListMatcher answers whitelist/blacklist membership for one tenant using
// longest-prefix tries built from the tenant's active, unexpired entries.
type ipListMatcher struct {
	whitelist *iptrie.Trie
	blacklist *iptrie.Trie
	entries   []waf.IPListEntry
}

func newIPListMatcher(logger zerolog.Logger, entries []waf.IPListEntry, now time.Time) *ipListMatcher {
	m := &ipListMatcher{
		whitelist: iptrie.NewTrie(),
		blacklist: iptrie.NewTrie(),
	}

	for _, e := range entries {
		if !e.Active || (e.ExpiresAt != nil && !e.ExpiresAt.After(now)) {
			continue
		}
		prefix, err := parseCIDR(e.CIDR)
		if err != nil {
			logger.Warn().Err(err).Str("cidr", e.CIDR).Msg("skipping unparsable IP list entry")
			continue
		}
		idx := len(m.entries)
		m.entries = append(m.entries, e)
		switch e.Kind {
		case waf.IPListWhitelist:
			m.whitelist.Insert(prefix, idx)
		case waf.IPListBlacklist:
			m.blacklist.Insert(prefix, idx)
		}
	}
	return m
}

// Match checks the IP against both lists. Whitelist membership always wins.
// Entries that expired after the matcher was built are ignored here too.
func (m *ipListMatcher) Match(ip string, now time.Time) (match waf.IPListMatch) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return
	}
	addr = addr.Unmap()

	if e := m.lookup(m.whitelist, addr, now); e != nil {
		match.Whitelisted = true
		match.Entry = e
		return
	}
	if e := m.lookup(m.blacklist, addr, now); e != nil {
		match.Blacklisted = true
		match.Entry = e
	}
	return
}

func (m *ipListMatcher) lookup(t *iptrie.Trie, addr netip.Addr, now time.Time) *waf.IPListEntry {
	v := t.Find(addr)
	if v == nil {
		return nil
	}
	e := &m.entries[v.(int)]
	if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
		return nil
	}
	return e
}

// parseCIDR accepts both prefixes and bare addresses; bare addresses get a
// host-length mask.
func parseCIDR(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.ContainsRune(s, '/') {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
