package geodb

import (
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/maxminddb-golang"

	"edgewaf/waf"
)

// geoRecord maps the parts of a GeoLite2/GeoIP2 country record we use.
type geoRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Continent struct {
		Code  string            `maxminddb:"code"`
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"continent"`
}

// mmdbReader wraps a maxminddb reader so the database file can be swapped
// under live traffic.
type mmdbReader struct {
	mu     sync.RWMutex
	path   string
	reader *maxminddb.Reader
}

func openMMDB(path string) (r *mmdbReader, err error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		err = fmt.Errorf("opening geo database %v: %v", path, err)
		return
	}
	r = &mmdbReader{path: path, reader: reader}
	return
}

// reload swaps in a freshly opened reader. On failure the current reader
// stays in service.
func (r *mmdbReader) reload() (err error) {
	reader, err := maxminddb.Open(r.path)
	if err != nil {
		return fmt.Errorf("reloading geo database %v: %v", r.path, err)
	}
	r.mu.Lock()
	old := r.reader
	r.reader = reader
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return
}

func (r *mmdbReader) close() (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return
	}
	err = r.reader.Close()
	r.reader = nil
	return
}

// lookup resolves an IP to country info. found is false when the database
// has no record for the address.
func (r *mmdbReader) lookup(ip net.IP) (info waf.CountryInfo, found bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		err = fmt.Errorf("geo database is closed")
		return
	}
	var rec geoRecord
	if err = r.reader.Lookup(ip, &rec); err != nil {
		return
	}
	if rec.Country.ISOCode == "" {
		return
	}
	info = waf.CountryInfo{
		CountryCode:   rec.Country.ISOCode,
		CountryName:   rec.Country.Names["en"],
		ContinentCode: rec.Continent.Code,
		ContinentName: rec.Continent.Names["en"],
	}
	found = true
	return
}
