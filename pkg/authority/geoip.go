package authority

import (
	"fmt"
	"net/netip"
	"os"
	"sync"

	"github.com/pg9182/ip2x"
)

// geoipMgr wraps a file-backed IP2Location database, the same shape as the
// teacher's ip2xMgr (pkg/atlas/util.go), used here to bucket issuance
// metrics by the requesting client's approximate region rather than to
// serve any lookup to callers.
type geoipMgr struct {
	file *os.File
	db   *ip2x.DB
	mu   sync.RWMutex
}

func (m *geoipMgr) Load(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}

	db, err := ip2x.New(f)
	if err != nil {
		f.Close()
		return err
	}
	if p, _ := db.Info(); p != ip2x.IP2Location {
		f.Close()
		return fmt.Errorf("not an ip2location database")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		m.file.Close()
	}
	m.file = f
	m.db = db
	return nil
}

// LatLng resolves ip to an approximate latitude/longitude. ok is false if no
// database is loaded or the lookup doesn't have coordinate fields.
func (m *geoipMgr) LatLng(ip netip.Addr) (lat, lng float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return 0, 0, false
	}
	r, err := m.db.Lookup(ip)
	if err != nil {
		return 0, 0, false
	}
	latf, ok1 := r.GetFloat32(ip2x.Latitude)
	lngf, ok2 := r.GetFloat32(ip2x.Longitude)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return float64(latf), float64(lngf), true
}
