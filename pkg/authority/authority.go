// Package authority implements the out-of-band HTTP service that issues
// PublicTokens (spec §3, §4.4). The protocol core never generates its own
// credentials — issuance is assumed external — so this package plays the
// role the teacher's Origin/Stryder/EAX packages played (authenticate a
// caller, then hand back a credential), grounded on the teacher's actual
// HTTP server shape (pkg/atlas.Server) rather than their HTML-scraping
// implementations.
package authority

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/mod/semver"

	"github.com/velanet/dgram/db/issuancedb"
	"github.com/velanet/dgram/pkg/aead"
	"github.com/velanet/dgram/pkg/cloudflare"
	"github.com/velanet/dgram/pkg/metricsx"
	"github.com/velanet/dgram/pkg/token"
)

// middlewares is the same small helper the teacher threads its HTTP handler
// chain through (pkg/atlas/util.go).
type middlewares []func(http.Handler) http.Handler

func (ms *middlewares) Add(m func(http.Handler) http.Handler) *middlewares {
	*ms = append(*ms, m)
	return ms
}

func (ms *middlewares) Then(h http.Handler) http.Handler {
	for i := len(*ms) - 1; i >= 0; i-- {
		h = (*ms)[i](h)
	}
	return h
}

// Authority issues PublicTokens over HTTP.
type Authority struct {
	Logger zerolog.Logger

	addr    []string
	handler http.Handler

	protocolID    uint64
	privateKey    [aead.KeySize]byte
	expirySecs    uint32
	timeoutSecs   uint32
	minClientVer  string
	metricsSecret string

	geoip *geoipMgr
	db    *issuancedb.DB

	set             *metrics.Set
	issued          *metrics.Counter
	denied          *metrics.Counter
	rejectedVersion *metrics.Counter
	geo             *metricsx.GeoCounter2

	closed bool
	mu     sync.Mutex
}

// New configures a new Authority from c. c is assumed already initialized to
// default or configured values (as done by Config.UnmarshalEnv).
func New(c *Config) (*Authority, error) {
	if c.MinimumClientVersion != "" && !semver.IsValid("v"+strings.TrimPrefix(c.MinimumClientVersion, "v")) {
		return nil, fmt.Errorf("invalid minimum client version semver %q", c.MinimumClientVersion)
	}

	keyb, err := hex.DecodeString(c.PrivateKeyHex)
	if err != nil || len(keyb) != aead.KeySize {
		return nil, fmt.Errorf("private key must be %d hex-encoded bytes", aead.KeySize)
	}

	a := &Authority{
		addr:          c.Addr,
		protocolID:    c.ProtocolID,
		expirySecs:    c.TokenExpirySeconds,
		timeoutSecs:   c.TokenTimeoutSeconds,
		minClientVer:  c.MinimumClientVersion,
		metricsSecret: c.MetricsSecret,
		geoip:         &geoipMgr{},
	}
	copy(a.privateKey[:], keyb)

	a.set = metrics.NewSet()
	a.issued = a.set.NewCounter(`authority_tokens_issued_total`)
	a.denied = a.set.NewCounter(`authority_tokens_denied_total`)
	a.rejectedVersion = a.set.NewCounter(`authority_tokens_rejected_version_total`)
	a.geo = metricsx.NewGeoCounter2(`authority_tokens_issued_geo`)

	if c.IP2Location != "" {
		if err := a.geoip.Load(c.IP2Location); err != nil {
			return nil, fmt.Errorf("load ip2location database: %w", err)
		}
	}
	if c.DB != "" {
		db, err := issuancedb.Open(c.DB)
		if err != nil {
			return nil, fmt.Errorf("open issuance database: %w", err)
		}
		if cur, tgt, err := db.Version(); err != nil {
			return nil, fmt.Errorf("get issuance database version: %w", err)
		} else if err := db.MigrateUp(context.Background(), tgt); err != nil {
			return nil, fmt.Errorf("migrate issuance database from %d to %d: %w", cur, tgt, err)
		}
		a.db = db
	}

	var m middlewares
	m.Add(hlog.NewHandler(a.Logger))
	m.Add(hlog.RequestIDHandler("rid", "X-Authority-Request-Id"))
	if c.Cloudflare {
		m.Add(cloudflare.RealIP(func(r *http.Request, err error) {
			a.Logger.Warn().Err(err).Str("component", "http").Str("request_ip", r.RemoteAddr).Msg("use cloudflare ip")
		}))
	}
	if len(c.Host) != 0 {
		ns := map[string]struct{}{}
		for _, n := range c.Host {
			ns[strings.ToLower(n)] = struct{}{}
		}
		m.Add(func(h http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				host, _, _ := strings.Cut(r.Host, ":")
				if _, ok := ns[strings.ToLower(host)]; ok {
					h.ServeHTTP(w, r)
					return
				}
				http.Error(w, "Go away.", http.StatusForbidden)
			})
		})
	}
	m.Add(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		e := a.Logger.Info()
		if rid, ok := hlog.IDFromRequest(r); ok {
			e = e.Stringer("rid", rid)
		}
		e.Str("request_ip", r.RemoteAddr).
			Str("request_method", r.Method).
			Stringer("request_uri", r.URL).
			Int("response_status", status).
			Int("response_size", size).
			Dur("response_duration", duration).
			Msg("handle request")
	}))
	m.Add(gzipMiddleware)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", a.handleIssue)
	mux.HandleFunc("/metrics", a.serveMetrics)
	a.handler = m.Then(mux)

	return a, nil
}

// Handler returns the configured HTTP handler, for embedding in a larger
// mux or for use with httptest.
func (a *Authority) Handler() http.Handler { return a.handler }

// gzipMiddleware compresses responses when the caller accepts it, mirroring
// the teacher's use of klauspost/compress/gzip for HTTP response bodies.
func gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		gz := gzip.NewWriter(w)
		defer gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, w: gz}, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	w io.Writer
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) { return w.w.Write(b) }

// issueRequest is the JSON body POSTed to /token.
type issueRequest struct {
	ClientID      uint64   `json:"client_id"`
	Servers       []string `json:"servers"`
	ClientVersion string   `json:"client_version"`
	UserData      string   `json:"user_data"` // not read: issued tokens carry empty user data
}

func (a *Authority) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req issueRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if a.minClientVer != "" {
		if req.ClientVersion == "" || semver.Compare("v"+strings.TrimPrefix(req.ClientVersion, "v"), "v"+strings.TrimPrefix(a.minClientVer, "v")) < 0 {
			a.rejectedVersion.Inc()
			a.recordAudit(r, req.ClientID, 0, issuancedb.OutcomeDenied)
			http.Error(w, "client version too old", http.StatusUpgradeRequired)
			return
		}
	}

	if len(req.Servers) > token.MaxServersPerConnect {
		a.denied.Inc()
		http.Error(w, "too many servers requested", http.StatusBadRequest)
		return
	}
	addrs := make([]netip.AddrPort, 0, len(req.Servers))
	for _, s := range req.Servers {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			a.denied.Inc()
			http.Error(w, fmt.Sprintf("invalid server address %q", s), http.StatusBadRequest)
			return
		}
		addrs = append(addrs, ap)
	}
	data, err := token.EncodeAddrList(addrs)
	if err != nil {
		a.denied.Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pub := token.GeneratePublic(req.ClientID, a.protocolID, a.expirySecs, a.timeoutSecs, data[:], nil, a.privateKey)
	buf := pub.Marshal()

	a.issued.Inc()
	a.bucketGeo(r)
	a.recordAudit(r, req.ClientID, pub.ExpireTimestamp, issuancedb.OutcomeIssued)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	w.WriteHeader(http.StatusOK)
	w.Write(buf[:])
}

func (a *Authority) bucketGeo(r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		a.geo.IncUnknown()
		return
	}
	if lat, lng, ok := a.geoip.LatLng(ip); ok {
		a.geo.Inc(lat, lng)
	} else {
		a.geo.IncUnknown()
	}
}

func (a *Authority) recordAudit(r *http.Request, clientID uint64, expire uint64, outcome string) {
	if a.db == nil {
		return
	}
	region := ""
	if err := a.db.Insert(issuancedb.Record{
		ClientID:  clientID,
		RequestIP: r.RemoteAddr,
		Region:    region,
		Expire:    expire,
		Outcome:   outcome,
		IssuedAt:  time.Now(),
	}); err != nil {
		a.Logger.Warn().Err(err).Msg("record issuance audit log")
	}
}

// serveMetrics exposes Prometheus text metrics, mirroring
// pkg/atlas.Server.serveRest's /metrics handling: a secret query param
// matching Config.MetricsSecret unlocks the geo-bucketed series, which are cardinality-expensive
// and operator-only.
func (a *Authority) serveMetrics(w http.ResponseWriter, r *http.Request) {
	internal := a.metricsSecret != "" && r.URL.Query().Get("secret") == a.metricsSecret

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	a.set.WritePrometheus(w)
	if internal {
		metrics.WriteProcessMetrics(w)
		a.geo.WritePrometheus(w)
	}
}

// Run runs the server, shutting it down gracefully when ctx is canceled.
func (a *Authority) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return http.ErrServerClosed
	}
	a.mu.Unlock()

	if len(a.addr) == 0 {
		return fmt.Errorf("no listen addresses provided")
	}

	var hs []*http.Server
	for _, addr := range a.addr {
		hs = append(hs, &http.Server{Addr: addr, Handler: a.handler})
	}

	errch := make(chan error, len(hs))
	for _, h := range hs {
		h := h
		go func() { errch <- h.ListenAndServe() }()
	}
	a.Logger.Log().Strs("addr", a.addr).Msg("starting authority server")

	select {
	case <-ctx.Done():
	case err := <-errch:
		a.Logger.Err(err).Msg("failed to start authority server")
		return err
	}

	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range hs {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Shutdown(context.Background())
		}()
	}
	wg.Wait()

	if a.db != nil {
		a.db.Close()
	}
	return nil
}
