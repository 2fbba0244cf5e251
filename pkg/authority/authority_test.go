package authority

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"

	"github.com/velanet/dgram/pkg/aead"
	"github.com/velanet/dgram/pkg/token"
)

func newTestAuthority(t *testing.T) (*Authority, [aead.KeySize]byte) {
	t.Helper()
	key := aead.GenerateKey()
	cfg := &Config{
		Addr:                []string{":0"},
		ProtocolID:          0x1122334455667788,
		PrivateKeyHex:       hex.EncodeToString(key[:]),
		TokenExpirySeconds:  30,
		TokenTimeoutSeconds: 10,
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Logger = zerolog.Nop()
	return a, key
}

func TestIssueReturnsUsablePublicToken(t *testing.T) {
	a, key := newTestAuthority(t)

	body, _ := json.Marshal(issueRequest{
		ClientID: 777,
		Servers:  []string{"203.0.113.10:9000"},
	})
	req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewReader(body))
	req.RemoteAddr = "198.51.100.1:4000"
	w := httptest.NewRecorder()

	a.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	if w.Body.Len() != token.PublicLen {
		t.Fatalf("body length = %d, want %d", w.Body.Len(), token.PublicLen)
	}

	var buf [token.PublicLen]byte
	copy(buf[:], w.Body.Bytes())
	pub := token.UnmarshalPublic(&buf)

	if err := pub.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if pub.ProtocolID != a.protocolID {
		t.Fatalf("ProtocolID = %d, want %d", pub.ProtocolID, a.protocolID)
	}

	priv, err := pub.OpenPrivate(key)
	if err != nil {
		t.Fatalf("OpenPrivate: %v", err)
	}
	if priv.ClientID != 777 {
		t.Fatalf("ClientID = %d, want 777", priv.ClientID)
	}

	addr := netip.MustParseAddrPort("203.0.113.10:9000")
	present, err := token.ContainsAddr(priv.Data, addr)
	if err != nil {
		t.Fatalf("ContainsAddr: %v", err)
	}
	if !present {
		t.Fatalf("server address not present in token data")
	}
}

func TestIssueRejectsTooManyServers(t *testing.T) {
	a, _ := newTestAuthority(t)

	servers := make([]string, token.MaxServersPerConnect+1)
	for i := range servers {
		servers[i] = "203.0.113.10:9000"
	}
	body, _ := json.Marshal(issueRequest{ClientID: 1, Servers: servers})
	req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewReader(body))
	w := httptest.NewRecorder()

	a.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestIssueRejectsOldClientVersion(t *testing.T) {
	key := aead.GenerateKey()
	cfg := &Config{
		Addr:                 []string{":0"},
		ProtocolID:           1,
		PrivateKeyHex:        hex.EncodeToString(key[:]),
		TokenExpirySeconds:   30,
		TokenTimeoutSeconds:  10,
		MinimumClientVersion: "1.2.0",
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Logger = zerolog.Nop()

	body, _ := json.Marshal(issueRequest{ClientID: 1, ClientVersion: "1.1.0"})
	req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewReader(body))
	w := httptest.NewRecorder()

	a.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want 426", w.Code)
	}
}

func TestIssueOnlyAcceptsPost(t *testing.T) {
	a, _ := newTestAuthority(t)

	req := httptest.NewRequest(http.MethodGet, "/token", nil)
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func TestMetricsEndpointReportsIssuedCount(t *testing.T) {
	a, _ := newTestAuthority(t)

	body, _ := json.Marshal(issueRequest{ClientID: 1})
	req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewReader(body))
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("issue status = %d, want 200", w.Code)
	}

	mreq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mw := httptest.NewRecorder()
	a.Handler().ServeHTTP(mw, mreq)

	if !bytes.Contains(mw.Body.Bytes(), []byte("authority_tokens_issued_total")) {
		t.Fatalf("metrics output missing issued counter: %s", mw.Body.String())
	}
}
