// Package incoming tracks connections in the middle of a handshake: a
// client has sent a Request and received a Challenge, but has not yet had
// its Response admitted into the server's connection table.
package incoming

import (
	"net/netip"
	"sync"

	"github.com/velanet/dgram/pkg/aead"
)

// Entry is the per-address handshake state created on Request admission
// (spec §4.6).
type Entry struct {
	Expire    uint64 // unix seconds; the token's expire_timestamp
	SendKey   [aead.KeySize]byte
	RecvKey   [aead.KeySize]byte
	Timeout   uint32 // seconds, from the token
	LastAccess int64 // unix seconds of last touch
}

// Table is the server's incoming (pending-handshake) table. It is owned by
// a single goroutine (the server's tick loop) but guards its state with a
// mutex so callers do not need to reason about that ownership by hand.
type Table struct {
	mu sync.Mutex

	entries map[netip.AddrPort]*Entry

	// historyRing is a fixed-capacity ring of consumed-token HMACs, indexed
	// by insertion order mod len(historyRing): the same ring-of-fixed-size-
	// slots shape as pkg/seqbuf, generalized from sequence numbers to a
	// plain insertion counter. historyIndex maps a live hmac to its slot so
	// AddTokenHistory can look one up in O(1); when the ring wraps, the slot
	// being overwritten is evicted from historyIndex first.
	historyRing  []tokenHistoryEntry
	historyIndex map[[16]byte]int
	historyNext  int
}

type tokenHistoryEntry struct {
	hmac   [16]byte
	addr   netip.AddrPort
	expire uint64
	used   bool
}

// New creates an empty incoming table. maxTokenHistory bounds the number of
// consumed-token HMACs remembered at once; it must be positive.
func New(maxTokenHistory int) *Table {
	if maxTokenHistory <= 0 {
		panic("incoming: maxTokenHistory must be positive")
	}
	return &Table{
		entries:      make(map[netip.AddrPort]*Entry),
		historyRing:  make([]tokenHistoryEntry, maxTokenHistory),
		historyIndex: make(map[[16]byte]int),
	}
}

// Insert records a pending handshake for addr, keyed on the private token's
// send/recv keys (spec §4.6 insert).
func (t *Table) Insert(addr netip.AddrPort, expire uint64, timeout uint32, sendKey, recvKey [aead.KeySize]byte, now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[addr] = &Entry{
		Expire:     expire,
		SendKey:    sendKey,
		RecvKey:    recvKey,
		Timeout:    timeout,
		LastAccess: now,
	}
}

// Find returns addr's pending entry, evicting (and returning not-found) if
// it has gone idle past its timeout.
func (t *Table) Find(addr netip.AddrPort, now int64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		return Entry{}, false
	}
	if e.LastAccess+int64(e.Timeout) <= now {
		delete(t.entries, addr)
		return Entry{}, false
	}
	return *e, true
}

// Touch refreshes addr's last-access tick, if present.
func (t *Table) Touch(addr netip.AddrPort, now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[addr]; ok {
		e.LastAccess = now
	}
}

// Remove drops addr's pending entry, if any.
func (t *Table) Remove(addr netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, addr)
}

// AddTokenHistory records that a private token's HMAC has been consumed,
// enforcing single-use tokens. It returns false if an unexpired record
// already exists for this hmac under a different address, or for the same
// address (spec §4.6 add_token_history): either way the token may not be
// admitted again.
//
// The history is a fixed-capacity ring (spec §9 "Token-HMAC history bound"):
// once len(historyRing) distinct hmacs are live, the oldest insertion is
// evicted to make room, rather than letting the table grow without bound
// under a flood of distinct, not-yet-expired tokens.
func (t *Table) AddTokenHistory(hmac [16]byte, addr netip.AddrPort, expire uint64, now uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx, ok := t.historyIndex[hmac]; ok && t.historyRing[idx].expire >= now {
		return false
	}

	idx := t.historyNext
	t.historyNext++
	if t.historyNext == len(t.historyRing) {
		t.historyNext = 0
	}

	if evicted := t.historyRing[idx]; evicted.used {
		if cur, ok := t.historyIndex[evicted.hmac]; ok && cur == idx {
			delete(t.historyIndex, evicted.hmac)
		}
	}

	t.historyRing[idx] = tokenHistoryEntry{hmac: hmac, addr: addr, expire: expire, used: true}
	t.historyIndex[hmac] = idx
	return true
}

// Update performs periodic maintenance: it drops token-history index entries
// that have passed their own expiry, so a hmac whose token has expired can
// be looked up as absent before the ring physically reclaims its slot. Call
// at most once per server tick (spec §4.6 "Advance cadence").
func (t *Table) Update(now uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for hmac, idx := range t.historyIndex {
		if t.historyRing[idx].expire < now {
			delete(t.historyIndex, hmac)
		}
	}
}

// Len reports the number of pending handshakes currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
