// Package seqbuf implements the fixed-capacity sequence buffer used by the
// reliability layer for both the send/recv bookkeeping and fragment
// reassembly (spec §4.9). It is generic over the stored value type; the
// sequence number itself is a uint32, wide enough for every user in this
// repo while keeping wraparound arithmetic simple.
package seqbuf

// Buffer is a ring of fixed size N indexed by seq mod N. Each slot stores at
// most one (seq, value) pair. The zero value is not ready to use; call New.
type Buffer[T any] struct {
	entries []slot[T]
	newest  uint32 // one past the highest sequence ever accepted
	has     bool
}

type slot[T any] struct {
	seq  uint32
	used bool
	val  T
}

// New creates a Buffer with the given capacity (spec recommends a power of
// two or small composite; any positive value works).
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("seqbuf: capacity must be positive")
	}
	return &Buffer[T]{entries: make([]slot[T], capacity)}
}

// Capacity returns N.
func (b *Buffer[T]) Capacity() int {
	return len(b.entries)
}

// Newest returns the sequence one past the highest ever inserted, and
// whether anything has been inserted at all.
func (b *Buffer[T]) Newest() (uint32, bool) {
	return b.newest, b.has
}

func (b *Buffer[T]) index(seq uint32) int {
	return int(seq) % len(b.entries)
}

// tooOld reports whether seq is older than newest-N, i.e. it has
// fallen out of the window and must be rejected.
func (b *Buffer[T]) tooOld(seq uint32) bool {
	if !b.has {
		return false
	}
	cap32 := uint32(len(b.entries))
	return b.newest-seq > cap32 && seq < b.newest
}

// Insert stores value at seq. It is rejected (returns false) if seq is older
// than newest-N. If seq is the newest sequence seen (or newer), the pointer
// advances and any slots skipped over are cleared, per spec §4.9/§4.3.
func (b *Buffer[T]) Insert(seq uint32, value T) bool {
	if b.tooOld(seq) {
		return false
	}
	if !b.has || seq >= b.newest {
		start := b.newest
		if !b.has {
			start = seq
		}
		b.clearRange(start, seq)
		b.newest = seq + 1
		b.has = true
	}
	idx := b.index(seq)
	b.entries[idx] = slot[T]{seq: seq, used: true, val: value}
	return true
}

// clearRange clears slots for every sequence in [start, seq], used when the
// insertion pointer jumps forward and skips sequences that were never
// filled — they must not appear to hold stale data from a previous lap
// around the ring.
func (b *Buffer[T]) clearRange(start, seq uint32) {
	n := uint32(len(b.entries))
	span := seq - start + 1
	if span > n {
		// wrapped or spans the whole ring: clear everything
		for i := range b.entries {
			b.entries[i] = slot[T]{}
		}
		return
	}
	for s := start; ; s++ {
		idx := b.index(s)
		var zero T
		b.entries[idx] = slot[T]{val: zero}
		if s == seq {
			break
		}
	}
}

// Find returns the value stored at seq, if the slot's stored sequence still
// equals seq (i.e. it hasn't been overwritten or cleared).
func (b *Buffer[T]) Find(seq uint32) (T, bool) {
	e := b.entries[b.index(seq)]
	if e.used && e.seq == seq {
		return e.val, true
	}
	var zero T
	return zero, false
}

// FindPtr is like Find but returns a pointer into the buffer for in-place
// mutation (used by the reliable endpoint to mark sent records acked).
func (b *Buffer[T]) FindPtr(seq uint32) (*T, bool) {
	e := &b.entries[b.index(seq)]
	if e.used && e.seq == seq {
		return &e.val, true
	}
	return nil, false
}

// Exists reports whether seq has a live entry.
func (b *Buffer[T]) Exists(seq uint32) bool {
	_, ok := b.Find(seq)
	return ok
}

// Remove clears the slot at seq unconditionally.
func (b *Buffer[T]) Remove(seq uint32) {
	b.entries[b.index(seq)] = slot[T]{}
}

// GenerateAckBits computes (ack, ackBits) for the last nbits sequences
// ending at newest-1: bit i is set iff slot (ack-i) is present. nbits must be
// <= 32.
func (b *Buffer[T]) GenerateAckBits(nbits int) (ack uint32, bits uint32) {
	if nbits > 32 {
		panic("seqbuf: nbits must be <= 32")
	}
	ack = b.newest - 1
	for i := 0; i < nbits; i++ {
		if b.Exists(ack - uint32(i)) {
			bits |= 1 << uint(i)
		}
	}
	return
}
