package token

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// MaxServersPerConnect bounds the server address list embedded in a
// PrivateToken's Data field (SPEC_FULL.md §D.3, grounded on the original
// source's addr.rs MAX_SERVERS_PER_CONNECT).
const MaxServersPerConnect = 32

// ErrTooManyAddresses is returned by EncodeAddrList when given more than
// MaxServersPerConnect addresses.
var ErrTooManyAddresses = errors.New("token: too many server addresses")

// addrEntrySize is 19 bytes: 1 tag (4=IPv4, 6=IPv6) + 16 address bytes + 2
// port, little-endian. 32 entries plus a 1-byte count fit comfortably inside
// the 624-byte Data field.
const addrEntrySize = 1 + 16 + 2

// EncodeAddrList packs a list of server addresses into a PrivateToken.Data
// sized buffer: this is the concrete format behind spec §4.8.2 step 3,
// "deserialize the token's data as a list of server addresses."
func EncodeAddrList(addrs []netip.AddrPort) ([PrivateDataLen]byte, error) {
	var out [PrivateDataLen]byte
	if len(addrs) > MaxServersPerConnect {
		return out, ErrTooManyAddresses
	}
	out[0] = byte(len(addrs))
	for i, a := range addrs {
		off := 1 + i*addrEntrySize
		ip := a.Addr()
		if ip.Is4() {
			out[off] = 4
			b := ip.As4()
			copy(out[off+1:], b[:])
		} else {
			out[off] = 6
			b := ip.As16()
			copy(out[off+1:], b[:])
		}
		binary.LittleEndian.PutUint16(out[off+17:], a.Port())
	}
	return out, nil
}

// DecodeAddrList unpacks the format EncodeAddrList produces.
func DecodeAddrList(data [PrivateDataLen]byte) ([]netip.AddrPort, error) {
	n := int(data[0])
	if n > MaxServersPerConnect {
		return nil, ErrTooManyAddresses
	}
	out := make([]netip.AddrPort, 0, n)
	for i := 0; i < n; i++ {
		off := 1 + i*addrEntrySize
		if off+addrEntrySize > PrivateDataLen {
			return nil, errShortBuffer
		}
		var ip netip.Addr
		switch data[off] {
		case 4:
			var b [4]byte
			copy(b[:], data[off+1:off+5])
			ip = netip.AddrFrom4(b)
		case 6:
			var b [16]byte
			copy(b[:], data[off+1:off+17])
			ip = netip.AddrFrom16(b)
		default:
			return nil, errShortBuffer
		}
		port := binary.LittleEndian.Uint16(data[off+17:])
		out = append(out, netip.AddrPortFrom(ip, port))
	}
	return out, nil
}

// ContainsAddr reports whether addr is present in the list encoded in data,
// used by the server to check its own address is among those the client was
// told to connect to (spec §4.8.2 step 3).
func ContainsAddr(data [PrivateDataLen]byte, addr netip.AddrPort) (bool, error) {
	addrs, err := DecodeAddrList(data)
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if a == addr {
			return true, nil
		}
	}
	return false, nil
}
