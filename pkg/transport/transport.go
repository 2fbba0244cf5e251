// Package transport provides the datagram I/O the protocol core runs over.
// The core never touches a socket directly (spec §6 "Transport interface
// consumed by the core"); it only ever sees this package's Transport
// interface, which lets tests substitute an in-memory fake for a real UDP
// socket.
package transport

import (
	"errors"
	"net"
	"net/netip"
	"time"
)

// ErrWouldBlock is returned by RecvFrom when no packet is currently available.
// The core's update loop treats this identically to "drained the socket for
// this tick" (spec §5 "recv is non-blocking and returns immediately").
var ErrWouldBlock = errors.New("transport: would block")

// ErrClosed is returned by Memory's SendTo/RecvFrom after Close; UDP returns
// the net package's own error instead.
var ErrClosed = errors.New("transport: closed")

// Transport is the datagram I/O surface the protocol core consumes.
type Transport interface {
	LocalAddr() netip.AddrPort
	SendTo(buf []byte, to netip.AddrPort) (int, error)
	// RecvFrom never blocks: if no datagram is waiting it returns
	// ErrWouldBlock immediately.
	RecvFrom(buf []byte) (int, netip.AddrPort, error)
	Close() error
}

// UDP is a Transport backed by a real net.UDPConn, grounded on the same
// ReadFromUDPAddrPort/WriteToUDPAddrPort + netip.AddrPort style the
// teacher's packet listener uses.
type UDP struct {
	conn *net.UDPConn
}

// ListenUDP binds addr and returns a ready-to-use UDP transport.
func ListenUDP(addr netip.AddrPort) (*UDP, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, err
	}
	return &UDP{conn: conn}, nil
}

func (u *UDP) LocalAddr() netip.AddrPort {
	a := u.conn.LocalAddr().(*net.UDPAddr)
	return a.AddrPort()
}

func (u *UDP) SendTo(buf []byte, to netip.AddrPort) (int, error) {
	return u.conn.WriteToUDPAddrPort(buf, to)
}

// RecvFrom performs a zero-timeout read: any datagram already queued on the
// socket is returned immediately; otherwise ErrWouldBlock is returned
// without waiting. This keeps the core's tick loop non-blocking without
// requiring platform-specific non-blocking-socket plumbing.
func (u *UDP) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	if err := u.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, netip.AddrPort{}, err
	}
	n, addr, err := u.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		return 0, netip.AddrPort{}, err
	}
	return n, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
}

func (u *UDP) Close() error {
	return u.conn.Close()
}
