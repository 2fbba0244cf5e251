package transport

import (
	"net/netip"
	"sync"
)

// Memory is an in-process Transport: datagrams sent to a peer's address are
// delivered to that peer's Memory instance's queue. It lets client/server
// integration tests run without a real socket or the host's loopback stack.
type Memory struct {
	mu     sync.Mutex
	addr   netip.AddrPort
	queue  [][]byte
	from   []netip.AddrPort
	closed bool

	net *MemoryNetwork
}

type datagram struct {
	to      netip.AddrPort
	from    netip.AddrPort
	payload []byte
}

// MemoryNetwork wires a set of Memory transports together by address.
type MemoryNetwork struct {
	mu   sync.Mutex
	peer map[netip.AddrPort]*Memory
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{peer: make(map[netip.AddrPort]*Memory)}
}

// NewTransport registers and returns a new Memory transport bound to addr.
func (n *MemoryNetwork) NewTransport(addr netip.AddrPort) *Memory {
	m := &Memory{addr: addr, net: n}
	n.mu.Lock()
	n.peer[addr] = m
	n.mu.Unlock()
	return m
}

func (n *MemoryNetwork) deliver(d datagram) {
	n.mu.Lock()
	dst := n.peer[d.to]
	n.mu.Unlock()
	if dst == nil {
		return
	}
	dst.mu.Lock()
	if !dst.closed {
		dst.queue = append(dst.queue, d.payload)
		dst.from = append(dst.from, d.from)
	}
	dst.mu.Unlock()
}

func (m *Memory) LocalAddr() netip.AddrPort { return m.addr }

func (m *Memory) SendTo(buf []byte, to netip.AddrPort) (int, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	cp := append([]byte(nil), buf...)
	m.net.deliver(datagram{to: to, from: m.addr, payload: cp})
	return len(buf), nil
}

func (m *Memory) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, netip.AddrPort{}, ErrClosed
	}
	if len(m.queue) == 0 {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	next := m.queue[0]
	from := m.from[0]
	m.queue = m.queue[1:]
	m.from = m.from[1:]
	n := copy(buf, next)
	return n, from, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.net.mu.Lock()
	delete(m.net.peer, m.addr)
	m.net.mu.Unlock()
	return nil
}

var _ Transport = (*UDP)(nil)
var _ Transport = (*Memory)(nil)
