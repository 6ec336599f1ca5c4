package mdns

import (
	"bytes"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"
)

// A VirtualNetwork is an in-memory link that connects transports, for tests and simulations.
// Multicast packets are delivered to every member, including the sender, like a real socket with
// multicast loopback enabled.
type VirtualNetwork struct {
	mu      sync.Mutex
	members []*virtualConn
	next    byte
}

// NewVirtualNetwork returns an empty network.
func NewVirtualNetwork() *VirtualNetwork {
	return &VirtualNetwork{next: 1}
}

// Join attaches a new host to the network and returns its transport. If no addresses are given,
// an IPv4 address from 192.0.2.0/24 is assigned.
func (n *VirtualNetwork) Join(addrs ...netip.Addr) Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(addrs) == 0 {
		addrs = []netip.Addr{netip.AddrFrom4([4]byte{192, 0, 2, n.next})}
		n.next++
	}
	iface := &Interface{Interface: net.Interface{
		Index: 1,
		MTU:   1500,
		Name:  "vnet0",
		Flags: net.FlagUp | net.FlagMulticast,
	}}
	for _, addr := range addrs {
		if addr = addr.Unmap(); addr.Is4() {
			iface.V4 = append(iface.V4, addr)
		} else {
			iface.V6 = append(iface.V6, addr)
		}
	}
	c := &virtualConn{
		network: n,
		iface:   iface,
		packets: make(chan *Packet, recvQueueLen),
		done:    make(chan struct{}),
	}
	n.members = append(n.members, c)
	return c
}

// Inject delivers raw bytes to every member as if they were multicast from src.
func (n *VirtualNetwork) Inject(data []byte, src netip.AddrPort) {
	n.mu.Lock()
	members := slices.Clone(n.members)
	n.mu.Unlock()
	for _, m := range members {
		m.deliver(data, src)
	}
}

func (n *VirtualNetwork) leave(c *virtualConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members = slices.DeleteFunc(n.members, func(m *virtualConn) bool { return m == c })
}

func (n *VirtualNetwork) owner(addr netip.Addr) *virtualConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.members {
		if slices.Contains(m.iface.Addrs(), addr.Unmap()) {
			return m
		}
	}
	return nil
}

type virtualConn struct {
	network *VirtualNetwork
	iface   *Interface

	packets   chan *Packet
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = &virtualConn{}

func (c *virtualConn) Interfaces() []*Interface {
	return []*Interface{c.iface}
}

// Packets are dropped when the receiver falls behind, like a congested socket buffer.
func (c *virtualConn) deliver(data []byte, src netip.AddrPort) {
	select {
	case <-c.done:
		return
	default:
	}
	if isRunt(len(data)) {
		return
	}
	pkt := &Packet{Data: bytes.Clone(data), Src: src, IfIndex: c.iface.Index}
	select {
	case c.packets <- pkt:
	default:
		packetsDropped.WithLabelValues("overflow").Inc()
	}
}

func (c *virtualConn) Receive(timeout time.Duration) (*Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pkt := <-c.packets:
		return pkt, nil
	case <-c.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (c *virtualConn) WriteMulticast(buf []byte, ifIndex int, family Family) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	var srcs []netip.Addr
	if family&FamilyIPv4 > 0 {
		srcs = append(srcs, max1(c.iface.V4)...)
	}
	if family&FamilyIPv6 > 0 {
		srcs = append(srcs, max1(c.iface.V6)...)
	}
	for _, src := range srcs {
		c.network.Inject(buf, netip.AddrPortFrom(src, mdnsPort))
	}
	return nil
}

func (c *virtualConn) WriteUnicast(buf []byte, ifIndex int, dst netip.AddrPort) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	peer := c.network.owner(dst.Addr())
	if peer == nil {
		// Like UDP, a datagram to nowhere is not an error
		return nil
	}
	src := max1(c.iface.V4)
	if familyOf(dst.Addr()) == FamilyIPv6 {
		src = max1(c.iface.V6)
	}
	if len(src) == 0 {
		return &TransportError{Op: "send", Err: net.ErrClosed}
	}
	peer.deliver(buf, netip.AddrPortFrom(src[0], mdnsPort))
	return nil
}

func (c *virtualConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *virtualConn) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		c.network.leave(c)
		err = nil
	})
	return err
}

func (c *virtualConn) checkOpen() error {
	select {
	case <-c.done:
		return &TransportError{Op: "send", Err: ErrClosed}
	default:
		return nil
	}
}
