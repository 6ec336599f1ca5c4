package mdns

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"time"
)

const mdnsPort = 5353

// Family selects the IP protocol(s) of a multicast send.
type Family uint8

const (
	FamilyIPv4 Family = 1 << iota
	FamilyIPv6
	FamilyAny = FamilyIPv4 | FamilyIPv6
)

// Returns the family of an address, used to reply on the same family a query arrived on.
func familyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// Interface is a network interface used for mDNS, along with the addresses that are advertised
// on it.
type Interface struct {
	net.Interface
	V4, V6 []netip.Addr // If no addr, the iface is ignored while communicating
}

func (i *Interface) String() string {
	return fmt.Sprintf("%v %v %v", i.Name, i.V4, i.V6)
}

// Addrs returns all advertised addresses of the interface.
func (i *Interface) Addrs() []netip.Addr {
	return append(slices.Clip(i.V4), i.V6...)
}

// A Packet is a datagram received from the network.
type Packet struct {
	Data []byte
	Src  netip.AddrPort

	// The index of the interface the message came from. Note this cannot be trusted fully:
	//
	// First, there may be some cases (Windows) where the index isn't provided (and thus, 0).
	// In those cases, we reply to all interfaces to be safe.
	//
	// Secondly, experiments (on Linux w. ethernet and wifi) show that packets sent on
	// one interface may be received on two interfaces. Thus, we shouldn't use iface index
	// as a key or for deduplication.
	//
	// In short: If an index is non-zero, we reply on the same index. If zero, we
	// must respond to all indices.
	IfIndex int
}

// Transport sends and receives mDNS datagrams. The engine owns the transport and closes it on
// shutdown. Implementations must allow Receive to be called concurrently with the write methods.
type Transport interface {
	// Interfaces the transport has joined the multicast group on.
	Interfaces() []*Interface

	// Receive blocks until a packet arrives or the timeout passes, in which case ErrTimeout is
	// returned. Packets too short to hold a DNS header are never returned.
	Receive(timeout time.Duration) (*Packet, error)

	// WriteMulticast sends to the mDNS group on one interface, on the given families. An ifIndex
	// of zero sends on all interfaces.
	WriteMulticast(buf []byte, ifIndex int, family Family) error

	// WriteUnicast sends directly to an address, via the given interface.
	WriteUnicast(buf []byte, ifIndex int, dst netip.AddrPort) error

	// SetWriteDeadline bounds the duration of subsequent writes. The zero value clears it.
	SetWriteDeadline(t time.Time) error

	// Close releases the sockets, leaving the multicast groups.
	Close() error
}

// Datagrams shorter than a DNS header are noise, and are dropped before decoding.
func isRunt(n int) bool {
	if n < headerLen {
		packetsDropped.WithLabelValues("runt").Inc()
		return true
	}
	return false
}
