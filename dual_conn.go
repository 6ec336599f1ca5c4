package mdns

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"
)

// Number of received packets buffered between the socket readers and the engine.
const recvQueueLen = 64

// The UDP transport, which encapsulates both IPv4 and IPv6 sockets.
type dualConn struct {
	c4     *conn4
	c6     *conn6
	ifaces map[int]*Interface // key: iface.Index
	log    *slog.Logger

	// Used to select the interfaces to use, default = net.Interfaces
	ifacesFn func() ([]net.Interface, error)

	packets   chan *Packet
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Transport = &dualConn{}

// Opens the sockets for the given IP type(s) and joins the mDNS groups. Bind failures and a failure
// to join any group at all are returned as a *TransportError.
func newDualConn(ifacesFn func() ([]net.Interface, error), ipType IPType, log *slog.Logger) (*dualConn, error) {
	c := &dualConn{
		ifaces:   make(map[int]*Interface),
		ifacesFn: ifacesFn,
		log:      log,
		packets:  make(chan *Packet, recvQueueLen),
		done:     make(chan struct{}),
	}

	var err4, err6 error
	if ipType&IPv4 > 0 {
		c.c4, err4 = newConn4()
	}
	if ipType&IPv6 > 0 {
		c.c6, err6 = newConn6()
	}
	if err := errors.Join(err4, err6); err != nil {
		c.closeConns()
		return nil, &TransportError{Op: "listen", Err: err}
	}
	if err := c.loadIfaces(); err != nil {
		c.closeConns()
		return nil, err
	}
	for _, cn := range c.conns() {
		c.wg.Add(1)
		go c.recvLoop(cn)
	}
	return c, nil
}

// Loads the interfaces and joins the multicast group on each one. Failure to join on a single
// interface is tolerated, since some interfaces claim multicast support but don't deliver.
func (c *dualConn) loadIfaces() error {
	netIfaces, err := c.ifacesFn()
	if err != nil {
		return &TransportError{Op: "interfaces", Err: err}
	}
	var joinErrs []error
	for _, netIface := range netIfaces {
		if !isMulticastInterface(netIface) {
			continue
		}
		v4, v6, err := netIfaceAddrs(netIface)
		if err != nil {
			joinErrs = append(joinErrs, err)
			continue
		}
		iface := &Interface{Interface: netIface}
		if c.c4 != nil && len(v4) > 0 {
			if err := c.c4.JoinMulticast(netIface); err != nil {
				joinErrs = append(joinErrs, fmt.Errorf("%v: %w", netIface.Name, err))
			} else {
				iface.V4 = v4
			}
		}
		if c.c6 != nil && len(v6) > 0 {
			if err := c.c6.JoinMulticast(netIface); err != nil {
				joinErrs = append(joinErrs, fmt.Errorf("%v: %w", netIface.Name, err))
			} else {
				iface.V6 = v6
			}
		}
		if len(iface.V4) > 0 || len(iface.V6) > 0 {
			c.ifaces[iface.Index] = iface
		}
	}
	if len(c.ifaces) == 0 {
		err := errors.Join(joinErrs...)
		if err == nil {
			err = errors.New("no multicast interfaces with usable addresses")
		}
		return &TransportError{Op: "join", Err: err}
	}
	for _, err := range joinErrs {
		c.log.Debug("failed to join multicast group", "err", err)
	}
	return nil
}

func (c *dualConn) conns() (conns []conn) {
	if c.c4 != nil {
		conns = append(conns, c.c4)
	}
	if c.c6 != nil {
		conns = append(conns, c.c6)
	}
	return
}

func (c *dualConn) Interfaces() []*Interface {
	ifaces := slices.Collect(maps.Values(c.ifaces))
	slices.SortFunc(ifaces, func(a, b *Interface) int { return a.Index - b.Index })
	return ifaces
}

// Reads from one socket until it's closed, and forwards the packets to the engine.
func (c *dualConn) recvLoop(cn conn) {
	defer c.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, src, ifIndex, err := cn.ReadMulticast(buf)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("socket read failed, closing reader", "err", err)
			}
			return
		}
		if isRunt(n) {
			continue
		}
		udpAddr, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		srcAddr := udpAddr.AddrPort()
		pkt := &Packet{
			Data:    bytes.Clone(buf[:n]),
			Src:     netip.AddrPortFrom(srcAddr.Addr().Unmap(), srcAddr.Port()),
			IfIndex: ifIndex,
		}
		select {
		case c.packets <- pkt:
		case <-c.done:
			return
		}
	}
}

func (c *dualConn) Receive(timeout time.Duration) (*Packet, error) {
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

func (c *dualConn) WriteUnicast(buf []byte, ifIndex int, dst netip.AddrPort) (err error) {
	dstUdp := net.UDPAddrFromAddrPort(dst)
	addr := dst.Addr().Unmap()
	if c.c4 != nil && addr.Is4() {
		dstUdp.IP = addr.AsSlice()
		_, err = c.c4.WriteUnicast(buf, ifIndex, dstUdp)
	} else if c.c6 != nil && addr.Is6() {
		_, err = c.c6.WriteUnicast(buf, ifIndex, dstUdp)
	} else {
		err = fmt.Errorf("no suitable conn for unicast: ifIndex=%v dst=%v", ifIndex, dst)
	}
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// An ifIndex of zero writes on all interfaces.
func (c *dualConn) WriteMulticast(buf []byte, ifIndex int, family Family) error {
	if ifIndex == 0 {
		var errs []error
		for _, iface := range c.Interfaces() {
			errs = append(errs, c.WriteMulticast(buf, iface.Index, family))
		}
		return errors.Join(errs...)
	}
	iface := c.ifaces[ifIndex]
	if iface == nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("iface with idx %v not found", ifIndex)}
	}
	var err4, err6 error
	if len(iface.V4) > 0 && family&FamilyIPv4 > 0 {
		_, err4 = c.c4.WriteMulticast(buf, iface.Interface)
	}
	if len(iface.V6) > 0 && family&FamilyIPv6 > 0 {
		_, err6 = c.c6.WriteMulticast(buf, iface.Interface)
	}
	if err := errors.Join(err4, err6); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *dualConn) SetWriteDeadline(dl time.Time) error {
	var errs []error
	for _, conn := range c.conns() {
		errs = append(errs, conn.SetWriteDeadline(dl))
	}
	return errors.Join(errs...)
}

// Leaves the multicast groups, closes the sockets and waits for the readers to exit.
func (c *dualConn) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		for _, iface := range c.ifaces {
			if c.c4 != nil && len(iface.V4) > 0 {
				_ = c.c4.LeaveMulticast(iface.Interface)
			}
			if c.c6 != nil && len(iface.V6) > 0 {
				_ = c.c6.LeaveMulticast(iface.Interface)
			}
		}
		err = c.closeConns()
		c.wg.Wait()
	})
	return err
}

func (c *dualConn) closeConns() error {
	var errs []error
	for _, conn := range c.conns() {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

// Returns mDNS-suitable unicast addresses for a net.Interface
func netIfaceAddrs(iface net.Interface) (v4, v6 []netip.Addr, err error) {
	var v6local []netip.Addr
	ifaceAddrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, err
	}
	for _, address := range ifaceAddrs {
		ipnet, ok := address.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() {
			v4 = append(v4, ip)
		} else if ip.Is6() {
			if ip.IsGlobalUnicast() {
				v6 = append(v6, ip)
			} else if ip.IsLinkLocalUnicast() {
				v6local = append(v6local, ip)
			}
		}
	}
	// 1 ip of each type is enough
	v4, v6 = max1(v4), append(max1(v6), max1(v6local)...)
	return
}

func max1[T any](slice []T) []T {
	if len(slice) > 1 {
		return slice[:1]
	}
	return slice
}

// Returns an interface source that keeps only the interfaces matching one of the selectors, by
// name (e.g. `eth0`) or by one of their addresses (e.g. `192.168.1.10`).
func selectInterfaces(fn func() ([]net.Interface, error), selectors ...string) func() ([]net.Interface, error) {
	return func() ([]net.Interface, error) {
		ifaces, err := fn()
		if err != nil {
			return nil, err
		}
		return slices.DeleteFunc(ifaces, func(iface net.Interface) bool {
			return !ifaceMatches(iface, selectors)
		}), nil
	}
}

func ifaceMatches(iface net.Interface, selectors []string) bool {
	if slices.Contains(selectors, iface.Name) {
		return true
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, address := range addrs {
		ipnet, ok := address.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		for _, sel := range selectors {
			if want, err := netip.ParseAddr(sel); err == nil && want.Unmap() == ip.Unmap() {
				return true
			}
		}
	}
	return false
}
