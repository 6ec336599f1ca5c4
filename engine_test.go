package mdns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	. "github.com/onsi/gomega"
)

func openTestEngine(t *testing.T, vnet *VirtualNetwork, hostname string) *Engine {
	t.Helper()
	e, err := New().
		Hostname(hostname).
		QueryTimeout(time.Second).
		Logger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Transport(vnet.Join()).
		Open()
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func testContext(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestBrowse(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	a := openTestEngine(t, vnet, "a")
	b := openTestEngine(t, vnet, "b")

	h, err := a.Register(testContext(t, 5*time.Second), NewService(NewType("_http._tcp"), "MyService", 8080))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(h.Service().Name).To(Equal("MyService"))
	g.Expect(h.Service().Hostname).To(Equal("a.local"))

	q, err := b.StartQuery(NewType("_http._tcp"))
	g.Expect(err).NotTo(HaveOccurred())

	ev, err := q.Next(testContext(t, 3*time.Second))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ev.Op).To(Equal(OpAdded))
	g.Expect(ev.Name).To(Equal("MyService"))
	g.Expect(ev.Port).To(BeEquivalentTo(8080))
	g.Expect(ev.Hostname).To(Equal("a.local"))
	g.Expect(ev.Addrs).To(ConsistOf(netip.MustParseAddr("192.0.2.1")))
	g.Expect(ev.Complete).To(BeTrue())

	g.Expect(q.Instances()).To(HaveLen(1))
	var browsed []*Instance
	for inst := range b.Browse() {
		browsed = append(browsed, inst)
	}
	g.Expect(browsed).To(HaveLen(1))

	g.Expect(a.Unregister(testContext(t, 3*time.Second), h)).To(Succeed())
	g.Expect(a.Services()).To(BeEmpty())

	ev, err = q.Next(testContext(t, 3*time.Second))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ev.Op).To(Equal(OpRemoved))
	g.Expect(ev.Name).To(Equal("MyService"))
	g.Expect(q.Instances()).To(BeEmpty())

	q.Stop()
	_, err = q.Next(context.Background())
	g.Expect(err).To(MatchError(ErrClosed))
}

func TestBrowseSubtype(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	a := openTestEngine(t, vnet, "a")
	b := openTestEngine(t, vnet, "b")

	ctx := testContext(t, 5*time.Second)
	_, err := a.Register(ctx, NewService(NewType("_http._tcp,_printer"), "Printer", 631))
	g.Expect(err).NotTo(HaveOccurred())
	_, err = a.Register(ctx, NewService(NewType("_http._tcp"), "Website", 80))
	g.Expect(err).NotTo(HaveOccurred())

	instances, err := b.Lookup(ctx, NewType("_http._tcp,_printer"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(instances).To(HaveLen(1))
	g.Expect(instances[0].Name).To(Equal("Printer"))

	instances, err = b.Lookup(ctx, NewType("_http._tcp"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(instances).To(HaveLen(2))
}

func TestDiscoverTypes(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	a := openTestEngine(t, vnet, "a")
	b := openTestEngine(t, vnet, "b")

	ctx := testContext(t, 5*time.Second)
	for _, ty := range []string{"_ipp._tcp", "_http._tcp"} {
		_, err := a.Register(ctx, NewService(NewType(ty), "Box", 8080))
		g.Expect(err).NotTo(HaveOccurred())
	}

	types, err := b.DiscoverTypes(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(types).To(HaveLen(2))
	g.Expect(types[0].String()).To(Equal("_http._tcp.local"))
	g.Expect(types[1].String()).To(Equal("_ipp._tcp.local"))
}

func TestProbeConflict(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	engines := []*Engine{openTestEngine(t, vnet, "a"), openTestEngine(t, vnet, "b")}

	var wg sync.WaitGroup
	ctx := testContext(t, 10*time.Second)
	names := make([]string, len(engines))
	errs := make([]error, len(engines))
	for i, e := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := e.Register(ctx, NewService(NewType("_http._tcp"), "MyService", 8080))
			if errs[i] = err; err == nil {
				names[i] = h.Service().Name
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		g.Expect(err).NotTo(HaveOccurred())
	}
	g.Expect(names).To(ConsistOf("MyService", "MyService (2)"))
}

func TestConflictWithAnnounced(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	a := openTestEngine(t, vnet, "a")
	b := openTestEngine(t, vnet, "b")

	ctx := testContext(t, 10*time.Second)
	ha, err := a.Register(ctx, NewService(NewType("_http._tcp"), "MyService", 8080))
	g.Expect(err).NotTo(HaveOccurred())
	g.Eventually(ha.State, 3*time.Second, 50*time.Millisecond).Should(Equal(StateActive))

	hb, err := b.Register(ctx, NewService(NewType("_http._tcp"), "MyService", 8080))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(hb.Service().Name).To(Equal("MyService (2)"))
	g.Expect(ha.Service().Name).To(Equal("MyService"))
}

func TestRegisterDuplicate(t *testing.T) {
	g := NewWithT(t)
	e := openTestEngine(t, NewVirtualNetwork(), "a")

	ctx := testContext(t, 5*time.Second)
	h, err := e.Register(ctx, NewService(NewType("_http._tcp"), "MyService", 8080))
	g.Expect(err).NotTo(HaveOccurred())

	_, err = e.Register(ctx, NewService(NewType("_http._tcp"), "MyService", 8080))
	var dup *DuplicateError
	g.Expect(errors.As(err, &dup)).To(BeTrue())

	_, err = e.Register(ctx, NewService(NewType("_http._tcp"), "MyService", 0))
	g.Expect(err).To(MatchError(ContainSubstring("port is 0")))

	services := e.Services()
	g.Expect(services).To(HaveLen(1))
	g.Expect(services[0].Service.Name).To(Equal("MyService"))
	g.Eventually(h.State, 3*time.Second, 50*time.Millisecond).Should(Equal(StateActive))
}

func TestMalformedPackets(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	a := openTestEngine(t, vnet, "a")
	b := openTestEngine(t, vnet, "b")

	q, err := b.StartQuery(NewType("_http._tcp"))
	g.Expect(err).NotTo(HaveOccurred())

	cacheLen := func() int {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.cache.len()
	}
	before := cacheLen()
	src := netip.MustParseAddrPort("192.0.2.99:5353")
	vnet.Inject([]byte{0x00, 0x01, 0x02}, src)
	// A response header claiming an answer that isn't there
	vnet.Inject([]byte{0, 0, 0x84, 0, 0, 0, 0, 1, 0, 0, 0, 0}, src)
	g.Consistently(cacheLen, 300*time.Millisecond, 50*time.Millisecond).Should(Equal(before))

	// Both engines keep working
	_, err = a.Register(testContext(t, 5*time.Second), NewService(NewType("_http._tcp"), "MyService", 8080))
	g.Expect(err).NotTo(HaveOccurred())
	ev, err := q.Next(testContext(t, 3*time.Second))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ev.Op).To(Equal(OpAdded))
}

func TestLegacyUnicast(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	a := openTestEngine(t, vnet, "a")
	legacy := vnet.Join()
	defer legacy.Close()

	h, err := a.Register(testContext(t, 5*time.Second), NewService(NewType("_http._tcp"), "MyService", 8080))
	g.Expect(err).NotTo(HaveOccurred())
	g.Eventually(h.State, 3*time.Second, 50*time.Millisecond).Should(Equal(StateActive))

	query := new(dns.Msg)
	query.Id = 0x1234
	query.Question = []dns.Question{{Name: "_http._tcp.local.", Qtype: dns.TypePTR, Qclass: dns.ClassINET}}
	buf, err := Encode(query)
	g.Expect(err).NotTo(HaveOccurred())
	src := netip.AddrPortFrom(legacy.Interfaces()[0].V4[0], 40000)
	vnet.Inject(buf, src)

	var resp *dns.Msg
	deadline := time.Now().Add(3 * time.Second)
	for resp == nil && time.Now().Before(deadline) {
		pkt, err := legacy.Receive(100 * time.Millisecond)
		if err != nil {
			continue
		}
		if msg, err := Decode(pkt.Data); err == nil && msg.Response && msg.Id == query.Id {
			resp = msg
		}
	}
	g.Expect(resp).NotTo(BeNil())
	g.Expect(resp.Question).To(Equal(query.Question))
	g.Expect(resp.Answer).NotTo(BeEmpty())
	for _, rr := range append(resp.Answer, resp.Extra...) {
		g.Expect(rr.Header().Ttl).To(BeNumerically("<=", 10))
		g.Expect(rr.Header().Class & classCacheFlush).To(BeZero())
	}
}

func TestClosedEngine(t *testing.T) {
	g := NewWithT(t)
	e := openTestEngine(t, NewVirtualNetwork(), "a")
	q, err := e.StartQuery(NewType("_http._tcp"))
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(e.Close()).To(Succeed())

	_, err = q.Next(context.Background())
	g.Expect(err).To(MatchError(ErrClosed))
	_, err = e.StartQuery(NewType("_http._tcp"))
	g.Expect(err).To(MatchError(ErrClosed))
	_, err = e.Register(context.Background(), NewService(NewType("_http._tcp"), "MyService", 8080))
	g.Expect(err).To(MatchError(ErrClosed))
}

func addrOf(tr interface{ Interfaces() []*Interface }) netip.Addr {
	return tr.Interfaces()[0].V4[0]
}

// Reads messages from a transport for a duration and returns those that match.
func collect(tr Transport, d time.Duration, match func(src netip.AddrPort, msg *dns.Msg) bool) (msgs []*dns.Msg) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		pkt, err := tr.Receive(time.Until(deadline))
		if err != nil {
			continue
		}
		if msg, err := Decode(pkt.Data); err == nil && match(pkt.Src, msg) {
			msgs = append(msgs, msg)
		}
	}
	return
}

func injectMsg(t *testing.T, vnet *VirtualNetwork, msg *dns.Msg, src netip.AddrPort) {
	t.Helper()
	buf, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	vnet.Inject(buf, src)
}

func hasAnswer(msg *dns.Msg, name string, rrtype uint16) bool {
	for _, rr := range msg.Answer {
		if nameEqual(rr.Header().Name, name) && rr.Header().Rrtype == rrtype {
			return true
		}
	}
	return false
}

func TestAddressBeforeService(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	b := openTestEngine(t, vnet, "b")
	peer := vnet.Join()
	defer peer.Close()
	src := netip.AddrPortFrom(addrOf(peer), mdnsPort)

	q, err := b.StartQuery(NewType("_http._tcp"))
	g.Expect(err).NotTo(HaveOccurred())

	svc := NewService(NewType("_http._tcp"), "Box", 80)
	svc.Hostname = "h.local"
	records := recordsFromService(svc, []netip.Addr{netip.MustParseAddr("192.0.2.7")}, false)
	var addrs, rest []dns.RR
	for _, rr := range records {
		if rr.Header().Rrtype == dns.TypeA {
			addrs = append(addrs, rr)
		} else {
			rest = append(rest, rr)
		}
	}

	// The address arrives in an earlier packet than the SRV naming its host
	resp := newResponseMsg()
	resp.Answer = addrs
	injectMsg(t, vnet, resp, src)
	resp = newResponseMsg()
	resp.Answer = rest
	injectMsg(t, vnet, resp, src)

	ev, err := q.Next(testContext(t, 2*time.Second))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ev.Op).To(Equal(OpAdded))
	g.Expect(ev.Hostname).To(Equal("h.local"))
	g.Expect(ev.Addrs).To(ConsistOf(netip.MustParseAddr("192.0.2.7")))
}

func TestResolvePartialInstance(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	b := openTestEngine(t, vnet, "b")
	peer := vnet.Join()
	defer peer.Close()

	_, err := b.StartQuery(NewType("_http._tcp"))
	g.Expect(err).NotTo(HaveOccurred())

	// A PTR alone, e.g. because the additional records were left out
	resp := newResponseMsg()
	resp.Answer = []dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{Name: "_http._tcp.local.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 4500},
		Ptr: "Box._http._tcp.local.",
	}}
	injectMsg(t, vnet, resp, netip.AddrPortFrom(addrOf(peer), mdnsPort))

	bAddr := addrOf(b)
	queries := collect(peer, 2*time.Second, func(src netip.AddrPort, msg *dns.Msg) bool {
		if src.Addr() != bAddr || msg.Response {
			return false
		}
		for _, q := range msg.Question {
			if q.Qtype == dns.TypeSRV && nameEqual(q.Name, "Box._http._tcp.local.") {
				return true
			}
		}
		return false
	})
	g.Expect(queries).NotTo(BeEmpty())
	g.Expect(queries[0].Question).To(ContainElement(
		dns.Question{Name: "Box._http._tcp.local.", Qtype: dns.TypeTXT, Qclass: dns.ClassINET}))
}

func TestKnownAnswerSent(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	a := openTestEngine(t, vnet, "a")
	b := openTestEngine(t, vnet, "b")
	peer := vnet.Join()
	defer peer.Close()

	_, err := a.Register(testContext(t, 5*time.Second), NewService(NewType("_http._tcp"), "MyService", 8080))
	g.Expect(err).NotTo(HaveOccurred())
	q, err := b.StartQuery(NewType("_http._tcp"))
	g.Expect(err).NotTo(HaveOccurred())
	ev, err := q.Next(testContext(t, 3*time.Second))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ev.Op).To(Equal(OpAdded))

	bAddr := addrOf(b)
	queries := collect(peer, 3*time.Second, func(src netip.AddrPort, msg *dns.Msg) bool {
		return src.Addr() == bAddr && !msg.Response && hasAnswer(msg, "_http._tcp.local.", dns.TypePTR)
	})
	g.Expect(queries).NotTo(BeEmpty())
	ptr := queries[0].Answer[0].(*dns.PTR)
	g.Expect(ptr.Ptr).To(Equal(`MyService._http._tcp.local.`))
	g.Expect(ptr.Hdr.Ttl).To(BeNumerically(">", defaultRecordTTL/5))
}

func TestDuplicateAnswerSuppression(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	a := openTestEngine(t, vnet, "a")
	peer := vnet.Join()
	defer peer.Close()

	h, err := a.Register(testContext(t, 5*time.Second), NewService(NewType("_http._tcp"), "MyService", 8080))
	g.Expect(err).NotTo(HaveOccurred())
	g.Eventually(h.State, 3*time.Second, 50*time.Millisecond).Should(Equal(StateActive))

	// Skip the announcements
	collect(peer, 100*time.Millisecond, func(netip.AddrPort, *dns.Msg) bool { return false })

	query := newQueryMsg()
	query.Question = []dns.Question{{Name: "_http._tcp.local.", Qtype: dns.TypePTR, Qclass: dns.ClassINET}}
	src := netip.AddrPortFrom(addrOf(peer), mdnsPort)
	aAddr := addrOf(a)
	responses := func(d time.Duration) int {
		return len(collect(peer, d, func(src netip.AddrPort, msg *dns.Msg) bool {
			return src.Addr() == aAddr && msg.Response && hasAnswer(msg, "_http._tcp.local.", dns.TypePTR)
		}))
	}

	start := time.Now()
	injectMsg(t, vnet, query, src)
	time.Sleep(200 * time.Millisecond)
	injectMsg(t, vnet, query, src)
	g.Expect(responses(500 * time.Millisecond)).To(Equal(1))

	time.Sleep(time.Until(start.Add(1100 * time.Millisecond)))
	injectMsg(t, vnet, query, src)
	g.Expect(responses(500 * time.Millisecond)).To(Equal(1))
}

func TestGoodbyeRepeated(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	a := openTestEngine(t, vnet, "a")
	peer := vnet.Join()
	defer peer.Close()

	h, err := a.Register(testContext(t, 5*time.Second), NewService(NewType("_http._tcp"), "MyService", 8080))
	g.Expect(err).NotTo(HaveOccurred())
	g.Eventually(h.State, 3*time.Second, 50*time.Millisecond).Should(Equal(StateActive))

	start := time.Now()
	g.Expect(a.Unregister(testContext(t, 3*time.Second), h)).To(Succeed())
	g.Expect(time.Since(start)).To(BeNumerically(">=", 2*goodbyeInterval))

	aAddr := addrOf(a)
	goodbyes := collect(peer, 300*time.Millisecond, func(src netip.AddrPort, msg *dns.Msg) bool {
		if src.Addr() != aAddr || !msg.Response || len(msg.Answer) == 0 {
			return false
		}
		for _, rr := range msg.Answer {
			if rr.Header().Ttl != 0 {
				return false
			}
		}
		return true
	})
	g.Expect(goodbyes).To(HaveLen(goodbyeCount))
}

func TestCloseSaysGoodbye(t *testing.T) {
	g := NewWithT(t)
	vnet := NewVirtualNetwork()
	a := openTestEngine(t, vnet, "a")
	b := openTestEngine(t, vnet, "b")

	h, err := a.Register(testContext(t, 5*time.Second), NewService(NewType("_http._tcp"), "MyService", 8080))
	g.Expect(err).NotTo(HaveOccurred())
	q, err := b.StartQuery(NewType("_http._tcp"))
	g.Expect(err).NotTo(HaveOccurred())
	ev, err := q.Next(testContext(t, 3*time.Second))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ev.Op).To(Equal(OpAdded))

	g.Expect(a.Close()).To(Succeed())
	ev, err = q.Next(testContext(t, 2*time.Second))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ev.Op).To(Equal(OpRemoved))
	g.Expect(ev.Name).To(Equal("MyService"))

	g.Expect(a.Services()).To(BeEmpty())
	g.Expect(a.Unregister(context.Background(), h)).To(MatchError(ErrClosed))
}
