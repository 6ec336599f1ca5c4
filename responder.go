package mdns

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/miekg/dns"
)

const (
	// RFC 6762 Section 8.1: [...] 250 ms after the first query, the host should send a second
	// probe, and [...] 250 ms after that, a third.
	probeCount    = 3
	probeInterval = 250 * time.Millisecond

	// RFC 6762 Section 8.1: [...] the host should first wait for a short random delay time,
	// uniformly distributed in the range 0-250 ms.
	maxProbeDelay = 250 * time.Millisecond

	// RFC 6762 Section 8.2: the host that lost a simultaneous probe tiebreak waits one second
	// and probes again.
	lostTiebreakDelay = time.Second

	// Number of names (or tiebreaks) that are attempted before giving up with a NameConflictError.
	maxProbeAttempts = 10

	// RFC6762 Section 8.3: The Multicast DNS responder MUST send at least two unsolicited
	// responses, one second apart.
	announceCount    = 2
	announceInterval = time.Second

	// RFC 6762 Section 10.1: goodbye packets are sent up to three times to improve reliability
	goodbyeCount    = 3
	goodbyeInterval = 250 * time.Millisecond

	// RFC 6762 Section 6: a responder MUST NOT multicast a record on a given interface until at
	// least one second has elapsed since the last time that record was multicast on it.
	duplicateAnswerWindow = time.Second

	// RFC 6762 Section 6.7: TTLs in responses to legacy unicast queries SHOULD NOT be greater
	// than ten seconds.
	legacyMaxTTL uint32 = 10
)

// A Handle refers to a registered service.
type Handle struct {
	reg      *registration
	registry *registry
}

// Service returns the service as it's currently advertised. The name differs from the
// registered one if it was renamed due to a conflict.
func (h *Handle) Service() *Service {
	return h.registry.service(h.reg)
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return h.registry.state(h.reg)
}

// Register publishes a service. It blocks while probing for a unique name, which takes about a
// second, and returns once the name is claimed. Announcements continue in the background.
//
// If the name is taken by another host, the service is renamed with a numeric suffix, e.g.
// `My Service (2)`, and a NameConflictError is returned once all attempts are exhausted. A
// DuplicateError is returned if an identical service is already registered with the engine.
func (e *Engine) Register(ctx context.Context, svc *Service) (*Handle, error) {
	svc = cloneService(svc)
	if svc.Hostname == "" {
		svc.Hostname = e.cfg.Hostname
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	if e.ctx.Err() != nil {
		return nil, ErrClosed
	}
	reg, err := e.registry.add(svc)
	if err != nil {
		return nil, err
	}
	if err := e.probe(ctx, reg); err != nil {
		e.registry.remove(reg)
		return nil, err
	}

	svcCtx, cancel := context.WithCancel(e.ctx)
	reg.cancel = cancel
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		cancel()
		e.registry.remove(reg)
		return nil, ErrClosed
	}
	e.group.Go(func() error {
		defer close(reg.done)
		e.runService(svcCtx, reg)
		return nil
	})
	e.log.Info("service registered", "name", e.registry.service(reg).Name, "type", svc.Type)
	return &Handle{reg: reg, registry: &e.registry}, nil
}

// Unregister sends goodbye packets for a service and removes it. If the context is done before
// all goodbyes are sent, the service is still removed. Once the engine is closed, ErrClosed is
// returned: Close has already said goodbye for all services.
func (e *Engine) Unregister(ctx context.Context, h *Handle) error {
	if e.isClosed() {
		return ErrClosed
	}
	reg := h.reg
	if !e.registry.contains(reg) {
		return fmt.Errorf("mdns: service %q is not registered", h.Service().Name)
	}
	reg.cancel()
	<-reg.done

	var err error
	if e.registry.contains(reg) {
		announced := e.registry.state(reg) != StateProbing
		e.registry.setState(reg, StateGoodbye)
		svc := e.registry.service(reg)
		for i := 0; announced && i < goodbyeCount; i++ {
			if i > 0 {
				if err = e.sleep(ctx, goodbyeInterval); err != nil {
					break
				}
			}
			e.sendGoodbye(reg, svc)
		}
		e.registry.remove(reg)
		e.log.Info("service unregistered", "name", svc.Name, "type", svc.Type)
	}
	return err
}

// Services returns a snapshot of the registered services and their states.
func (e *Engine) Services() []Registration {
	return e.registry.list()
}

// Announces the service and then answers queries, until the context is done. A conflict while
// the name is claimed sends the service back to probing.
//
// RFC 6762 Section 9: Conflict Resolution.
func (e *Engine) runService(ctx context.Context, reg *registration) {
	for {
		e.announce(ctx, reg)
		select {
		case <-ctx.Done():
			return
		case <-reg.conflict:
		}
		probeConflicts.Inc()
		svc := e.registry.service(reg)
		e.log.Info("name conflict, probing again", "name", svc.Name, "type", svc.Type)
		e.registry.setState(reg, StateProbing)
		if err := e.probe(ctx, reg); err != nil {
			if ctx.Err() == nil {
				e.log.Warn("giving up service", "name", svc.Name, "err", err)
				e.registry.remove(reg)
			}
			return
		}
	}
}

type probeResult int

const (
	probeWon probeResult = iota
	probeConflict
	probeLost
)

// Probes until a unique name is found, renaming the service on conflicts.
//
// RFC 6762 Section 8.1: Probing.
func (e *Engine) probe(ctx context.Context, reg *registration) error {
	base, suffix := splitNameSuffix(e.registry.service(reg).Name)
	delay := randBetween(0, maxProbeDelay)
	var name string
	for attempt := 1; attempt <= maxProbeAttempts; attempt++ {
		name = joinNameSuffix(base, suffix)
		e.registry.rename(reg, name)
		svc := e.registry.service(reg)
		drain(reg.conflict)
		drain(reg.lost)

		result := probeConflict
		if !e.registry.nameTaken(svc, reg) {
			var err error
			if result, err = e.probeOnce(ctx, reg, svc, delay); err != nil {
				return err
			}
		}
		switch result {
		case probeWon:
			return nil
		case probeLost:
			e.log.Debug("lost simultaneous probe tiebreak", "name", name)
			delay = lostTiebreakDelay
		case probeConflict:
			probeConflicts.Inc()
			suffix++
			e.log.Info("name conflict, renaming", "name", name, "new", joinNameSuffix(base, suffix))
			delay = randBetween(0, maxProbeDelay)
		}
	}
	return &NameConflictError{Name: name, Attempts: maxProbeAttempts}
}

func (e *Engine) probeOnce(ctx context.Context, reg *registration, svc *Service, delay time.Duration) (probeResult, error) {
	if err := e.sleep(ctx, delay); err != nil {
		return 0, err
	}
	target := instanceName(svc.Name, svc.Type)
	proposed := probeRecords(recordsFromService(svc, nil, false), target)
	for i := 0; i < probeCount; i++ {
		msg := newQueryMsg()
		qclass := uint16(dns.ClassINET)
		if i == 0 {
			// RFC 6762 Section 8.1: [...] should set the unicast-response bit in the first probe
			qclass |= qClassUnicastResponse
		}
		msg.Question = []dns.Question{{Name: target, Qtype: dns.TypeANY, Qclass: qclass}}
		msg.Ns = proposed
		_ = e.send(msg, 0, FamilyAny, "probe")

		timer := time.NewTimer(probeInterval)
		select {
		case <-timer.C:
		case <-reg.conflict:
			timer.Stop()
			return probeConflict, nil
		case <-reg.lost:
			timer.Stop()
			return probeLost, nil
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-e.ctx.Done():
			timer.Stop()
			return 0, ErrClosed
		}
	}
	return probeWon, nil
}

// Sends the unsolicited announcements and moves the service to the active state.
//
// RFC 6762 Section 8.3: Announcing.
func (e *Engine) announce(ctx context.Context, reg *registration) {
	e.registry.setState(reg, StateAnnounced)
	for i := 0; i < announceCount; i++ {
		if i > 0 {
			if err := e.sleep(ctx, announceInterval); err != nil {
				return
			}
		}
		svc := e.registry.service(reg)
		e.broadcast([]*Service{svc}, false, "announce")
	}
	e.registry.setState(reg, StateActive)
}

// Sends all records of the services on all interfaces. If unannounce is set, the TTLs are zero.
func (e *Engine) broadcast(svcs []*Service, unannounce bool, kind string) {
	for _, iface := range e.transport.Interfaces() {
		resp := newResponseMsg()
		resp.Answer = e.localRecords(svcs, iface, unannounce)
		_ = e.send(resp, iface.Index, FamilyAny, kind)
	}
}

// The meta-query PTR is kept alive if another service of the same type remains.
func (e *Engine) sendGoodbye(reg *registration, svc *Service) {
	shared := e.registry.typeShared(svc.Type, reg)
	meta := metaQueryName(svc.Type.Domain)
	for _, iface := range e.transport.Interfaces() {
		resp := newResponseMsg()
		resp.Answer = slices.DeleteFunc(e.localRecords([]*Service{svc}, iface, true), func(rr dns.RR) bool {
			return shared && nameEqual(rr.Header().Name, meta)
		})
		_ = e.send(resp, iface.Index, FamilyAny, "goodbye")
	}
}

// Generates the records of services for an interface. Services without explicit addresses use
// the addresses of the interface.
func (e *Engine) localRecords(svcs []*Service, iface *Interface, unannounce bool) (records []dns.RR) {
	for _, svc := range svcs {
		addrs := svc.Addrs
		if len(addrs) == 0 {
			addrs = e.cfg.IPType.filter(iface.Addrs())
		}
		for _, rr := range recordsFromService(svc, addrs, unannounce) {
			// Services of the same type share the meta-query PTR
			if !slices.ContainsFunc(records, func(r dns.RR) bool { return isSameRecord(r, rr) }) {
				records = append(records, rr)
			}
		}
	}
	return
}

// Answers the questions of a query with the records of announced and active services.
//
// RFC 6762 Section 6: Responding.
func (e *Engine) answer(pkt *Packet, query *dns.Msg) {
	var svcs []*Service
	for _, r := range e.registry.inState(StateAnnounced, StateActive) {
		svcs = append(svcs, r.Service)
	}
	if len(svcs) == 0 || len(query.Question) == 0 {
		return
	}

	// RFC 6762 Section 6.7: a query from a source port other than 5353 is a legacy unicast query
	legacy := pkt.Src.Port() != mdnsPort
	isProbe := len(query.Ns) > 0
	now := time.Now()

	// If we can't determine an interface source, we simply reply as if it were sent on all interfaces.
	for _, iface := range e.transport.Interfaces() {
		if pkt.IfIndex != 0 && pkt.IfIndex != iface.Index {
			continue
		}
		records := e.localRecords(svcs, iface, false)

		// RFC6762 Section 5.2: Multiple questions in the same message are responded to individually,
		// but the answers are aggregated into at most one unicast and one multicast response.
		var unicast, multicast []dns.RR
		for _, q := range query.Question {
			answers := answerTo(records, query.Answer, q)
			if q.Qclass&qClassUnicastResponse != 0 || legacy {
				unicast = appendNew(unicast, answers...)
			} else {
				multicast = appendNew(multicast, answers...)
			}
		}

		if len(unicast) > 0 {
			resp := newResponseMsg()
			resp.Answer = unicast
			resp.Extra = extraRecords(records, unicast)
			if legacy {
				resp = legacyResponse(query, resp)
			}
			_ = e.sendUnicast(resp, iface.Index, pkt.Src, "response")
		}

		// Probes are answered right away, to defend the name
		if !isProbe {
			multicast = e.suppressRecent(iface.Index, multicast, now)
		}
		if len(multicast) > 0 {
			resp := newResponseMsg()
			resp.Answer = multicast
			resp.Extra = extraRecords(records, multicast)
			_ = e.send(resp, iface.Index, familyOf(pkt.Src.Addr()), "response")
		}
	}
}

// Removes records that were multicast on the interface within the last second, and marks the
// remaining ones as sent.
func (e *Engine) suppressRecent(ifIndex int, records []dns.RR, now time.Time) (fresh []dns.RR) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, at := range e.recent {
		if now.Sub(at) >= duplicateAnswerWindow {
			delete(e.recent, key)
		}
	}
	for _, rr := range records {
		key := recentKey(ifIndex, rr)
		if _, ok := e.recent[key]; ok {
			continue
		}
		e.recent[key] = now
		fresh = append(fresh, rr)
	}
	return
}

func recentKey(ifIndex int, rr dns.RR) string {
	hdr := rr.Header()
	return fmt.Sprintf("%d|%s|%d|%x", ifIndex, nameKey(hdr.Name), hdr.Rrtype, rdata(rr))
}

// Checks the records of a response against our claimed and probing names. Another host
// asserting a unique record with one of our names, which isn't identical to ours, is a conflict.
//
// RFC 6762 Section 9: Conflict Resolution.
func (e *Engine) checkConflicts(records []dns.RR) {
	for _, r := range e.registry.inState(StateProbing, StateAnnounced, StateActive) {
		target := instanceName(r.Service.Name, r.Service.Type)
		ours := recordsFromService(r.Service, nil, false)
		for _, rr := range records {
			hdr := rr.Header()
			if hdr.Ttl == 0 || !nameEqual(hdr.Name, target) {
				continue
			}
			if hdr.Rrtype != dns.TypeSRV && hdr.Rrtype != dns.TypeTXT {
				continue
			}
			if !slices.ContainsFunc(ours, func(our dns.RR) bool { return isSameRecord(our, rr) }) {
				e.log.Debug("conflicting record", "name", r.Service.Name, "record", rr)
				signal(r.reg.conflict)
				break
			}
		}
	}
}

// Checks the authority section of another host's probe against our probing names.
//
// RFC 6762 Section 8.2: Simultaneous Probe Tiebreaking.
func (e *Engine) checkProbe(authority []dns.RR) {
	for _, r := range e.registry.inState(StateProbing) {
		target := instanceName(r.Service.Name, r.Service.Type)
		var theirs []dns.RR
		for _, rr := range authority {
			if nameEqual(rr.Header().Name, target) {
				theirs = append(theirs, rr)
			}
		}
		if len(theirs) == 0 {
			continue
		}
		ours := probeRecords(recordsFromService(r.Service, nil, false), target)
		if compareProbes(ours, theirs) < 0 {
			signal(r.reg.lost)
		}
	}
}

// RFC 6762 Section 18: responses have ID zero, the AA bit set and no questions.
func newResponseMsg() *dns.Msg {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	return msg
}

// RFC 6762 Section 6.7: legacy responses echo the ID and the question, have capped TTLs and never
// carry the cache-flush bit.
func legacyResponse(query, resp *dns.Msg) *dns.Msg {
	legacy := newResponseMsg()
	legacy.Id = query.Id
	legacy.Question = slices.Clone(query.Question)
	legacy.Answer = legacyRecords(resp.Answer)
	legacy.Extra = legacyRecords(resp.Extra)
	return legacy
}

func legacyRecords(records []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(records))
	for _, rr := range records {
		rr = dns.Copy(rr)
		hdr := rr.Header()
		hdr.Class &^= classCacheFlush
		hdr.Ttl = min(hdr.Ttl, legacyMaxTTL)
		out = append(out, rr)
	}
	return out
}

// Appends the records that aren't already present (by identity).
func appendNew(records []dns.RR, add ...dns.RR) []dns.RR {
	for _, rr := range add {
		if !slices.Contains(records, rr) {
			records = append(records, rr)
		}
	}
	return records
}

// Splits a trailing ` (N)` suffix from an instance name. Names without a suffix are number 1.
func splitNameSuffix(name string) (base string, n int) {
	if strings.HasSuffix(name, ")") {
		if i := strings.LastIndex(name, " ("); i > 0 {
			if n, err := strconv.Atoi(name[i+2 : len(name)-1]); err == nil && n >= 2 {
				return name[:i], n
			}
		}
	}
	return name, 1
}

// Builds the instance name for a rename attempt, e.g. `My Service (2)`. The base is shortened
// if needed to fit in a single label.
func joinNameSuffix(base string, n int) string {
	if n <= 1 {
		return base
	}
	suffix := fmt.Sprintf(" (%d)", n)
	for len(base)+len(suffix) > 63 && len(base) > 0 {
		_, size := utf8.DecodeLastRuneInString(base)
		base = base[:len(base)-size]
	}
	return base + suffix
}

func cloneService(svc *Service) *Service {
	cp := *svc
	if svc.Type != nil {
		ty := *svc.Type
		ty.Subtypes = slices.Clone(ty.Subtypes)
		cp.Type = &ty
	}
	cp.Addrs = slices.Clone(svc.Addrs)
	cp.Text = slices.Clone(svc.Text)
	return &cp
}

// Filters addresses by IP type.
func (t IPType) filter(addrs []netip.Addr) []netip.Addr {
	return slices.DeleteFunc(slices.Clone(addrs), func(addr netip.Addr) bool {
		if addr.Unmap().Is4() {
			return t&IPv4 == 0
		}
		return t&IPv6 == 0
	})
}
