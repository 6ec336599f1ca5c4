package mdns

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

const (
	// Receive timeout, which bounds how long teardown waits for the receive loop.
	pollInterval = 100 * time.Millisecond

	// The timer loop wakes up at least this often, even without scheduled work.
	maxTimerSleep = time.Second
)

// An Engine runs the mDNS protocol on a transport: it owns the record cache, the running
// queries and the registered services. Create one with New().Open() and Close it when done.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	transport Transport

	// Guards the fields below, and the instances and schedule of each query
	mu        sync.Mutex
	cache     *recordCache
	cacheSize int
	queries   map[*Query]struct{}
	recent    map[string]time.Time // Records multicast within the last second
	closed    bool

	registry registry

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	wake      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newEngine(cfg Config, log *slog.Logger, transport Transport) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	e := &Engine{
		cfg:       cfg,
		log:       log,
		transport: transport,
		cache:     newRecordCache(cfg.MaxAge),
		queries:   make(map[*Query]struct{}),
		recent:    make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		wake:      make(chan struct{}, 1),
	}
	group.Go(e.recvLoop)
	group.Go(e.timerLoop)
	return e
}

// Interfaces returns the network interfaces in use.
func (e *Engine) Interfaces() []*Interface {
	return e.transport.Interfaces()
}

// Close stops all queries, sends goodbyes for the registered services (best-effort) and releases
// the transport.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		queries := make([]*Query, 0, len(e.queries))
		for q := range e.queries {
			queries = append(queries, q)
		}
		clear(e.queries)
		e.mu.Unlock()

		e.cancel()
		err := e.group.Wait()

		var svcs []*Service
		for _, r := range e.registry.inState(StateAnnounced, StateActive) {
			svcs = append(svcs, r.Service)
		}
		if len(svcs) > 0 {
			_ = e.transport.SetWriteDeadline(time.Now().Add(writeTimeout))
			e.broadcast(svcs, true, "goodbye")
		}
		for _, r := range e.registry.list() {
			e.registry.setState(r.reg, StateGoodbye)
			e.registry.remove(r.reg)
		}
		for _, q := range queries {
			q.stopOnce.Do(func() { close(q.done) })
		}
		e.closeErr = errors.Join(err, e.transport.Close())
	})
	return e.closeErr
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Receives and dispatches packets until the engine is closed.
func (e *Engine) recvLoop() error {
	for e.ctx.Err() == nil {
		pkt, err := e.transport.Receive(pollInterval)
		if errors.Is(err, ErrTimeout) {
			continue
		} else if errors.Is(err, ErrClosed) {
			return nil
		} else if err != nil {
			e.log.Warn("receive failed", "err", err)
			_ = sleepContext(e.ctx, pollInterval)
			continue
		}
		packetsReceived.Inc()
		msg, err := Decode(pkt.Data)
		if err != nil {
			packetsDropped.WithLabelValues("format").Inc()
			e.log.Debug("failed to decode packet", "src", pkt.Src, "err", err)
			continue
		}
		e.handleMessage(pkt, msg)
	}
	return nil
}

func (e *Engine) handleMessage(pkt *Packet, msg *dns.Msg) {
	// RFC 6762 Section 18.3, 18.11: messages with another opcode or a non-zero rcode are ignored
	if msg.Opcode != dns.OpcodeQuery || msg.Rcode != dns.RcodeSuccess {
		packetsDropped.WithLabelValues("opcode").Inc()
		return
	}
	if !msg.Response {
		// Probes carry the proposed records in the authority section
		if len(msg.Ns) > 0 {
			e.checkProbe(msg.Ns)
		}
		e.answer(pkt, msg)
		return
	}

	// RFC 6762 Section 6: responses from a source port other than 5353 are silently ignored
	if pkt.Src.Port() != mdnsPort {
		packetsDropped.WithLabelValues("port").Inc()
		return
	}
	records := slices.Concat(msg.Answer, msg.Extra)
	e.checkConflicts(records)
	e.cacheResponse(records, time.Now())
}

// Inserts the records that are relevant to the running queries into the cache, and updates the
// affected queries. Address records are relevant if their host is the target of an SRV, so they
// are inserted last. Other address records are still cached while a service query runs, since
// the SRV naming their host may arrive in a later packet.
func (e *Engine) cacheResponse(records []dns.RR, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queries) == 0 {
		return
	}
	var changed, browsing bool
	hosts := make(map[*Query]map[string]bool, len(e.queries))
	for q := range e.queries {
		browsing = browsing || q.ty != nil
	}
	insert := func(addrs bool) {
		for _, rr := range records {
			rrtype := rr.Header().Rrtype
			if isAddr := rrtype == dns.TypeA || rrtype == dns.TypeAAAA; isAddr != addrs {
				continue
			}
			var relevant []*Query
			for q := range e.queries {
				if q.isRelevant(rr, hosts[q]) {
					relevant = append(relevant, q)
				}
			}
			if len(relevant) == 0 && !(addrs && browsing) {
				continue
			}
			fresh, removed := e.cache.insert(rr, now)
			if fresh || len(removed) > 0 {
				changed = true
				for _, q := range relevant {
					q.resetInterval(now)
				}
			}
		}
	}
	insert(false)
	for q := range e.queries {
		if q.ty != nil {
			hosts[q] = instanceHosts(assembleInstances(e.cache, q.ty, now))
		}
	}
	insert(true)

	if changed {
		for q := range e.queries {
			q.refresh(now)
		}
	}
	e.updateCacheGauge()
}

// Runs the scheduled work: queries, cache refreshes and sweeps.
func (e *Engine) timerLoop() error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case <-e.wake:
		case <-timer.C:
		}
		next := e.tick(time.Now())
		timer.Reset(time.Until(next))
	}
}

// Performs the work that is due and returns when to tick next.
func (e *Engine) tick(now time.Time) time.Time {
	e.mu.Lock()
	if removed := e.cache.sweep(now); len(removed) > 0 {
		for q := range e.queries {
			q.refresh(now)
		}
	}
	var msgs []*dns.Msg
	next := now.Add(maxTimerSleep)
	for q := range e.queries {
		if !q.nextAt.After(now) {
			msgs = append(msgs, q.nextMessage(now))
		}
		if q.nextAt.Before(next) {
			next = q.nextAt
		}
	}
	if msg := e.refreshMessage(now); msg != nil {
		msgs = append(msgs, msg)
	}
	if deadline := e.cache.nextDeadline(); !deadline.IsZero() && deadline.Before(next) {
		next = deadline
	}
	e.updateCacheGauge()
	e.mu.Unlock()

	for _, msg := range msgs {
		_ = e.send(msg, 0, FamilyAny, "query")
	}
	return next
}

// Builds a query for the cached records that reached a refresh point, if they are still of
// interest to a running query. Must be called with e.mu held.
//
// RFC 6762 Section 5.2: [...] the querier should plan to issue a query at 80% of the record
// lifetime, and then if no answer is received, at 85%, 90% and 95%.
func (e *Engine) refreshMessage(now time.Time) *dns.Msg {
	type question struct {
		name   string
		rrtype uint16
	}
	seen := make(map[question]bool)
	msg := newQueryMsg()
	for _, rr := range e.cache.needingRefresh(now) {
		hdr := rr.Header()
		k := question{nameKey(hdr.Name), hdr.Rrtype}
		if seen[k] {
			continue
		}
		for q := range e.queries {
			if q.isRelevant(rr, instanceHosts(q.instances)) {
				seen[k] = true
				msg.Question = append(msg.Question, dns.Question{Name: hdr.Name, Qtype: hdr.Rrtype, Qclass: dns.ClassINET})
				break
			}
		}
	}
	if len(msg.Question) == 0 {
		return nil
	}
	return msg
}

// Must be called with e.mu held.
func (e *Engine) updateCacheGauge() {
	n := e.cache.len()
	cacheEntriesGauge.Add(float64(n - e.cacheSize))
	e.cacheSize = n
}

// Encodes and multicasts a message. Failures are logged and counted, and returned for callers
// that care.
func (e *Engine) send(msg *dns.Msg, ifIndex int, family Family, kind string) error {
	buf, err := Encode(msg)
	if err != nil {
		e.log.Warn("failed to encode message", "kind", kind, "err", err)
		return err
	}
	if err := e.transport.WriteMulticast(buf, ifIndex, family); err != nil {
		sendErrors.Inc()
		e.log.Warn("failed to send message", "kind", kind, "err", err)
		return err
	}
	packetsSent.WithLabelValues(kind).Inc()
	return nil
}

func (e *Engine) sendUnicast(msg *dns.Msg, ifIndex int, dst netip.AddrPort, kind string) error {
	buf, err := Encode(msg)
	if err != nil {
		e.log.Warn("failed to encode message", "kind", kind, "err", err)
		return err
	}
	if err := e.transport.WriteUnicast(buf, ifIndex, dst); err != nil {
		sendErrors.Inc()
		e.log.Warn("failed to send message", "kind", kind, "dst", dst, "err", err)
		return err
	}
	packetsSent.WithLabelValues(kind).Inc()
	return nil
}

// Sleeps, unless the context is done or the engine is closed.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}
