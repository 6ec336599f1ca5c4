package mdns

import (
	"context"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	// RFC 6762 Section 5.2: the interval between the first two queries MUST be at least one
	// second, and the intervals MUST increase by at least a factor of two.
	minQueryInterval = time.Second

	// RFC 6762 Section 5.2: [...] until the interval reaches a maximum of 60 minutes.
	maxQueryInterval = 60 * time.Minute
)

// A Query is a continuous query for instances of a service type. Changes are delivered as events,
// which are buffered until consumed.
type Query struct {
	engine *Engine
	ty     *Type // nil for service type enumeration
	name   string

	// Guarded by engine.mu
	instances map[string]*Instance
	interval  time.Duration
	nextAt    time.Time

	mu       sync.Mutex
	queue    []Event
	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newQuery(e *Engine, ty *Type, now time.Time) *Query {
	q := &Query{
		engine:    e,
		ty:        ty,
		instances: make(map[string]*Instance),
		interval:  minQueryInterval,
		// RFC6762 Section 8.3: [...] a Multicast DNS querier SHOULD also delay the first query of
		// the series by a randomly chosen amount in the range 20-120 ms.
		nextAt: now.Add(randBetween(20*time.Millisecond, 120*time.Millisecond)),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if ty != nil {
		q.name = queryName(ty)
	} else {
		q.name = metaQueryName(e.cfg.Domain)
	}
	return q
}

// Type returns the queried service type.
func (q *Query) Type() *Type {
	return q.ty
}

// Stop ends the query. Buffered events can still be read, after which Next returns ErrClosed.
// No further packets are sent for the query.
func (q *Query) Stop() {
	q.engine.StopQuery(q)
}

// Next returns the next event, blocking until there is one, the context is done or the query
// is stopped.
func (q *Query) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.queue) > 0 {
			ev := q.queue[0]
			q.queue = q.queue[1:]
			q.mu.Unlock()
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
			// Events may have raced with the stop
			q.mu.Lock()
			n := len(q.queue)
			q.mu.Unlock()
			if n == 0 {
				return Event{}, ErrClosed
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Events returns a sequence of events that ends when the context is done or the query is
// stopped. The sequence can be ranged over again to continue where it left off.
func (q *Query) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, err := q.Next(ctx)
			if err != nil || !yield(ev) {
				return
			}
		}
	}
}

// Instances returns the currently complete instances.
func (q *Query) Instances() []*Instance {
	q.engine.mu.Lock()
	defer q.engine.mu.Unlock()
	return completeInstances(q.instances)
}

func (q *Query) push(events []Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	q.queue = append(q.queue, events...)
	q.mu.Unlock()
	signal(q.notify)
	for _, ev := range events {
		eventsEmitted.WithLabelValues(ev.Op.String()).Inc()
	}
}

// Returns true if a received record belongs to this query: PTRs of the query name, SRV and TXT
// of its instances and the addresses of their hosts. Must be called with engine.mu held.
func (q *Query) isRelevant(rr dns.RR, hosts map[string]bool) bool {
	hdr := rr.Header()
	switch hdr.Rrtype {
	case dns.TypePTR:
		return nameEqual(hdr.Name, q.name)
	case dns.TypeSRV, dns.TypeTXT:
		if q.ty == nil {
			return false
		}
		_, ok := parseInstanceName(hdr.Name, q.ty)
		return ok
	case dns.TypeA, dns.TypeAAAA:
		return hosts[nameKey(hdr.Name)]
	}
	return false
}

// Recomputes the instances from the cache and queues the resulting events. Must be called with
// engine.mu held.
func (q *Query) refresh(now time.Time) {
	if q.ty == nil {
		return
	}
	next := assembleInstances(q.engine.cache, q.ty, now)
	q.push(diffInstances(q.instances, next))
	for key, inst := range next {
		if prev := q.instances[key]; !inst.Complete && (prev == nil || !prev.Equal(inst)) {
			q.resolveSoon(now)
			break
		}
	}
	q.instances = next
}

// Brings the next query forward, to ask for the records of a partially known instance.
func (q *Query) resolveSoon(now time.Time) {
	if next := now.Add(randBetween(20*time.Millisecond, 120*time.Millisecond)); next.Before(q.nextAt) {
		q.nextAt = next
		signal(q.engine.wake)
	}
}

// Builds the next query message, with known answers from the cache, and schedules the following
// one. Must be called with engine.mu held.
func (q *Query) nextMessage(now time.Time) *dns.Msg {
	msg := newQueryMsg()
	msg.Question = []dns.Question{{Name: q.name, Qtype: dns.TypePTR, Qclass: dns.ClassINET}}

	// RFC 6762 Section 7.1: Known-Answer Suppression
	msg.Answer = q.engine.cache.knownAnswers(q.name, dns.TypePTR, now)
	msg.Question = append(msg.Question, q.resolveQuestions(now)...)

	q.nextAt = now.Add(q.interval)
	q.interval = min(2*q.interval, maxQueryInterval)
	return msg
}

// Returns questions for the records that partially known instances are missing: SRV and TXT of
// the instance, and the addresses of its host. Must be called with engine.mu held.
//
// See RFC 6763 Section 12.
func (q *Query) resolveQuestions(now time.Time) (questions []dns.Question) {
	if q.ty == nil {
		return nil
	}
	add := func(name string, rrtype uint16) {
		question := dns.Question{Name: name, Qtype: rrtype, Qclass: dns.ClassINET}
		if !slices.Contains(questions, question) {
			questions = append(questions, question)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(q.instances)) {
		inst := q.instances[key]
		if inst.Complete {
			continue
		}
		target := instanceName(inst.Name, q.ty)
		for _, rrtype := range []uint16{dns.TypeSRV, dns.TypeTXT} {
			if len(q.engine.cache.lookup(target, rrtype, now)) == 0 {
				add(target, rrtype)
			}
		}
		if inst.Hostname != "" && len(inst.Addrs) == 0 {
			add(dns.Fqdn(inst.Hostname), dns.TypeA)
			add(dns.Fqdn(inst.Hostname), dns.TypeAAAA)
		}
	}
	return
}

// Restarts the backoff after a relevant answer or goodbye. Must be called with engine.mu held.
func (q *Query) resetInterval(now time.Time) {
	q.interval = minQueryInterval
	if next := now.Add(q.interval); next.Before(q.nextAt) {
		q.nextAt = next
	}
}

func newQueryMsg() *dns.Msg {
	msg := new(dns.Msg)
	msg.RecursionDesired = false
	return msg
}

func completeInstances(instances map[string]*Instance) (complete []*Instance) {
	for _, key := range slices.Sorted(maps.Keys(instances)) {
		if inst := instances[key]; inst.Complete {
			cp := *inst
			complete = append(complete, &cp)
		}
	}
	return
}

// StartQuery starts a continuous query for a service type. A single subtype may be given to
// narrow down the query. The query runs until it's stopped or the engine is closed.
func (e *Engine) StartQuery(ty *Type) (*Query, error) {
	if err := ty.Validate(); err != nil {
		return nil, err
	}
	return e.startQuery(ty)
}

func (e *Engine) startQuery(ty *Type) (*Query, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	now := time.Now()
	q := newQuery(e, ty, now)
	q.refresh(now) // Whatever is already in cache
	e.queries[q] = struct{}{}
	signal(e.wake)
	return q, nil
}

// StopQuery stops a query. It's quiet: no further packets are sent for it.
func (e *Engine) StopQuery(q *Query) {
	e.mu.Lock()
	delete(e.queries, q)
	e.mu.Unlock()
	q.stopOnce.Do(func() { close(q.done) })
}

// Lookup runs a one-shot query for the configured query timeout (or until the context is done),
// and returns the complete instances that were found.
func (e *Engine) Lookup(ctx context.Context, ty *Type) ([]*Instance, error) {
	q, err := e.StartQuery(ty)
	if err != nil {
		return nil, err
	}
	defer q.Stop()
	if err := e.waitQuery(ctx); err != nil {
		return nil, err
	}
	return q.Instances(), nil
}

// DiscoverTypes enumerates the service types on the network with the DNS-SD meta-query, for the
// configured query timeout.
//
// RFC 6763 Section 9: Service Type Enumeration.
func (e *Engine) DiscoverTypes(ctx context.Context) ([]*Type, error) {
	q, err := e.startQuery(nil)
	if err != nil {
		return nil, err
	}
	defer q.Stop()
	if err := e.waitQuery(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var types []*Type
	for _, rr := range e.cache.lookup(q.name, dns.TypePTR, time.Now()) {
		ty, ok := parseTypeName(rr.(*dns.PTR).Ptr)
		if !ok || slices.ContainsFunc(types, ty.Equal) {
			continue
		}
		types = append(types, ty)
	}
	slices.SortFunc(types, func(a, b *Type) int { return strings.Compare(a.String(), b.String()) })
	return types, nil
}

// Waits for the query timeout, the context or the engine, whichever is first.
func (e *Engine) waitQuery(ctx context.Context) error {
	timer := time.NewTimer(e.cfg.QueryTimeout)
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

// Browse returns a snapshot of the complete instances of all running queries.
func (e *Engine) Browse() iter.Seq[*Instance] {
	e.mu.Lock()
	var instances []*Instance
	for q := range e.queries {
		instances = append(instances, completeInstances(q.instances)...)
	}
	e.mu.Unlock()
	return slices.Values(instances)
}
