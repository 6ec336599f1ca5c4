package mdns

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// A state change operation.
type Op int

const (
	// An instance became complete: PTR, SRV, TXT and at least one address are known.
	OpAdded Op = iota

	// A complete instance changed, e.g. with a new set of addrs or text.
	// Note that regular TTL refreshes do not trigger updates.
	OpUpdated

	// A complete instance expired, was unannounced or lost one of its records.
	OpRemoved
)

func (op Op) String() string {
	switch op {
	case OpAdded:
		return "[+]"
	case OpUpdated:
		return "[~]"
	case OpRemoved:
		return "[-]"
	default:
		return "[?]"
	}
}

// An event represents a change in the state of an instance, identified by its name.
// The instance reflects the new state and is always non-nil.
type Event struct {
	Op
	*Instance
}

func (e Event) String() string {
	return fmt.Sprintf("%v %v", e.Op, e.Instance)
}

// Assembles the instances of a type from the cache, keyed by lower-case instance name. Instances
// that are only partially known are included, with Complete set to false.
func assembleInstances(c *recordCache, ty *Type, now time.Time) map[string]*Instance {
	instances := make(map[string]*Instance)
	for _, rr := range c.lookup(queryName(ty), dns.TypePTR, now) {
		ptr := rr.(*dns.PTR)
		name, ok := parseInstanceName(ptr.Ptr, ty)
		if !ok {
			continue
		}
		key := nameKey(ptr.Ptr)
		if _, ok := instances[key]; ok {
			continue
		}
		inst := &Instance{Type: ty, Name: name}
		instances[key] = inst

		// The last record wins, which is the most recently received one
		var hasTxt bool
		srvs := c.lookup(ptr.Ptr, dns.TypeSRV, now)
		if len(srvs) > 0 {
			srv := srvs[len(srvs)-1].(*dns.SRV)
			inst.Hostname = trimDot(srv.Target)
			inst.Port = srv.Port
			hostRecords := append(c.lookup(srv.Target, dns.TypeA, now), c.lookup(srv.Target, dns.TypeAAAA, now)...)
			inst.Addrs = addrsFromRecords(hostRecords, srv.Target)
		}
		if txts := c.lookup(ptr.Ptr, dns.TypeTXT, now); len(txts) > 0 {
			hasTxt = true
			inst.Text = txtStrings(txts[len(txts)-1].(*dns.TXT))
		}
		inst.Complete = len(srvs) > 0 && hasTxt && len(inst.Addrs) > 0
	}
	return instances
}

// An empty TXT record is a single empty string on the wire, which means no attributes.
func txtStrings(txt *dns.TXT) []string {
	text := make([]string, 0, len(txt.Txt))
	for _, s := range txt.Txt {
		if s != "" {
			text = append(text, unescapeDns(s))
		}
	}
	return text
}

// Hostnames referenced by the SRV records of an instance set.
func instanceHosts(instances map[string]*Instance) map[string]bool {
	hosts := make(map[string]bool, len(instances))
	for _, inst := range instances {
		if inst.Hostname != "" {
			hosts[nameKey(inst.Hostname)] = true
		}
	}
	return hosts
}

// Returns the events that transform the prev instance set into next. Only complete instances
// are visible: an instance that becomes complete is added, and one that is no longer complete
// (or gone altogether) is removed.
func diffInstances(prev, next map[string]*Instance) (events []Event) {
	for key, n := range next {
		p := prev[key]
		wasComplete := p != nil && p.Complete
		switch {
		case n.Complete && !wasComplete:
			events = append(events, Event{OpAdded, n})
		case n.Complete && !p.Equal(n):
			events = append(events, Event{OpUpdated, n})
		case !n.Complete && wasComplete:
			events = append(events, Event{OpRemoved, n})
		}
	}
	for key, p := range prev {
		if _, ok := next[key]; !ok && p.Complete {
			removed := *p
			removed.Complete = false
			events = append(events, Event{OpRemoved, &removed})
		}
	}
	slices.SortFunc(events, func(a, b Event) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), cmp.Compare(a.Op, b.Op))
	})
	return
}
