package mdns

import (
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func cacheService(c *recordCache, svc *Service, addrs []netip.Addr, now time.Time) {
	for _, rr := range recordsFromService(svc, addrs, false) {
		c.insert(rr, now)
	}
}

func TestAssembleInstances(t *testing.T) {
	t0 := time.Now()
	svc := testService()
	ty := NewType("_http._tcp")
	addr := netip.MustParseAddr("192.0.2.10")

	c := newRecordCache(0)
	instances := assembleInstances(c, ty, t0)
	if len(instances) != 0 {
		t.Fatalf("expected no instances in empty cache, got %v", instances)
	}

	// Without addresses, the instance is known but incomplete
	cacheService(c, svc, nil, t0)
	instances = assembleInstances(c, ty, t0)
	inst := instances[nameKey(instanceName(svc.Name, ty))]
	if inst == nil {
		t.Fatalf("instance missing: %v", instances)
	}
	if inst.Complete {
		t.Fatalf("instance without addrs should be incomplete")
	}
	if inst.Port != 8080 || inst.Hostname != "host.local" {
		t.Fatalf("unexpected srv data: %+v", inst)
	}

	cacheService(c, svc, []netip.Addr{addr}, t0)
	inst = assembleInstances(c, ty, t0)[nameKey(instanceName(svc.Name, ty))]
	if !inst.Complete {
		t.Fatalf("instance should be complete: %+v", inst)
	}
	if inst.Name != "My Service" {
		t.Fatalf("expected unescaped name, got %q", inst.Name)
	}
	if !slices.Equal(inst.Addrs, []netip.Addr{addr}) {
		t.Fatalf("unexpected addrs %v", inst.Addrs)
	}
	if !slices.Equal(inst.Text, []string{"a=1"}) {
		t.Fatalf("unexpected text %v", inst.Text)
	}

	// Expired host records make the instance incomplete again
	inst = assembleInstances(c, ty, t0.Add(time.Duration(hostRecordTTL)*time.Second))[nameKey(instanceName(svc.Name, ty))]
	if inst == nil || inst.Complete {
		t.Fatalf("instance should be incomplete after the SRV and A records expire: %+v", inst)
	}
}

func TestAssembleInstancesSubtype(t *testing.T) {
	t0 := time.Now()
	c := newRecordCache(0)
	cacheService(c, testService(), []netip.Addr{netip.MustParseAddr("192.0.2.10")}, t0)

	if got := assembleInstances(c, NewType("_http._tcp,_printer"), t0); len(got) != 1 {
		t.Fatalf("expected one instance of the subtype, got %v", got)
	}
	if got := assembleInstances(c, NewType("_http._tcp,_scanner"), t0); len(got) != 0 {
		t.Fatalf("expected no instance of another subtype, got %v", got)
	}
}

func TestTxtStrings(t *testing.T) {
	txt := &dns.TXT{Txt: []string{""}}
	if got := txtStrings(txt); len(got) != 0 {
		t.Fatalf("empty txt should have no strings, got %q", got)
	}
	txt = &dns.TXT{Txt: []string{`a=b\ c`, "", "flag"}}
	if got := txtStrings(txt); !slices.Equal(got, []string{"a=b c", "flag"}) {
		t.Fatalf("unexpected strings %q", got)
	}
}

func TestDiffInstances(t *testing.T) {
	ty := NewType("_http._tcp")
	complete := func(name string, port uint16) *Instance {
		return &Instance{Type: ty, Name: name, Hostname: "host.local", Port: port, Complete: true,
			Addrs: []netip.Addr{netip.MustParseAddr("192.0.2.10")}}
	}
	partial := &Instance{Type: ty, Name: "B", Port: 80}

	prev := map[string]*Instance{}
	next := map[string]*Instance{"a": complete("A", 80), "b": partial}
	events := diffInstances(prev, next)
	if len(events) != 1 || events[0].Op != OpAdded || events[0].Name != "A" {
		t.Fatalf("expected A to be added, got %v", events)
	}

	prev, next = next, map[string]*Instance{"a": complete("A", 81), "b": complete("B", 80)}
	events = diffInstances(prev, next)
	if len(events) != 2 {
		t.Fatalf("expected two events, got %v", events)
	}
	if events[0].Op != OpUpdated || events[0].Port != 81 {
		t.Fatalf("expected A to be updated, got %v", events[0])
	}
	if events[1].Op != OpAdded || events[1].Name != "B" {
		t.Fatalf("expected B to be added, got %v", events[1])
	}

	// Unchanged instances produce no events
	if events = diffInstances(next, next); len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}

	prev, next = next, map[string]*Instance{"b": {Type: ty, Name: "B", Port: 80}}
	events = diffInstances(prev, next)
	if len(events) != 2 {
		t.Fatalf("expected two removals, got %v", events)
	}
	for _, ev := range events {
		if ev.Op != OpRemoved || ev.Instance == nil || ev.Complete {
			t.Fatalf("expected removal of an incomplete instance, got %v", ev)
		}
	}
	// The original instance is not modified
	if !prev["a"].Complete {
		t.Fatalf("removal modified the previous instance")
	}
}

func TestOpString(t *testing.T) {
	for op, want := range map[Op]string{OpAdded: "[+]", OpUpdated: "[~]", OpRemoved: "[-]"} {
		if op.String() != want {
			t.Errorf("%d: expected %s, got %s", op, want, op)
		}
	}
}
