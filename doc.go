// Package mdns is a multicast DNS engine for discovering and publishing services on the local
// network.
//
// It implements:
//
// - RFC 6762: Multicast DNS (mDNS), including probing, announcing, conflict resolution,
// known-answer suppression and goodbye records
// - RFC 6763: DNS Service Discovery (DNS-SD), including subtypes and service type enumeration
//
// An Engine owns the sockets, the record cache and the registered services. Queries deliver
// changes as a sequence of events:
//
//	engine, err := mdns.New().Open()
//	...
//	q, err := engine.StartQuery(mdns.NewType("_http._tcp"))
//	for ev := range q.Events(ctx) {
//		fmt.Println(ev.Op, ev.Name, ev.Addrs)
//	}
package mdns
