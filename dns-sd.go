package mdns

import (
	"bytes"
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/miekg/dns"
)

// This file implements DNS Service Discovery from RFC 6763

// instance: any < 63 characters
// service: dot-separated identifier, e.g. `_http._tcp` (must be `_tcp` or `_udp`)
// domain: typically `local`, but may in theory be an FQDN, e.g. `example.org`
// subtype: optional service sub-type, e.g. `_printer`
// hostname: hostname of a device, e.g. `Bryans-PC.local`
//
// Strings used in mDNS:
//
// target: <instance> . <service> . <domain>, e.g. `Bryan's Service._http._tcp.local`
// query: <service> . <domain>, e.g. `_http._tcp.local`
// sub-query: <subtype> . `_sub` . <service> . <domain>, e.g. `_printer._sub._http._tcp.local`
// meta-query: `_services._dns-sd._udp.local`

// We implement the following PTR queries:
//
// PTR <query>       ->  <target>               // Service enumeration
// PTR <sub-query>   ->  <target>               // Service enumeration restricted to a subtype
// PTR <meta-query>  ->  <service> . <domain>   // Meta-service enumeration
//
// The PTR target refers to the SRV and TXT records:
//
// SRV <target>:
//   Hostname: <hostname>
//   Port: <...>
//
// TXT <target>: (note this is included as an empty list even if no txt is provided)
//   Txt: <txt>
//
// And finally, the SRV refers to the A and AAAA records:
//
// A <hostname>:
//   A: <ipv4>
//
// AAAA <hostname>:
//   AAAA: <ipv6>
//
// All of the "referred" records are added to the answer's additional section.

const (
	// RFC 6762 Section 10.2: [...] the host sets the most significant bit of the rrclass
	// field of the resource record.  This bit, the cache-flush bit, tells neighboring hosts that
	// this is not a shared record type.
	classCacheFlush = 1 << 15

	// RFC 6762 Section 18.12: In the Question Section of a Multicast DNS query, the top bit of the
	// qclass field is used to indicate that unicast responses are preferred for this particular
	// question.
	qClassUnicastResponse = 1 << 15

	// RFC6762 Section 10: PTR service records are shared, while others (SRV/TXT/A/AAAA) are unique.
	uniqueRecordClass = dns.ClassINET | classCacheFlush
	sharedRecordClass = dns.ClassINET

	// RFC6762 Section 10: Records referencing a hostname (SRV/A/AAAA) SHOULD use TTL of 120 s,
	// to account for network interface and IP address changes, while others should be 75 min.
	hostRecordTTL    uint32 = 120
	defaultRecordTTL uint32 = 75 * 60

	metaServiceName = "_services._dns-sd._udp"
)

// <service>.<domain>.
func typeName(ty *Type) string {
	return fmt.Sprintf("%s.%s.", trimDot(ty.Name), trimDot(ty.Domain))
}

// The PTR name to query when browsing, which is narrowed down if a subtype is present.
func queryName(ty *Type) string {
	if len(ty.Subtypes) > 0 {
		return subtypeName(ty.Subtypes[0], ty)
	}
	return typeName(ty)
}

func subtypeName(sub string, ty *Type) string {
	return fmt.Sprintf("%s._sub.%s", sub, typeName(ty))
}

func metaQueryName(domain string) string {
	return fmt.Sprintf("%s.%s.", metaServiceName, trimDot(domain))
}

// <instance>.<service>.<domain>. with the instance label escaped
func instanceName(instance string, ty *Type) string {
	return escapeLabel(instance) + "." + typeName(ty)
}

// Parses the instance label from a name that is expected to be an instance of the given type.
func parseInstanceName(name string, ty *Type) (string, bool) {
	suffix := "." + typeName(ty)
	if len(name) <= len(suffix) || !nameEqual(name[len(name)-len(suffix):], suffix) {
		return "", false
	}
	label := name[:len(name)-len(suffix)]
	// An escaped dot is part of the label, an unescaped one means more labels
	for i := 0; i < len(label); i++ {
		if label[i] == '\\' {
			i++
		} else if label[i] == '.' {
			return "", false
		}
	}
	return unescapeDns(label), true
}

// Returns the service type from a meta-query PTR target, e.g. `_http._tcp.local.`
func parseTypeName(name string) (*Type, bool) {
	ty := NewType(name)
	if ty.Validate() != nil {
		return nil, false
	}
	return ty, true
}

// Returns true if the record is an answer to question
func isAnswerTo(record dns.RR, question dns.Question) bool {
	hdr := record.Header()
	qclass := question.Qclass &^ qClassUnicastResponse
	if qclass != dns.ClassANY && qclass != hdr.Class&^classCacheFlush {
		return false
	}
	if question.Qtype != dns.TypeANY && question.Qtype != hdr.Rrtype {
		return false
	}
	return nameEqual(question.Name, hdr.Name)
}

// Returns true if the records are identical, ignoring TTL and the cache-flush bit.
func isSameRecord(a, b dns.RR) bool {
	ha, hb := a.Header(), b.Header()
	if ha.Rrtype != hb.Rrtype || ha.Class&^classCacheFlush != hb.Class&^classCacheFlush {
		return false
	}
	if ha.Class != hb.Class {
		b = dns.Copy(b)
		b.Header().Class = ha.Class
	}
	return dns.IsDuplicate(a, b)
}

// Returns true if the answer is in the known-answer list, and has more than 1/2 ttl remaining.
//
// RFC6762 7.1. Known-Answer Suppression.
func isKnownAnswer(answer dns.RR, knowns []dns.RR) bool {
	answerTtl := answer.Header().Ttl
	for _, known := range knowns {
		if isSameRecord(answer, known) && known.Header().Ttl >= answerTtl/2 {
			return true
		}
	}
	return false
}

// Returns the answers to a question and a known-answer list
func answerTo(records, knowns []dns.RR, question dns.Question) (answers []dns.RR) {
	for _, record := range records {
		if isAnswerTo(record, question) && !isKnownAnswer(record, knowns) {
			answers = append(answers, record)
		}
	}
	return
}

// Returns any records that are considered additional to any answer where:
//
// (1) All SRV and TXT record(s) named in a PTR's rdata and
// (2) All A and AAAA record(s) named in an SRV's rdata.
//
// This is transitive, such that a PTR answer "generates" all other record types.
// Records that are already answers are not repeated.
//
// RFC6762 7.1. DNS Additional Record Generation.
func extraRecords(records, answers []dns.RR) (extras []dns.RR) {
	isAnswer := func(record dns.RR) bool {
		return slices.ContainsFunc(answers, func(a dns.RR) bool { return a == record })
	}
ptrLoop:
	for _, record := range records {
		recordHdr := record.Header()
		if !(recordHdr.Rrtype == dns.TypeSRV || recordHdr.Rrtype == dns.TypeTXT) || isAnswer(record) {
			continue
		}
		for _, answer := range answers {
			if ptr, ok := answer.(*dns.PTR); ok && nameEqual(ptr.Ptr, recordHdr.Name) {
				extras = append(extras, record)
				continue ptrLoop
			}
		}
	}
	// Invariant: extras contain SRV and TXT records

	// For transitivity, add the already generated records to the "search set"
	search := append(slices.Clip(answers), extras...)

srvLoop:
	for _, record := range records {
		recordHdr := record.Header()
		if !(recordHdr.Rrtype == dns.TypeA || recordHdr.Rrtype == dns.TypeAAAA) || isAnswer(record) {
			continue
		}
		for _, answer := range search {
			if srv, ok := answer.(*dns.SRV); ok && nameEqual(srv.Target, recordHdr.Name) {
				extras = append(extras, record)
				continue srvLoop
			}
		}
	}
	return
}

// Generates all records of a service. If unannounce is set, the TTLs are zero ("goodbye").
func recordsFromService(svc *Service, addrs []netip.Addr, unannounce bool) (records []dns.RR) {
	hostTTL, defaultTTL := hostRecordTTL, defaultRecordTTL
	if unannounce {
		hostTTL, defaultTTL = 0, 0
	}

	ty := svc.Type
	target := instanceName(svc.Name, ty)
	hostname := dns.Fqdn(svc.Hostname)

	// Pre-initialize length for efficiency
	records = make([]dns.RR, 0, len(ty.Subtypes)+len(addrs)+4)

	// PTR records
	names := []string{typeName(ty)}
	for _, sub := range ty.Subtypes {
		names = append(names, subtypeName(sub, ty))
	}
	for _, name := range names {
		records = append(records, &dns.PTR{
			Hdr: dns.RR_Header{
				Name:   name,
				Rrtype: dns.TypePTR,
				Class:  sharedRecordClass,
				Ttl:    defaultTTL,
			},
			Ptr: target,
		})
	}

	// RFC 6763 Section 9: Service Type Enumeration.
	// For this purpose, a special meta-query is defined.  A DNS query for
	// PTR records with the name "_services._dns-sd._udp.<Domain>" yields a
	// set of PTR records, where the rdata of each PTR record is the two-
	// label <Service> name, plus the same domain, e.g., "_http._tcp.<Domain>".
	records = append(records, &dns.PTR{
		Hdr: dns.RR_Header{
			Name:   metaQueryName(ty.Domain),
			Rrtype: dns.TypePTR,
			Class:  sharedRecordClass,
			Ttl:    defaultTTL,
		},
		Ptr: typeName(ty),
	})

	// SRV record
	records = append(records, &dns.SRV{
		Hdr: dns.RR_Header{
			Name:   target,
			Rrtype: dns.TypeSRV,
			Class:  uniqueRecordClass,
			Ttl:    hostTTL,
		},
		Port:   svc.Port,
		Target: hostname,
	})

	// TXT record, RFC 6763 Section 6.1: an empty TXT record contains a single zero byte
	txt := svc.Text
	if len(txt) == 0 {
		txt = []string{""}
	}
	records = append(records, &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   target,
			Rrtype: dns.TypeTXT,
			Class:  uniqueRecordClass,
			Ttl:    defaultTTL,
		},
		Txt: txt,
	})

	// A and AAAA records
	for _, addr := range addrs {
		if addr.Is4() {
			records = append(records, &dns.A{
				Hdr: dns.RR_Header{
					Name:   hostname,
					Rrtype: dns.TypeA,
					Class:  uniqueRecordClass,
					Ttl:    hostTTL,
				},
				A: addr.AsSlice(),
			})
		} else if addr.Is6() {
			records = append(records, &dns.AAAA{
				Hdr: dns.RR_Header{
					Name:   hostname,
					Rrtype: dns.TypeAAAA,
					Class:  uniqueRecordClass,
					Ttl:    hostTTL,
				},
				AAAA: addr.AsSlice(),
			})
		}
	}
	return
}

// The records that are defended by probing: the unique records owned by the instance name.
// The cache-flush bit is cleared, as it must not be set in probes.
func probeRecords(records []dns.RR, target string) (probes []dns.RR) {
	for _, rr := range records {
		hdr := rr.Header()
		if !nameEqual(hdr.Name, target) {
			continue
		}
		rr = dns.Copy(rr)
		rr.Header().Class &^= classCacheFlush
		probes = append(probes, rr)
	}
	return
}

// Compares two sets of proposed records from simultaneous probes.
//
// RFC 6762 Section 8.2: the records are sorted and compared pairwise by class, type and rdata
// in lexicographical order. Returns a positive number if ours win, negative if theirs win, and
// zero if they are identical.
func compareProbes(ours, theirs []dns.RR) int {
	ours, theirs = sortedForTiebreak(ours), sortedForTiebreak(theirs)
	for i := 0; i < len(ours) && i < len(theirs); i++ {
		if c := compareRecords(ours[i], theirs[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(ours), len(theirs))
}

func sortedForTiebreak(records []dns.RR) []dns.RR {
	records = slices.Clone(records)
	slices.SortFunc(records, compareRecords)
	return records
}

func compareRecords(a, b dns.RR) int {
	ha, hb := a.Header(), b.Header()
	if c := cmp.Compare(ha.Class&^classCacheFlush, hb.Class&^classCacheFlush); c != 0 {
		return c
	}
	if c := cmp.Compare(ha.Rrtype, hb.Rrtype); c != 0 {
		return c
	}
	return bytes.Compare(rdata(a), rdata(b))
}

// Returns the uncompressed wire-format rdata of a record.
func rdata(rr dns.RR) []byte {
	rr = dns.Copy(rr)
	rr.Header().Name = "."
	buf := make([]byte, dns.Len(rr)+1)
	off, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return nil
	}
	// 1 byte root name, then type, class, ttl and rdlength
	return buf[11:off]
}

// Returns the addresses of A and AAAA records in a set, matching a hostname.
func addrsFromRecords(records []dns.RR, hostname string) (addrs []netip.Addr) {
	for _, rr := range records {
		if !nameEqual(rr.Header().Name, hostname) {
			continue
		}
		switch rr := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rr.A); ok {
				addrs = append(addrs, ip.Unmap())
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rr.AAAA); ok {
				addrs = append(addrs, ip)
			}
		}
	}
	slices.SortFunc(addrs, netip.Addr.Compare)
	return slices.Compact(addrs)
}

// Lower-cased cache and lookup key of a name.
func nameKey(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}
