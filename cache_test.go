package mdns

import (
	"net"
	"time"

	"github.com/miekg/dns"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func aRecord(name, ip string, ttl uint32, flush bool) *dns.A {
	class := uint16(dns.ClassINET)
	if flush {
		class |= classCacheFlush
	}
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: class, Ttl: ttl},
		A:   net.ParseIP(ip).To4(),
	}
}

var _ = Describe("Record cache", func() {
	var c *recordCache
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	BeforeEach(func() {
		c = newRecordCache(0)
	})

	Context("TTL expiry", func() {
		It("keeps a record for its TTL", func() {
			c.insert(aRecord("host.local.", "192.0.2.1", 120, false), t0)

			Expect(c.lookup("host.local.", dns.TypeA, t0.Add(119*time.Second))).To(HaveLen(1))
			Expect(c.lookup("host.local.", dns.TypeA, t0.Add(120*time.Second))).To(BeEmpty())

			removed := c.sweep(t0.Add(120 * time.Second))
			Expect(removed).To(HaveLen(1))
			Expect(c.len()).To(Equal(0))
		})

		It("looks up names case-insensitively, with the remaining TTL", func() {
			c.insert(aRecord("Host.local.", "192.0.2.1", 120, false), t0)
			records := c.lookup("HOST.LOCAL.", dns.TypeA, t0.Add(20*time.Second))
			Expect(records).To(HaveLen(1))
			Expect(records[0].Header().Ttl).To(BeEquivalentTo(100))
		})

		It("caps TTLs to the max age", func() {
			c = newRecordCache(10 * time.Second)
			c.insert(aRecord("host.local.", "192.0.2.1", 120, false), t0)
			Expect(c.lookup("host.local.", dns.TypeA, t0.Add(11*time.Second))).To(BeEmpty())
		})
	})

	Context("goodbye records", func() {
		It("never stores a record with TTL=0", func() {
			fresh, removed := c.insert(aRecord("host.local.", "192.0.2.1", 0, false), t0)
			Expect(fresh).To(BeFalse())
			Expect(removed).To(BeEmpty())
			Expect(c.len()).To(Equal(0))
		})

		It("removes the matching record", func() {
			c.insert(aRecord("host.local.", "192.0.2.1", 120, false), t0)
			c.insert(aRecord("host.local.", "192.0.2.2", 120, false), t0)
			_, removed := c.insert(aRecord("host.local.", "192.0.2.1", 0, true), t0.Add(time.Second))
			Expect(removed).To(HaveLen(1))

			records := c.lookup("host.local.", dns.TypeA, t0.Add(time.Second))
			Expect(records).To(HaveLen(1))
			Expect(records[0].(*dns.A).A.String()).To(Equal("192.0.2.2"))
		})
	})

	Context("duplicates", func() {
		It("refreshes instead of adding a second entry", func() {
			fresh, _ := c.insert(aRecord("host.local.", "192.0.2.1", 120, false), t0)
			Expect(fresh).To(BeTrue())
			fresh, _ = c.insert(aRecord("host.local.", "192.0.2.1", 120, true), t0.Add(100*time.Second))
			Expect(fresh).To(BeFalse())

			Expect(c.len()).To(Equal(1))
			Expect(c.lookup("host.local.", dns.TypeA, t0.Add(200*time.Second))).To(HaveLen(1))
		})
	})

	Context("cache-flush", func() {
		It("removes records received more than one second earlier", func() {
			c.insert(aRecord("host.local.", "192.0.2.1", 120, false), t0)
			_, removed := c.insert(aRecord("host.local.", "192.0.2.2", 120, true), t0.Add(2*time.Second))
			Expect(removed).To(HaveLen(1))
			Expect(c.lookup("host.local.", dns.TypeA, t0.Add(2*time.Second))).To(HaveLen(1))
		})

		It("keeps records received within the last second", func() {
			c.insert(aRecord("host.local.", "192.0.2.1", 120, true), t0)
			_, removed := c.insert(aRecord("host.local.", "192.0.2.2", 120, true), t0.Add(500*time.Millisecond))
			Expect(removed).To(BeEmpty())
			Expect(c.lookup("host.local.", dns.TypeA, t0.Add(time.Second))).To(HaveLen(2))
		})

		It("stores records without the cache-flush bit", func() {
			c.insert(aRecord("host.local.", "192.0.2.1", 120, true), t0)
			records := c.lookup("host.local.", dns.TypeA, t0)
			Expect(records[0].Header().Class).To(BeEquivalentTo(dns.ClassINET))
		})

		It("leaves other names and types alone", func() {
			c.insert(aRecord("other.local.", "192.0.2.1", 120, false), t0)
			c.insert(aRecord("host.local.", "192.0.2.2", 120, true), t0.Add(5*time.Second))
			Expect(c.len()).To(Equal(2))
		})
	})

	Context("refresh", func() {
		It("reports each refresh point once", func() {
			c.insert(aRecord("host.local.", "192.0.2.1", 100, false), t0)

			Expect(c.needingRefresh(t0.Add(79 * time.Second))).To(BeEmpty())
			Expect(c.nextDeadline()).To(Equal(t0.Add(80 * time.Second)))
			Expect(c.needingRefresh(t0.Add(80 * time.Second))).To(HaveLen(1))
			Expect(c.needingRefresh(t0.Add(81 * time.Second))).To(BeEmpty())
			Expect(c.needingRefresh(t0.Add(85 * time.Second))).To(HaveLen(1))

			// Skipped points are reported together
			Expect(c.needingRefresh(t0.Add(96 * time.Second))).To(HaveLen(1))
			Expect(c.needingRefresh(t0.Add(99 * time.Second))).To(BeEmpty())
			Expect(c.nextDeadline()).To(Equal(t0.Add(100 * time.Second)))
		})

		It("starts over when a record is refreshed", func() {
			c.insert(aRecord("host.local.", "192.0.2.1", 100, false), t0)
			Expect(c.needingRefresh(t0.Add(80 * time.Second))).To(HaveLen(1))
			c.insert(aRecord("host.local.", "192.0.2.1", 100, false), t0.Add(81*time.Second))
			Expect(c.needingRefresh(t0.Add(160 * time.Second))).To(BeEmpty())
			Expect(c.needingRefresh(t0.Add(161 * time.Second))).To(HaveLen(1))
		})
	})

	Context("known answers", func() {
		It("only includes records with more than 20% of the TTL remaining", func() {
			c.insert(aRecord("host.local.", "192.0.2.1", 100, false), t0)

			known := c.knownAnswers("host.local.", dns.TypeA, t0.Add(50*time.Second))
			Expect(known).To(HaveLen(1))
			Expect(known[0].Header().Ttl).To(BeEquivalentTo(50))

			Expect(c.knownAnswers("host.local.", dns.TypeA, t0.Add(80*time.Second))).To(BeEmpty())
		})
	})
})
