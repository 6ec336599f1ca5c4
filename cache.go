package mdns

import (
	"math"
	"slices"
	"time"

	"github.com/miekg/dns"
)

const (
	// RFC 6762 Section 10.2: records received within one second of a cache-flush record are
	// considered part of the same record set and are kept.
	cacheFlushGrace = time.Second

	// Records with less than this fraction of their lifetime remaining are not offered as
	// known answers, so that responders refresh them.
	knownAnswerMinRemaining = 0.2
)

// RFC 6762 Section 5.2: queries to refresh a record are sent at 80%, 85%, 90% and 95% of its TTL.
var refreshPoints = [...]float64{0.80, 0.85, 0.90, 0.95}

type cacheKey struct {
	name   string // lower case
	rrtype uint16
}

type cacheEntry struct {
	rr         dns.RR // The class never has the cache-flush bit
	receivedAt time.Time
	ttl        time.Duration
	expiry     time.Time

	// Number of refresh points that have been reported by needingRefresh
	refreshStage int
}

func (e *cacheEntry) refreshAt(stage int) time.Time {
	return e.receivedAt.Add(time.Duration(float64(e.ttl) * refreshPoints[stage]))
}

// The record cache maps (name, type) to received records and expires them based on their TTL.
//
// It is not safe for concurrent use; the engine serializes all access.
type recordCache struct {
	entries map[cacheKey][]*cacheEntry

	// If non-zero, TTLs are capped to this duration, in order to detect disappearing
	// services earlier.
	maxTTL time.Duration
}

func newRecordCache(maxTTL time.Duration) *recordCache {
	return &recordCache{
		entries: make(map[cacheKey][]*cacheEntry),
		maxTTL:  maxTTL,
	}
}

func keyOf(rr dns.RR) cacheKey {
	hdr := rr.Header()
	return cacheKey{nameKey(hdr.Name), hdr.Rrtype}
}

// Inserts a received record and returns the records that were removed as a result, either
// because it's a goodbye record (TTL=0) or because the cache-flush bit was set.
//
// A record that is already cached has its TTL refreshed instead of being added twice, in which
// case fresh is false.
func (c *recordCache) insert(rr dns.RR, receivedAt time.Time) (fresh bool, removed []dns.RR) {
	flush := rr.Header().Class&classCacheFlush != 0
	rr = dns.Copy(rr)
	hdr := rr.Header()
	hdr.Class &^= classCacheFlush
	k := keyOf(rr)
	entries := c.entries[k]

	if hdr.Ttl == 0 {
		entries = slices.DeleteFunc(entries, func(e *cacheEntry) bool {
			if isSameRecord(e.rr, rr) {
				removed = append(removed, e.rr)
				return true
			}
			return false
		})
		c.set(k, entries)
		return false, removed
	}

	if flush {
		cutoff := receivedAt.Add(-cacheFlushGrace)
		entries = slices.DeleteFunc(entries, func(e *cacheEntry) bool {
			if e.receivedAt.Before(cutoff) && !isSameRecord(e.rr, rr) {
				removed = append(removed, e.rr)
				return true
			}
			return false
		})
	}

	ttl := time.Duration(hdr.Ttl) * time.Second
	if c.maxTTL > 0 && ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	entry := &cacheEntry{
		rr:         rr,
		receivedAt: receivedAt,
		ttl:        ttl,
		expiry:     receivedAt.Add(ttl),
	}
	if idx := slices.IndexFunc(entries, func(e *cacheEntry) bool { return isSameRecord(e.rr, rr) }); idx >= 0 {
		entries[idx] = entry
	} else {
		entries = append(entries, entry)
		fresh = true
	}
	c.set(k, entries)
	return fresh, removed
}

func (c *recordCache) set(k cacheKey, entries []*cacheEntry) {
	if len(entries) == 0 {
		delete(c.entries, k)
		return
	}
	c.entries[k] = entries
}

// Returns copies of the unexpired records with the given name and type. The TTL of each copy is
// the remaining lifetime in seconds.
func (c *recordCache) lookup(name string, rrtype uint16, now time.Time) (records []dns.RR) {
	for _, e := range c.entries[cacheKey{nameKey(name), rrtype}] {
		if !e.expiry.After(now) {
			continue
		}
		records = append(records, withRemainingTTL(e, now))
	}
	return
}

// Removes expired records and returns them.
func (c *recordCache) sweep(now time.Time) (removed []dns.RR) {
	for k, entries := range c.entries {
		entries = slices.DeleteFunc(entries, func(e *cacheEntry) bool {
			if !e.expiry.After(now) {
				removed = append(removed, e.rr)
				return true
			}
			return false
		})
		c.set(k, entries)
	}
	return
}

// Returns unexpired records that passed their next refresh point (80-95% of their TTL). Each
// refresh point is only reported once, so callers can query right away.
func (c *recordCache) needingRefresh(now time.Time) (records []dns.RR) {
	for _, entries := range c.entries {
		for _, e := range entries {
			if e.refreshStage >= len(refreshPoints) || !e.expiry.After(now) {
				continue
			}
			if now.Before(e.refreshAt(e.refreshStage)) {
				continue
			}
			for e.refreshStage < len(refreshPoints) && !now.Before(e.refreshAt(e.refreshStage)) {
				e.refreshStage++
			}
			records = append(records, e.rr)
		}
	}
	return
}

// Returns records to include in the known-answer section of a query: those with more than 20% of
// their TTL remaining, with the TTL set to the remaining lifetime.
//
// RFC 6762 Section 7.1.
func (c *recordCache) knownAnswers(name string, rrtype uint16, now time.Time) (records []dns.RR) {
	for _, e := range c.entries[cacheKey{nameKey(name), rrtype}] {
		remaining := e.expiry.Sub(now)
		if float64(remaining) <= float64(e.ttl)*knownAnswerMinRemaining {
			continue
		}
		records = append(records, withRemainingTTL(e, now))
	}
	return
}

// The earliest time at which sweep or needingRefresh has something to do.
func (c *recordCache) nextDeadline() (deadline time.Time) {
	for _, entries := range c.entries {
		for _, e := range entries {
			t := e.expiry
			if e.refreshStage < len(refreshPoints) {
				t = e.refreshAt(e.refreshStage)
			}
			if deadline.IsZero() || t.Before(deadline) {
				deadline = t
			}
		}
	}
	return
}

func (c *recordCache) len() (n int) {
	for _, entries := range c.entries {
		n += len(entries)
	}
	return
}

func withRemainingTTL(e *cacheEntry, now time.Time) dns.RR {
	rr := dns.Copy(e.rr)
	secs := math.Ceil(e.expiry.Sub(now).Seconds())
	rr.Header().Ttl = uint32(max(0, secs))
	return rr
}
