// Package cache implements a TTL-aware, size-bounded LRU response cache,
// including RFC 2308 negative caching. It is the single fixed component the
// resolver always consults, with byte-size accounting and a negative-TTL
// policy driven directly from the authority section's SOA MINIMUM.
package cache

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/stubd/stubd/internal/metrics"
)

// Key identifies a cached response: lowercased question name, type, class.
type Key struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

// KeyFromQuestion builds a Key from the first question of a query message.
func KeyFromQuestion(q dns.Question) Key {
	return Key{Name: strings.ToLower(q.Name), Qtype: q.Qtype, Qclass: q.Qclass}
}

// Entry is the cached unit: a response message plus the bookkeeping needed
// to serve it with a correctly decremented TTL and to account for its
// contribution to the cache's byte-size budget.
type Entry struct {
	Msg       *dns.Msg
	Insertion time.Time
	Expiry    time.Time
	Hits      uint64
	Size      int
	Negative  bool
}

// Options configures a Cache.
type Options struct {
	// MaxSizeBytes bounds the sum of entry sizes. Zero means unbounded.
	MaxSizeBytes int64
	// MinTTL and MaxTTL clamp the effective TTL of positive entries.
	MinTTL, MaxTTL uint32
	// NegativeTTL is the TTL applied to NXDOMAIN/NODATA entries absent (or
	// exceeding) an authoritative SOA MINIMUM.
	NegativeTTL uint32
}

// Stats reports cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	SizeBytes int64
	Entries   int
	Evictions uint64
}

// Cache is a TTL-aware, size-bounded LRU cache of DNS responses.
type Cache struct {
	opt     Options
	metrics *metrics.Cache

	mu        sync.Mutex
	lru       *lru
	sizeBytes int64
	hits      uint64
	misses    uint64
	evictions uint64
}

// New returns an empty Cache configured with opt.
func New(opt Options) *Cache {
	if opt.NegativeTTL == 0 {
		opt.NegativeTTL = 60
	}
	return &Cache{opt: opt, lru: newLRU(), metrics: metrics.NewCache()}
}

// Lookup returns the cached response for key if present and unexpired. It
// promotes the entry to most-recently-used and rewrites RR TTLs to reflect
// time already spent in the cache. A stale entry is evicted lazily and
// reported as a miss.
func (c *Cache) Lookup(key Key, now time.Time) (*dns.Msg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.lru.get(key)
	if entry == nil {
		c.misses++
		c.metrics.Miss()
		return nil, false
	}
	if !now.Before(entry.Expiry) {
		c.removeLocked(key, entry)
		c.misses++
		c.metrics.Miss()
		return nil, false
	}

	age := uint32(now.Sub(entry.Insertion).Seconds())
	resp := entry.Msg.Copy()
	if expired := ageRRs(resp, age); expired {
		c.removeLocked(key, entry)
		c.misses++
		c.metrics.Miss()
		return nil, false
	}

	entry.Hits++
	c.hits++
	c.metrics.Hit()
	return resp, true
}

// ageRRs subtracts age seconds from every answer/authority/additional RR's
// TTL (except OPT, which carries no real TTL). It returns true if any RR's
// remaining TTL would be zero or negative, signalling the caller should
// treat the entry as expired instead of returning a zero-TTL record.
func ageRRs(m *dns.Msg, age uint32) bool {
	for _, section := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			if _, ok := rr.(*dns.OPT); ok {
				continue
			}
			h := rr.Header()
			if age >= h.Ttl {
				return true
			}
			h.Ttl -= age
		}
	}
	return false
}

// Insert stores response under key, computing its effective TTL. It returns
// false (and does not store anything) if the response is not cacheable:
// effective TTL of zero, or an RCODE outside {NOERROR, NXDOMAIN} — in
// particular SERVFAIL is never cached by this resolver (see DESIGN.md Open
// Question).
func (c *Cache) Insert(key Key, response *dns.Msg, now time.Time) bool {
	ttl, negative, ok := c.effectiveTTL(response)
	if !ok || ttl == 0 {
		return false
	}

	stored := response.Copy()
	stored.Id = 0 // stored responses never carry a transaction id
	if !negative {
		// Positive entries store RR TTLs clamped to [MinTTL, MaxTTL], so the
		// TTLs clients see agree with the entry's expiry.
		for _, section := range [][]dns.RR{stored.Answer, stored.Ns, stored.Extra} {
			for _, rr := range section {
				if _, ok := rr.(*dns.OPT); !ok {
					rr.Header().Ttl = clamp(rr.Header().Ttl, c.opt.MinTTL, c.opt.MaxTTL)
				}
			}
		}
	}
	size := msgSize(stored)

	entry := &Entry{
		Msg:       stored,
		Insertion: now,
		Expiry:    now.Add(time.Duration(ttl) * time.Second),
		Size:      size,
		Negative:  negative,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old := c.lru.get(key); old != nil {
		c.sizeBytes -= int64(old.Size)
	}
	c.evictUntilFitsLocked(int64(size))
	c.lru.set(key, entry)
	c.sizeBytes += int64(size)
	return true
}

// effectiveTTL computes the cache TTL for a response, including RFC 2308
// negative caching, and reports whether rcode is cacheable at all.
func (c *Cache) effectiveTTL(response *dns.Msg) (ttl uint32, negative bool, cacheable bool) {
	switch response.Rcode {
	case dns.RcodeSuccess:
		if min, ok := minTTL(response.Answer); ok {
			return clamp(min, c.opt.MinTTL, c.opt.MaxTTL), false, true
		}
		// NOERROR with an empty answer section is NODATA.
		return c.negativeTTL(response), true, true
	case dns.RcodeNameError:
		return c.negativeTTL(response), true, true
	default:
		return 0, false, false
	}
}

// negativeTTL derives the negative-caching TTL per RFC 2308: the configured
// default, bounded by the authority section's SOA MINIMUM when present.
func (c *Cache) negativeTTL(response *dns.Msg) uint32 {
	ttl := c.opt.NegativeTTL
	for _, rr := range response.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			if soa.Minttl < ttl {
				ttl = soa.Minttl
			}
			break
		}
	}
	return ttl
}

func minTTL(rrs []dns.RR) (uint32, bool) {
	min := uint32(math.MaxUint32)
	found := false
	for _, rr := range rrs {
		if _, ok := rr.(*dns.OPT); ok {
			continue
		}
		if h := rr.Header(); h.Ttl < min {
			min = h.Ttl
			found = true
		}
	}
	return min, found
}

func clamp(v, min, max uint32) uint32 {
	if max > 0 && v > max {
		v = max
	}
	if v < min {
		v = min
	}
	return v
}

func msgSize(m *dns.Msg) int {
	if b, err := m.Pack(); err == nil {
		return len(b)
	}
	return m.Len()
}

// evictUntilFitsLocked evicts least-recently-used entries until adding
// addBytes would not exceed MaxSizeBytes. Caller must hold c.mu.
func (c *Cache) evictUntilFitsLocked(addBytes int64) {
	if c.opt.MaxSizeBytes <= 0 {
		return
	}
	for c.sizeBytes+addBytes > c.opt.MaxSizeBytes {
		key, ok := c.lru.lruTail()
		if !ok {
			return
		}
		entry := c.lru.get(key)
		c.lru.delete(key)
		if entry != nil {
			c.sizeBytes -= int64(entry.Size)
		}
		c.evictions++
		c.metrics.Eviction()
	}
}

// removeLocked drops a single entry and its byte-size accounting. Caller
// must hold c.mu.
func (c *Cache) removeLocked(key Key, entry *Entry) {
	c.lru.delete(key)
	c.sizeBytes -= int64(entry.Size)
}

// Invalidate drops every entry for which predicate returns true. Used by
// the admin "flush by domain" action.
func (c *Cache) Invalidate(predicate func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	c.lru.deleteFunc(func(k Key, e *Entry) bool {
		if predicate(k) {
			c.sizeBytes -= int64(e.Size)
			n++
			return true
		}
		return false
	})
	return n
}

// Flush removes all expired entries, leaving live ones untouched. This is
// the periodic sweeper's job.
func (c *Cache) Flush(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	c.lru.deleteFunc(func(_ Key, e *Entry) bool {
		if !now.Before(e.Expiry) {
			c.sizeBytes -= int64(e.Size)
			n++
			return true
		}
		return false
	})
	return n
}

// Clear removes every entry regardless of expiry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru = newLRU()
	c.sizeBytes = 0
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		SizeBytes: c.sizeBytes,
		Entries:   c.lru.size(),
		Evictions: c.evictions,
	}
}

// StartSweeper runs Flush every period until stop is closed.
func (c *Cache) StartSweeper(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			c.Flush(now)
		}
	}
}
