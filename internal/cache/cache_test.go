package cache

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func aResponse(name string, ttl uint32) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(name, dns.TypeA)
	a := new(dns.Msg)
	a.SetReply(q)
	a.Answer = []dns.RR{
		&dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.IP{127, 0, 0, 1},
		},
	}
	return a
}

func TestCacheHitMiss(t *testing.T) {
	c := New(Options{MinTTL: 0, MaxTTL: 100000})
	key := Key{Name: "test.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	_, ok := c.Lookup(key, time.Now())
	require.False(t, ok, "empty cache must miss")

	now := time.Now()
	require.True(t, c.Insert(key, aResponse("test.com.", 3600), now))

	a, ok := c.Lookup(key, now)
	require.True(t, ok)
	require.Equal(t, uint32(3600), a.Answer[0].Header().Ttl)

	// TTL strictly decreases with elapsed time.
	later, ok := c.Lookup(key, now.Add(10*time.Second))
	require.True(t, ok)
	require.Less(t, later.Answer[0].Header().Ttl, uint32(3600))

	// Expired entries are evicted lazily and reported as a miss.
	_, ok = c.Lookup(key, now.Add(time.Hour))
	require.False(t, ok)
	require.Equal(t, 0, c.Stats().Entries)
}

func TestCacheZeroTTLNotCached(t *testing.T) {
	c := New(Options{})
	key := Key{Name: "z.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	require.False(t, c.Insert(key, aResponse("z.com.", 0), time.Now()))
	require.Equal(t, 0, c.Stats().Entries)
}

func TestCacheMinMaxTTLClamp(t *testing.T) {
	c := New(Options{MinTTL: 60, MaxTTL: 300})
	key := Key{Name: "clamp.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	now := time.Now()

	require.True(t, c.Insert(key, aResponse("clamp.com.", 5), now))
	a, ok := c.Lookup(key, now)
	require.True(t, ok)
	require.Equal(t, uint32(60), a.Answer[0].Header().Ttl)

	require.True(t, c.Insert(key, aResponse("clamp.com.", 10000), now))
	a, ok = c.Lookup(key, now)
	require.True(t, ok)
	require.Equal(t, uint32(300), a.Answer[0].Header().Ttl)
}

func TestCacheNegativeCaching(t *testing.T) {
	c := New(Options{NegativeTTL: 600})
	key := Key{Name: "nx.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	q := new(dns.Msg)
	q.SetQuestion("nx.com.", dns.TypeA)
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeNameError)
	a.Ns = []dns.RR{&dns.SOA{
		Hdr:    dns.RR_Header{Name: "com.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
		Minttl: 300,
	}}

	now := time.Now()
	require.True(t, c.Insert(key, a, now))
	cached, ok := c.Lookup(key, now.Add(250*time.Second))
	require.True(t, ok)
	require.Equal(t, dns.RcodeNameError, cached.Rcode)

	_, ok = c.Lookup(key, now.Add(301*time.Second))
	require.False(t, ok)
}

func TestCacheServfailNotCached(t *testing.T) {
	c := New(Options{})
	key := Key{Name: "sf.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	q := new(dns.Msg)
	q.SetQuestion("sf.com.", dns.TypeA)
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeServerFailure)
	require.False(t, c.Insert(key, a, time.Now()))
}

func TestCacheSizeBound(t *testing.T) {
	entry := aResponse("size.com.", 3600)
	entrySize := int64(msgSize(entry))
	c := New(Options{MaxSizeBytes: entrySize + entrySize/2})

	now := time.Now()
	for i := 0; i < 5; i++ {
		name := dns.Fqdn("size.com")
		key := Key{Name: name, Qtype: dns.TypeA, Qclass: dns.ClassINET}
		_ = i
		require.True(t, c.Insert(key, entry, now))
	}
	require.LessOrEqual(t, c.Stats().SizeBytes, c.opt.MaxSizeBytes)
}

func TestCacheLRUEviction(t *testing.T) {
	entry := aResponse("a.com.", 3600)
	size := int64(msgSize(entry))
	c := New(Options{MaxSizeBytes: size * 2})
	now := time.Now()

	k1 := Key{Name: "a.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	k2 := Key{Name: "b.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	k3 := Key{Name: "c.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	require.True(t, c.Insert(k1, aResponse("a.com.", 3600), now))
	require.True(t, c.Insert(k2, aResponse("b.com.", 3600), now))

	// Touch k1 so it's more-recently-used than k2.
	_, _ = c.Lookup(k1, now)

	require.True(t, c.Insert(k3, aResponse("c.com.", 3600), now))

	_, ok := c.Lookup(k2, now)
	require.False(t, ok, "least-recently-used entry should have been evicted")
	_, ok = c.Lookup(k1, now)
	require.True(t, ok)
}

func TestCacheInvalidateAndFlush(t *testing.T) {
	c := New(Options{})
	now := time.Now()
	k1 := Key{Name: "x.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	k2 := Key{Name: "y.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	require.True(t, c.Insert(k1, aResponse("x.example.", 3600), now))
	require.True(t, c.Insert(k2, aResponse("y.example.", 1), now))

	n := c.Invalidate(func(k Key) bool { return k.Name == "x.example." })
	require.Equal(t, 1, n)
	_, ok := c.Lookup(k1, now)
	require.False(t, ok)

	removed := c.Flush(now.Add(2 * time.Second))
	require.Equal(t, 1, removed)
	require.Equal(t, 0, c.Stats().Entries)
}

func TestCacheClear(t *testing.T) {
	c := New(Options{})
	now := time.Now()
	key := Key{Name: "clear.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	require.True(t, c.Insert(key, aResponse("clear.com.", 3600), now))
	c.Clear()
	require.Equal(t, 0, c.Stats().Entries)
	require.Equal(t, int64(0), c.Stats().SizeBytes)
}
