package resolve

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/stubd/stubd/internal/cache"
	"github.com/stubd/stubd/internal/logging"
	"github.com/stubd/stubd/internal/ratelimit"
)

type fakeForwarder struct {
	hits int32
	fn   func(q *dns.Msg) (*dns.Msg, error)
}

func (f *fakeForwarder) Forward(ctx context.Context, q *dns.Msg, deadline time.Time) (*dns.Msg, error) {
	atomic.AddInt32(&f.hits, 1)
	return f.fn(q)
}

func query(name string) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(name, dns.TypeA)
	return q
}

func okAnswer(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetReply(q)
	a.Answer = []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}}}
	return a
}

func newQC(q *dns.Msg) QueryContext {
	return NewQueryContext(q, logging.ClientInfo{SourceIP: "192.0.2.1:1234", Transport: "udp"}, time.Now(), 2*time.Second)
}

func TestResolverCacheMissThenHit(t *testing.T) {
	fw := &fakeForwarder{fn: func(q *dns.Msg) (*dns.Msg, error) { return okAnswer(q), nil }}
	r := New(nil, nil, cache.New(cache.Options{}), fw)

	q := query("example.com.")
	resp := r.Resolve(context.Background(), newQC(q))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Equal(t, int32(1), atomic.LoadInt32(&fw.hits))

	resp2 := r.Resolve(context.Background(), newQC(query("example.com.")))
	require.Equal(t, dns.RcodeSuccess, resp2.Rcode)
	require.Equal(t, int32(1), atomic.LoadInt32(&fw.hits), "second query should be served from cache")
}

func TestResolverMalformedQueryReturnsFormErr(t *testing.T) {
	fw := &fakeForwarder{fn: func(q *dns.Msg) (*dns.Msg, error) { return okAnswer(q), nil }}
	r := New(nil, nil, cache.New(cache.Options{}), fw)

	q := new(dns.Msg) // no question
	q.Id = 42
	resp := r.Resolve(context.Background(), newQC(q))
	require.Equal(t, dns.RcodeFormatError, resp.Rcode)
	require.Equal(t, uint16(42), resp.Id)
}

func TestResolverACLBlocksClient(t *testing.T) {
	fw := &fakeForwarder{fn: func(q *dns.Msg) (*dns.Msg, error) { return okAnswer(q), nil }}
	acl, err := ratelimit.NewACL(nil, []string{"192.0.2.0/24"})
	require.NoError(t, err)
	r := New(acl, nil, cache.New(cache.Options{}), fw)

	resp := r.Resolve(context.Background(), newQC(query("blocked.com.")))
	require.Equal(t, dns.RcodeRefused, resp.Rcode)
	require.Equal(t, int32(0), atomic.LoadInt32(&fw.hits))
}

func TestResolverRateLimitsClient(t *testing.T) {
	fw := &fakeForwarder{fn: func(q *dns.Msg) (*dns.Msg, error) { return okAnswer(q), nil }}
	r := New(nil, ratelimit.NewLimiter(1), cache.New(cache.Options{}), fw)

	resp1 := r.Resolve(context.Background(), newQC(query("a.com.")))
	require.Equal(t, dns.RcodeSuccess, resp1.Rcode)

	resp2 := r.Resolve(context.Background(), newQC(query("b.com.")))
	require.Equal(t, dns.RcodeRefused, resp2.Rcode)
}

func TestResolverForwardFailureReturnsServfail(t *testing.T) {
	fw := &fakeForwarder{fn: func(q *dns.Msg) (*dns.Msg, error) {
		return nil, context.DeadlineExceeded
	}}
	r := New(nil, nil, cache.New(cache.Options{}), fw)

	resp := r.Resolve(context.Background(), newQC(query("down.com.")))
	require.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestResolverDedupsConcurrentIdenticalQueries(t *testing.T) {
	var wgStart sync.WaitGroup
	fw := &fakeForwarder{fn: func(q *dns.Msg) (*dns.Msg, error) {
		time.Sleep(50 * time.Millisecond)
		return okAnswer(q), nil
	}}
	r := New(nil, nil, nil, fw)

	const n = 10
	results := make([]*dns.Msg, n)
	wgStart.Add(n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wgStart.Done()
			wgStart.Wait()
			results[i] = r.Resolve(context.Background(), newQC(query("dup.com.")))
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&fw.hits), "duplicate concurrent queries should collapse into one upstream request")
	for _, r := range results {
		require.Equal(t, dns.RcodeSuccess, r.Rcode)
	}
}
