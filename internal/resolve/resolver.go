// Package resolve wires validation, access control, rate limiting, caching,
// request de-duplication, and forwarding into the single resolver pipeline
// every query passes through.
package resolve

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/stubd/stubd/internal/cache"
	"github.com/stubd/stubd/internal/events"
	"github.com/stubd/stubd/internal/forward"
	"github.com/stubd/stubd/internal/logging"
	"github.com/stubd/stubd/internal/ratelimit"
	"github.com/stubd/stubd/internal/wire"
)

// Forwarder is the subset of *forward.Forwarder the resolver depends on.
type Forwarder interface {
	Forward(ctx context.Context, q *dns.Msg, deadline time.Time) (*dns.Msg, error)
}

var _ Forwarder = (*forward.Forwarder)(nil)

// Resolver runs the fixed query pipeline: validate, ACL, rate limit, cache
// lookup, single-flight dedup, forward, cache insert.
type Resolver struct {
	ACL       *ratelimit.ACL
	Limiter   *ratelimit.Limiter
	Cache     *cache.Cache
	Forwarder Forwarder
	Events    *events.Bus

	group singleflight.Group
}

// New returns a Resolver wired to the given components. ACL, Limiter, and
// Cache are all optional (nil disables that stage); Forwarder is required.
func New(acl *ratelimit.ACL, limiter *ratelimit.Limiter, c *cache.Cache, fw Forwarder) *Resolver {
	return &Resolver{ACL: acl, Limiter: limiter, Cache: c, Forwarder: fw}
}

// Resolve runs qc.Msg through the pipeline and returns the reply to send to
// the client. It never returns an error: every failure mode short-circuits
// to a reply message (REFUSED, FORMERR, NOTIMP, or SERVFAIL) to keep the frontends
// simple.
func (r *Resolver) Resolve(ctx context.Context, qc QueryContext) *dns.Msg {
	q := qc.Msg
	log := logging.For("resolve", qc.ID, q, qc.Client)

	if err := wire.ValidateQuery(q); err != nil {
		log.Debug("rejecting malformed query", "err", err)
		switch err {
		case wire.ErrNotImplemented:
			return wire.NotImplemented(q)
		default:
			return wire.FormErr(q)
		}
	}
	if q.Question[0].Qclass != dns.ClassINET {
		return wire.Refused(q)
	}

	ip := clientIP(qc.Client.SourceIP)

	if r.ACL != nil {
		if ip != nil && !r.ACL.Allowed(ip) {
			log.Debug("client blocked by acl")
			return wire.Refused(q)
		}
	}

	if r.Limiter != nil {
		// Key the bucket on the bare IP, not SourceIP (which carries the
		// client's ephemeral source port) — otherwise a fresh port per query
		// gets a fresh bucket every time and the per-IP limit never applies.
		limitKey := qc.Client.SourceIP
		if ip != nil {
			limitKey = ip.String()
		}
		if !r.Limiter.TryConsume(limitKey, qc.Arrived) {
			log.Debug("client rate limited")
			return wire.Refused(q)
		}
	}

	key := cache.KeyFromQuestion(lowercaseQuestion(q.Question[0]))
	if r.Cache != nil {
		if resp, ok := r.Cache.Lookup(key, qc.Arrived); ok {
			resp.Id = q.Id
			resp.RecursionAvailable = true
			r.publishQuery(qc, q, resp, true, "", time.Since(qc.Arrived))
			return resp
		}
	}

	resp, err := r.forwardDeduped(ctx, q, qc.Deadline, key)
	if err != nil {
		log.Debug("forwarding failed", "err", err)
		fail := wire.ServFail(q)
		r.publishQuery(qc, q, fail, false, err.Error(), time.Since(qc.Arrived))
		return fail
	}

	if r.Cache != nil {
		r.Cache.Insert(key, resp, qc.Arrived)
	}
	resp = resp.Copy()
	resp.Id = q.Id
	resp.RecursionAvailable = true
	r.publishQuery(qc, q, resp, false, "", time.Since(qc.Arrived))
	return resp
}

// publishQuery emits a query-completed record on the event bus, matching the
// fields an external dashboard or log sink subscribes to. A nil Events bus
// makes this a no-op.
func (r *Resolver) publishQuery(qc QueryContext, q, resp *dns.Msg, cacheHit bool, queryErr string, elapsed time.Duration) {
	if r.Events == nil {
		return
	}
	r.Events.Publish(events.TopicQuery, map[string]any{
		"id":               qc.ID,
		"client_ip":        qc.Client.SourceIP,
		"transport":        qc.Client.Transport,
		"qname":            wire.QName(q),
		"qtype":            dnsTypeString(q.Question[0].Qtype),
		"rcode":            dns.RcodeToString[resp.Rcode],
		"response_time_ms": elapsed.Milliseconds(),
		"cache_hit":        cacheHit,
		"error":            queryErr,
	})
}

// forwardDeduped forwards q, collapsing concurrent requests for the same
// cache key into a single upstream query: every caller for the same key
// waits on the one in-flight attempt and receives its own copy of the
// result, rather than each issuing a redundant upstream query.
func (r *Resolver) forwardDeduped(ctx context.Context, q *dns.Msg, deadline time.Time, key cache.Key) (*dns.Msg, error) {
	groupKey := key.Name + "|" + dnsTypeString(key.Qtype)
	v, err, _ := r.group.Do(groupKey, func() (any, error) {
		return r.Forwarder.Forward(ctx, q, deadline)
	})
	if err != nil {
		return nil, err
	}
	return v.(*dns.Msg).Copy(), nil
}

func lowercaseQuestion(q dns.Question) dns.Question {
	q.Name = strings.ToLower(q.Name)
	return q
}

func dnsTypeString(t uint16) string {
	return dns.TypeToString[t]
}

func clientIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
