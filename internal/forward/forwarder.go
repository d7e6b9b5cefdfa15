// Package forward implements the forwarding resolver: issuing queries to
// upstreams with a per-attempt timeout, retrying across upstreams on
// failure, and escalating from UDP to TCP on truncation.
package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/stubd/stubd/internal/upstream"
)

// ErrAllUpstreamsFailed is returned when no upstream answered before the
// overall deadline.
var ErrAllUpstreamsFailed = errors.New("all upstreams failed")

// Options configures a Forwarder.
type Options struct {
	MaxAttempts       int
	PerAttemptTimeout time.Duration
}

// DefaultOptions returns the default attempt budget and per-attempt timeout.
func DefaultOptions() Options {
	return Options{MaxAttempts: 3, PerAttemptTimeout: 2 * time.Second}
}

// Forwarder forwards questions to a Pool of upstreams.
type Forwarder struct {
	pool   *upstream.Pool
	client Client
	opt    Options
}

// New returns a Forwarder over pool, exchanging queries via client.
func New(pool *upstream.Pool, client Client, opt Options) *Forwarder {
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 3
	}
	if opt.PerAttemptTimeout <= 0 {
		opt.PerAttemptTimeout = 2 * time.Second
	}
	return &Forwarder{pool: pool, client: client, opt: opt}
}

// Forward resolves q against the upstream pool, honoring deadline as the
// overall cutoff across every attempt. It returns the first well-formed
// reply (NXDOMAIN and NODATA count as success) or ErrAllUpstreamsFailed.
func (f *Forwarder) Forward(ctx context.Context, q *dns.Msg, deadline time.Time) (*dns.Msg, error) {
	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < f.opt.MaxAttempts; attempt++ {
		if !time.Now().Before(deadline) {
			break
		}
		u := f.nextEligible(tried)
		if u == nil {
			break
		}
		tried[u.Address] = true

		resp, err := f.attempt(ctx, u, q, deadline)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllUpstreamsFailed, lastErr)
	}
	return nil, ErrAllUpstreamsFailed
}

// nextEligible returns the highest-priority eligible upstream not yet tried
// this Forward call.
func (f *Forwarder) nextEligible(tried map[string]bool) *upstream.Upstream {
	for _, u := range f.pool.Eligible(time.Now()) {
		if !tried[u.Address] {
			return u
		}
	}
	return nil
}

// attempt runs a single query attempt against u: send, await reply or
// timeout, and retry over TCP against the same upstream if the UDP reply
// came back truncated.
func (f *Forwarder) attempt(ctx context.Context, u *upstream.Upstream, q *dns.Msg, deadline time.Time) (*dns.Msg, error) {
	timeout := f.opt.PerAttemptTimeout
	if remaining := time.Until(deadline); remaining < timeout {
		timeout = remaining
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(u.Address, strconv.Itoa(u.Port))
	outbound := q.Copy()
	outbound.Id = dns.Id()

	start := time.Now()
	resp, _, err := f.client.Exchange(attemptCtx, "udp", addr, outbound)
	if err != nil {
		u.ReportFailure(time.Now())
		return nil, fmt.Errorf("upstream %s: %w", u.Address, err)
	}
	if err := validateReply(outbound, resp); err != nil {
		u.ReportFailure(time.Now())
		return nil, fmt.Errorf("upstream %s: %w", u.Address, err)
	}

	if resp.Truncated {
		tcpResp, _, err := f.client.Exchange(attemptCtx, "tcp", addr, outbound)
		if err != nil {
			u.ReportFailure(time.Now())
			return nil, fmt.Errorf("upstream %s tcp retry: %w", u.Address, err)
		}
		if err := validateReply(outbound, tcpResp); err != nil {
			u.ReportFailure(time.Now())
			return nil, fmt.Errorf("upstream %s tcp retry: %w", u.Address, err)
		}
		u.ReportSuccess(time.Since(start))
		return tcpResp, nil
	}

	u.ReportSuccess(time.Since(start))
	return resp, nil
}

// validateReply checks that the reply's transaction id and question triple
// match what was sent, defeating off-path and cache-poisoning-style
// mismatches.
func validateReply(sent, reply *dns.Msg) error {
	if reply == nil {
		return errors.New("nil reply")
	}
	if reply.Id != sent.Id {
		return fmt.Errorf("transaction id mismatch: sent %d, got %d", sent.Id, reply.Id)
	}
	if len(reply.Question) != 1 || len(sent.Question) != 1 {
		return errors.New("question section missing in reply")
	}
	sq, rq := sent.Question[0], reply.Question[0]
	if !strings.EqualFold(sq.Name, rq.Name) || sq.Qtype != rq.Qtype || sq.Qclass != rq.Qclass {
		return fmt.Errorf("question mismatch: sent %s/%d/%d, got %s/%d/%d",
			sq.Name, sq.Qtype, sq.Qclass, rq.Name, rq.Qtype, rq.Qclass)
	}
	return nil
}
