package forward

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Client sends a single query to addr over network ("udp" or "tcp") and
// returns the reply, matching the shape of *dns.Client.ExchangeContext.
type Client interface {
	Exchange(ctx context.Context, network, addr string, q *dns.Msg) (*dns.Msg, time.Duration, error)
}

// DNSClient is the production Client: this package owns retry/failover
// policy, miekg/dns owns the on-the-wire exchange.
type DNSClient struct {
	udp, tcp *dns.Client
}

var _ Client = (*DNSClient)(nil)

// NewDNSClient returns a Client using separate *dns.Client instances for
// UDP and TCP transport.
func NewDNSClient() *DNSClient {
	return &DNSClient{
		udp: &dns.Client{Net: "udp"},
		tcp: &dns.Client{Net: "tcp"},
	}
}

func (c *DNSClient) Exchange(ctx context.Context, network, addr string, q *dns.Msg) (*dns.Msg, time.Duration, error) {
	client := c.udp
	if network == "tcp" {
		client = c.tcp
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	resp, rtt, err := client.ExchangeContext(ctx, q, addr)
	if err != nil {
		return nil, rtt, fmt.Errorf("exchange with %s over %s: %w", addr, network, err)
	}
	return resp, rtt, nil
}
