// Package transport implements the UDP and TCP frontends that accept
// inbound DNS queries and hand them to a resolver.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/stubd/stubd/internal/logging"
	"github.com/stubd/stubd/internal/resolve"
)

// Listener is a running frontend that can be stopped.
type Listener interface {
	Start() error
	Stop(ctx context.Context) error
	String() string
}

// Resolver is the subset of *resolve.Resolver a listener depends on.
type Resolver interface {
	Resolve(ctx context.Context, qc resolve.QueryContext) *dns.Msg
}

func rcodeString(m *dns.Msg) string {
	return dns.RcodeToString[m.Rcode]
}

func clientInfoFor(id, proto string, addr net.Addr) logging.ClientInfo {
	return logging.ClientInfo{Listener: id, SourceIP: addr.String(), Transport: proto}
}

// DefaultQueryBudget is the deadline given to a query when none is
// otherwise specified.
const DefaultQueryBudget = 5 * time.Second
