package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/stubd/stubd/internal/logging"
	"github.com/stubd/stubd/internal/metrics"
	"github.com/stubd/stubd/internal/resolve"
)

// TCPListener accepts DNS queries over TCP, 2-byte length-prefix framed per
// RFC 1035 §4.2.2. Queries on a connection are answered as they complete,
// not necessarily in the order received (pipelining).
type TCPListener struct {
	id          string
	addr        string
	ln          net.Listener
	handler     Resolver
	metrics     *metrics.Listener
	idleTimeout time.Duration
}

var _ Listener = (*TCPListener)(nil)

// DefaultIdleTimeout is how long an idle TCP connection is kept open before
// the listener closes it.
const DefaultIdleTimeout = 10 * time.Second

// NewTCPListener returns a TCP listener bound to addr, forwarding accepted
// queries to handler.
func NewTCPListener(id, addr string, handler Resolver) *TCPListener {
	return &TCPListener{id: id, addr: addr, handler: handler, metrics: metrics.NewListener(id), idleTimeout: DefaultIdleTimeout}
}

func (l *TCPListener) String() string { return l.id }

// Start binds the TCP socket and serves until Stop is called.
func (l *TCPListener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.ln = ln
	logging.Log.Info("starting listener", "id", l.id, "protocol", "tcp", "addr", l.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		go l.handleConn(conn)
	}
}

// pipelinedConn pairs a *dns.Conn with the mutex serializing writes to it:
// multiple in-flight queries on the same connection answer concurrently
// (handleQuery runs in its own goroutine per query), but dns.Conn.WriteMsg
// is not safe for concurrent callers, so every writer must hold writeMu.
type pipelinedConn struct {
	*dns.Conn
	writeMu sync.Mutex
}

func (c *pipelinedConn) writeMsg(m *dns.Msg) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.WriteMsg(m)
}

func (l *TCPListener) handleConn(conn net.Conn) {
	defer conn.Close()
	dconn := &pipelinedConn{Conn: &dns.Conn{Conn: conn}}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(l.idleTimeout))
		q, err := dconn.ReadMsg()
		if err != nil {
			return
		}
		go l.handleQuery(dconn, q, conn.RemoteAddr())
	}
}

func (l *TCPListener) handleQuery(dconn *pipelinedConn, q *dns.Msg, remote net.Addr) {
	l.metrics.Query()

	ci := clientInfoFor(l.id, "tcp", remote)
	qc := resolve.NewQueryContext(q, ci, time.Now(), DefaultQueryBudget)
	resp := l.handler.Resolve(context.Background(), qc)
	if resp == nil {
		l.metrics.Dropped()
		return
	}

	rcode := rcodeString(resp)
	l.metrics.Response(rcode)
	if resp.Rcode == dns.RcodeRefused {
		l.metrics.Refused()
	}
	_ = dconn.writeMsg(resp)
}

// Stop closes the TCP listening socket, interrupting the accept loop. It
// does not forcibly close already-accepted connections; those drain on
// their own idle timeout.
func (l *TCPListener) Stop(ctx context.Context) error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
