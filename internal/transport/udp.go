package transport

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/stubd/stubd/internal/logging"
	"github.com/stubd/stubd/internal/metrics"
	"github.com/stubd/stubd/internal/resolve"
	"github.com/stubd/stubd/internal/wire"
)

// UDPListener accepts DNS queries over UDP, answering (and truncating, per
// the client's advertised or default EDNS0 buffer size) within a single
// packet exchange.
type UDPListener struct {
	id      string
	addr    string
	conn    *net.UDPConn
	handler Resolver
	metrics *metrics.Listener

	closed chan struct{}
}

var _ Listener = (*UDPListener)(nil)

// NewUDPListener returns a UDP listener bound to addr, forwarding accepted
// queries to handler.
func NewUDPListener(id, addr string, handler Resolver) *UDPListener {
	return &UDPListener{id: id, addr: addr, handler: handler, metrics: metrics.NewListener(id), closed: make(chan struct{})}
}

func (l *UDPListener) String() string { return l.id }

// Start binds the UDP socket and serves until Stop is called.
func (l *UDPListener) Start() error {
	udpAddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	l.conn = conn
	logging.Log.Info("starting listener", "id", l.id, "protocol", "udp", "addr", l.addr)

	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
				continue
			}
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		go l.handlePacket(packet, remote)
	}
}

func (l *UDPListener) handlePacket(packet []byte, remote *net.UDPAddr) {
	l.metrics.Query()

	q, err := wire.Parse(packet)
	if err != nil {
		// Malformed packets that can't even be unpacked enough to recover an
		// id and question are dropped silently rather than answered.
		l.metrics.Dropped()
		return
	}

	ci := clientInfoFor(l.id, "udp", remote)
	qc := resolve.NewQueryContext(q, ci, time.Now(), DefaultQueryBudget)
	resp := l.handler.Resolve(context.Background(), qc)
	if resp == nil {
		l.metrics.Dropped()
		return
	}

	maxLen := wire.UDPSizeFor(q)
	out, _, err := wire.Serialize(resp, maxLen)
	if err != nil {
		l.metrics.Dropped()
		return
	}
	l.metrics.Response(rcodeString(resp))
	if resp.Rcode == dns.RcodeRefused {
		l.metrics.Refused()
	}
	_, _ = l.conn.WriteToUDP(out, remote)
}

// Stop closes the UDP socket, interrupting the accept loop.
func (l *UDPListener) Stop(ctx context.Context) error {
	close(l.closed)
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}
