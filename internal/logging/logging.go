// Package logging provides the package-level structured logger used across
// stubd: a single overridable Log variable that every component derives a
// scoped logger from.
package logging

import (
	"io"
	"log/slog"

	"github.com/miekg/dns"
)

// Log is the logger used throughout stubd. It defaults to a handler that
// discards everything, so importing stubd as a library produces no output
// unless the embedding application assigns its own logger.
var Log = slog.New(slog.NewTextHandler(io.Discard, nil))

// SetLevel installs a new text handler at the given level, writing to w.
func SetLevel(w io.Writer, level slog.Level) {
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// ClientInfo carries the metadata the frontends know about the requesting
// client and attach to every query for logging, ACL, and rate-limiting.
type ClientInfo struct {
	// Listener is the id of the frontend that accepted the query (udp, tcp).
	Listener string
	// SourceIP is the client's address.
	SourceIP string
	// Transport is "udp" or "tcp".
	Transport string
}

// QName returns the name of the first question in q, or "" if q has none.
func QName(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// For derives a logger scoped to a component id and an in-flight query.
func For(component, id string, q *dns.Msg, ci ClientInfo) *slog.Logger {
	l := Log.With("component", component, "id", id)
	if q != nil {
		l = l.With("qname", QName(q))
	}
	if ci.SourceIP != "" {
		l = l.With("client", ci.SourceIP)
	}
	return l
}
