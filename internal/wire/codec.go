// Package wire implements the RFC 1035 message codec stubd uses to parse
// inbound packets and serialize outbound responses. It is a thin contract
// layer over github.com/miekg/dns, which owns the actual byte-level
// marshalling (name compression, pointer-loop guards, section framing).
// This package adds the policy layered on top: a typed FormatError,
// opcode/question-count validation, and the UDP truncation contract.
package wire

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

// DefaultUDPSize is the maximum response size assumed for a UDP client that
// did not advertise an EDNS0 buffer size.
const DefaultUDPSize = dns.MinMsgSize // 512

// MaxUDPSize is the upper bound applied to a client-advertised EDNS0 buffer
// size.
const MaxUDPSize = 4096

// FormatError indicates the inbound packet could not be parsed as a valid
// DNS message.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string { return fmt.Sprintf("malformed dns message: %v", e.Err) }
func (e *FormatError) Unwrap() error { return e.Err }

// ErrNotImplemented is returned when a query uses an opcode other than the
// standard QUERY opcode.
var ErrNotImplemented = errors.New("unsupported opcode")

// ErrMultiQuestion is returned for messages carrying more than one question,
// which this resolver does not support (nor does any real-world client rely
// on, per RFC 1035 §4.1.2's note that the field is not actually used).
var ErrMultiQuestion = errors.New("multiple questions in query")

// ErrNoQuestion is returned for messages with an empty question section.
var ErrNoQuestion = errors.New("no question in query")

// Parse decodes raw bytes into a DNS message. Any error returned is always
// wrapped in a *FormatError so callers can test with errors.As.
func Parse(data []byte) (*dns.Msg, error) {
	if len(data) < 12 {
		return nil, &FormatError{Err: errors.New("packet shorter than DNS header")}
	}
	m := new(dns.Msg)
	if err := m.Unpack(data); err != nil {
		return nil, &FormatError{Err: err}
	}
	return m, nil
}

// ValidateQuery checks that an inbound message is a single-question standard
// QUERY. It does not check the RR class; callers that care about class IN
// enforcement do so explicitly since the RCODE for that case (REFUSED)
// differs from a format violation.
func ValidateQuery(m *dns.Msg) error {
	if m.Response {
		return &FormatError{Err: errors.New("message is a response, not a query")}
	}
	if len(m.Question) == 0 {
		return ErrNoQuestion
	}
	if len(m.Question) > 1 {
		return ErrMultiQuestion
	}
	if m.Opcode != dns.OpcodeQuery {
		return ErrNotImplemented
	}
	return nil
}

// Serialize packs m into wire format. When maxLen is greater than zero (the
// UDP case), the message is truncated to fit — trailing RRs are dropped and
// TC is set, while the question section is always preserved — and the
// second return value reports whether truncation occurred. When maxLen is
// zero (the TCP case, framed separately by the length prefix) no size cap
// is applied.
func Serialize(m *dns.Msg, maxLen int) ([]byte, bool, error) {
	if maxLen > 0 {
		m.Truncate(maxLen)
	}
	b, err := m.Pack()
	if err != nil {
		return nil, false, fmt.Errorf("serializing response: %w", err)
	}
	return b, m.Truncated, nil
}

// UDPSizeFor returns the max response size to negotiate for a UDP query: the
// client's advertised EDNS0 buffer size clamped to [DefaultUDPSize,
// MaxUDPSize], or DefaultUDPSize if no OPT record is present.
func UDPSizeFor(q *dns.Msg) int {
	opt := q.IsEdns0()
	if opt == nil {
		return DefaultUDPSize
	}
	size := int(opt.UDPSize())
	if size < DefaultUDPSize {
		return DefaultUDPSize
	}
	if size > MaxUDPSize {
		return MaxUDPSize
	}
	return size
}

// QName returns the name of the first question in m, or "" if there is none.
func QName(m *dns.Msg) string {
	if len(m.Question) == 0 {
		return ""
	}
	return m.Question[0].Name
}

// NXDomain builds an NXDOMAIN reply to q.
func NXDomain(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeNameError)
	return a
}

// ServFail builds a SERVFAIL reply to q.
func ServFail(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeServerFailure)
	return a
}

// Refused builds a REFUSED reply to q.
func Refused(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeRefused)
	return a
}

// NotImplemented builds a NOTIMP reply to q.
func NotImplemented(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeNotImplemented)
	return a
}

// FormErr builds a FORMERR reply to q. This should only be sent when the
// header was parseable enough to recover an id and question; otherwise the
// caller should drop the packet instead of calling this.
func FormErr(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, dns.RcodeFormatError)
	return a
}
