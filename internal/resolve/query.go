package resolve

import (
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/stubd/stubd/internal/logging"
)

// QueryContext carries the bookkeeping the pipeline threads through a
// single inbound query: an internal id for tracing, where it came from,
// when it arrived, and the deadline it must be answered by.
type QueryContext struct {
	ID       string
	Client   logging.ClientInfo
	Arrived  time.Time
	Deadline time.Time
	Msg      *dns.Msg
}

// NewQueryContext builds a QueryContext for an inbound message arriving at
// now, with deadline computed as now+budget.
func NewQueryContext(msg *dns.Msg, ci logging.ClientInfo, now time.Time, budget time.Duration) QueryContext {
	return QueryContext{
		ID:       uuid.NewString(),
		Client:   ci,
		Arrived:  now,
		Deadline: now.Add(budget),
		Msg:      msg,
	}
}
