// Package upstream holds the configured upstream resolvers and their
// health/latency state. The forwarder (internal/forward) is the only
// writer of health state, through the narrow ReportSuccess/ReportFailure
// methods below, selecting among upstreams by ascending EMA latency with
// per-upstream failure tracking and cooldown.
package upstream

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/stubd/stubd/internal/events"
)

// Health is the lifecycle state of an upstream endpoint.
type Health int

const (
	Healthy Health = iota
	Probing
	Failed
)

// Upstream is a configured upstream DNS server plus its live health state.
type Upstream struct {
	Address string
	Port    int

	mu                 sync.Mutex
	health             Health
	consecutiveFailure int
	cooldownUntil      time.Time
	emaMillis          float64
	probeInFlight      bool
	bus                *events.Bus
}

// emaAlpha is the smoothing factor for the rolling latency average:
// ema = (1-emaAlpha)*ema + emaAlpha*observed.
const emaAlpha = 0.2

// failThreshold is the number of consecutive failures before an upstream is
// marked Failed.
const failThreshold = 3

// snapshot is an immutable, sortable view of an upstream's state, used so
// selection can read without holding the per-upstream lock across the sort.
type snapshot struct {
	idx    int
	u      *Upstream
	health Health
	ema    float64
}

// Pool holds the upstreams in declared (priority tiebreak) order.
type Pool struct {
	upstreams []*Upstream
}

// NewPool returns a Pool over the given upstreams. On cold start every
// upstream is Healthy with EMA 0.
func NewPool(upstreams []*Upstream) *Pool {
	return &Pool{upstreams: upstreams}
}

// New is a convenience constructor building Upstreams from address/port
// pairs.
func New(addrs []string, ports []int) *Pool {
	ups := make([]*Upstream, len(addrs))
	for i, a := range addrs {
		port := 53
		if i < len(ports) && ports[i] != 0 {
			port = ports[i]
		}
		ups[i] = &Upstream{Address: a, Port: port, health: Healthy}
	}
	return NewPool(ups)
}

// Upstreams returns the pool's upstreams in declared order.
func (p *Pool) Upstreams() []*Upstream {
	return p.upstreams
}

// SetEvents wires bus into every upstream in the pool, so health transitions
// are published on the server topic (see internal/events).
func (p *Pool) SetEvents(bus *events.Bus) {
	for _, u := range p.upstreams {
		u.mu.Lock()
		u.bus = bus
		u.mu.Unlock()
	}
}

// Eligible returns upstreams available for selection at now: every Healthy
// upstream, plus any Failed upstream whose cooldown has expired (which
// becomes eligible for exactly one probe query), ordered by ascending EMA
// latency with declared order breaking ties.
func (p *Pool) Eligible(now time.Time) []*Upstream {
	snaps := make([]snapshot, 0, len(p.upstreams))
	for i, u := range p.upstreams {
		h, ema, eligible := u.evaluate(now)
		if !eligible {
			continue
		}
		snaps = append(snaps, snapshot{idx: i, u: u, health: h, ema: ema})
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].ema != snaps[j].ema {
			return snaps[i].ema < snaps[j].ema
		}
		return snaps[i].idx < snaps[j].idx
	})
	out := make([]*Upstream, len(snaps))
	for i, s := range snaps {
		out[i] = s.u
	}
	return out
}

// evaluate returns the upstream's current health/EMA and whether it's
// eligible for selection right now (Healthy, or Failed-but-cooled-down and
// not already probing).
func (u *Upstream) evaluate(now time.Time) (Health, float64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch u.health {
	case Healthy:
		return Healthy, u.emaMillis, true
	case Failed:
		if !now.Before(u.cooldownUntil) && !u.probeInFlight {
			u.probeInFlight = true
			return Probing, u.emaMillis, true
		}
		return Failed, u.emaMillis, false
	default:
		return u.health, u.emaMillis, false
	}
}

// ReportSuccess records a successful query against u, updating its latency
// EMA and resetting failure state to Healthy.
func (u *Upstream) ReportSuccess(latency time.Duration) {
	u.mu.Lock()
	ms := float64(latency.Milliseconds())
	if u.consecutiveFailure == 0 && u.health == Healthy {
		u.emaMillis = emaAlpha*ms + (1-emaAlpha)*u.emaMillis
	} else {
		// First sample after a failure streak (including a probe) seeds the EMA.
		u.emaMillis = ms
	}
	wasFailed := u.health == Failed
	u.consecutiveFailure = 0
	u.health = Healthy
	u.probeInFlight = false
	bus, addr := u.bus, u.Address
	u.mu.Unlock()

	if wasFailed && bus != nil {
		bus.Publish(events.TopicServer, map[string]any{"event": "upstream_recovered", "detail": addr})
	}
}

// ReportFailure records a failed attempt against u. After failThreshold
// consecutive failures the upstream is marked Failed with an exponential
// cooldown capped at 60s.
func (u *Upstream) ReportFailure(now time.Time) {
	u.mu.Lock()
	u.probeInFlight = false
	u.consecutiveFailure++
	crossedThreshold := false
	if u.consecutiveFailure >= failThreshold {
		crossedThreshold = u.health != Failed
		u.health = Failed
		cooldown := math.Pow(2, float64(u.consecutiveFailure))
		if cooldown > 60 {
			cooldown = 60
		}
		u.cooldownUntil = now.Add(time.Duration(cooldown) * time.Second)
	}
	bus, addr := u.bus, u.Address
	u.mu.Unlock()

	if crossedThreshold && bus != nil {
		bus.Publish(events.TopicServer, map[string]any{"event": "upstream_failed", "detail": addr})
	}
}

// State returns a point-in-time view of the upstream, for metrics/tests.
func (u *Upstream) State() (health Health, consecutiveFailures int, emaMillis float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.health, u.consecutiveFailure, u.emaMillis
}
