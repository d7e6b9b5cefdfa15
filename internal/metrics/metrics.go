// Package metrics exposes stubd's counters both as expvar variables (for
// zero-dependency introspection) and as Prometheus collectors (for scraping
// by an operator's existing monitoring stack).
package metrics

import (
	"expvar"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func varInt(component, id, name string) *expvar.Int {
	full := fmt.Sprintf("stubd.%s.%s.%s", component, id, name)
	if v := expvar.Get(full); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(full)
}

func varMap(component, id, name string) *expvar.Map {
	full := fmt.Sprintf("stubd.%s.%s.%s", component, id, name)
	if v := expvar.Get(full); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(full)
}

// Listener holds the counters for one frontend listener (udp/tcp), mirrored
// to both expvar and Prometheus.
type Listener struct {
	query    *expvar.Int
	response *expvar.Map
	dropped  *expvar.Int
	refused  *expvar.Int

	promQuery    prometheus.Counter
	promResponse *prometheus.CounterVec
	promDropped  prometheus.Counter
	promRefused  prometheus.Counter
}

var (
	listenersMu sync.Mutex
	listeners   = map[string]*Listener{}
)

// NewListener returns counters scoped to a listener id (e.g. "udp", "tcp").
// Calling it twice with the same id returns the same collectors rather than
// attempting (and panicking on) a duplicate Prometheus registration.
func NewListener(id string) *Listener {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	if l, ok := listeners[id]; ok {
		return l
	}
	l := newListener(id)
	listeners[id] = l
	return l
}

func newListener(id string) *Listener {
	return &Listener{
		query:    varInt("listener", id, "query"),
		response: varMap("listener", id, "response"),
		dropped:  varInt("listener", id, "dropped"),
		refused:  varInt("listener", id, "refused"),

		promQuery: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "stubd_listener_queries_total",
			Help:        "Queries received by a listener.",
			ConstLabels: prometheus.Labels{"listener": id},
		}),
		promResponse: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "stubd_listener_responses_total",
			Help:        "Responses sent by a listener, labeled by rcode.",
			ConstLabels: prometheus.Labels{"listener": id},
		}, []string{"rcode"}),
		promDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "stubd_listener_dropped_total",
			Help:        "Malformed packets dropped without a reply.",
			ConstLabels: prometheus.Labels{"listener": id},
		}),
		promRefused: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "stubd_listener_refused_total",
			Help:        "REFUSED replies sent by a listener.",
			ConstLabels: prometheus.Labels{"listener": id},
		}),
	}
}

func (l *Listener) Query() {
	l.query.Add(1)
	l.promQuery.Inc()
}

func (l *Listener) Response(rcode string) {
	l.response.Add(rcode, 1)
	l.promResponse.WithLabelValues(rcode).Inc()
}

func (l *Listener) Dropped() {
	l.dropped.Add(1)
	l.promDropped.Inc()
}

func (l *Listener) Refused() {
	l.refused.Add(1)
	l.promRefused.Inc()
}

// Cache holds cache hit/miss/eviction counters.
type Cache struct {
	hits      *expvar.Int
	misses    *expvar.Int
	evictions *expvar.Int

	promHits      prometheus.Counter
	promMisses    prometheus.Counter
	promEvictions prometheus.Counter
}

var (
	cacheOnce    sync.Once
	cacheMetrics *Cache
)

// NewCache returns the process-wide cache counters. stubd has exactly one
// cache, so this is a singleton: the Prometheus collectors are registered
// once regardless of how many times NewCache is called (tests construct
// multiple *cache.Cache instances in one process).
func NewCache() *Cache {
	cacheOnce.Do(func() {
		cacheMetrics = &Cache{
			hits:      varInt("cache", "default", "hits"),
			misses:    varInt("cache", "default", "misses"),
			evictions: varInt("cache", "default", "evictions"),

			promHits:      promauto.NewCounter(prometheus.CounterOpts{Name: "stubd_cache_hits_total", Help: "Cache hits."}),
			promMisses:    promauto.NewCounter(prometheus.CounterOpts{Name: "stubd_cache_misses_total", Help: "Cache misses."}),
			promEvictions: promauto.NewCounter(prometheus.CounterOpts{Name: "stubd_cache_evictions_total", Help: "Cache evictions."}),
		}
	})
	return cacheMetrics
}

func (c *Cache) Hit()      { c.hits.Add(1); c.promHits.Inc() }
func (c *Cache) Miss()     { c.misses.Add(1); c.promMisses.Inc() }
func (c *Cache) Eviction() { c.evictions.Add(1); c.promEvictions.Inc() }
