package control

import (
	"bytes"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process counters the STATS command reports and
// registers them with a Prometheus registry so an external scrape
// endpoint can export the same numbers.
type Metrics struct {
	Requests      prometheus.Counter
	Responses2xx  prometheus.Counter
	Responses4xx  prometheus.Counter
	Responses5xx  prometheus.Counter
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	WidgetFanout  prometheus.Counter
	StockBorrowed prometheus.Gauge
	StockIdle     prometheus.Gauge
	BytesSent     prometheus.Counter
}

// NewMetrics creates and registers the counter set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bengproxy_requests_total", Help: "Client requests accepted.",
		}),
		Responses2xx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bengproxy_responses_2xx_total", Help: "Successful responses.",
		}),
		Responses4xx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bengproxy_responses_4xx_total", Help: "Client-error responses.",
		}),
		Responses5xx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bengproxy_responses_5xx_total", Help: "Server-error responses.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bengproxy_cache_hits_total", Help: "Response-cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bengproxy_cache_misses_total", Help: "Response-cache misses.",
		}),
		WidgetFanout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bengproxy_widget_subrequests_total", Help: "Widget sub-requests issued.",
		}),
		StockBorrowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bengproxy_stock_borrowed", Help: "Stock items currently borrowed.",
		}),
		StockIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bengproxy_stock_idle", Help: "Stock items currently idle.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bengproxy_bytes_sent_total", Help: "Response bytes sent to clients.",
		}),
	}
	reg.MustRegister(m.Requests, m.Responses2xx, m.Responses4xx, m.Responses5xx,
		m.CacheHits, m.CacheMisses, m.WidgetFanout, m.StockBorrowed, m.StockIdle, m.BytesSent)
	return m
}

// Snapshot is the STATS reply content, filled by the caller from its
// live subsystems at render time.
type Snapshot struct {
	Requests     uint64
	CacheHits    uint64
	CacheMisses  uint64
	CacheBytes   int64
	Sessions     int
	StockIdle    int
	StockBorrow  int
	BytesSent    uint64
}

// Render produces the human-readable STATS payload.
func (s *Snapshot) Render() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "requests: %s\n", humanize.Comma(int64(s.Requests)))
	fmt.Fprintf(&b, "cache: %s hits, %s misses, %s stored\n",
		humanize.Comma(int64(s.CacheHits)),
		humanize.Comma(int64(s.CacheMisses)),
		humanize.IBytes(uint64(s.CacheBytes)))
	fmt.Fprintf(&b, "sessions: %d\n", s.Sessions)
	fmt.Fprintf(&b, "stock: %d borrowed, %d idle\n", s.StockBorrow, s.StockIdle)
	fmt.Fprintf(&b, "sent: %s\n", humanize.IBytes(s.BytesSent))
	return b.Bytes()
}
