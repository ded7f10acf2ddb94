package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exports the change store's pgxpool statistics. Stats are
// read during each scrape.
type PoolCollector struct {
	pool *pgxpool.Pool

	acquireCount    *prometheus.Desc
	acquireDuration *prometheus.Desc
	acquiredConns   *prometheus.Desc
	emptyAcquire    *prometheus.Desc
	idleConns       *prometheus.Desc
	maxConns        *prometheus.Desc
	totalConns      *prometheus.Desc
}

func poolDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "store_pool", name), help, nil, nil)
}

// NewPoolCollector creates a collector for pool. A nil pool collects nothing.
func NewPoolCollector(pool *pgxpool.Pool) *PoolCollector {
	return &PoolCollector{
		pool:            pool,
		acquireCount:    poolDesc("acquire_count", "Cumulative count of successful connection acquires."),
		acquireDuration: poolDesc("acquire_duration_seconds", "Cumulative time spent acquiring connections."),
		acquiredConns:   poolDesc("acquired_conns", "Connections currently acquired."),
		emptyAcquire:    poolDesc("empty_acquire_count", "Cumulative acquires that waited on an empty pool."),
		idleConns:       poolDesc("idle_conns", "Idle connections in the pool."),
		maxConns:        poolDesc("max_conns", "Maximum connections allowed."),
		totalConns:      poolDesc("total_conns", "Total connections in the pool."),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquireCount
	ch <- c.acquireDuration
	ch <- c.acquiredConns
	ch <- c.emptyAcquire
	ch <- c.idleConns
	ch <- c.maxConns
	ch <- c.totalConns
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool == nil {
		return
	}
	stat := c.pool.Stat()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	gauge(c.acquireCount, float64(stat.AcquireCount()))
	gauge(c.acquireDuration, stat.AcquireDuration().Seconds())
	gauge(c.acquiredConns, float64(stat.AcquiredConns()))
	gauge(c.emptyAcquire, float64(stat.EmptyAcquireCount()))
	gauge(c.idleConns, float64(stat.IdleConns()))
	gauge(c.maxConns, float64(stat.MaxConns()))
	gauge(c.totalConns, float64(stat.TotalConns()))
}
