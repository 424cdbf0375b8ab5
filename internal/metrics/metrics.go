// Package metrics exports pool statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deploymenttheory/go-zpool/internal/spa"
)

const namespace = "zpool"

// StatsSource is anything that can report a pool status snapshot.
type StatsSource interface {
	Status() spa.Status
}

// Collector reads a fresh snapshot from its source on every scrape.
type Collector struct {
	src StatsSource

	space        *prometheus.Desc
	allocated    *prometheus.Desc
	adjusted     *prometheus.Desc
	syncedTxg    *prometheus.Desc
	queuePending *prometheus.Desc
	queueMax     *prometheus.Desc
	cacheBytes   *prometheus.Desc
	cacheHits    *prometheus.Desc
	cacheMisses  *prometheus.Desc
	cacheEvicted *prometheus.Desc
	ops          *prometheus.Desc
	errors       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector over src.
func NewCollector(src StatsSource) *Collector {
	pool := []string{"pool"}
	leaf := []string{"pool", "vdev"}
	return &Collector{
		src:          src,
		space:        prometheus.NewDesc(namespace+"_space_bytes", "Allocatable bytes in the pool.", pool, nil),
		allocated:    prometheus.NewDesc(namespace+"_allocated_bytes", "Bytes allocated as of the last synced txg.", pool, nil),
		adjusted:     prometheus.NewDesc(namespace+"_adjusted_size_bytes", "Space available to dataset writes after the reserve.", pool, nil),
		syncedTxg:    prometheus.NewDesc(namespace+"_synced_txg", "Last synced transaction group.", pool, nil),
		queuePending: prometheus.NewDesc(namespace+"_vdev_queue_pending", "I/Os dispatched to a leaf and not yet complete.", leaf, nil),
		queueMax:     prometheus.NewDesc(namespace+"_vdev_queue_max_pending", "Current in-flight window of a leaf.", leaf, nil),
		cacheBytes:   prometheus.NewDesc(namespace+"_vdev_cache_bytes", "Bytes held by a leaf read cache.", leaf, nil),
		cacheHits:    prometheus.NewDesc(namespace+"_vdev_cache_hits_total", "Leaf cache hits.", leaf, nil),
		cacheMisses:  prometheus.NewDesc(namespace+"_vdev_cache_misses_total", "Leaf cache misses.", leaf, nil),
		cacheEvicted: prometheus.NewDesc(namespace+"_vdev_cache_evictions_total", "Leaf cache evictions.", leaf, nil),
		ops:          prometheus.NewDesc(namespace+"_vdev_ops_total", "Completed leaf I/Os.", []string{"pool", "vdev", "type"}, nil),
		errors:       prometheus.NewDesc(namespace+"_vdev_errors_total", "Leaf I/O errors.", []string{"pool", "vdev", "type"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.space, c.allocated, c.adjusted, c.syncedTxg,
		c.queuePending, c.queueMax,
		c.cacheBytes, c.cacheHits, c.cacheMisses, c.cacheEvicted,
		c.ops, c.errors,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Status()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.space, float64(st.Space), st.Name)
	gauge(c.allocated, float64(st.Allocated), st.Name)
	gauge(c.adjusted, float64(st.AdjustedSize), st.Name)
	gauge(c.syncedTxg, float64(st.SyncedTxg), st.Name)

	for _, vs := range st.Vdevs {
		if !vs.Leaf {
			continue
		}
		if vs.Queue != nil {
			gauge(c.queuePending, float64(vs.Queue.Pending), st.Name, vs.Name)
			gauge(c.queueMax, float64(vs.Queue.MaxPending), st.Name, vs.Name)
		}
		if vs.Cache != nil {
			gauge(c.cacheBytes, float64(vs.Cache.Bytes), st.Name, vs.Name)
			counter(c.cacheHits, vs.Cache.Hits, st.Name, vs.Name)
			counter(c.cacheMisses, vs.Cache.Misses, st.Name, vs.Name)
			counter(c.cacheEvicted, vs.Cache.Evictions, st.Name, vs.Name)
		}
		counter(c.ops, vs.ReadOps, st.Name, vs.Name, "read")
		counter(c.ops, vs.WriteOps, st.Name, vs.Name, "write")
		counter(c.errors, vs.ReadErrors, st.Name, vs.Name, "read")
		counter(c.errors, vs.WriteErrors, st.Name, vs.Name, "write")
		counter(c.errors, vs.ChecksumErrors, st.Name, vs.Name, "checksum")
	}
}

// Handler returns an HTTP handler serving src's metrics from a private
// registry.
func Handler(src StatsSource) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
