/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NVIDIA/molt/nlog"
)

// Collector is the worker's process-wide Prometheus registry, mirroring the
// teacher's coreStats.Tracker map-of-counters idiom (stats/common_statsd.go)
// but swapped onto client_golang the way the teacher's own non-statsd build
// of the same package does.
type Collector struct {
	reg *prometheus.Registry

	requests   *prometheus.CounterVec // by status
	queueDepth prometheus.Gauge
	inFlight   prometheus.Gauge
	latency    *prometheus.HistogramVec // by phase: queue/handler/exec/decode

	poolInUse  *prometheus.GaugeVec // by db_alias
	poolIdle   *prometheus.GaugeVec
	poolWaiter *prometheus.GaugeVec

	mu       sync.Mutex
	snapshot map[string]float64
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "molt_worker_requests_total",
			Help: "Completed requests by terminal status.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "molt_worker_queue_depth",
			Help: "Current inbound queue depth.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "molt_worker_in_flight",
			Help: "Requests currently being handled.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "molt_worker_phase_seconds",
			Help:    "Per-phase request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		poolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "molt_db_pool_in_use",
			Help: "Leased connections per db_alias.",
		}, []string{"db_alias"}),
		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "molt_db_pool_idle",
			Help: "Idle connections per db_alias.",
		}, []string{"db_alias"}),
		poolWaiter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "molt_db_pool_waiters",
			Help: "FIFO acquire waiters per db_alias.",
		}, []string{"db_alias"}),
		snapshot: map[string]float64{},
	}
	c.reg.MustRegister(c.requests, c.queueDepth, c.inFlight, c.latency, c.poolInUse, c.poolIdle, c.poolWaiter)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) ObserveTerminal(status string, m *RequestMetrics) {
	c.requests.WithLabelValues(status).Inc()
	c.latency.WithLabelValues("queue").Observe(m.QueueUs / 1e6)
	c.latency.WithLabelValues("handler").Observe(m.HandlerUs / 1e6)
	c.latency.WithLabelValues("exec").Observe(m.ExecUs / 1e6)
	c.latency.WithLabelValues("decode").Observe(m.DecodeUs / 1e6)

	c.mu.Lock()
	c.snapshot["requests_total_"+status]++
	c.mu.Unlock()
}

func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
	c.mu.Lock()
	c.snapshot["queue_depth"] = float64(n)
	c.mu.Unlock()
}

func (c *Collector) SetInFlight(n int) {
	c.inFlight.Set(float64(n))
	c.mu.Lock()
	c.snapshot["in_flight"] = float64(n)
	c.mu.Unlock()
}

func (c *Collector) SetPoolGauges(alias string, inUse, idle, waiters int) {
	c.poolInUse.WithLabelValues(alias).Set(float64(inUse))
	c.poolIdle.WithLabelValues(alias).Set(float64(idle))
	c.poolWaiter.WithLabelValues(alias).Set(float64(waiters))

	c.mu.Lock()
	c.snapshot["pool_in_use_"+alias] = float64(inUse)
	c.snapshot["pool_idle_"+alias] = float64(idle)
	c.snapshot["pool_waiters_"+alias] = float64(waiters)
	c.mu.Unlock()
}

// RunSnapshotWriter periodically dumps the latest gauges to path as JSON,
// mirroring the teacher's stats runner writing periodic snapshots to disk.
// It returns once stop is closed.
func (c *Collector) RunSnapshotWriter(path string, interval time.Duration, stop <-chan struct{}) {
	if path == "" {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := c.writeSnapshot(path); err != nil {
				nlog.Warningf("metrics snapshot write failed: %v", err)
			}
		}
	}
}

func (c *Collector) writeSnapshot(path string) error {
	c.mu.Lock()
	cp := make(map[string]float64, len(c.snapshot))
	for k, v := range c.snapshot {
		cp[k] = v
	}
	c.mu.Unlock()

	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
